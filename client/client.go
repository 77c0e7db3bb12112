package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/wricardo/mtls-chat/chat/protocol"
	"github.com/wricardo/mtls-chat/internal/netutil"
)

var (
	// ErrServerClosed is returned by Receive once the server has closed
	// the connection.
	ErrServerClosed = errors.New("server closed the connection")

	// ErrLoginRejected wraps the server's rejection line.
	ErrLoginRejected = errors.New("login rejected")

	// ErrInputTooLong reports an operator line the server would reject.
	ErrInputTooLong = errors.New("input line too long")
)

// Conn is a client connection to the chat server after a successful TLS
// handshake. Send and Receive may be used from different goroutines.
type Conn struct {
	conn    *tls.Conn
	reader  *protocol.LineReader
	writeMu sync.Mutex
	logger  *slog.Logger

	// maxLineBytes is the longest line the server accepts from us.
	maxLineBytes int

	closeOnce sync.Once
}

// Option configures Dial.
type Option func(*dialOptions)

type dialOptions struct {
	maxLineBytes int
}

// WithMaxLineBytes matches the server's chat line limit. Received lines may
// be longer by the sender prefix, so the receive limit is derived from it.
func WithMaxLineBytes(n int) Option {
	return func(o *dialOptions) {
		o.maxLineBytes = n
	}
}

// Dial connects to addr and completes the mutual TLS handshake.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, logger *slog.Logger, opts ...Option) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := dialOptions{maxLineBytes: protocol.DefaultMaxLineBytes}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxLineBytes <= 0 {
		o.maxLineBytes = protocol.DefaultMaxLineBytes
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{KeepAlive: 30 * time.Second},
		Config:    tlsConfig,
	}

	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	conn := nc.(*tls.Conn)
	state := conn.ConnectionState()
	subject := ""
	if len(state.PeerCertificates) > 0 {
		subject = state.PeerCertificates[0].Subject.CommonName
	}
	logger.Debug("connected", "remote", addr, "server_cn", subject, "tls_version", tls.VersionName(state.Version))

	return &Conn{
		conn:         conn,
		reader:       protocol.NewLineReader(conn, protocol.FormattedLineLimit(o.maxLineBytes)),
		logger:       logger,
		maxLineBytes: o.maxLineBytes,
	}, nil
}

// Login sends the login line. It does not wait for the server's answer;
// the welcome or rejection arrives through Receive.
func (c *Conn) Login(username string) error {
	return c.Send(protocol.LoginLine(username))
}

// AwaitWelcome reads lines until the welcome line for username. A
// rejection line ends the login with ErrLoginRejected.
func (c *Conn) AwaitWelcome(username string) error {
	welcome := protocol.WelcomeLine(username)
	for {
		line, err := c.Receive()
		if err != nil {
			return err
		}
		switch line {
		case welcome:
			return nil
		case protocol.LoginPrompt:
			continue
		case protocol.InvalidFormatLine,
			protocol.EmptyUsernameLine,
			protocol.UsernameTakenLine,
			protocol.ReservedUsernameLine,
			protocol.UsernameTooLongLine:
			return fmt.Errorf("%w: %s", ErrLoginRejected, line)
		}
	}
}

// Send writes one line. Embedded line breaks are not allowed.
func (c *Conn) Send(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("line contains a line break")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(protocol.Encode(line)); err != nil {
		if netutil.IsExpectedCloseError(err) {
			return ErrServerClosed
		}
		return err
	}
	return nil
}

// Receive blocks for the next line from the server. It returns
// ErrServerClosed when the server has closed the connection.
func (c *Conn) Receive() (string, error) {
	line, err := c.reader.ReadLine()
	if err != nil {
		if errors.Is(err, io.EOF) || netutil.IsExpectedCloseError(err) {
			return "", ErrServerClosed
		}
		return "", err
	}
	return line, nil
}

// SetReadDeadline bounds the next Receive.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
