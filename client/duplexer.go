package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/wricardo/mtls-chat/chat/protocol"
)

// ExitReason tells why Run returned.
type ExitReason int

const (
	// ExitQuit means the operator sent the quit command.
	ExitQuit ExitReason = iota
	// ExitInputClosed means operator input ended (EOF or Ctrl-D).
	ExitInputClosed
	// ExitServerClosed means the server closed the connection or sent
	// the quit command.
	ExitServerClosed
	// ExitCancelled means the context was cancelled.
	ExitCancelled
)

func (r ExitReason) String() string {
	switch r {
	case ExitQuit:
		return "quit"
	case ExitInputClosed:
		return "input closed"
	case ExitServerClosed:
		return "server closed"
	case ExitCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("ExitReason(%d)", int(r))
	}
}

// LineSource yields operator input one line at a time.
type LineSource interface {
	ReadLine() (string, error)
}

// NewLineSource reads lines from a non-interactive reader. A line longer
// than the chat limit is discarded and reported as ErrInputTooLong.
func NewLineSource(r io.Reader) LineSource {
	return &readerSource{r: protocol.NewLineReader(r, 0)}
}

type readerSource struct {
	r *protocol.LineReader
}

func (s *readerSource) ReadLine() (string, error) {
	line, err := s.r.ReadLine()
	if errors.Is(err, protocol.ErrLineTooLong) {
		if err := s.r.Skip(); err != nil {
			return "", err
		}
		return "", ErrInputTooLong
	}
	return line, err
}

// Duplexer runs the receive loop and the send loop of one connection as a
// single session: whichever side ends first ends both.
type Duplexer struct {
	conn   *Conn
	input  LineSource
	output io.Writer
	logger *slog.Logger
}

// NewDuplexer creates a duplexer printing server lines to output.
func NewDuplexer(conn *Conn, input LineSource, output io.Writer, logger *slog.Logger) *Duplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Duplexer{
		conn:   conn,
		input:  input,
		output: output,
		logger: logger,
	}
}

type inputLine struct {
	line string
	err  error
}

// Run sends the login line for username and then relays lines in both
// directions until the session ends. The connection is closed on return.
func (d *Duplexer) Run(ctx context.Context, username string) (ExitReason, error) {
	defer d.conn.Close()

	if err := d.conn.Login(username); err != nil {
		return ExitServerClosed, fmt.Errorf("failed to send login: %w", err)
	}

	received := make(chan error, 1)
	go func() { received <- d.receiveLoop() }()

	inputs := make(chan inputLine)
	stop := make(chan struct{})
	defer close(stop)
	go d.inputLoop(inputs, stop)

	for {
		select {
		case <-ctx.Done():
			d.conn.Send(protocol.QuitCommand)
			return ExitCancelled, ctx.Err()

		case err := <-received:
			if err != nil {
				d.logger.Debug("receive loop ended", "error", err)
			}
			return ExitServerClosed, nil

		case in := <-inputs:
			if errors.Is(in.err, ErrInputTooLong) {
				d.rejectInput()
				continue
			}
			if in.err != nil {
				if !errors.Is(in.err, io.EOF) {
					d.logger.Warn("operator input failed", "error", in.err)
				}
				d.conn.Send(protocol.QuitCommand)
				return ExitInputClosed, nil
			}

			line := strings.TrimSpace(in.line)
			if line == "" {
				continue
			}
			if len(line) > d.conn.maxLineBytes {
				d.rejectInput()
				continue
			}
			if err := d.conn.Send(line); err != nil {
				if errors.Is(err, ErrServerClosed) {
					return ExitServerClosed, nil
				}
				return ExitServerClosed, fmt.Errorf("failed to send: %w", err)
			}
			if protocol.IsQuit(line) {
				return ExitQuit, nil
			}
		}
	}
}

// rejectInput tells the operator an input line was not sent.
func (d *Duplexer) rejectInput() {
	fmt.Fprintf(d.output, "Line not sent: longer than %d bytes.\n", d.conn.maxLineBytes)
}

// receiveLoop prints every server line until the server closes the
// connection or sends the quit command.
func (d *Duplexer) receiveLoop() error {
	for {
		line, err := d.conn.Receive()
		if err != nil {
			if errors.Is(err, ErrServerClosed) {
				return nil
			}
			return err
		}
		if protocol.IsQuit(line) {
			return nil
		}
		if _, err := io.WriteString(d.output, line+"\n"); err != nil {
			return err
		}
	}
}

// inputLoop forwards operator lines until input ends or stop is closed.
// A read blocked on input outlives Run; the process exits soon after.
func (d *Duplexer) inputLoop(inputs chan<- inputLine, stop <-chan struct{}) {
	for {
		line, err := d.input.ReadLine()
		select {
		case inputs <- inputLine{line: line, err: err}:
		case <-stop:
			return
		}
		if err != nil && !errors.Is(err, ErrInputTooLong) {
			return
		}
	}
}
