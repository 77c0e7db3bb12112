package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wricardo/mtls-chat/chat/broadcast"
	"github.com/wricardo/mtls-chat/chat/config"
	"github.com/wricardo/mtls-chat/chat/registry"
)

// ErrServerClosed is returned by Serve after Close or context cancellation.
var ErrServerClosed = errors.New("tcp: server closed")

const (
	// controlReserve is queue headroom kept for server lines (prompt,
	// rejections, welcome, kick notice) so they are never lost to chat traffic.
	controlReserve = 4

	maxAcceptDelay = time.Second
)

// Options tunes per-connection behavior. Zero timeouts disable the
// corresponding deadline.
type Options struct {
	QueueSize        int
	Overload         config.OverloadPolicy
	MaxLineBytes     int
	HandshakeTimeout time.Duration
	LoginTimeout     time.Duration
	IdleTimeout      time.Duration
	WriteTimeout     time.Duration
}

// OptionsFromConfig maps the chat section of the server configuration.
func OptionsFromConfig(c config.ChatOptions) Options {
	return Options{
		QueueSize:        c.OutboundQueue,
		Overload:         c.OverloadPolicy,
		MaxLineBytes:     c.MaxLineBytes,
		HandshakeTimeout: c.HandshakeTimeout,
		LoginTimeout:     c.LoginTimeout,
		IdleTimeout:      c.IdleTimeout,
		WriteTimeout:     c.WriteTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = config.DefaultOutboundQueue
	}
	if o.Overload == "" {
		o.Overload = config.OverloadDisconnect
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = config.DefaultMaxLineBytes
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = config.DefaultWriteTimeout
	}
	return o
}

// Stats are server counters since start.
type Stats struct {
	StartedAt         time.Time `json:"started_at"`
	Accepted          int64     `json:"accepted"`
	HandshakeFailures int64     `json:"handshake_failures"`
	LoginsAccepted    int64     `json:"logins_accepted"`
	LoginsRejected    int64     `json:"logins_rejected"`
	NameConflicts     int64     `json:"name_conflicts"`
	SlowConsumers     int64     `json:"slow_consumers"`
	Faults            int64     `json:"faults"`
	OpenConnections   int       `json:"open_connections"`
	ActiveSessions    int       `json:"active_sessions"`
}

// Server accepts TLS connections and runs one Session per connection.
type Server struct {
	tlsConfig   *tls.Config
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	opts        Options
	logger      *slog.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	sessions  map[*Session]struct{}
	closed    bool
	wg        sync.WaitGroup

	startedAt         time.Time
	accepted          atomic.Int64
	handshakeFailures atomic.Int64
	loginsAccepted    atomic.Int64
	loginsRejected    atomic.Int64
	nameConflicts     atomic.Int64
	slowConsumers     atomic.Int64
	faults            atomic.Int64
}

// NewServer creates a server. tlsConfig must require client certificates.
func NewServer(tlsConfig *tls.Config, reg *registry.Registry, b *broadcast.Broadcaster, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		tlsConfig:   tlsConfig,
		registry:    reg,
		broadcaster: b,
		opts:        opts.withDefaults(),
		logger:      logger,
		listeners:   make(map[net.Listener]struct{}),
		sessions:    make(map[*Session]struct{}),
		startedAt:   time.Now(),
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ln is closed, ctx is cancelled or
// Close is called, and always returns a non-nil error. Each connection is
// handshaken and served on its own goroutine; a failing connection never
// stops the accept loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("accepting TLS connections", "addr", ln.Addr().String())

	var delay time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Warn("accept failed, retrying", "error", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		delay = 0

		s.accepted.Add(1)
		if !s.addWorker() {
			raw.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, raw)
		}()
	}
}

// handleConn performs the TLS handshake and, on success, runs the session.
func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	sess := newSession(s, raw, tls.Server(raw, s.tlsConfig))
	if !s.trackSession(sess, true) {
		raw.Close()
		return
	}
	defer s.trackSession(sess, false)

	if err := s.handshake(ctx, sess.conn); err != nil {
		s.handshakeFailures.Add(1)
		s.logger.Warn("TLS handshake failed",
			"remote", raw.RemoteAddr().String(),
			"error", err,
		)
		raw.Close()
		return
	}

	sess.run()
}

func (s *Server) handshake(ctx context.Context, conn *tls.Conn) error {
	if s.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		defer cancel()
	}
	return conn.HandshakeContext(ctx)
}

// Close stops every listener, closes every open connection and waits for
// the connection goroutines to finish. In-flight sessions are not drained.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	listeners := make([]net.Listener, 0, len(s.listeners))
	for ln := range s.listeners {
		listeners = append(listeners, ln)
	}
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, sess := range sessions {
		sess.shutdown()
	}

	s.wg.Wait()
	return errors.Join(errs...)
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	open := len(s.sessions)
	s.mu.Unlock()

	return Stats{
		StartedAt:         s.startedAt,
		Accepted:          s.accepted.Load(),
		HandshakeFailures: s.handshakeFailures.Load(),
		LoginsAccepted:    s.loginsAccepted.Load(),
		LoginsRejected:    s.loginsRejected.Load(),
		NameConflicts:     s.nameConflicts.Load(),
		SlowConsumers:     s.slowConsumers.Load(),
		Faults:            s.faults.Load(),
		OpenConnections:   open,
		ActiveSessions:    s.registry.Count(),
	}
}

// addWorker reserves a slot in the wait group unless the server is closed,
// so that Close never races a late Add.
func (s *Server) addWorker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.listeners[ln] = struct{}{}
		return true
	}
	delete(s.listeners, ln)
	return true
}

func (s *Server) trackSession(sess *Session, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.sessions[sess] = struct{}{}
		return true
	}
	delete(s.sessions, sess)
	return true
}
