package tcp

import (
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wricardo/mtls-chat/chat"
	"github.com/wricardo/mtls-chat/chat/config"
	"github.com/wricardo/mtls-chat/chat/protocol"
	"github.com/wricardo/mtls-chat/chat/registry"
	"github.com/wricardo/mtls-chat/internal/netutil"
)

// LoginResult classifies the outcome of the login exchange.
type LoginResult int

const (
	LoginAccepted LoginResult = iota
	LoginInvalidFormat
	LoginEmptyUsername
	LoginReservedUsername
	LoginUsernameTooLong
	LoginUsernameTaken
	LoginReadFailed
)

func (r LoginResult) String() string {
	switch r {
	case LoginAccepted:
		return "accepted"
	case LoginInvalidFormat:
		return "invalid_format"
	case LoginEmptyUsername:
		return "empty_username"
	case LoginReservedUsername:
		return "reserved_username"
	case LoginUsernameTooLong:
		return "username_too_long"
	case LoginUsernameTaken:
		return "username_taken"
	case LoginReadFailed:
		return "read_failed"
	default:
		return "unknown"
	}
}

func loginResultFor(err error) LoginResult {
	switch {
	case errors.Is(err, protocol.ErrEmptyUsername):
		return LoginEmptyUsername
	case errors.Is(err, protocol.ErrReservedUsername):
		return LoginReservedUsername
	case errors.Is(err, protocol.ErrUsernameTooLong):
		return LoginUsernameTooLong
	default:
		return LoginInvalidFormat
	}
}

// Session owns one TLS connection from handshake to teardown. It
// implements chat.Member once logged in.
type Session struct {
	id          string
	server      *Server
	raw         net.Conn
	conn        *tls.Conn
	remote      string
	logger      *slog.Logger
	connectedAt time.Time

	// username and certSubject are written by the session goroutine before
	// registration and never change afterwards.
	username    string
	certSubject string
	registered  bool

	state       atomic.Int32
	closeReason atomic.Int32

	// out carries formatted lines to the single writer goroutine. Every
	// send happens under outMu after checking outClosed, so the channel is
	// never written after it is closed and a send never blocks.
	out        chan []byte
	outMu      sync.Mutex
	outClosed  bool
	writerDone chan struct{}

	closeOnce sync.Once

	received atomic.Int64
	sent     atomic.Int64
	dropped  atomic.Int64
}

var _ chat.Member = (*Session)(nil)

func newSession(server *Server, raw net.Conn, conn *tls.Conn) *Session {
	id := uuid.NewString()
	remote := raw.RemoteAddr().String()
	return &Session{
		id:          id,
		server:      server,
		raw:         raw,
		conn:        conn,
		remote:      remote,
		logger:      server.logger.With("conn_id", id, "remote", remote),
		connectedAt: time.Now(),
		out:         make(chan []byte, server.opts.QueueSize+controlReserve),
		writerDone:  make(chan struct{}),
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) Username() string { return s.username }

// State returns the current lifecycle state.
func (s *Session) State() chat.State {
	return chat.State(s.state.Load())
}

func (s *Session) setState(st chat.State) {
	s.state.Store(int32(st))
}

// Info returns a snapshot for operators.
func (s *Session) Info() chat.MemberInfo {
	return chat.MemberInfo{
		ID:          s.id,
		Username:    s.username,
		RemoteAddr:  s.remote,
		CertSubject: s.certSubject,
		State:       s.State().String(),
		ConnectedAt: s.connectedAt,
		Received:    s.received.Load(),
		Sent:        s.sent.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// run drives the session after a successful TLS handshake. Any fault is
// contained here and turned into a close.
func (s *Session) run() {
	reason := chat.ReasonEOF
	defer func() {
		if r := recover(); r != nil {
			s.server.faults.Add(1)
			s.logger.Error("session fault",
				"username", s.username,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			reason = chat.ReasonFault
		}
		s.finish(reason)
	}()

	go s.writeLoop(s.logger)

	s.certSubject = config.PeerSubject(s.conn.ConnectionState())
	s.setState(chat.StateAwaitingLogin)
	s.logger.Info("TLS handshake complete", "peer", s.certSubject)

	reader := protocol.NewLineReader(s.conn, s.server.opts.MaxLineBytes)
	s.sendControl(protocol.LoginPrompt)

	if result := s.login(reader); result != LoginAccepted {
		s.logger.Info("login rejected", "result", result.String())
		reason = chat.ReasonRejected
		return
	}

	reason = s.readLoop(reader)
}

// login reads exactly one line and either registers the session or sends
// a rejection line.
func (s *Session) login(reader *protocol.LineReader) LoginResult {
	s.setReadDeadline(s.server.opts.LoginTimeout)

	line, err := reader.ReadLine()
	if err != nil {
		if errors.Is(err, protocol.ErrLineTooLong) {
			s.sendControl(protocol.LineTooLongLine)
		}
		s.server.loginsRejected.Add(1)
		return LoginReadFailed
	}

	username, err := protocol.ParseLogin(line)
	if err != nil {
		s.sendControl(protocol.RejectionLine(err))
		s.server.loginsRejected.Add(1)
		return loginResultFor(err)
	}
	// Other goroutines read s.logger only after Register below.
	s.username = username
	s.logger = s.logger.With("username", username)

	// Registration and the welcome line happen under outMu so that no
	// broadcast can reach this session before its welcome line.
	s.outMu.Lock()
	err = s.server.registry.Register(s)
	if err == nil {
		s.registered = true
		s.setState(chat.StateActive)
		s.enqueueLocked(protocol.Encode(protocol.WelcomeLine(username)), true)
	}
	s.outMu.Unlock()

	if err != nil {
		if errors.Is(err, registry.ErrUsernameTaken) {
			s.server.nameConflicts.Add(1)
		}
		s.server.loginsRejected.Add(1)
		s.sendControl(protocol.UsernameTakenLine)
		return LoginUsernameTaken
	}

	s.server.loginsAccepted.Add(1)
	s.logger.Info("login accepted", "peer", s.certSubject)
	s.server.broadcaster.System(protocol.JoinedNotice(username), s.id)
	return LoginAccepted
}

// readLoop broadcasts every non-blank line until the peer quits,
// disconnects, or the connection fails.
func (s *Session) readLoop(reader *protocol.LineReader) chat.CloseReason {
	for {
		s.setReadDeadline(s.server.opts.IdleTimeout)

		line, err := reader.ReadLine()
		if err != nil {
			return s.readFailure(err)
		}

		if protocol.IsQuit(line) {
			return chat.ReasonQuit
		}

		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}

		s.received.Add(1)
		s.server.broadcaster.Chat(s, text)
	}
}

func (s *Session) readFailure(err error) chat.CloseReason {
	switch {
	case errors.Is(err, io.EOF):
		return chat.ReasonEOF
	case errors.Is(err, protocol.ErrLineTooLong):
		s.sendControl(protocol.LineTooLongLine)
		return chat.ReasonRejected
	case netutil.IsTimeout(err):
		return chat.ReasonIdleTimeout
	case netutil.IsExpectedCloseError(err):
		return chat.ReasonEOF
	default:
		s.logger.Debug("read failed", "error", err)
		return chat.ReasonReadError
	}
}

func (s *Session) setReadDeadline(d time.Duration) {
	if d > 0 {
		s.conn.SetReadDeadline(time.Now().Add(d))
		return
	}
	s.conn.SetReadDeadline(time.Time{})
}

// Deliver queues a broadcast line. It never blocks: when the queue is
// full the overload policy either drops the line or disconnects the
// session.
func (s *Session) Deliver(line []byte) chat.Delivery {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	if s.outClosed || s.State() == chat.StateClosed {
		return chat.Closed
	}
	if s.enqueueLocked(line, false) {
		return chat.Delivered
	}

	if s.server.opts.Overload == config.OverloadDrop {
		s.dropped.Add(1)
		return chat.Dropped
	}

	s.server.slowConsumers.Add(1)
	s.logger.Warn("disconnecting slow consumer", "queued", len(s.out))
	s.requestClose(chat.ReasonSlowConsumer)
	s.closeOutboundLocked()
	s.raw.Close()
	return chat.Disconnected
}

// Kick tells the peer why it is being disconnected, sends the quit
// command and closes the session once those lines are flushed.
func (s *Session) Kick(reason string) {
	s.requestClose(chat.ReasonKicked)

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return
	}
	s.enqueueLocked(protocol.FormatLine(chat.SystemSender, protocol.KickedNotice(reason)), true)
	s.enqueueLocked(protocol.Encode(protocol.QuitCommand), true)
	s.closeOutboundLocked()
}

// shutdown closes the connection immediately.
func (s *Session) shutdown() {
	s.requestClose(chat.ReasonShutdown)
	s.raw.Close()
}

// requestClose records the first externally requested close reason.
func (s *Session) requestClose(reason chat.CloseReason) {
	s.closeReason.CompareAndSwap(int32(chat.ReasonNone), int32(reason))
}

func (s *Session) sendControl(line string) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if !s.outClosed {
		s.enqueueLocked(protocol.Encode(line), true)
	}
}

// enqueueLocked appends line to the queue. Chat lines may use the
// configured queue size; control lines may also use the reserve.
// Must hold outMu.
func (s *Session) enqueueLocked(line []byte, control bool) bool {
	limit := s.server.opts.QueueSize
	if control {
		limit = cap(s.out)
	}
	if len(s.out) >= limit {
		if control {
			s.logger.Warn("outbound queue full, dropping server line")
		}
		return false
	}
	s.out <- line
	return true
}

// Must hold outMu.
func (s *Session) closeOutboundLocked() {
	if !s.outClosed {
		s.outClosed = true
		close(s.out)
	}
}

// writeLoop is the only writer of the connection. It drains the queue in
// order and closes the connection once the queue is closed. It logs
// through logger since login rebinds s.logger on the session goroutine.
func (s *Session) writeLoop(logger *slog.Logger) {
	defer close(s.writerDone)

	for line := range s.out {
		s.conn.SetWriteDeadline(time.Now().Add(s.server.opts.WriteTimeout))
		if _, err := s.conn.Write(line); err != nil {
			if !netutil.IsExpectedCloseError(err) {
				logger.Debug("write failed", "error", err)
			}
			s.raw.Close()
			for range s.out {
			}
			return
		}
		s.sent.Add(1)
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.server.opts.WriteTimeout))
	s.conn.Close()
}

// finish moves the session to Closed exactly once: unregister, announce
// the departure, flush and release the connection.
func (s *Session) finish(reason chat.CloseReason) {
	s.closeOnce.Do(func() {
		if requested := chat.CloseReason(s.closeReason.Load()); requested != chat.ReasonNone {
			reason = requested
		}
		s.setState(chat.StateClosed)

		if s.registered && s.server.registry.Unregister(s) {
			s.server.broadcaster.System(protocol.LeftNotice(s.username), "")
		}

		s.outMu.Lock()
		s.closeOutboundLocked()
		s.outMu.Unlock()

		select {
		case <-s.writerDone:
		case <-time.After(s.server.opts.WriteTimeout):
		}
		s.raw.Close()

		s.logger.Info("session closed",
			"reason", reason.String(),
			"duration", time.Since(s.connectedAt).Round(time.Millisecond),
		)
	})
}
