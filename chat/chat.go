package chat

import (
	"time"
)

// SystemSender is the reserved sender label used for server notices.
const SystemSender = "SYSTEM"

// Message is a single chat line on its way to the active members.
type Message struct {
	Sender string
	Text   string

	// ExcludeID, when set, names the connection that must not receive
	// this message (the joining session for join notices, or the sender
	// when echo is disabled).
	ExcludeID string

	At time.Time
}

// IsSystem reports whether the message was generated by the server.
func (m Message) IsSystem() bool {
	return m.Sender == SystemSender
}

// Delivery is the outcome of handing one line to one member.
type Delivery int

const (
	// Delivered means the line was queued for the member's writer.
	Delivered Delivery = iota
	// Dropped means the member's outbound queue was full and the line was discarded.
	Dropped
	// Disconnected means the queue was full and the member is being closed as a slow consumer.
	Disconnected
	// Closed means the member was no longer accepting lines.
	Closed
)

func (d Delivery) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// State is a session's position in the connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingLogin
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a session reached StateClosed.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonRejected
	ReasonQuit
	ReasonEOF
	ReasonReadError
	ReasonFault
	ReasonKicked
	ReasonSlowConsumer
	ReasonShutdown
	ReasonIdleTimeout
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRejected:
		return "rejected"
	case ReasonQuit:
		return "quit"
	case ReasonEOF:
		return "eof"
	case ReasonReadError:
		return "read_error"
	case ReasonFault:
		return "fault"
	case ReasonKicked:
		return "kicked"
	case ReasonSlowConsumer:
		return "slow_consumer"
	case ReasonShutdown:
		return "shutdown"
	case ReasonIdleTimeout:
		return "idle_timeout"
	default:
		return "unknown"
	}
}

// MemberInfo is a point-in-time view of a registered member.
type MemberInfo struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	RemoteAddr  string    `json:"remote_addr"`
	CertSubject string    `json:"cert_subject,omitempty"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	Received    int64     `json:"messages_received"`
	Sent        int64     `json:"messages_sent"`
	Dropped     int64     `json:"messages_dropped"`
}

// Member is an active participant the registry can hold and the
// broadcaster can deliver to.
type Member interface {
	// ID uniquely identifies the underlying connection. Two sessions that
	// log in under the same username at different times have different IDs.
	ID() string
	Username() string

	// Deliver queues one already-formatted line without blocking.
	Deliver(line []byte) Delivery

	// Kick asks the member to disconnect, telling the peer why.
	Kick(reason string)

	Info() MemberInfo
}
