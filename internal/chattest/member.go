// Package chattest provides in-memory chat members for tests.
package chattest

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wricardo/mtls-chat/chat"
)

// Member records every line delivered to it. Result, when non-nil,
// decides the outcome of each Deliver call instead of Delivered.
type Member struct {
	id       string
	username string

	mu      sync.Mutex
	lines   []string
	kicked  bool
	reason  string
	Result  func(line []byte) chat.Delivery
	created time.Time
}

// NewMember creates a member with a fresh connection ID.
func NewMember(username string) *Member {
	return &Member{
		id:       uuid.NewString(),
		username: username,
		created:  time.Now(),
	}
}

func (m *Member) ID() string       { return m.id }
func (m *Member) Username() string { return m.username }

func (m *Member) Deliver(line []byte) chat.Delivery {
	if m.Result != nil {
		if d := m.Result(line); d != chat.Delivered {
			return d
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, strings.TrimSuffix(string(line), "\n"))
	return chat.Delivered
}

func (m *Member) Kick(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kicked = true
	m.reason = reason
}

func (m *Member) Info() chat.MemberInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return chat.MemberInfo{
		ID:          m.id,
		Username:    m.username,
		RemoteAddr:  "127.0.0.1:0",
		State:       chat.StateActive.String(),
		ConnectedAt: m.created,
		Sent:        int64(len(m.lines)),
	}
}

// Lines returns a copy of the delivered lines without terminators.
func (m *Member) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

// Kicked reports whether Kick was called and with which reason.
func (m *Member) Kicked() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kicked, m.reason
}
