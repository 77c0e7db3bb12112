package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wricardo/mtls-chat/chat"
	"github.com/wricardo/mtls-chat/chat/protocol"
	"github.com/wricardo/mtls-chat/chat/registry"
)

// Observer receives a copy of every broadcast message after fan-out.
// Observe must not block.
type Observer interface {
	Observe(msg chat.Message)
}

// Options controls delivery policy.
type Options struct {
	// EchoToSender delivers a member's chat lines back to that member.
	EchoToSender bool
}

// Report summarizes one fan-out.
type Report struct {
	Recipients   int `json:"recipients"`
	Delivered    int `json:"delivered"`
	Dropped      int `json:"dropped"`
	Disconnected int `json:"disconnected"`
	Closed       int `json:"closed"`
}

// Stats are cumulative counters since the broadcaster was created.
type Stats struct {
	Messages     int64 `json:"messages"`
	Deliveries   int64 `json:"deliveries"`
	Dropped      int64 `json:"dropped"`
	Disconnected int64 `json:"disconnected"`
}

// Broadcaster delivers messages to every member of a registry.
type Broadcaster struct {
	registry *registry.Registry
	opts     Options
	logger   *slog.Logger

	observers []Observer
	mu        sync.RWMutex

	messages     atomic.Int64
	deliveries   atomic.Int64
	dropped      atomic.Int64
	disconnected atomic.Int64
}

// New creates a broadcaster over reg. A nil logger uses slog.Default.
func New(reg *registry.Registry, opts Options, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		registry: reg,
		opts:     opts,
		logger:   logger,
	}
}

// EchoToSender reports the configured echo policy.
func (b *Broadcaster) EchoToSender() bool {
	return b.opts.EchoToSender
}

// AddObserver registers o to see every message after delivery.
func (b *Broadcaster) AddObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Chat broadcasts text from sender, honoring the echo policy.
func (b *Broadcaster) Chat(sender chat.Member, text string) Report {
	msg := chat.Message{
		Sender: sender.Username(),
		Text:   text,
		At:     time.Now(),
	}
	if !b.opts.EchoToSender {
		msg.ExcludeID = sender.ID()
	}
	return b.Broadcast(msg)
}

// System broadcasts a server notice. excludeID may be empty.
func (b *Broadcaster) System(text, excludeID string) Report {
	return b.Broadcast(chat.Message{
		Sender:    chat.SystemSender,
		Text:      text,
		ExcludeID: excludeID,
		At:        time.Now(),
	})
}

// Broadcast formats msg once and offers it to every member registered at
// the time of the call. Delivery is best-effort per recipient: one failing
// member never stops delivery to the others, and nothing is returned to
// the caller as an error.
func (b *Broadcaster) Broadcast(msg chat.Message) Report {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	line := protocol.FormatLine(msg.Sender, msg.Text)

	var report Report
	for _, member := range b.registry.Snapshot() {
		if msg.ExcludeID != "" && member.ID() == msg.ExcludeID {
			continue
		}
		report.Recipients++

		switch b.deliver(member, line) {
		case chat.Delivered:
			report.Delivered++
		case chat.Dropped:
			report.Dropped++
		case chat.Disconnected:
			report.Disconnected++
		case chat.Closed:
			report.Closed++
		}
	}

	b.messages.Add(1)
	b.deliveries.Add(int64(report.Delivered))
	b.dropped.Add(int64(report.Dropped))
	b.disconnected.Add(int64(report.Disconnected))

	b.notify(msg)
	return report
}

// deliver isolates a single recipient so a misbehaving member cannot
// abort the rest of the fan-out.
func (b *Broadcaster) deliver(member chat.Member, line []byte) (result chat.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("delivery panicked",
				"username", member.Username(),
				"conn_id", member.ID(),
				"panic", r,
			)
			result = chat.Closed
		}
	}()

	result = member.Deliver(line)
	if result != chat.Delivered {
		b.logger.Debug("delivery failed",
			"username", member.Username(),
			"conn_id", member.ID(),
			"result", result.String(),
		)
	}
	return result
}

func (b *Broadcaster) notify(msg chat.Message) {
	b.mu.RLock()
	observers := b.observers
	b.mu.RUnlock()

	for _, o := range observers {
		o.Observe(msg)
	}
}

// Stats returns cumulative counters
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Messages:     b.messages.Load(),
		Deliveries:   b.deliveries.Load(),
		Dropped:      b.dropped.Load(),
		Disconnected: b.disconnected.Load(),
	}
}
