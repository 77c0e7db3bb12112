package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wricardo/mtls-chat/chat"
	"github.com/wricardo/mtls-chat/chat/broadcast"
	"github.com/wricardo/mtls-chat/chat/protocol"
	"github.com/wricardo/mtls-chat/chat/registry"
)

// chatServiceImpl implements the ChatService interface
type chatServiceImpl struct {
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	server      ServerStats
}

// NewChatService creates a new chat service. server may be nil, in which
// case connection counters are reported as zero.
func NewChatService(reg *registry.Registry, b *broadcast.Broadcaster, server ServerStats) ChatService {
	return &chatServiceImpl{
		registry:    reg,
		broadcaster: b,
		server:      server,
	}
}

// ListUsers returns every logged-in member, sorted by username
func (s *chatServiceImpl) ListUsers(ctx context.Context) ([]chat.MemberInfo, error) {
	members := s.registry.Snapshot()
	users := make([]chat.MemberInfo, 0, len(members))
	for _, m := range members {
		users = append(users, m.Info())
	}
	return users, nil
}

// GetUser returns a single member
func (s *chatServiceImpl) GetUser(ctx context.Context, username string) (*chat.MemberInfo, error) {
	m, err := s.lookup(username)
	if err != nil {
		return nil, err
	}
	info := m.Info()
	return &info, nil
}

// KickUser disconnects a member after telling them why
func (s *chatServiceImpl) KickUser(ctx context.Context, username, reason string) error {
	m, err := s.lookup(username)
	if err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if err := checkLength(protocol.KickedNotice(reason)); err != nil {
		return err
	}
	m.Kick(reason)
	return nil
}

// Announce broadcasts text to every member as a SYSTEM line
func (s *chatServiceImpl) Announce(ctx context.Context, text string) (*AnnounceResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if err := checkLength(text); err != nil {
		return nil, err
	}

	report := s.broadcaster.System(text, "")
	return &AnnounceResult{
		Text:         text,
		Recipients:   report.Recipients,
		Delivered:    report.Delivered,
		Dropped:      report.Dropped,
		Disconnected: report.Disconnected,
	}, nil
}

// GetStats returns the current counters
func (s *chatServiceImpl) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Users:        s.registry.Names(),
		EchoToSender: s.broadcaster.EchoToSender(),
		Broadcast:    s.broadcaster.Stats(),
		GeneratedAt:  time.Now(),
	}
	stats.ActiveUsers = len(stats.Users)

	if s.server != nil {
		stats.Server = s.server.Stats()
		stats.Uptime = time.Since(stats.Server.StartedAt).Round(time.Second).String()
	}
	return stats, nil
}

// checkLength keeps operator text within the chat line limit so stock
// clients can read the resulting SYSTEM line.
func checkLength(text string) error {
	if len(text) > protocol.DefaultMaxLineBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTextTooLong, len(text), protocol.DefaultMaxLineBytes)
	}
	return nil
}

func (s *chatServiceImpl) lookup(username string) (chat.Member, error) {
	username = strings.TrimSpace(username)
	m, err := s.registry.Lookup(username)
	if errors.Is(err, registry.ErrMemberNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
