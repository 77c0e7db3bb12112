package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wricardo/mtls-chat/chat"
	"github.com/wricardo/mtls-chat/chat/broadcast"
	"github.com/wricardo/mtls-chat/chat/protocol"
	"github.com/wricardo/mtls-chat/chat/registry"
	"github.com/wricardo/mtls-chat/chat/service"
	"github.com/wricardo/mtls-chat/internal/chattest"
	"github.com/wricardo/mtls-chat/transport/tcp"
)

// MockServerStats implements service.ServerStats for testing
type MockServerStats struct {
	stats tcp.Stats
}

func (m *MockServerStats) Stats() tcp.Stats {
	return m.stats
}

func setupService(t *testing.T, names ...string) (service.ChatService, map[string]*chattest.Member) {
	t.Helper()

	reg := registry.New()
	members := make(map[string]*chattest.Member)
	for _, name := range names {
		m := chattest.NewMember(name)
		if err := reg.Register(m); err != nil {
			t.Fatalf("Failed to register %s: %v", name, err)
		}
		members[name] = m
	}

	b := broadcast.New(reg, broadcast.Options{EchoToSender: true}, nil)
	stats := &MockServerStats{stats: tcp.Stats{
		StartedAt:      time.Now().Add(-time.Minute),
		Accepted:       5,
		LoginsAccepted: int64(len(names)),
	}}
	return service.NewChatService(reg, b, stats), members
}

func TestChatService_ListUsers(t *testing.T) {
	svc, _ := setupService(t, "carol", "alice", "bob")

	users, err := svc.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("Expected 3 users, got %d", len(users))
	}

	want := []string{"alice", "bob", "carol"}
	for i, u := range users {
		if u.Username != want[i] {
			t.Errorf("users[%d] = %s, want %s", i, u.Username, want[i])
		}
	}
}

func TestChatService_GetUser(t *testing.T) {
	svc, members := setupService(t, "alice")
	ctx := context.Background()

	t.Run("existing user", func(t *testing.T) {
		info, err := svc.GetUser(ctx, "alice")
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if info.ID != members["alice"].ID() {
			t.Errorf("Expected ID %s, got %s", members["alice"].ID(), info.ID)
		}
		if info.State != chat.StateActive.String() {
			t.Errorf("Expected state active, got %s", info.State)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := svc.GetUser(ctx, "nobody")
		if !errors.Is(err, service.ErrUserNotFound) {
			t.Errorf("Expected ErrUserNotFound, got %v", err)
		}
	})
}

func TestChatService_KickUser(t *testing.T) {
	svc, members := setupService(t, "alice", "mallory")
	ctx := context.Background()

	if err := svc.KickUser(ctx, "mallory", "  spam  "); err != nil {
		t.Fatalf("KickUser failed: %v", err)
	}

	kicked, reason := members["mallory"].Kicked()
	if !kicked {
		t.Fatal("Expected mallory to be kicked")
	}
	if reason != "spam" {
		t.Errorf("Expected reason 'spam', got %q", reason)
	}
	if kicked, _ := members["alice"].Kicked(); kicked {
		t.Error("alice should not be kicked")
	}

	long := strings.Repeat("x", protocol.DefaultMaxLineBytes)
	if err := svc.KickUser(ctx, "alice", long); !errors.Is(err, service.ErrTextTooLong) {
		t.Errorf("Expected ErrTextTooLong, got %v", err)
	}
	if kicked, _ := members["alice"].Kicked(); kicked {
		t.Error("alice should not be kicked with an over-long reason")
	}

	if err := svc.KickUser(ctx, "ghost", ""); !errors.Is(err, service.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestChatService_Announce(t *testing.T) {
	svc, members := setupService(t, "alice", "bob")
	ctx := context.Background()

	result, err := svc.Announce(ctx, "  maintenance at noon ")
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if result.Recipients != 2 || result.Delivered != 2 {
		t.Errorf("Expected 2 recipients and 2 deliveries, got %+v", result)
	}

	for name, m := range members {
		lines := m.Lines()
		if len(lines) != 1 || lines[0] != "[SYSTEM] maintenance at noon" {
			t.Errorf("%s received %q", name, lines)
		}
	}

	if _, err := svc.Announce(ctx, "   "); !errors.Is(err, service.ErrEmptyMessage) {
		t.Errorf("Expected ErrEmptyMessage, got %v", err)
	}

	if _, err := svc.Announce(ctx, strings.Repeat("x", protocol.DefaultMaxLineBytes+1)); !errors.Is(err, service.ErrTextTooLong) {
		t.Errorf("Expected ErrTextTooLong, got %v", err)
	}
	if _, err := svc.Announce(ctx, strings.Repeat("x", protocol.DefaultMaxLineBytes)); err != nil {
		t.Errorf("Announce at the limit failed: %v", err)
	}
}

func TestChatService_GetStats(t *testing.T) {
	svc, _ := setupService(t, "alice", "bob")
	ctx := context.Background()

	if _, err := svc.Announce(ctx, "hello"); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	stats, err := svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.ActiveUsers != 2 {
		t.Errorf("Expected 2 active users, got %d", stats.ActiveUsers)
	}
	if !stats.EchoToSender {
		t.Error("Expected echo_to_sender to be reported")
	}
	if stats.Server.Accepted != 5 {
		t.Errorf("Expected 5 accepted connections, got %d", stats.Server.Accepted)
	}
	if stats.Broadcast.Messages != 1 || stats.Broadcast.Deliveries != 2 {
		t.Errorf("Unexpected broadcast stats: %+v", stats.Broadcast)
	}
	if stats.Uptime == "" {
		t.Error("Expected uptime to be set")
	}
}

func TestChatService_NilServerStats(t *testing.T) {
	reg := registry.New()
	svc := service.NewChatService(reg, broadcast.New(reg, broadcast.Options{}, nil), nil)

	stats, err := svc.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.ActiveUsers != 0 || stats.Uptime != "" {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}
