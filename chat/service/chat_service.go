package service

import (
	"context"
	"errors"

	"github.com/wricardo/mtls-chat/chat"
	"github.com/wricardo/mtls-chat/transport/tcp"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmptyMessage = errors.New("message text is empty")
	ErrTextTooLong  = errors.New("text too long")
)

// ChatService defines the operator operations on a running chat server
type ChatService interface {
	// Members
	ListUsers(ctx context.Context) ([]chat.MemberInfo, error)
	GetUser(ctx context.Context, username string) (*chat.MemberInfo, error)
	KickUser(ctx context.Context, username, reason string) error

	// Messaging
	Announce(ctx context.Context, text string) (*AnnounceResult, error)

	// Monitoring
	GetStats(ctx context.Context) (*Stats, error)
}

// ServerStats is implemented by *tcp.Server.
type ServerStats interface {
	Stats() tcp.Stats
}
