package service

import (
	"time"

	"github.com/wricardo/mtls-chat/chat/broadcast"
	"github.com/wricardo/mtls-chat/transport/tcp"
)

// AnnounceResult reports how a SYSTEM announcement was delivered
type AnnounceResult struct {
	Text         string `json:"text"`
	Recipients   int    `json:"recipients"`
	Delivered    int    `json:"delivered"`
	Dropped      int    `json:"dropped"`
	Disconnected int    `json:"disconnected"`
}

// Stats combines connection and broadcast counters
type Stats struct {
	Users        []string        `json:"users"`
	ActiveUsers  int             `json:"active_users"`
	EchoToSender bool            `json:"echo_to_sender"`
	Uptime       string          `json:"uptime"`
	Server       tcp.Stats       `json:"server"`
	Broadcast    broadcast.Stats `json:"broadcast"`
	GeneratedAt  time.Time       `json:"generated_at"`
}
