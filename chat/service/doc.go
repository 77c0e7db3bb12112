// Package service provides the operator layer over a running chat server.
//
// The service package implements:
//   - Listing and inspecting logged-in members
//   - Kicking a member with an optional reason
//   - SYSTEM announcements to every member
//   - Connection and broadcast counters
//
// Architecture:
//
// The service layer sits between the admin transports (HTTP, WebSocket,
// MCP) and the chat core. It never touches sockets directly: kicks go
// through chat.Member and announcements through the Broadcaster, so the
// same delivery rules apply as for ordinary chat traffic.
//
// Usage:
//
//	reg := registry.New()
//	b := broadcast.New(reg, broadcast.Options{EchoToSender: true}, logger)
//	srv := tcp.NewServer(tlsConfig, reg, b, opts, logger)
//	chatService := service.NewChatService(reg, b, srv)
//
//	users, err := chatService.ListUsers(ctx)
//	err = chatService.KickUser(ctx, "mallory", "spam")
package service
