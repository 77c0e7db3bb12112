// Package mcp provides a Model Context Protocol server for operating the
// chat server.
//
// The mcp package implements:
//   - Tool definitions for the admin operations
//   - A thin proxy from tool calls to the admin REST API
//   - Stdio and HTTP transport modes
//
// MCP Tools:
//   - list_users: List logged-in users
//   - get_user: Details for one user
//   - kick_user: Disconnect a user with an optional reason
//   - announce: Broadcast a SYSTEM line
//   - server_stats: Connection and broadcast counters
//
// Transport Modes:
//   - Stdio: the "mcp" command serves the tools on stdin/stdout
//   - HTTP: the admin listener answers MCP messages on POST /mcp
//
// Usage:
//
//	client := mcp.NewClient("http://127.0.0.1:8080")
//	server.ServeStdio(client.GetMCPServer())
package mcp
