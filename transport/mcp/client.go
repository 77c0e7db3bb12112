package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/wricardo/mtls-chat/chat"
	"github.com/wricardo/mtls-chat/chat/service"
)

// Client is a thin MCP server that proxies tool calls to the admin REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API at baseURL
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"mTLS Chat Admin",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`mTLS Chat - Operator Interface

This is a thin client that proxies all requests to the chat server's admin API.

AVAILABLE TOOLS:
- list_users: List logged-in users
- get_user: Details for one user (remote address, certificate subject, counters)
- kick_user: Disconnect a user with an optional reason
- announce: Broadcast a SYSTEM line to every user
- server_stats: Connection and broadcast counters

Usernames are case-sensitive.`),
	)

	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_users",
		Description: "List every user currently logged in to the chat",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListUsers)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_user",
		Description: "Get details of a logged-in user",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"username": map[string]interface{}{
					"type":        "string",
					"description": "Username to look up",
				},
			},
			Required: []string{"username"},
		},
	}, c.handleGetUser)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "kick_user",
		Description: "Disconnect a user. The user is told the reason before the connection closes.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"username": map[string]interface{}{
					"type":        "string",
					"description": "Username to disconnect",
				},
				"reason": map[string]interface{}{
					"type":        "string",
					"description": "Reason shown to the user (optional)",
				},
			},
			Required: []string{"username"},
		},
	}, c.handleKickUser)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "announce",
		Description: "Broadcast a SYSTEM message to every logged-in user",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Message text",
				},
			},
			Required: []string{"text"},
		},
	}, c.handleAnnounce)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "server_stats",
		Description: "Show connection, login and broadcast counters",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleServerStats)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func stringArg(request mcp.CallToolRequest, name string) string {
	args, _ := request.Params.Arguments.(map[string]interface{})
	value, _ := args[name].(string)
	return strings.TrimSpace(value)
}

// Tool handlers

func (c *Client) handleListUsers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var response struct {
		Count int               `json:"count"`
		Users []chat.MemberInfo `json:"users"`
	}

	if err := c.apiCall(ctx, "GET", "/api/users", nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if response.Count == 0 {
		return mcp.NewToolResultText("No users are logged in."), nil
	}

	result := fmt.Sprintf("Logged-in users (%d):\n\n", response.Count)
	for _, u := range response.Users {
		result += fmt.Sprintf("- %s (from %s, since %s)\n",
			u.Username, u.RemoteAddr, u.ConnectedAt.Format("15:04:05"))
	}
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleGetUser(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	username := stringArg(request, "username")
	if username == "" {
		return mcp.NewToolResultError("username is required"), nil
	}

	var info chat.MemberInfo
	if err := c.apiCall(ctx, "GET", "/api/users/"+url.PathEscape(username), nil, &info); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatMemberInfo(&info)), nil
}

func (c *Client) handleKickUser(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	username := stringArg(request, "username")
	if username == "" {
		return mcp.NewToolResultError("username is required"), nil
	}

	path := "/api/users/" + url.PathEscape(username)
	if reason := stringArg(request, "reason"); reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}

	if err := c.apiCall(ctx, "DELETE", path, nil, nil); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Disconnected %s.", username)), nil
}

func (c *Client) handleAnnounce(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := stringArg(request, "text")
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}

	var result service.AnnounceResult
	if err := c.apiCall(ctx, "POST", "/api/announce", map[string]string{"text": text}, &result); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Announced to %d of %d users (%d dropped, %d disconnected).",
		result.Delivered, result.Recipients, result.Dropped, result.Disconnected)), nil
}

func (c *Client) handleServerStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var response struct {
		Chat service.Stats `json:"chat"`
		Feed *struct {
			Subscribers int   `json:"subscribers"`
			Dropped     int64 `json:"dropped"`
		} `json:"feed,omitempty"`
	}

	if err := c.apiCall(ctx, "GET", "/api/stats", nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := formatStats(&response.Chat)
	if response.Feed != nil {
		result += fmt.Sprintf("Feed: %d subscribers, %d dropped\n", response.Feed.Subscribers, response.Feed.Dropped)
	}
	return mcp.NewToolResultText(result), nil
}

func formatMemberInfo(info *chat.MemberInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User: %s\n", info.Username)
	fmt.Fprintf(&b, "State: %s\n", info.State)
	fmt.Fprintf(&b, "Remote: %s\n", info.RemoteAddr)
	if info.CertSubject != "" {
		fmt.Fprintf(&b, "Certificate: %s\n", info.CertSubject)
	}
	fmt.Fprintf(&b, "Connected: %s\n", info.ConnectedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Messages sent: %d, lines received: %d, dropped: %d\n", info.Received, info.Sent, info.Dropped)
	return b.String()
}

func formatStats(stats *service.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Active users: %d", stats.ActiveUsers)
	if len(stats.Users) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(stats.Users, ", "))
	}
	b.WriteString("\n")
	if stats.Uptime != "" {
		fmt.Fprintf(&b, "Uptime: %s\n", stats.Uptime)
	}
	fmt.Fprintf(&b, "Echo to sender: %t\n", stats.EchoToSender)
	fmt.Fprintf(&b, "Connections: %d accepted, %d handshake failures, %d open\n",
		stats.Server.Accepted, stats.Server.HandshakeFailures, stats.Server.OpenConnections)
	fmt.Fprintf(&b, "Logins: %d accepted, %d rejected (%d name conflicts)\n",
		stats.Server.LoginsAccepted, stats.Server.LoginsRejected, stats.Server.NameConflicts)
	fmt.Fprintf(&b, "Broadcasts: %d messages, %d deliveries, %d dropped, %d slow consumers\n",
		stats.Broadcast.Messages, stats.Broadcast.Deliveries, stats.Broadcast.Dropped, stats.Server.SlowConsumers)
	return b.String()
}
