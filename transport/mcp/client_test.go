package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/wricardo/mtls-chat/chat"
	"github.com/wricardo/mtls-chat/chat/service"
	"github.com/wricardo/mtls-chat/transport/tcp"
)

func TestNewClient(t *testing.T) {
	baseURL := "http://localhost:8080"
	client := NewClient(baseURL + "/")

	if client == nil {
		t.Fatal("Expected client to be created")
	}

	if client.baseURL != baseURL {
		t.Errorf("Expected baseURL %s, got %s", baseURL, client.baseURL)
	}

	if client.httpClient == nil {
		t.Error("Expected HTTP client to be initialized")
	}

	if client.GetMCPServer() == nil {
		t.Error("Expected MCP server to be initialized")
	}
}

func TestClient_apiCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "healthy"})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	var response map[string]interface{}
	if err := client.apiCall(context.Background(), "GET", "/health", nil, &response); err != nil {
		t.Fatalf("apiCall failed: %v", err)
	}

	if response["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", response["status"])
	}
}

func TestClient_apiCall_Error(t *testing.T) {
	client := NewClient("http://127.0.0.1:1")

	if err := client.apiCall(context.Background(), "GET", "/api/users", nil, nil); err == nil {
		t.Error("Expected error for unreachable server")
	}
}

func TestClient_apiCall_HTTPError(t *testing.T) {
	t.Run("plain body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("Internal Server Error"))
		}))
		defer server.Close()

		err := NewClient(server.URL).apiCall(context.Background(), "GET", "/api/users", nil, nil)
		if err == nil || !strings.Contains(err.Error(), "API error") {
			t.Errorf("Expected 'API error', got: %v", err)
		}
	})

	t.Run("json error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "user not found: ghost"})
		}))
		defer server.Close()

		err := NewClient(server.URL).apiCall(context.Background(), "GET", "/api/users/ghost", nil, nil)
		if err == nil || err.Error() != "user not found: ghost" {
			t.Errorf("Expected API error message, got: %v", err)
		}
	})
}

// fakeAPI serves the admin endpoints the tools call and records requests.
func fakeAPI(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()

	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.Method+" "+r.URL.RequestURI())
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == "GET" && r.URL.Path == "/api/users":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"count": 2,
				"users": []chat.MemberInfo{
					{Username: "alice", RemoteAddr: "10.0.0.1:5000", ConnectedAt: time.Now()},
					{Username: "bob", RemoteAddr: "10.0.0.2:5000", ConnectedAt: time.Now()},
				},
			})
		case r.Method == "GET" && r.URL.Path == "/api/users/alice":
			json.NewEncoder(w).Encode(chat.MemberInfo{
				Username:    "alice",
				State:       "active",
				RemoteAddr:  "10.0.0.1:5000",
				CertSubject: "chat-client",
			})
		case r.Method == "DELETE" && r.URL.Path == "/api/users/alice":
			json.NewEncoder(w).Encode(map[string]string{"message": "User alice disconnected"})
		case r.Method == "POST" && r.URL.Path == "/api/announce":
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(service.AnnounceResult{Text: req["text"], Recipients: 2, Delivered: 2})
		case r.Method == "GET" && r.URL.Path == "/api/stats":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"chat": service.Stats{
					Users:       []string{"alice", "bob"},
					ActiveUsers: 2,
					Uptime:      "1m0s",
					Server:      tcp.Stats{Accepted: 7, HandshakeFailures: 1},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "user not found: " + strings.TrimPrefix(r.URL.Path, "/api/users/")})
		}
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]interface{}) (string, bool) {
	t.Helper()

	request := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}

	result, err := handler(context.Background(), request)
	if err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("%s returned no content", name)
	}

	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatal("Expected text content in result")
	}
	return text.Text, result.IsError
}

func TestClient_Tools(t *testing.T) {
	server, requests := fakeAPI(t)
	client := NewClient(server.URL)

	t.Run("list_users", func(t *testing.T) {
		text, isErr := callTool(t, client.handleListUsers, "list_users", map[string]interface{}{})
		if isErr {
			t.Fatalf("Unexpected error: %s", text)
		}
		if !strings.Contains(text, "Logged-in users (2)") || !strings.Contains(text, "bob") {
			t.Errorf("Unexpected output: %s", text)
		}
	})

	t.Run("get_user", func(t *testing.T) {
		text, isErr := callTool(t, client.handleGetUser, "get_user", map[string]interface{}{"username": "alice"})
		if isErr {
			t.Fatalf("Unexpected error: %s", text)
		}
		if !strings.Contains(text, "Certificate: chat-client") {
			t.Errorf("Expected certificate subject, got: %s", text)
		}
	})

	t.Run("get_user unknown", func(t *testing.T) {
		text, isErr := callTool(t, client.handleGetUser, "get_user", map[string]interface{}{"username": "ghost"})
		if !isErr || !strings.Contains(text, "ghost") {
			t.Errorf("Expected not-found error, got: %s", text)
		}
	})

	t.Run("get_user missing argument", func(t *testing.T) {
		_, isErr := callTool(t, client.handleGetUser, "get_user", nil)
		if !isErr {
			t.Error("Expected an error result")
		}
	})

	t.Run("kick_user", func(t *testing.T) {
		text, isErr := callTool(t, client.handleKickUser, "kick_user", map[string]interface{}{
			"username": "alice",
			"reason":   "too loud",
		})
		if isErr {
			t.Fatalf("Unexpected error: %s", text)
		}
		last := (*requests)[len(*requests)-1]
		if last != "DELETE /api/users/alice?reason=too+loud" {
			t.Errorf("Unexpected request: %s", last)
		}
	})

	t.Run("announce", func(t *testing.T) {
		text, isErr := callTool(t, client.handleAnnounce, "announce", map[string]interface{}{"text": "restart at 5"})
		if isErr {
			t.Fatalf("Unexpected error: %s", text)
		}
		if !strings.Contains(text, "Announced to 2 of 2 users") {
			t.Errorf("Unexpected output: %s", text)
		}
	})

	t.Run("announce empty", func(t *testing.T) {
		_, isErr := callTool(t, client.handleAnnounce, "announce", map[string]interface{}{"text": "  "})
		if !isErr {
			t.Error("Expected an error result")
		}
	})

	t.Run("server_stats", func(t *testing.T) {
		text, isErr := callTool(t, client.handleServerStats, "server_stats", map[string]interface{}{})
		if isErr {
			t.Fatalf("Unexpected error: %s", text)
		}
		for _, want := range []string{"Active users: 2 (alice, bob)", "7 accepted", "1 handshake failures"} {
			if !strings.Contains(text, want) {
				t.Errorf("Expected %q in output, got: %s", want, text)
			}
		}
	})
}
