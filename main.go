// Command mtls-chat runs the mutually authenticated TLS chat server and its
// interactive client.
//
// It supports three commands:
//  1. "server" (default) – runs the TLS chat listener plus an optional admin
//     HTTP server exposing the REST API, the WebSocket feed and an /mcp endpoint
//  2. "client" – connects to a server and relays terminal input and output
//  3. "mcp" – runs an MCP stdio server proxying a running server's admin API
//
// Every flag can also be set through a CHAT_* environment variable, a .env
// file, or a YAML configuration file passed with --config.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v3"
	"github.com/wricardo/mtls-chat/api"
	"github.com/wricardo/mtls-chat/chat/broadcast"
	"github.com/wricardo/mtls-chat/chat/config"
	"github.com/wricardo/mtls-chat/chat/registry"
	"github.com/wricardo/mtls-chat/chat/service"
	"github.com/wricardo/mtls-chat/client"
	"github.com/wricardo/mtls-chat/transport/mcp"
	"github.com/wricardo/mtls-chat/transport/tcp"
	"github.com/wricardo/mtls-chat/transport/websocket"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "mTLS Chat"
)

func main() {
	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootCommand builds the CLI. Without a subcommand it runs the server.
func rootCommand() *cli.Command {
	return &cli.Command{
		Name:    "mtls-chat",
		Usage:   "Mutually authenticated TLS chat server and client",
		Version: Version,
		Flags:   append(globalFlags(), localFlags(serverFlags())...),
		Action:  serverAction,
		Commands: []*cli.Command{
			{
				Name:   "server",
				Usage:  "Run the chat server (default)",
				Flags:  serverFlags(),
				Action: serverAction,
			},
			{
				Name:   "client",
				Usage:  "Connect to a chat server",
				Flags:  clientFlags(),
				Action: clientAction,
			},
			{
				Name:   "mcp",
				Usage:  "Run an MCP stdio server for a running chat server's admin API",
				Flags:  mcpFlags(),
				Action: mcpAction,
			},
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			Sources: cli.EnvVars("CHAT_CONFIG"),
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "Enable debug logging",
			Sources: cli.EnvVars("CHAT_DEBUG"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Value:   "text",
			Usage:   "Log format: text or json",
			Sources: cli.EnvVars("CHAT_LOG_FORMAT"),
		},
	}
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "listen", Value: config.DefaultListen, Usage: "TLS listen address", Sources: cli.EnvVars("CHAT_LISTEN")},
		&cli.StringFlag{Name: "cert", Value: config.DefaultServerCertFile, Usage: "Server certificate chain (PEM)", Sources: cli.EnvVars("CHAT_CERT")},
		&cli.StringFlag{Name: "key", Value: config.DefaultServerKeyFile, Usage: "Server private key (PEM)", Sources: cli.EnvVars("CHAT_KEY")},
		&cli.StringFlag{Name: "ca", Value: config.DefaultCAFile, Usage: "Trusted client CA bundle (PEM)", Sources: cli.EnvVars("CHAT_CA")},
		&cli.BoolFlag{Name: "reload-certs", Usage: "Reload certificates when the files change", Sources: cli.EnvVars("CHAT_RELOAD_CERTS")},
		&cli.BoolFlag{Name: "echo", Value: true, Usage: "Send chat lines back to their sender", Sources: cli.EnvVars("CHAT_ECHO")},
		&cli.IntFlag{Name: "queue-size", Value: config.DefaultOutboundQueue, Usage: "Outbound lines buffered per user", Sources: cli.EnvVars("CHAT_QUEUE_SIZE")},
		&cli.StringFlag{Name: "overload", Value: string(config.OverloadDisconnect), Usage: "Full queue policy: disconnect or drop", Sources: cli.EnvVars("CHAT_OVERLOAD")},
		&cli.IntFlag{Name: "max-line-bytes", Value: config.DefaultMaxLineBytes, Usage: "Longest chat line accepted from a user", Sources: cli.EnvVars("CHAT_MAX_LINE_BYTES")},
		&cli.DurationFlag{Name: "idle-timeout", Usage: "Disconnect users silent for this long (0 disables)", Sources: cli.EnvVars("CHAT_IDLE_TIMEOUT")},
		&cli.DurationFlag{Name: "login-timeout", Usage: "Disconnect connections that do not log in in time (0 disables)", Sources: cli.EnvVars("CHAT_LOGIN_TIMEOUT")},
		&cli.StringFlag{Name: "admin", Usage: "Admin HTTP listen address (empty disables)", Sources: cli.EnvVars("CHAT_ADMIN")},
		&cli.BoolFlag{Name: "ngrok", Usage: "Expose the TLS listener through an ngrok TCP endpoint", Sources: cli.EnvVars("CHAT_NGROK", "NGROK_ENABLED")},
		&cli.StringFlag{Name: "ngrok-authtoken", Usage: "Ngrok auth token", Sources: cli.EnvVars("CHAT_NGROK_AUTHTOKEN", "NGROK_AUTHTOKEN")},
		&cli.StringFlag{Name: "ngrok-remote-addr", Usage: "Reserved ngrok TCP address (optional)", Sources: cli.EnvVars("CHAT_NGROK_REMOTE_ADDR")},
	}
}

// localFlags keeps the root copy of the server flags from being inherited
// by subcommands that define flags of the same name.
func localFlags(flags []cli.Flag) []cli.Flag {
	for _, f := range flags {
		switch f := f.(type) {
		case *cli.StringFlag:
			f.Local = true
		case *cli.BoolFlag:
			f.Local = true
		case *cli.IntFlag:
			f.Local = true
		case *cli.DurationFlag:
			f.Local = true
		}
	}
	return flags
}

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "server", Aliases: []string{"s"}, Value: config.DefaultServerAddr, Usage: "Server address", Sources: cli.EnvVars("CHAT_SERVER")},
		&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Usage: "Username to log in with", Sources: cli.EnvVars("CHAT_USERNAME")},
		&cli.StringFlag{Name: "cert", Value: config.DefaultClientCertFile, Usage: "Client certificate chain (PEM)", Sources: cli.EnvVars("CHAT_CLIENT_CERT")},
		&cli.StringFlag{Name: "key", Value: config.DefaultClientKeyFile, Usage: "Client private key (PEM)", Sources: cli.EnvVars("CHAT_CLIENT_KEY")},
		&cli.StringFlag{Name: "ca", Value: config.DefaultCAFile, Usage: "Trusted server CA bundle (PEM)", Sources: cli.EnvVars("CHAT_CA")},
		&cli.StringFlag{Name: "server-name", Value: config.DefaultServerName, Usage: "Expected server certificate name", Sources: cli.EnvVars("CHAT_SERVER_NAME")},
		&cli.DurationFlag{Name: "dial-timeout", Value: config.DefaultHandshakeTimeout, Usage: "Connect and handshake timeout", Sources: cli.EnvVars("CHAT_DIAL_TIMEOUT")},
		&cli.IntFlag{Name: "max-line-bytes", Value: config.DefaultMaxLineBytes, Usage: "Server's chat line limit; must match the server", Sources: cli.EnvVars("CHAT_MAX_LINE_BYTES")},
	}
}

func mcpFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "admin-url", Value: "http://127.0.0.1:8080", Usage: "Base URL of the server's admin API", Sources: cli.EnvVars("CHAT_ADMIN_URL")},
	}
}

// newLogger builds the process logger from the global flags.
func newLogger(w io.Writer, format string, debug bool) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}

	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func loggerFor(cmd *cli.Command) (*slog.Logger, error) {
	logger, err := newLogger(os.Stderr, cmd.String("log-format"), cmd.Bool("debug"))
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// loadServerConfig reads --config and applies explicitly set flags on top.
func loadServerConfig(cmd *cli.Command) (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("listen") {
		cfg.Listen = cmd.String("listen")
	}
	if cmd.IsSet("cert") {
		cfg.TLS.CertFile = cmd.String("cert")
	}
	if cmd.IsSet("key") {
		cfg.TLS.KeyFile = cmd.String("key")
	}
	if cmd.IsSet("ca") {
		cfg.TLS.CAFile = cmd.String("ca")
	}
	if cmd.IsSet("reload-certs") {
		cfg.TLS.Reload = cmd.Bool("reload-certs")
	}
	if cmd.IsSet("echo") {
		cfg.Chat.EchoToSender = cmd.Bool("echo")
	}
	if cmd.IsSet("queue-size") {
		cfg.Chat.OutboundQueue = int(cmd.Int("queue-size"))
	}
	if cmd.IsSet("overload") {
		cfg.Chat.OverloadPolicy = config.OverloadPolicy(cmd.String("overload"))
	}
	if cmd.IsSet("max-line-bytes") {
		cfg.Chat.MaxLineBytes = int(cmd.Int("max-line-bytes"))
	}
	if cmd.IsSet("idle-timeout") {
		cfg.Chat.IdleTimeout = cmd.Duration("idle-timeout")
	}
	if cmd.IsSet("login-timeout") {
		cfg.Chat.LoginTimeout = cmd.Duration("login-timeout")
	}
	if cmd.IsSet("admin") {
		cfg.Admin.Listen = cmd.String("admin")
	}
	if cmd.IsSet("ngrok") {
		cfg.Ngrok.Enabled = cmd.Bool("ngrok")
	}
	if cmd.IsSet("ngrok-authtoken") {
		cfg.Ngrok.Authtoken = cmd.String("ngrok-authtoken")
	}
	if cmd.IsSet("ngrok-remote-addr") {
		cfg.Ngrok.RemoteAddr = cmd.String("ngrok-remote-addr")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadClientConfig reads --config and applies explicitly set flags on top.
func loadClientConfig(cmd *cli.Command) (*config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("server") {
		cfg.Server = cmd.String("server")
	}
	if cmd.IsSet("username") {
		cfg.Username = cmd.String("username")
	}
	if cmd.IsSet("cert") {
		cfg.TLS.CertFile = cmd.String("cert")
	}
	if cmd.IsSet("key") {
		cfg.TLS.KeyFile = cmd.String("key")
	}
	if cmd.IsSet("ca") {
		cfg.TLS.CAFile = cmd.String("ca")
	}
	if cmd.IsSet("server-name") {
		cfg.TLS.ServerName = cmd.String("server-name")
	}
	if cmd.IsSet("dial-timeout") {
		cfg.DialTimeout = cmd.Duration("dial-timeout")
	}
	if cmd.IsSet("max-line-bytes") {
		cfg.MaxLineBytes = int(cmd.Int("max-line-bytes"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("%w: username is required (--username or CHAT_USERNAME)", config.ErrInvalidConfig)
	}
	return cfg, nil
}

func serverAction(ctx context.Context, cmd *cli.Command) error {
	logger, err := loggerFor(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadServerConfig(cmd)
	if err != nil {
		return err
	}
	return runServer(ctx, cfg, logger)
}

func clientAction(ctx context.Context, cmd *cli.Command) error {
	logger, err := loggerFor(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadClientConfig(cmd)
	if err != nil {
		return err
	}
	return runClient(ctx, cfg, logger)
}

func mcpAction(ctx context.Context, cmd *cli.Command) error {
	// stdout carries the MCP protocol; logs go to stderr only.
	logger, err := loggerFor(cmd)
	if err != nil {
		return err
	}
	return runStdioMCP(ctx, cmd.String("admin-url"), logger)
}

// serverTLS returns the listener TLS configuration, backed by a watching
// reloader when certificate reload is enabled.
func serverTLS(ctx context.Context, files config.TLSFiles, logger *slog.Logger) (*tls.Config, error) {
	if !files.Reload {
		return config.LoadServerTLS(files)
	}

	reloader, err := config.NewCertReloader(files, logger)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := reloader.Watch(ctx); err != nil {
			logger.Error("certificate reload stopped", "error", err)
		}
	}()
	return reloader.TLSConfig(), nil
}

// runServer starts the TLS chat listener and, when configured, the admin
// HTTP server and the ngrok endpoint. It returns when ctx is done or the
// listener fails.
func runServer(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tlsConfig, err := serverTLS(ctx, cfg.TLS, logger)
	if err != nil {
		return err
	}

	reg := registry.New()
	b := broadcast.New(reg, broadcast.Options{EchoToSender: cfg.Chat.EchoToSender}, logger)
	srv := tcp.NewServer(tlsConfig, reg, b, tcp.OptionsFromConfig(cfg.Chat), logger)

	logger.Info("starting", "app", AppName, "version", Version, "listen", cfg.Listen,
		"echo_to_sender", cfg.Chat.EchoToSender, "overload_policy", cfg.Chat.OverloadPolicy)

	var wg sync.WaitGroup
	listenErr := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(ctx, cfg.Listen); err != nil && !errors.Is(err, tcp.ErrServerClosed) {
			listenErr <- err
		}
	}()

	var httpServer *http.Server
	if cfg.Admin.Listen != "" {
		hub := websocket.NewHub(logger)
		go hub.Run(ctx)
		b.AddObserver(hub)

		chatService := service.NewChatService(reg, b, srv)
		apiServer := api.NewServer(chatService, hub)
		mcpClient := mcp.NewClient("http://" + cfg.Admin.Listen)

		httpServer = &http.Server{
			Addr:        cfg.Admin.Listen,
			Handler:     newAdminHandler(apiServer, mcpClient),
			ReadTimeout: 15 * time.Second,
			IdleTimeout: 60 * time.Second,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			logger.Info("admin HTTP server listening", "addr", cfg.Admin.Listen)
			logger.Info("admin endpoints",
				"rest", "http://"+cfg.Admin.Listen+"/api",
				"feed", "ws://"+cfg.Admin.Listen+"/ws",
				"mcp", "http://"+cfg.Admin.Listen+"/mcp")

			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				listenErr <- fmt.Errorf("admin HTTP server failed: %w", err)
			}
		}()
	}

	if cfg.Ngrok.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveNgrok(ctx, srv, cfg.Ngrok, logger)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-listenErr:
		logger.Error("listener failed", "error", err)
	}
	cancel()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin HTTP server shutdown error", "error", err)
		}
	}
	srv.Close()

	wg.Wait()
	logger.Info("server stopped")
	return err
}

// serveNgrok accepts chat connections through an ngrok TCP endpoint. TLS
// is terminated by the chat server, not by ngrok.
func serveNgrok(ctx context.Context, srv *tcp.Server, opts config.NgrokOptions, logger *slog.Logger) {
	if opts.Authtoken == "" {
		logger.Warn("ngrok enabled but no auth token provided (use --ngrok-authtoken or NGROK_AUTHTOKEN)")
		return
	}

	var endpointOpts []ngrokConfig.TCPEndpointOption
	if opts.RemoteAddr != "" {
		endpointOpts = append(endpointOpts, ngrokConfig.WithRemoteAddr(opts.RemoteAddr))
	}

	logger.Info("starting ngrok tunnel")
	tun, err := ngrok.Listen(ctx,
		ngrokConfig.TCPEndpoint(endpointOpts...),
		ngrok.WithAuthtoken(opts.Authtoken),
	)
	if err != nil {
		logger.Error("failed to start ngrok tunnel", "error", err)
		return
	}

	logger.Info("ngrok tunnel established", "url", tun.URL())
	if err := srv.Serve(ctx, tun); err != nil && !errors.Is(err, tcp.ErrServerClosed) {
		logger.Error("ngrok listener failed", "error", err)
	}
	logger.Info("ngrok tunnel closed")
}

// newAdminHandler mounts the REST API at / and the MCP endpoint at /mcp.
func newAdminHandler(apiServer *api.Server, mcpClient *mcp.Client) http.Handler {
	mainRouter := http.NewServeMux()
	mainRouter.Handle("/", apiServer)

	mainRouter.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := mcpClient.GetMCPServer().HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	})

	return mainRouter
}

// runClient connects, logs in and relays lines until the session ends.
func runClient(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger) error {
	tlsConfig, err := config.LoadClientTLS(cfg.TLS)
	if err != nil {
		return err
	}

	dialCtx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.DialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
	}
	conn, err := client.Dial(dialCtx, cfg.Server, tlsConfig, logger, client.WithMaxLineBytes(cfg.MaxLineBytes))
	cancel()
	if err != nil {
		return err
	}

	var input client.LineSource = client.NewLineSource(os.Stdin)
	var output io.Writer = os.Stdout
	if client.IsTerminal(os.Stdin) {
		terminal, err := client.OpenTerminal("> ")
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to open terminal: %w", err)
		}
		defer terminal.Close()
		input, output = terminal, terminal
	}

	reason, err := client.NewDuplexer(conn, input, output, logger).Run(ctx, cfg.Username)
	logger.Debug("session ended", "reason", reason.String())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runStdioMCP serves the admin tools on stdin/stdout. The admin API must
// already be running; a missing server is reported but not fatal since
// every tool call reports its own error.
func runStdioMCP(ctx context.Context, adminURL string, logger *slog.Logger) error {
	mcpClient := mcp.NewClient(adminURL)

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(checkCtx, "GET", adminURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("invalid admin URL: %w", err)
	}
	if resp, err := http.DefaultClient.Do(req); err != nil {
		logger.Warn("admin API not reachable, tools will fail until it is", "url", adminURL, "error", err)
	} else {
		resp.Body.Close()
		logger.Info("MCP stdio server ready", "admin_url", adminURL)
	}

	if err := server.ServeStdio(mcpClient.GetMCPServer()); err != nil {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}
	return nil
}
