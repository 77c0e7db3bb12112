// Command loadtest drives many concurrent clients against a chat server and
// checks the login and fan-out guarantees:
//   - distinct usernames all log in
//   - a shared username logs in exactly once
//   - every receiver sees each sender's lines complete and in order
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/wricardo/mtls-chat/chat/config"
)

func command() *cli.Command {
	return &cli.Command{
		Name:  "loadtest",
		Usage: "Drive concurrent clients against a chat server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Aliases: []string{"s"}, Value: config.DefaultServerAddr, Usage: "Server address", Sources: cli.EnvVars("CHAT_SERVER")},
			&cli.StringFlag{Name: "cert", Value: config.DefaultClientCertFile, Usage: "Client certificate chain (PEM)", Sources: cli.EnvVars("CHAT_CLIENT_CERT")},
			&cli.StringFlag{Name: "key", Value: config.DefaultClientKeyFile, Usage: "Client private key (PEM)", Sources: cli.EnvVars("CHAT_CLIENT_KEY")},
			&cli.StringFlag{Name: "ca", Value: config.DefaultCAFile, Usage: "Trusted server CA bundle (PEM)", Sources: cli.EnvVars("CHAT_CA")},
			&cli.StringFlag{Name: "server-name", Value: config.DefaultServerName, Usage: "Expected server certificate name", Sources: cli.EnvVars("CHAT_SERVER_NAME")},
			&cli.IntFlag{Name: "clients", Aliases: []string{"n"}, Value: 50, Usage: "Number of concurrent clients"},
			&cli.IntFlag{Name: "messages", Aliases: []string{"m"}, Value: 10, Usage: "Lines each accepted client sends"},
			&cli.StringFlag{Name: "shared-name", Usage: "Log every client in under this one name (conflict test)"},
			&cli.StringFlag{Name: "prefix", Value: "load", Usage: "Username prefix for distinct names"},
			&cli.DurationFlag{Name: "settle", Value: 10 * time.Second, Usage: "How long receivers wait for lines"},
			&cli.BoolFlag{Name: "v", Usage: "Verbose output"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			level := slog.LevelInfo
			if cmd.Bool("v") {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			tlsConfig, err := config.LoadClientTLS(config.TLSFiles{
				CertFile:   cmd.String("cert"),
				KeyFile:    cmd.String("key"),
				CAFile:     cmd.String("ca"),
				ServerName: cmd.String("server-name"),
			})
			if err != nil {
				return err
			}

			opts := Options{
				Server:     cmd.String("server"),
				Clients:    int(cmd.Int("clients")),
				Messages:   int(cmd.Int("messages")),
				SharedName: cmd.String("shared-name"),
				Prefix:     cmd.String("prefix"),
				Settle:     cmd.Duration("settle"),
			}
			logger.Info("starting load run", "server", opts.Server, "clients", opts.Clients, "messages", opts.Messages, "shared_name", opts.SharedName)

			report, err := runLoad(ctx, opts, tlsConfig, logger)
			if err != nil {
				return err
			}

			fmt.Printf("Clients:     %d (%d accepted, %d rejected, %d failed)\n", report.Attempts, report.Accepted, report.Rejected, report.Failed)
			fmt.Printf("Lines:       %d sent, %d received, %d missing\n", report.Sent, report.Received, report.Missing)
			fmt.Printf("Order:       %d violations\n", report.OrderViolations)
			fmt.Printf("Duration:    %s\n", report.Duration.Round(time.Millisecond))

			if err := report.Check(opts.SharedName != ""); err != nil {
				return fmt.Errorf("❌ %w", err)
			}
			fmt.Println("✅ All checks passed")
			return nil
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
