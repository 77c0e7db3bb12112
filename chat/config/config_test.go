package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wricardo/mtls-chat/internal/testpki"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:4433", cfg.Listen)
	assert.Equal(t, DefaultCAFile, cfg.TLS.CAFile)
	assert.True(t, cfg.Chat.EchoToSender)
	assert.Equal(t, OverloadDisconnect, cfg.Chat.OverloadPolicy)
	assert.Zero(t, cfg.Chat.IdleTimeout)
	assert.Empty(t, cfg.Admin.Listen)
}

func TestLoadServerConfig(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := LoadServerConfig("")
		require.NoError(t, err)
		assert.Equal(t, DefaultServerConfig(), cfg)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "chat.yaml", `
listen: 127.0.0.1:9443
tls:
  cert_file: a.crt
  key_file: a.key
  ca_file: ca.crt
  reload: true
chat:
  echo_to_sender: false
  outbound_queue: 8
  overload_policy: drop
  handshake_timeout: 3s
  idle_timeout: 5m
admin:
  listen: 127.0.0.1:8081
`)
		cfg, err := LoadServerConfig(path)
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1:9443", cfg.Listen)
		assert.Equal(t, "a.crt", cfg.TLS.CertFile)
		assert.True(t, cfg.TLS.Reload)
		assert.False(t, cfg.Chat.EchoToSender)
		assert.Equal(t, 8, cfg.Chat.OutboundQueue)
		assert.Equal(t, OverloadDrop, cfg.Chat.OverloadPolicy)
		assert.Equal(t, 3*time.Second, cfg.Chat.HandshakeTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Chat.IdleTimeout)
		// Unset keys keep their defaults.
		assert.Equal(t, DefaultMaxLineBytes, cfg.Chat.MaxLineBytes)
		assert.Equal(t, DefaultWriteTimeout, cfg.Chat.WriteTimeout)
		assert.Equal(t, "127.0.0.1:8081", cfg.Admin.Listen)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadServerConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, ErrConfigNotFound)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "bad.yaml", "listen: [unterminated")
		_, err := LoadServerConfig(path)
		assert.Error(t, err)
	})

	t.Run("unknown overload policy", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "bad.yaml", "chat:\n  overload_policy: block\n")
		_, err := LoadServerConfig(path)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("missing TLS path", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "bad.yaml", "tls:\n  ca_file: \"\"\n")
		_, err := LoadServerConfig(path)
		assert.ErrorIs(t, err, ErrMissingTLSMaterial)
	})
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"empty listen", func(c *ServerConfig) { c.Listen = "" }},
		{"zero queue", func(c *ServerConfig) { c.Chat.OutboundQueue = 0 }},
		{"zero line limit", func(c *ServerConfig) { c.Chat.MaxLineBytes = 0 }},
		{"negative idle timeout", func(c *ServerConfig) { c.Chat.IdleTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadClientConfig(t *testing.T) {
	cfg, err := LoadClientConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultServerAddr, cfg.Server)
	assert.Equal(t, DefaultServerName, cfg.TLS.ServerName)

	path := writeFile(t, t.TempDir(), "client.yaml", "server: chat.example.com:4433\nusername: alice\n")
	cfg, err = LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "chat.example.com:4433", cfg.Server)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, DefaultClientCertFile, cfg.TLS.CertFile)
	assert.Equal(t, DefaultMaxLineBytes, cfg.MaxLineBytes)

	path = writeFile(t, t.TempDir(), "client.yaml", "max_line_bytes: -1\n")
	_, err = LoadClientConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// handshake runs one TLS handshake over loopback and returns the server's result.
func handshake(t *testing.T, serverCfg, clientCfg *tls.Config) (tls.ConnectionState, error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		state tls.ConnectionState
		err   error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			done <- result{err: err}
			return
		}
		defer raw.Close()
		srv := tls.Server(raw, serverCfg)
		srv.SetDeadline(time.Now().Add(5 * time.Second))
		err = srv.Handshake()
		done <- result{state: srv.ConnectionState(), err: err}
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	cli := tls.Client(raw, clientCfg)
	cli.SetDeadline(time.Now().Add(5 * time.Second))
	_ = cli.Handshake()

	res := <-done
	cli.Close()
	return res.state, res.err
}

func TestLoadTLS_MutualHandshake(t *testing.T) {
	env := testpki.New(t)
	files := env.WriteAll(t, t.TempDir())

	serverCfg, err := LoadServerTLS(TLSFiles{CertFile: files.ServerCertFile, KeyFile: files.ServerKeyFile, CAFile: files.CAFile})
	require.NoError(t, err)
	clientCfg, err := LoadClientTLS(TLSFiles{CertFile: files.ClientCertFile, KeyFile: files.ClientKeyFile, CAFile: files.CAFile})
	require.NoError(t, err)

	assert.Equal(t, tls.RequireAndVerifyClientCert, serverCfg.ClientAuth)
	assert.Equal(t, DefaultServerName, clientCfg.ServerName)

	t.Run("trusted client", func(t *testing.T) {
		state, err := handshake(t, serverCfg, clientCfg)
		require.NoError(t, err)
		assert.Equal(t, "chat-client", PeerSubject(state))
	})

	t.Run("client without certificate", func(t *testing.T) {
		bare := clientCfg.Clone()
		bare.Certificates = nil
		_, err := handshake(t, serverCfg, bare)
		assert.Error(t, err)
	})

	t.Run("client from another CA", func(t *testing.T) {
		otherCA, err := testpki.NewCA("rogue-root")
		require.NoError(t, err)
		rogue := testpki.NewWithCA(t, otherCA, "mallory")
		rogueClient := rogue.ClientTLS.Clone()
		rogueClient.RootCAs = env.CA.Pool()

		_, err = handshake(t, serverCfg, rogueClient)
		assert.Error(t, err)
	})
}

func TestLoadTLS_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadServerTLS(TLSFiles{})
	assert.ErrorIs(t, err, ErrMissingTLSMaterial)

	_, err = LoadServerTLS(TLSFiles{CertFile: "x", KeyFile: "y", CAFile: "z"})
	assert.Error(t, err)

	empty := writeFile(t, dir, "empty.crt", "not a certificate")
	_, err = LoadCAPool(empty)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func serialOf(t *testing.T, cfg *tls.Config) string {
	t.Helper()
	inner, err := cfg.GetConfigForClient(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	require.Len(t, inner.Certificates, 1)
	leaf, err := x509.ParseCertificate(inner.Certificates[0].Certificate[0])
	require.NoError(t, err)
	return leaf.SerialNumber.String()
}

func TestCertReloader(t *testing.T) {
	dir := t.TempDir()
	env := testpki.New(t)
	files := env.WriteAll(t, dir)
	tlsFiles := TLSFiles{CertFile: files.ServerCertFile, KeyFile: files.ServerKeyFile, CAFile: files.CAFile}

	reloader, err := NewCertReloader(tlsFiles, nil)
	require.NoError(t, err)

	cfg := reloader.TLSConfig()
	assert.Equal(t, env.Server.Cert.SerialNumber.String(), serialOf(t, cfg))

	t.Run("manual reload picks up new certificate", func(t *testing.T) {
		next, err := env.CA.IssueServer("chat-server-2", time.Hour)
		require.NoError(t, err)
		_, _, err = next.WriteFiles(dir, "server")
		require.NoError(t, err)

		require.NoError(t, reloader.Reload())
		assert.Equal(t, next.Cert.SerialNumber.String(), serialOf(t, cfg))
		assert.EqualValues(t, 1, reloader.Reloads())
	})

	t.Run("failed reload keeps previous material", func(t *testing.T) {
		before := serialOf(t, cfg)
		require.NoError(t, os.WriteFile(files.ServerKeyFile, []byte("garbage"), 0o600))

		assert.Error(t, reloader.Reload())
		assert.Equal(t, before, serialOf(t, cfg))
	})

	t.Run("watch reloads on file change", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		watchErr := make(chan error, 1)
		go func() { watchErr <- reloader.Watch(ctx) }()

		// Give the watcher a moment to register its directories.
		time.Sleep(100 * time.Millisecond)

		next, err := env.CA.IssueServer("chat-server-3", time.Hour)
		require.NoError(t, err)
		_, _, err = next.WriteFiles(dir, "server")
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return serialOf(t, cfg) == next.Cert.SerialNumber.String()
		}, 5*time.Second, 50*time.Millisecond)

		cancel()
		assert.NoError(t, <-watchErr)
	})
}
