package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events produced when a certificate
// and its key are replaced together.
const reloadDebounce = 250 * time.Millisecond

// CertReloader serves the current server key pair and client trust root,
// re-reading them from disk when the files change. New handshakes use the
// latest material; established connections are unaffected.
type CertReloader struct {
	files  TLSFiles
	logger *slog.Logger

	mu   sync.RWMutex
	cert tls.Certificate
	pool *x509.CertPool

	reloads atomic.Int64
}

// NewCertReloader loads the material once and fails if it is unusable.
func NewCertReloader(files TLSFiles, logger *slog.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CertReloader{
		files:  files,
		logger: logger,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the material. On failure the previous material stays
// in use.
func (r *CertReloader) Reload() error {
	if err := r.load(); err != nil {
		return err
	}
	r.reloads.Add(1)
	return nil
}

// Reloads returns how many successful reloads happened after construction.
func (r *CertReloader) Reloads() int64 {
	return r.reloads.Load()
}

func (r *CertReloader) load() error {
	if err := r.files.validate(); err != nil {
		return err
	}

	cert, err := tls.LoadX509KeyPair(r.files.CertFile, r.files.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load server key pair: %w", err)
	}
	pool, err := LoadCAPool(r.files.CAFile)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cert = cert
	r.pool = pool
	r.mu.Unlock()
	return nil
}

// TLSConfig returns a server configuration that resolves the key pair and
// client CAs per handshake.
func (r *CertReloader) TLSConfig() *tls.Config {
	return &tls.Config{
		ClientAuth: tls.RequireAndVerifyClientCert,
		MinVersion: tls.VersionTLS12,
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			r.mu.RLock()
			defer r.mu.RUnlock()
			return NewServerTLS(r.cert, r.pool), nil
		},
	}
}

// Watch reloads the material whenever one of the files changes. It
// watches the parent directories so that atomic renames are seen. Watch
// blocks until ctx is done.
func (r *CertReloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create certificate watcher: %w", err)
	}
	defer watcher.Close()

	watched := make(map[string]bool)
	for _, path := range []string{r.files.CertFile, r.files.KeyFile, r.files.CAFile} {
		watched[filepath.Clean(path)] = true
		dir := filepath.Dir(path)
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Clean(event.Name)] {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("certificate watcher error", "error", err)

		case <-debounce:
			debounce = nil
			if err := r.Reload(); err != nil {
				r.logger.Warn("certificate reload failed, keeping previous material", "error", err)
				continue
			}
			r.logger.Info("reloaded TLS material", "cert_file", r.files.CertFile)
		}
	}
}
