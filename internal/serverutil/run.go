// Package serverutil runs an http.Server until its context is cancelled and
// then drains it together with the resources that back it.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig holds certificate and key paths for a TLS listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// ShutdownHook releases a resource after the HTTP server stopped accepting
// requests, for example a repository or a Redis client.
type ShutdownHook struct {
	Name  string
	Close func(context.Context) error
}

// Config controls how Run serves and drains the server.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// Ready receives the bound address once the listener is open.
	Ready func(net.Addr)
	Hooks []ShutdownHook
}

// DefaultShutdownTimeout bounds the drain after cancellation.
const DefaultShutdownTimeout = 10 * time.Second

// Run listens on cfg.Server.Addr and blocks until the server fails or ctx is
// cancelled. On cancellation the server is shut down gracefully and every hook
// runs in order, all within ShutdownTimeout. Hook errors are joined into the
// returned error.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}

	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load tls key pair: %w", err)
		}
		tlsCfg := cfg.Server.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			tlsCfg = tlsCfg.Clone()
		}
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		cfg.Server.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")
	if cfg.Ready != nil {
		cfg.Ready(ln.Addr())
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		closeErr := runHooks(context.Background(), logger, cfg.Hooks)
		if errors.Is(err, http.ErrServerClosed) {
			return closeErr
		}
		return errors.Join(err, closeErr)
	case <-ctx.Done():
	}

	logger.Info("shutting down http server", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Server.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && shutdownErr == nil {
			shutdownErr = err
		}
	case <-shutdownCtx.Done():
		if shutdownErr == nil {
			shutdownErr = shutdownCtx.Err()
		}
	}

	return errors.Join(shutdownErr, runHooks(shutdownCtx, logger, cfg.Hooks))
}

func runHooks(ctx context.Context, logger *slog.Logger, hooks []ShutdownHook) error {
	var errs []error
	for _, hook := range hooks {
		if hook.Close == nil {
			continue
		}
		if err := hook.Close(ctx); err != nil {
			logger.Error("shutdown hook failed", "hook", hook.Name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", hook.Name, err))
		}
	}
	return errors.Join(errs...)
}
