package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ServerConfig configures one listener.
type ServerConfig struct {
	Name         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PathPrefix returns the path of baseURL without a trailing slash, the mount point of
// the public routes.
func PathPrefix(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	return strings.TrimSuffix(u.Path, "/"), nil
}

// StartServer starts handler on its own listener in the background.
func StartServer(cfg ServerConfig, handler http.Handler, logger *zap.Logger) *http.Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           WithRequestLogging(handler, logger),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("Starting HTTP server", zap.String("server", cfg.Name), zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.String("server", cfg.Name), zap.Error(err))
		}
	}()
	return srv
}

// Shutdown stops servers, waiting for in-flight callbacks up to the context deadline.
func Shutdown(ctx context.Context, logger *zap.Logger, servers ...*http.Server) {
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("HTTP server shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
}
