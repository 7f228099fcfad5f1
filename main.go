package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"driftdb/internal/auth"
	configpkg "driftdb/internal/config"
	httpapi "driftdb/internal/http"
	"driftdb/internal/logging"
	"driftdb/internal/room"
	"driftdb/internal/roomstore"
	"driftdb/internal/transport"
)

// service tracks process-level readiness state the way the broker's
// Broker tracks startedAt/startupErr for its /readyz and /metrics
// endpoints.
type service struct {
	startedAt time.Time

	mu         sync.RWMutex
	startupErr error
}

func newService(startedAt time.Time) *service {
	return &service{startedAt: startedAt}
}

func (s *service) setStartupError(err error) {
	s.mu.Lock()
	s.startupErr = err
	s.mu.Unlock()
}

// StartupError exposes any failure encountered while opening durable
// storage.
func (s *service) StartupError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startupErr
}

// Uptime reports how long the process has been running.
func (s *service) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

func main() {
	startedAt := time.Now()

	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	state := newService(startedAt)

	backend, err := roomstore.OpenBboltBackend(cfg.DurableStoragePath)
	if err != nil {
		logger.Error("failed to open durable storage; falling back to in-memory backend", logging.Error(err))
		state.setStartupError(err)
		backend = nil
	}
	var backendInUse roomstore.Backend
	if backend != nil {
		backendInUse = backend
		defer func() {
			if err := backend.Close(); err != nil {
				logger.Warn("durable storage close failed", logging.Error(err))
			}
		}()
	} else {
		backendInUse = roomstore.NewMemoryBackend()
	}

	if cfg.ReplicaMirrorDir != "" {
		logger.Info("replica mirroring enabled", logging.String("dir", cfg.ReplicaMirrorDir))
	} else {
		logger.Info("replica mirroring disabled; set DRIFTDB_REPLICA_MIRROR_DIR to enable")
	}

	registry := room.NewRegistry(backendInUse, cfg.InactivityWindow, logger, cfg.ReplicaMirrorDir)

	if len(cfg.AllowedOrigins) > 0 {
		logger.Info("allowing WebSocket origins", logging.Strings("origins", cfg.AllowedOrigins))
	} else {
		logger.Info("no allowed origins configured; permitting only local development origins")
	}
	logger.Info("maximum WebSocket payload configured", logging.Int64("bytes", cfg.MaxPayloadBytes))

	var adminVerifier httpapi.TokenVerifier
	if cfg.AdminToken != "" {
		verifier, err := auth.NewHMACTokenVerifier(cfg.AdminToken, 30*time.Second)
		if err != nil {
			logger.Fatal("failed to configure admin token verifier", logging.Error(err))
		}
		adminVerifier = verifier
		logger.Info("admin compaction endpoint protected by bearer token")
	} else {
		logger.Info("DRIFTDB_ADMIN_TOKEN not set; admin compaction endpoint disabled")
	}

	newRoomLimit := httpapi.NewSlidingWindowLimiter(cfg.NewRoomWindow, cfg.NewRoomBurst, nil)
	adminLimit := httpapi.NewSlidingWindowLimiter(cfg.AdminWindow, cfg.AdminBurst, nil)

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:        logger,
		Rooms:         registry,
		Readiness:     state,
		UseHTTPS:      cfg.UseHTTPS,
		AdminVerifier: adminVerifier,
		NewRoomLimit:  newRoomLimit,
		AdminLimit:    adminLimit,
	})

	connectHandler := transport.NewHandler(registry, logger, cfg.PingInterval, cfg.MaxPayloadBytes, cfg.AllowedOrigins)

	mux := http.NewServeMux()
	handlers.Register(mux, connectHandler.ServeHTTP)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	certProvided := cfg.TLSCertPath != ""
	logger.Info("driftdb listening", logging.String("address", listenerURL(cfg.Address, certProvided)), logging.Bool("tls", certProvided))

	serveErr := make(chan error, 1)
	go func() {
		if certProvided {
			serveErr <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		serveErr <- server.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("driftdb server terminated", logging.Error(err))
		}
	case <-sig:
		logger.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", logging.Error(err))
		}
		if err := registry.Close(ctx); err != nil {
			logger.Error("room registry shutdown failed", logging.Error(err))
		}
	}
}
