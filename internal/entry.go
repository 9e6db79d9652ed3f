// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/kioku/internal/api"
	"github.com/starford/kioku/internal/capture"
	"github.com/starford/kioku/internal/card"
	"github.com/starford/kioku/internal/clock"
	"github.com/starford/kioku/internal/events"
	"github.com/starford/kioku/internal/mcpserver"
	"github.com/starford/kioku/internal/notestore"
	"github.com/starford/kioku/internal/player"
	"github.com/starford/kioku/internal/settings"
	"github.com/starford/kioku/internal/sse"
	"github.com/starford/kioku/internal/storage"
	"github.com/starford/kioku/internal/studylog"
	"github.com/starford/kioku/internal/timer"
)

// runtime holds the wired components shared by the HTTP and MCP modes.
type runtime struct {
	logger   *slog.Logger
	store    *storage.FS
	settings *settings.Service
	notes    *notestore.Client
	db       *studylog.Store
	bus      *events.Bus
	timer    *timer.Timer
	player   *player.Player
}

func (a *application) init(ctx context.Context) (*runtime, error) {
	if a.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := a.config

	out := a.logOutput
	if out == nil {
		out = os.Stdout
	}
	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("data_dir", cfg.Data.Dir),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("user_id", cfg.Study.UserID),
		slog.String("log_level", cfg.App.LogLevel.String()))

	store, err := storage.NewFS(cfg.Data.Dir)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	prefs := settings.NewService(cfg.Data.SettingsPath(), logger)
	if err := prefs.Load(); err != nil {
		return nil, fmt.Errorf("init settings: %w", err)
	}

	notes := notestore.New(prefs.Get().NoteStoreURL, &http.Client{Timeout: cfg.NoteStore.Timeout}, logger)
	if err := notes.Check(ctx); err != nil {
		// Not fatal: the user may start Anki later.
		logger.Warn("note store not ready", slog.String("error", err.Error()))
	}

	db, err := studylog.Open(cfg.SQLite.Path, cfg.Study.UserID)
	if err != nil {
		return nil, fmt.Errorf("init study log: %w", err)
	}

	bus := events.NewBus()
	tm := timer.New(timer.Config{
		Clock:    clock.System{},
		Sink:     db,
		Pending:  timer.NewFilePending(store),
		Bus:      bus,
		Logger:   logger,
		UserID:   cfg.Study.UserID,
		MinFlush: cfg.Study.MinFlush,
		Tick:     cfg.Study.Tick,
	})
	if err := tm.RecoverPending(ctx); err != nil {
		logger.Warn("pending intervals not flushed", slog.String("error", err.Error()))
	}

	ff := capture.FFmpeg{Binary: cfg.FFmpeg.Binary}
	if err := ff.Check(ctx); err != nil {
		logger.Warn("ffmpeg not available, mining will fail", slog.String("error", err.Error()))
	}

	p := player.New(player.Config{
		Timer:     tm,
		Capturer:  capture.New(ff, cfg.FFmpeg.TempDir, logger),
		Assembler: card.New(notes, clock.System{}, logger),
		Settings:  prefs,
		Store:     store,
		Bus:       bus,
		Logger:    logger,
	})
	if n, err := p.PurgePreviews(); err != nil {
		logger.Warn("stale previews not removed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("stale previews removed", slog.Int("count", n))
	}

	return &runtime{
		logger:   logger,
		store:    store,
		settings: prefs,
		notes:    notes,
		db:       db,
		bus:      bus,
		timer:    tm,
		player:   p,
	}, nil
}

// Run starts the HTTP service with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	rt, err := app.init(ctx)
	if err != nil {
		return err
	}
	defer rt.db.Close()

	cfg := app.config
	logger := rt.logger

	// SSE broker fed by the event bus.
	broker := sse.NewBroker()
	defer broker.Close()
	detach := broker.Attach(rt.bus)
	defer detach()

	apiRouter := api.NewRouter(api.Deps{
		Player:   rt.player,
		Notes:    rt.notes,
		Settings: rt.settings,
		StudyLog: rt.db,
	}, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := rt.notes.Check(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"note store unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Follow the loaded subtitle file.
	g.Go(func() error {
		if err := rt.player.Watch(gCtx); err != nil {
			logger.Error("subtitle watcher failed", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")
		// Ends open event streams so Shutdown does not wait on them.
		broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		// The session is persisted before the flush, so a failure here is
		// recovered on the next start.
		if err := rt.player.Exit(shutdownCtx); err != nil {
			logger.Warn("final study flush failed", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the watcher stops with the server.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools over stdio. Logs go to the configured
// writer, which must not be stdout.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{logOutput: os.Stderr}

	for _, opt := range opts {
		opt(app)
	}

	rt, err := app.init(ctx)
	if err != nil {
		return err
	}
	defer rt.db.Close()

	srv := mcpserver.New(rt.player, rt.notes, rt.settings)
	rt.logger.Info("MCP server starting on stdio")
	err = srv.ServeStdio()
	if exitErr := rt.player.Exit(context.Background()); exitErr != nil {
		rt.logger.Warn("final study flush failed", slog.String("error", exitErr.Error()))
	}
	return err
}
