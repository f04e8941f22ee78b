// Classroom gateway server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/shsh-classroom/internal/agent"
	"github.com/ashureev/shsh-classroom/internal/api"
	"github.com/ashureev/shsh-classroom/internal/classroom"
	"github.com/ashureev/shsh-classroom/internal/config"
	"github.com/ashureev/shsh-classroom/internal/credentials"
	"github.com/ashureev/shsh-classroom/internal/domain"
	"github.com/ashureev/shsh-classroom/internal/history"
	"github.com/ashureev/shsh-classroom/internal/identity"
	"github.com/ashureev/shsh-classroom/internal/metrics"
	"github.com/ashureev/shsh-classroom/internal/middleware"
	"github.com/ashureev/shsh-classroom/internal/socket"
	"github.com/ashureev/shsh-classroom/internal/store"
	"github.com/ashureev/shsh-classroom/internal/transport"
)

// learnerProfiles reads board and grade from the learner store.
type learnerProfiles struct {
	repo store.Repository
}

func (p learnerProfiles) Profile(ctx context.Context, userID string) (classroom.Profile, error) {
	l, err := p.repo.GetLearner(ctx, userID)
	if err != nil || l == nil {
		return classroom.Profile{}, err
	}
	return classroom.Profile{Board: l.Board, Grade: l.Grade}, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	var threads history.Source = history.NewClient(cfg.ThreadServiceURL, cfg.UpstreamTimeout, logger)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() {
			if closeErr := rdb.Close(); closeErr != nil {
				slog.Warn("Failed to close redis client", "error", closeErr)
			}
		}()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			slog.Warn("Redis unreachable, history cache will fall through", "addr", cfg.RedisAddr, "error", err)
		}
		cancel()
		threads = history.NewCachedSource(threads, rdb, cfg.HistoryCacheTTL, logger)
		slog.Info("Thread history cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.HistoryCacheTTL)
	}

	issuer := credentials.NewClient(cfg.CredentialServiceURL, cfg.UpstreamTimeout, logger)
	dialer := transport.NewDialer(cfg.UpstreamTimeout, logger)
	m := metrics.New("classroom")
	profiles := learnerProfiles{repo: repo}

	classrooms := classroom.NewRegistry(func(userID, tabID string) *classroom.Controller {
		return classroom.NewController(classroom.Options{
			UserID:            userID,
			TabID:             tabID,
			Credentials:       issuer,
			Dialer:            dialer,
			History:           threads,
			Profiles:          profiles,
			Calls:             repo,
			Metrics:           m,
			Logger:            logger,
			PTTKey:            cfg.Mic.PTTKey,
			MicMode:           domain.MicMode(cfg.Mic.DefaultMode),
			MicRequestTimeout: cfg.Mic.RequestTimeout,
			DisconnectGrace:   cfg.Classroom.DisconnectGrace,
			CaptionDelay:      cfg.Classroom.CaptionDelay,
			RefreshDelay:      cfg.Classroom.HistoryRefreshDelay,
			DefaultBoard:      cfg.DefaultBoard,
			DefaultGrade:      cfg.DefaultGrade,
		})
	}, m)

	// Optional tutor agent health probe.
	var agentCheck api.Checker
	if cfg.TutorAgentAddr != "" {
		probe, err := agent.NewProbe(agent.DefaultProbeConfig(cfg.TutorAgentAddr), logger)
		if err != nil {
			slog.Warn("Tutor agent probe disabled", "error", err)
		} else {
			defer probe.Close()
			agentCheck = probe
		}
	}

	// Initialize handlers.
	sm := socket.NewManager()
	wsOrigin := strings.TrimRight(cfg.FrontendURL, "/")
	if wsOrigin == "" {
		wsOrigin = "*"
	}
	wsHandler := socket.NewHandler(classrooms, sm, wsOrigin, cfg.IsDevelopment())
	healthHandler := api.NewHealthHandler(repo, agentCheck)
	classroomHandler := api.NewClassroomHandler(classrooms, sm, cfg.Classroom.MaxUploadBytes)
	learnerHandler := api.NewLearnerHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", m.Handler())

	// Learner routes use identity middleware (no auth needed).
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		learnerHandler.RegisterRoutes(r)
		classroomHandler.RegisterRoutes(r)
		r.Get("/ws/classroom", wsHandler.ServeHTTP)
	})

	// Uploads and WebSockets are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	classroom.StartSweeper(ctx, classrooms, repo, classroom.SweepConfig{
		Interval:      cfg.Classroom.SweepInterval,
		IdleTTL:       cfg.Classroom.IdleTTL,
		CallRetention: cfg.Classroom.CallRetention,
	})

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Ends open calls so the call log is closed before the store.
	classrooms.CloseAll()

	slog.Info("Server stopped successfully")
}
