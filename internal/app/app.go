package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/rpattn/jobledger/internal/auth"
	"github.com/rpattn/jobledger/internal/config"
	"github.com/rpattn/jobledger/internal/db"
	"github.com/rpattn/jobledger/internal/domain"
	"github.com/rpattn/jobledger/internal/httpapi"
	"github.com/rpattn/jobledger/internal/ledger"
	"github.com/rpattn/jobledger/internal/middleware"
	"github.com/rpattn/jobledger/internal/repository"
)

// App holds the wired stores and services shared by the server and the CLI.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	JobOrders repository.JobOrderRepository
	Ledger    repository.LedgerRepository
	Profiles  repository.ProfileRepository
	History   *ledger.Service

	conn *db.Connection
}

// New connects the configured backend and wires the recorder into the job
// order store.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ledger.NewMetrics(registry)

	recorder := ledger.NewRecorder(domain.JobOrderTrackedFields,
		ledger.WithRecorderLogger(logger),
		ledger.WithRecorderMetrics(metrics),
	)

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
	}

	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory stores, history is lost on restart")
		memLedger := repository.NewInMemoryLedger(time.Now)
		a.Ledger = memLedger
		a.JobOrders = repository.NewInMemoryJobOrders(memLedger, recorder, time.Now)
		a.Profiles = repository.NewInMemoryProfiles()
	default:
		if cfg.AutoMigrate {
			if err := db.RunMigrations(cfg.Database); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		conn, err := db.NewConnection(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.conn = conn
		a.Ledger = repository.NewLedgerRepository(conn.Pool)
		a.JobOrders = repository.NewJobOrderRepository(conn.Pool, recorder, logger)
		a.Profiles = repository.NewProfileRepository(conn.Pool)
	}

	a.History = ledger.NewService(a.Ledger, a.JobOrders, a.Profiles,
		ledger.WithLogger(logger),
		ledger.WithMetrics(metrics),
	)
	return a, nil
}

// Router returns the full HTTP surface including /metrics and /healthz.
func (a *App) Router() http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   a.Config.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition"},
	})

	api := httpapi.NewHandler(a.JobOrders, a.History, a.Config.Ledger.RevertRoles, a.Logger)

	r := chi.NewRouter()
	r.Use(corsHandler.Handler)
	r.Use(middleware.LoggingMiddleware(a.Logger))
	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(middleware.DataLoaderMiddleware(a.Profiles))
		r.Mount("/", api.Routes())
	})
	return r
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.conn != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.conn.Pool.Ping(ctx); err != nil {
			a.Logger.Warn("health check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// Close releases the database pool, if any.
func (a *App) Close() {
	if a.conn != nil {
		a.conn.Close()
	}
}
