package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"annopipe/features/job"
	"annopipe/features/stats"
	"annopipe/internal/config"
	"annopipe/internal/core"
	"annopipe/internal/middleware"
)

type App struct {
	Handler http.Handler
	Core    *core.Handler
}

// New wires the coordinator: the Postgres-backed handler, the job feature
// and the stats endpoint, behind the correlation middleware.
func New(cfg *config.Config, db *sql.DB, dispatcher core.Dispatcher, logger *slog.Logger) *App {
	coreHandler := core.NewHandler(db, dispatcher, cfg.DataDir, cfg.ResponseQueue)

	jobService := job.NewService(coreHandler, logger)
	jobHandler := job.NewHandler(jobService)
	statsHandler := stats.NewHandler(coreHandler)

	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	mux := http.NewServeMux()

	mux.Handle("POST /jobs", middleware.CorrelationID(enableCORS(jobHandler.Submit)))
	mux.Handle("GET /jobs/search", middleware.CorrelationID(enableCORS(jobHandler.Search)))
	mux.Handle("GET /jobs/unfinished", middleware.CorrelationID(enableCORS(jobHandler.Unfinished)))
	mux.Handle("GET /jobs/{id}", middleware.CorrelationID(enableCORS(jobHandler.Get)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(enableCORS(jobHandler.Retry)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{Handler: mux, Core: coreHandler}
}

// Run serves the HTTP API until the context is canceled.
func (a *App) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
