package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uniqueue/uniqueue/internal/api"
	"github.com/uniqueue/uniqueue/internal/config"
	"github.com/uniqueue/uniqueue/internal/reclaimer"
	"github.com/uniqueue/uniqueue/pkg/queue"
	pebblestore "github.com/uniqueue/uniqueue/pkg/queue/store/pebble"
	pgstore "github.com/uniqueue/uniqueue/pkg/queue/store/postgres"
	"github.com/uniqueue/uniqueue/pkg/queue/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	backends := make(map[string]queue.Store)

	if cfg.DatabaseURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
		defer cancel()

		pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("pgxpool.New: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(connectCtx); err != nil {
			log.Fatalf("pgx ping: %v", err)
		}

		pg := pgstore.New(pool)
		if err := pg.Setup(ctx); err != nil {
			log.Fatalf("postgres setup: %v", err)
		}
		backends[config.BackendPostgres] = pg
	}

	if cfg.SQLitePath != "" {
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite open: %v", err)
		}
		defer st.Close()
		backends[config.BackendSQLite] = st
	}

	if cfg.PebbleDir != "" {
		st, err := pebblestore.Open(cfg.PebbleDir)
		if err != nil {
			log.Fatalf("pebble open: %v", err)
		}
		defer st.Close()
		backends[config.BackendPebble] = st
	}

	reg, err := queue.NewRegistry(queue.RegistryOptions{
		Backends:       backends,
		DefaultBackend: cfg.DefaultBackend,
		DefaultLease:   cfg.LeaseDuration,
	})
	if err != nil {
		log.Fatalf("registry: %v", err)
	}

	rec := reclaimer.New(reg, cfg.ReclaimInterval)
	go rec.Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := api.NewServer(addr, reg)

	log.Printf("HTTP server listening on %s", addr)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	_ = httpSrv.Shutdown(context.Background())
}
