package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rayberirondelsol/medio-sub007/internal/config"
	"github.com/rayberirondelsol/medio-sub007/internal/domain"
	persistence "github.com/rayberirondelsol/medio-sub007/internal/persistence/postgres"
	"github.com/rayberirondelsol/medio-sub007/internal/reaper"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)
	service := domain.NewService(repo, repo, domain.ServiceConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleMultiplier:   cfg.StaleMultiplier,
		DayBoundary:       cfg.DayBoundary(),
	})

	sweeper := reaper.New(service, cfg.ReaperInterval, cfg.ReaperBatchSize)
	go sweeper.Start(ctx)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("reaper metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	log.Printf("reaper started (interval=%s, batch=%d, staleAfter=%s)", cfg.ReaperInterval, cfg.ReaperBatchSize, service.StaleAfter())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("reaper shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	sweeper.Wait()
}
