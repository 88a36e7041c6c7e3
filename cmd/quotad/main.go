package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kinloop/quota-engine/internal/config"
	"github.com/kinloop/quota-engine/internal/ledger"
	"github.com/kinloop/quota-engine/internal/quota"
	"github.com/kinloop/quota-engine/internal/rules"
	"github.com/kinloop/quota-engine/internal/scheduler"
	"github.com/kinloop/quota-engine/internal/server"
	"github.com/kinloop/quota-engine/internal/storage"
	"github.com/kinloop/quota-engine/internal/telemetry"
)

func main() {
	// Load env if it exists
	godotenv.Load()

	cfg, err := config.Load("config.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	postgres, err := storage.NewPostgres(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer postgres.Close()

	if err := postgres.AutoMigrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Connected to database successfully")

	// Redis only backs best-effort live counters, so a missing Redis
	// degrades telemetry instead of failing startup
	redis, err := storage.NewRedis(
		cfg.Redis.GetRedisAddr(),
		cfg.Redis.Password,
		cfg.Redis.DB,
	)
	if err != nil {
		log.Printf("Redis unavailable, live counters disabled: %v", err)
		redis = nil
	} else {
		defer redis.Close()
	}

	registry := rules.NewRegistry(cfg.Rules, cfg.Tiers)
	store := ledger.NewRepository(postgres)
	sink := telemetry.NewSink(postgres, redis, 1024)
	checker := quota.NewChecker(registry, store, sink)
	dedup := scheduler.NewDeduplicator(store)

	runner := scheduler.NewRunner(dedup)
	retention := cfg.Telemetry.RetentionDays
	err = runner.AddJob("telemetry-retention", "@daily", func(ctx context.Context) error {
		cutoff := time.Now().UTC().AddDate(0, 0, -retention)
		deleted, err := sink.DeleteOldEvents(ctx, cutoff)
		if err != nil {
			return err
		}
		log.Printf("Telemetry retention: deleted %d events older than %s", deleted, cutoff.Format("2006-01-02"))
		return nil
	})
	if err != nil {
		log.Fatalf("Failed to schedule retention job: %v", err)
	}
	runner.Start()
	defer runner.Stop()

	srv := server.New(cfg, postgres, redis, checker, sink, dedup)

	go func() {
		addr := ":" + cfg.Server.Port
		if err := srv.Run(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	// Flush any buffered telemetry before exit
	sink.Close()

	log.Println("Server exited")
}
