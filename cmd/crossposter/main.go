package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/fanoutlabs/crossposter/internal/api"
	"github.com/fanoutlabs/crossposter/internal/broadcast"
	"github.com/fanoutlabs/crossposter/internal/client"
	"github.com/fanoutlabs/crossposter/internal/config"
	"github.com/fanoutlabs/crossposter/internal/lane"
	"github.com/fanoutlabs/crossposter/internal/producer"
	"github.com/fanoutlabs/crossposter/internal/publisher"
	"github.com/fanoutlabs/crossposter/internal/repo"
	"github.com/fanoutlabs/crossposter/internal/scheduler"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.LoadAll()
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("crossposter exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return err
	}

	posts := repo.NewPostgresPostRepo(db)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
	}

	lanes := make(map[string]lane.Lane, len(cfg.Platforms))
	for _, p := range cfg.Platforms {
		laneCfg := lane.Config{
			Name:            p.Name,
			MaxReceiveCount: cfg.Lane.MaxReceiveCount,
			DedupWindow:     cfg.Lane.DedupWindow,
		}
		if rdb != nil {
			lanes[p.Name] = lane.NewRedis(rdb, laneCfg)
		} else {
			lanes[p.Name] = lane.NewMemory(laneCfg)
		}
	}

	bc := broadcast.New(log, lanes)

	prod, err := producer.New(posts, bc, cfg.Producer.Interval, log)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(cfg.Producer.Interval, prod.Tick)
	if err != nil {
		return err
	}
	sched.Start()

	var wg sync.WaitGroup
	for _, p := range cfg.Platforms {
		pub := publisher.New(publisher.Config{
			Platform:        p.Name,
			MaxBatch:        p.MaxBatch,
			Visibility:      cfg.Lane.VisibilityTimeout,
			SendTimeout:     p.SendTimeout,
			PollInterval:    p.PollInterval,
			RatePerSec:      p.RatePerSec,
			MaxReceiveCount: cfg.Lane.MaxReceiveCount,
		}, lanes[p.Name], client.NewPlatform(p.Name, p.URL, p.Token, p.SendTimeout), posts, log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			pub.Run(ctx)
		}()
	}

	handler := api.NewHandler(sched, posts, lanes, prod.Tick)
	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(handler)),
	}

	go func() {
		log.Info("http server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	wg.Wait()
	log.Info("crossposter stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
