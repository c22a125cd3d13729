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

	"github.com/redis/go-redis/v9"

	"media-pipeline-service/internal/config"
	"media-pipeline-service/internal/inference"
	"media-pipeline-service/internal/pipeline"
	"media-pipeline-service/internal/queue"
	"media-pipeline-service/internal/repository/postgresql"
	"media-pipeline-service/internal/scheduler"
	"media-pipeline-service/internal/service"
	httptransport "media-pipeline-service/internal/transport/http"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := envOr("CONFIG_PATH", "config.toml")
	cfg, err := config.LoadFrom(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Postgres.DSN == "" {
		log.Fatal("missing postgres dsn: set postgres.dsn or POSTGRES_DSN")
	}
	if cfg.Redis.Addr == "" {
		log.Fatal("missing redis addr: set redis.addr or REDIS_ADDR")
	}

	// Postgres
	pool, err := postgresql.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("pg: %v", err)
	}
	defer pool.Close()

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis: %v", err)
	}

	// DI
	repo := postgresql.NewJobRepository(pool)
	kv := queue.NewRedisKV(rdb)
	manager := scheduler.NewManager(kv, repo)

	inf := inference.NewClient(inference.Config{
		TTSURL:         cfg.Services.TTSURL,
		SpeechURL:      cfg.Services.SpeechURL,
		VoiceURL:       cfg.Services.VoiceURL,
		SubtitleURL:    cfg.Services.SubtitleURL,
		VideoURL:       cfg.Services.VideoURL,
		TrainURL:       cfg.Services.TrainURL,
		Timeout:        cfg.Services.Timeout(),
		ReadyPollEvery: cfg.Services.ReadyPoll(),
	})
	executor := pipeline.NewExecutor(repo, manager, inf, cfg.Server.PublicURLOrDefault())

	base := scheduler.Options{
		HandleDelay: cfg.Queues.HandleSleep(),
		RetryDelay:  cfg.Queues.RetrySleep(),
	}
	for _, qc := range []struct {
		name     string
		parallel int
	}{
		{pipeline.QueueText2Audio, 2},
		{pipeline.QueueAudio2Video, 1},
		{pipeline.QueueTrainAudio, 1},
		{pipeline.QueueTrainVideo, 1},
	} {
		opts := base
		opts.MaxParallel = qc.parallel
		if _, err := manager.Register(qc.name, executor.Handle, opts); err != nil {
			log.Fatalf("register queue %s: %v", qc.name, err)
		}
	}

	mode := "local"
	var runner pipeline.Runner
	if cfg.Runner.Enabled {
		runner = pipeline.NewHTTPRunner(cfg.Runner.URL, cfg.Services.Timeout())
		mode = "remote"
	}
	composer := pipeline.NewComposer(repo, manager, runner)
	jobSvc := service.NewJobService(repo)
	handler := httptransport.NewHandler(jobSvc, composer)

	manager.Start(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.AddrOrDefault(),
		Handler: httptransport.Routes(handler),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[server] listening addr=%s mode=%s callback_base=%s",
		srv.Addr, mode, cfg.Server.PublicURLOrDefault())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http: %v", err)
	}
	log.Println("server stopped")
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
