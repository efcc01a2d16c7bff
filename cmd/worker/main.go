package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"storybook-pipeline/internal/artifact"
	"storybook-pipeline/internal/config"
	"storybook-pipeline/internal/generate"
	"storybook-pipeline/internal/notify"
	"storybook-pipeline/internal/pipeline"
	"storybook-pipeline/internal/queue"
	"storybook-pipeline/internal/render"
	"storybook-pipeline/internal/store"
	"storybook-pipeline/internal/telemetry"
	"storybook-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		slog.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		slog.Error("migrations", "error", err)
		os.Exit(1)
	}

	uploader, err := artifact.NewFromConfig(ctx, cfg)
	if err != nil {
		slog.Error("init artifact store", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	bridge := notify.NewRedisBridge(redisClient, notify.NewHub())

	characters := generate.NewCharacterClient(cfg.CharacterServiceURL, cfg.CollaboratorTimeout)
	collaborators := pipeline.Collaborators{
		Characters: characters,
		Enhancer:   characters,
		Stories:    generate.NewStoryClient(cfg.StoryServiceURL, cfg.CollaboratorTimeout),
		Scenes:     generate.NewSceneClient(cfg.ImageServiceURL, cfg.CollaboratorTimeout, uploader),
		Validator:  generate.NewValidatorClient(cfg.ValidatorServiceURL, cfg.CollaboratorTimeout),
		Audio:      generate.NewAudioClient(cfg.AudioServiceURL, cfg.CollaboratorTimeout, uploader),
		Renderer:   render.NewPDFClient(cfg.RendererServiceURL, cfg.CollaboratorTimeout, uploader),
		Notifier:   notify.NewEmailNotifier(cfg.EmailWebhookURL, cfg.CollaboratorTimeout),
	}

	manager := queue.NewManager(st)
	eventing := notify.WrapQueue(manager, notify.BridgePublisher{Bridge: bridge})
	orchestrator := pipeline.New(eventing, collaborators, cfg.StageWarnAfter)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()

	w := worker.New(cfg, manager, orchestrator, st, workerID)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
