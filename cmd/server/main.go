package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/larderhq/larder/internal/agent"
	"github.com/larderhq/larder/internal/auth"
	"github.com/larderhq/larder/internal/models"
	"github.com/larderhq/larder/internal/records"
	"github.com/larderhq/larder/internal/server"
	"github.com/larderhq/larder/internal/storage"
	"github.com/larderhq/larder/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		}
		store, err = storage.NewPostgresStorage(dbConfig)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Model gateway: one instance per process, shared by reference
	gateway := agent.NewOpenAIGateway(cfg.OpenAI.APIKey, map[agent.Mode]agent.ModelParams{
		agent.ModeFast:    {Model: cfg.OpenAI.FastModel, MaxTokens: cfg.OpenAI.FastMaxTokens},
		agent.ModeSmarter: {Model: cfg.OpenAI.SmartModel, MaxTokens: cfg.OpenAI.SmartMaxTokens},
	}, logger)

	recordSvc := records.NewService(store, logger)
	conversations := agent.NewConversationSync(store, logger)
	loop := agent.NewLoop(gateway, conversations, agent.LoopConfig{
		MaxIterations: cfg.Agent.MaxIterations,
		HistoryLimit:  cfg.Agent.HistoryLimit,
		SystemPrompt:  cfg.Agent.SystemPrompt,
	}, logger)

	users := make(map[string]models.UserIdentity, len(cfg.Auth.Tokens))
	for token, u := range cfg.Auth.Tokens {
		users[token] = models.UserIdentity{ID: u.ID, Name: u.Name}
	}
	gate := auth.NewStaticTokenGate(users)

	srv := server.New(server.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		RunTimeout: time.Duration(cfg.Server.RunTimeoutSeconds) * time.Second,
	}, store, recordSvc, loop, gate, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}
