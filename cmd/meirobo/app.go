package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kalambet/meirobo/internal/blob"
	"github.com/kalambet/meirobo/internal/channel"
	"github.com/kalambet/meirobo/internal/config"
	"github.com/kalambet/meirobo/internal/corpus"
	"github.com/kalambet/meirobo/internal/dedup"
	"github.com/kalambet/meirobo/internal/delivery"
	"github.com/kalambet/meirobo/internal/engine"
	"github.com/kalambet/meirobo/internal/persona"
	"github.com/kalambet/meirobo/internal/pipeline"
	"github.com/kalambet/meirobo/internal/profile"
	"github.com/kalambet/meirobo/internal/quota"
	"github.com/kalambet/meirobo/internal/responder"
	"github.com/kalambet/meirobo/internal/retrieval"
	"github.com/kalambet/meirobo/internal/router"
	"github.com/kalambet/meirobo/internal/session"
	"github.com/kalambet/meirobo/internal/storage"
	"github.com/kalambet/meirobo/internal/tenants"
)

// app holds the wired components shared by serve and mcp.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	blobs     blob.Store
	eng       engine.Engine
	speech    engine.Speech
	ledger    *quota.Ledger
	index     *corpus.Index
	retrieval *retrieval.Engine
	profiles  *profile.Manager
	gate      *dedup.Gate
	orch      *pipeline.Orchestrator
	registry  *tenants.Registry
}

func storageDSN(cfg config.Config) string {
	if cfg.Storage.DSN != "" {
		return cfg.Storage.DSN
	}
	return cfg.Storage.DataDir
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	eng, speech, err := engine.Providers(ctx, cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("selecting engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, cfg.Engine.ChatModel, cfg.Engine.EmbedModel, os.Stderr); err != nil {
		return nil, err
	}
	if speech == nil {
		logger.Warn("no speech provider configured; audio replies and voice notes are disabled")
	}

	store, err := storage.Open(storageDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	blobs, err := blob.Open(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		blobs:    blobs,
		eng:      eng,
		speech:   speech,
		ledger:   quota.NewLedger(store, cfg.Quota.DefaultMaxBytes, logger),
		profiles: profile.NewManager(store),
		gate:     dedup.New(store, cfg.Dedup.StaleAfter, logger),
	}
	a.index = corpus.New(store, a.ledger, blobs, corpus.Options{
		Engine:  eng,
		Model:   cfg.Engine.ChatModel,
		Timeout: cfg.Engine.Timeout,
		Logger:  logger,
	})
	a.retrieval = retrieval.New(a.index, eng, retrieval.NewEmbedder(eng, cfg.Engine.EmbedModel, 0), retrieval.Config{
		ChatModel:     cfg.Engine.ChatModel,
		MaxTokens:     cfg.Retrieval.MaxTokens,
		MinSimilarity: cfg.Retrieval.MinSimilarity,
		Candidates:    cfg.Retrieval.Candidates,
		Timeout:       cfg.Engine.Timeout,
	}, logger)
	a.registry = tenants.NewRegistry(store, a.profiles, cfg.Quota.DefaultMaxBytes, logger)

	wa := channel.NewClient(cfg.Channel.APIKey, cfg.Channel.BaseURL)
	coord := delivery.New(store, wa, delivery.Options{
		Speech: speech,
		Blobs:  blobs,
		URLTTL: cfg.Blob.SignedURLTTL,
		Logger: logger,
	})
	a.orch = pipeline.New(pipeline.Components{
		Gate:      a.gate,
		Attempts:  store,
		Profiles:  a.profiles,
		Sessions:  session.New(store),
		Router:    router.New(eng, cfg.Engine.ChatModel, logger),
		Retriever: a.retrieval,
		Responder: responder.New(eng, cfg.Engine.ChatModel, cfg.Engine.Timeout, logger),
		Shaper:    persona.New(eng, cfg.Engine.ChatModel, cfg.Engine.Timeout, logger),
		Delivery:  coord,
		Media:     wa,
		Speech:    speech,
	}, pipeline.Options{
		Pipeline:        cfg.Pipeline,
		From:            cfg.Channel.From,
		RetrievalTokens: cfg.Retrieval.MaxTokens,
		Logger:          logger,
	})
	return a, nil
}

// loadTenants applies the seed file, if one is configured.
func (a *app) loadTenants(ctx context.Context) error {
	path := a.cfg.Tenants.SeedFile
	if path == "" {
		return nil
	}
	seed, err := a.registry.LoadFile(ctx, path)
	if err != nil {
		return err
	}
	a.logger.Info("tenants loaded", "file", path, "tenants", len(seed.Tenants))
	return nil
}

func (a *app) Close() error {
	return a.store.Close()
}
