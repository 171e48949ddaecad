// Package server wires the hub's components into a running HTTP service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gasable/hub/internal/answer"
	"github.com/gasable/hub/internal/api"
	"github.com/gasable/hub/internal/config"
	"github.com/gasable/hub/internal/llm"
	"github.com/gasable/hub/internal/orchestrator"
	"github.com/gasable/hub/internal/retrieve"
	"github.com/gasable/hub/internal/status"
	"github.com/gasable/hub/internal/store"
	"github.com/gasable/hub/internal/telemetry"
	"github.com/gasable/hub/internal/tools"
	"github.com/gasable/hub/internal/vault"
	"github.com/gasable/hub/internal/workflow"
	"github.com/gasable/hub/pkg/contracts"
)

// Server is the assembled hub.
type Server struct {
	cfg         *config.Config
	httpServer  *http.Server
	store       store.Store
	stopTracing func(context.Context) error
}

// NewWithConfig builds the full dependency graph: storage, LLM clients,
// the vault, the tool registry, retrieval, orchestration, workflows, and
// the HTTP surface.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	stopTracing, err := telemetry.Init(ctx, cfg.Telemetry.Enabled, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.Schema, cfg.Database.Table, cfg.Embedding.Dim)
		if err != nil {
			return nil, err
		}
		st = pg
		log.Info().Str("schema", cfg.Database.Schema).Msg("🐘 using postgres store")
	} else {
		st = store.NewMemoryStore()
		log.Warn().Msg("💾 DATABASE_URL not set, using in-memory store")
	}
	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}

	embedClient := llm.NewClient(cfg.Embedding.Endpoint, cfg.Embedding.APIKey)
	chatClient := llm.NewClient(cfg.Chat.Endpoint, cfg.Chat.APIKey)
	embedder := llm.NewEmbedder(embedClient, cfg.Embedding.Model, cfg.Embedding.Dim)
	chatter := llm.NewChatter(chatClient)

	var vaultSvc contracts.VaultService
	if cfg.MasterKey != "" {
		v, err := vault.New(st, cfg.MasterKey)
		if err != nil {
			return nil, err
		}
		vaultSvc = v
	} else {
		log.Warn().Msg("🔐 HUB_MASTER_KEY not set, vault disabled")
	}

	registry := tools.NewRegistry(st, vaultSvc)
	retriever := retrieve.New(st, embedder, chatter, cfg.Chat.Model, cfg.Chat.RerankModel)
	retriever.ConfigureBM25(cfg.BM25TTLSec, cfg.CorpusLimit)
	tools.RegisterBuiltins(registry, retriever, cfg.Retrieval)

	answerer := answer.New(chatter, cfg.Chat.Model, cfg.StrictContextOnly)
	orch := orchestrator.New(st, st, registry, chatter, cfg.Chat.Model)
	engine := workflow.NewEngine(registry)
	tracker := status.NewTracker(st, embedder, cfg.Version, cfg.Embedding.Column)

	if err := seedDefaultAgents(ctx, st); err != nil {
		return nil, fmt.Errorf("seed agents: %w", err)
	}

	handlers := api.NewHandlers(cfg, st, retriever, answerer, orch, engine, registry, vaultSvc, tracker)
	router := api.NewRouter(cfg, handlers)

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		store:       st,
		stopTracing: stopTracing,
	}, nil
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	log.Info().Int("port", s.cfg.Port).Str("version", s.cfg.Version).Msg("🚀 hub listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	if err := s.stopTracing(ctx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown failed")
	}
	return s.store.Close()
}
