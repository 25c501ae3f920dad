// Package server provides the public entry point for initializing the
// RelayDesk control plane.
//
// This package exists in pkg/ (not internal/) so hosted deployments can
// import it and wrap the handler with their own middleware.
//
// Usage:
//
//	cfg, _ := config.Load()
//	srv, err := server.New(ctx, cfg)
//	defer srv.Close(ctx)
//	go srv.Worker.Run(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/relaydesk/relaydesk/control-plane/internal/api"
	"github.com/relaydesk/relaydesk/control-plane/internal/api/handlers"
	"github.com/relaydesk/relaydesk/control-plane/internal/config"
	"github.com/relaydesk/relaydesk/control-plane/internal/delivery"
	"github.com/relaydesk/relaydesk/control-plane/internal/diagnostics"
	"github.com/relaydesk/relaydesk/control-plane/internal/generation"
	"github.com/relaydesk/relaydesk/control-plane/internal/inbox"
	"github.com/relaydesk/relaydesk/control-plane/internal/knowledge"
	"github.com/relaydesk/relaydesk/control-plane/internal/metrics"
	"github.com/relaydesk/relaydesk/control-plane/internal/notify"
	"github.com/relaydesk/relaydesk/control-plane/internal/queue"
	"github.com/relaydesk/relaydesk/control-plane/internal/store"
	"github.com/relaydesk/relaydesk/control-plane/internal/telemetry"
	"github.com/relaydesk/relaydesk/control-plane/internal/tenancy"
	"github.com/relaydesk/relaydesk/control-plane/internal/triage"
	"github.com/relaydesk/relaydesk/control-plane/internal/workflow"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the conversation store.
	Store store.Store

	// Queue holds background jobs; Worker drains it.
	Queue  *queue.Queue
	Worker *queue.Worker

	// Knowledge is the in-process knowledge index used for retrieval.
	Knowledge *knowledge.Index

	Config *config.Config

	shutdownTelemetry func(context.Context) error
}

// New initializes every control plane component from cfg.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		shutdown(ctx)
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewRecorder(reg)

	jobs, err := queue.Open(cfg.Queue.Dir, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		RetryBase:   cfg.Queue.RetryBase,
		RetryMax:    cfg.Queue.RetryMax,
	})
	if err != nil {
		dataStore.Close()
		shutdown(ctx)
		return nil, fmt.Errorf("open job queue: %w", err)
	}
	if n, err := jobs.Requeue(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to requeue interrupted jobs")
	} else if n > 0 {
		log.Info().Int64("jobs", n).Msg("Requeued interrupted jobs")
	}
	log.Info().Str("dir", cfg.Queue.Dir).Msg("✅ Job queue initialized")

	notifier := notify.NewService(notify.Config{
		WebhookURL: cfg.Notify.WebhookURL,
		Secret:     cfg.Notify.Secret,
		Timeout:    cfg.Notify.Timeout,
	})
	worker := queue.NewWorker(jobs, cfg.Queue.PollInterval, m)
	worker.Handle(notify.JobHandoff, notifier.HandleJob)
	if !notifier.Enabled() {
		log.Info().Msg("🔕 No notification webhook configured, handoff alerts stay in the inbox")
	}

	index := knowledge.NewIndex()
	if cfg.Triage.KnowledgeSeed != "" {
		if _, err := index.LoadFile(cfg.Triage.KnowledgeSeed); err != nil {
			jobs.Close()
			dataStore.Close()
			shutdown(ctx)
			return nil, err
		}
	}

	generator := generation.NewOpenAIGenerator(generation.Config{
		APIKey:  cfg.Triage.OpenAIAPIKey,
		BaseURL: cfg.Triage.OpenAIBaseURL,
		Timeout: cfg.Triage.GenerationTimeout,
	})
	if !generator.HasCredential(generation.ProviderOpenAI) {
		log.Warn().Msg("⚠️  OPENAI_API_KEY not set, every triage run will hand off")
	}

	machine := workflow.NewMachine(dataStore)
	sender := delivery.NewSender(dataStore)
	handoffs := delivery.NewHandoffService(machine, sender, jobs)
	authorizer := tenancy.NewAuthorizer(dataStore)
	settings := tenancy.NewSettings(dataStore, cfg.Triage.DefaultConfidenceThreshold)
	diag := diagnostics.NewRecorder(dataStore, m)

	pipeline := triage.NewPipeline(triage.Config{
		DefaultModel:    cfg.Triage.DefaultModel,
		HasCredential:   generator.HasCredential,
		MaxOutputTokens: cfg.Triage.MaxOutputTokens,
		RetryLimit:      cfg.Triage.RetryLimit,
		KnowledgeLimit:  cfg.Triage.KnowledgeLimit,
		HistoryLimit:    cfg.Triage.HistoryLimit,

		DefaultConfidenceThreshold: cfg.Triage.DefaultConfidenceThreshold,
	}, triage.Deps{
		Authorizer:  authorizer,
		Settings:    settings,
		Knowledge:   index,
		History:     dataStore,
		Generator:   generator,
		Sender:      sender,
		Handoff:     handoffs,
		Workflow:    machine,
		Analytics:   dataStore,
		Diagnostics: diag,
		Metrics:     m,
	})
	log.Info().Str("default_model", cfg.Triage.DefaultModel).Msg("✅ Triage pipeline initialized")

	h := &handlers.Handlers{
		Store:       dataStore,
		Pipeline:    pipeline,
		Inbox:       inbox.NewService(dataStore, cfg.Inbox.ScanCeiling, m),
		Diagnostics: diag,
		Workflow:    machine,
		Authorizer:  authorizer,
		Settings:    settings,
	}

	return &Server{
		Handler:           api.NewRouter(cfg, h, reg),
		Store:             dataStore,
		Queue:             jobs,
		Worker:            worker,
		Knowledge:         index,
		Config:            cfg,
		shutdownTelemetry: shutdown,
	}, nil
}

// Close releases the queue and store and flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	return errors.Join(
		s.Queue.Close(),
		s.Store.Close(),
		s.shutdownTelemetry(ctx),
	)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.URL, cfg.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info().Msg("✅ PostgreSQL store initialized")
		return s, nil
	default:
		s := store.NewMemoryStore(cfg.DataDir, cfg.ResponseTTL)
		log.Info().Str("data_dir", cfg.DataDir).Msg("✅ In-memory store initialized")
		return s, nil
	}
}
