package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/triage-agent/internal/agent"
	"github.com/nugget/triage-agent/internal/buildinfo"
	"github.com/nugget/triage-agent/internal/config"
	"github.com/nugget/triage-agent/internal/fanout"
	"github.com/nugget/triage-agent/internal/health"
	"github.com/nugget/triage-agent/internal/historical"
	"github.com/nugget/triage-agent/internal/httpkit"
	"github.com/nugget/triage-agent/internal/knowledge"
	"github.com/nugget/triage-agent/internal/llm"
	"github.com/nugget/triage-agent/internal/memory"
	"github.com/nugget/triage-agent/internal/metrics"
	"github.com/nugget/triage-agent/internal/tools"
	"github.com/nugget/triage-agent/internal/usage"
)

// Token budgets for the single-shot tool models.
const (
	classifierMaxTokens = 1000
	extractorMaxTokens  = 1500
)

// app holds the wired components shared by serve and ask.
type app struct {
	store      memory.Store
	historical *historical.Store
	knowledge  *knowledge.QdrantSearcher
	broker     fanout.Broker
	metrics    *metrics.Metrics
	health     *health.Monitor
	usage      *usage.Store
	loop       *agent.Loop
	logger     *slog.Logger
}

type appOptions struct {
	// stream connects the fan-out broker and starts dependency probes;
	// ask needs neither.
	stream bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Streaming responses can run for minutes; per-call deadlines come
	// from the agent loop's contexts instead.
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithUserAgent(buildinfo.UserAgent()),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)

	var recorder usage.Recorder
	if !cfg.Usage.Disabled {
		a.usage, err = openUsage(cfg.Usage.Path)
		if err != nil {
			return nil, err
		}
		recorder = a.usage
	}

	reasoner := newLLMClient(cfg, httpClient, cfg.Agent.Temperature, cfg.Agent.MaxTokens, logger)
	classifier := usage.Meter(newLLMClient(cfg, httpClient, 0, classifierMaxTokens, logger), recorder, usage.SourceClassifier, logger)
	extractor := usage.Meter(newLLMClient(cfg, httpClient, 0, extractorMaxTokens, logger), recorder, usage.SourceExtractor, logger)

	a.knowledge, err = knowledge.NewQdrantSearcher(knowledge.Config{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		APIKey:     cfg.Qdrant.APIKey,
		UseTLS:     cfg.Qdrant.UseTLS,
		Collection: cfg.Qdrant.Collection,
		VectorSize: cfg.Qdrant.VectorSize,
	}, reasoner, logger)
	if err != nil {
		return nil, fmt.Errorf("knowledge base: %w", err)
	}
	a.knowledge.EnsureCollection(ctx)

	a.historical = historical.NewSeededStore()
	logger.Info("historical tickets loaded", "count", a.historical.Len())

	model := chatModel(cfg)
	reg := tools.NewRegistry(logger)
	tools.RegisterTicketTools(reg, tools.TicketDeps{
		Classifier: classifier,
		Extractor:  extractor,
		Model:      model,
		Knowledge:  a.knowledge,
		Historical: a.historical,
		Logger:     logger,
	})
	logger.Info("tools registered", "tools", reg.Names())

	if opts.stream {
		a.health = health.NewMonitor(health.DefaultSchedule(), a.metrics, logger)
		a.health.Watch(ctx, "reasoning", reasoner.Ping)
		a.health.Watch(ctx, "knowledge", a.knowledge.Ping)

		a.broker, err = newBroker(ctx, cfg, a.metrics, logger)
		if err != nil {
			return nil, err
		}
	}

	a.loop = agent.NewLoop(usage.Meter(reasoner, recorder, usage.SourceReasoning, logger), reg, a.store, agent.Config{
		Model:            model,
		MaxIterations:    cfg.Agent.MaxIterations,
		ReasoningTimeout: cfg.Agent.ReasoningTimeout(),
		ToolTimeout:      cfg.Agent.ToolTimeout(),
		MaxParallelTools: cfg.Agent.MaxParallelTools,
	}, a.metrics, logger)

	return a, nil
}

// Close releases everything newApp opened. It is safe on a partially
// constructed app.
func (a *app) Close() error {
	var errs []error
	if a.health != nil {
		a.health.Stop()
	}
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	if a.knowledge != nil {
		errs = append(errs, a.knowledge.Close())
	}
	if a.usage != nil {
		errs = append(errs, a.usage.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("close failed", "error", err)
		return err
	}
	return nil
}

// openStore opens and prepares the configured conversation store.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (memory.Store, error) {
	var (
		store memory.Store
		err   error
	)
	switch cfg.Store.Backend {
	case config.StoreMemory:
		logger.Warn("using in-memory conversation store; threads are lost on restart")
		store = memory.NewInMemoryStore()
	case config.StorePebble:
		store, err = memory.OpenPebbleStore(cfg.Store.Path)
	default:
		if dir := filepath.Dir(cfg.Store.Path); dir != "" {
			if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("create store directory: %w", mkErr)
			}
		}
		store, err = memory.NewSQLiteStore(cfg.Store.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	if err := store.Setup(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("set up %s store: %w", cfg.Store.Backend, err)
	}
	logger.Info("conversation store ready", "backend", cfg.Store.Backend, "path", cfg.Store.Path)
	return store, nil
}

// openUsage opens the token usage ledger, creating its directory.
func openUsage(path string) (*usage.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create usage directory: %w", err)
	}
	s, err := usage.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("usage ledger: %w", err)
	}
	return s, nil
}

// newLLMClient returns a client for Azure OpenAI when it is configured and
// for the plain OpenAI endpoint otherwise.
func newLLMClient(cfg *config.Config, httpClient *http.Client, temperature float64, maxTokens int, logger *slog.Logger) *llm.OpenAIClient {
	oc := llm.OpenAIConfig{
		Temperature: temperature,
		MaxTokens:   maxTokens,
		HTTPClient:  httpClient,
	}
	if cfg.AzureOpenAI.Configured() {
		oc.AzureEndpoint = cfg.AzureOpenAI.Endpoint
		oc.AzureAPIVersion = cfg.AzureOpenAI.APIVersion
		oc.APIKey = cfg.AzureOpenAI.APIKey
		oc.EmbeddingModel = cfg.AzureOpenAI.EmbeddingDeployment
	} else {
		oc.BaseURL = cfg.OpenAI.BaseURL
		oc.APIKey = cfg.OpenAI.APIKey
		oc.EmbeddingModel = cfg.OpenAI.EmbeddingModel
	}
	return llm.NewOpenAIClient(oc, logger)
}

// chatModel is the model (or Azure deployment) name sent with every chat
// request.
func chatModel(cfg *config.Config) string {
	if cfg.AzureOpenAI.Configured() {
		return cfg.AzureOpenAI.Deployment
	}
	return cfg.OpenAI.Model
}

// newBroker builds the fan-out backend selected by stream.backend.
func newBroker(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (fanout.Broker, error) {
	hub := fanout.NewHub(cfg.Stream.BufferSize, m, logger)
	if cfg.Stream.Backend != config.StreamMQTT {
		return hub, nil
	}

	mq := cfg.Stream.MQTT
	broker, err := fanout.NewMQTTBroker(ctx, fanout.MQTTConfig{
		Broker:      mq.Broker,
		Username:    mq.Username,
		Password:    mq.Password,
		ClientID:    mq.ClientID,
		TopicPrefix: mq.TopicPrefix,
	}, hub, logger)
	if err != nil {
		hub.Close()
		return nil, fmt.Errorf("mqtt stream backend: %w", err)
	}
	return broker, nil
}
