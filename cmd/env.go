package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/esg-worker/internal/pipeline"
	"github.com/sells-group/esg-worker/internal/resilience"
	"github.com/sells-group/esg-worker/internal/retriever"
	"github.com/sells-group/esg-worker/internal/scorer"
	"github.com/sells-group/esg-worker/internal/store"
	anthropicpkg "github.com/sells-group/esg-worker/pkg/anthropic"
	"github.com/sells-group/esg-worker/pkg/embedding"
)

// workerEnv holds the initialized store, clients, and pipeline shared by the
// worker/process/score commands.
type workerEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Breakers *resilience.ServiceBreakers
}

// Close releases resources held by the environment.
func (we *workerEnv) Close() {
	if we.Store != nil {
		_ = we.Store.Close()
	}
}

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		zap.L().Info("using sqlite store", zap.String("path", cfg.Store.DatabaseURL))
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "", "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEnv sets up the store, the embedding and inference clients, and builds
// the pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context) (*workerEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	weights := scorer.PillarWeights{
		Environmental: cfg.Scoring.EnvironmentalWeight,
		Social:        cfg.Scoring.SocialWeight,
		Governance:    cfg.Scoring.GovernanceWeight,
	}
	if err := weights.Validate(); err != nil {
		_ = st.Close()
		return nil, err
	}

	embedClient := embedding.NewClient(
		cfg.Embedding.Key,
		cfg.Embedding.Model,
		cfg.Embedding.Dimension,
		embedding.WithBaseURL(cfg.Embedding.BaseURL),
	)
	llmClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	breakers := resilience.NewServiceBreakers(resilience.FromCircuitConfig(
		cfg.Circuit.FailureThreshold,
		cfg.Circuit.ResetTimeoutSecs,
	))

	retry := resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier,
		cfg.Retry.JitterFraction,
	)

	ret := retriever.New(st, embedClient, cfg.Retrieval.TopK, cfg.Retrieval.DistanceThreshold)
	extractor := pipeline.NewExtractor(ret, llmClient, breakers, pipeline.ExtractorOptions{
		Model:          cfg.Anthropic.Model,
		MaxTokens:      cfg.Anthropic.MaxTokens,
		TopK:           cfg.Retrieval.TopK,
		RequestsPerSec: cfg.Anthropic.RequestsPerSec,
		Retry:          retry,
	})

	p := pipeline.New(st, extractor, weights, cfg.Retrieval.TopK)

	return &workerEnv{
		Store:    st,
		Pipeline: p,
		Breakers: breakers,
	}, nil
}
