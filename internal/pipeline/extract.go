package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/esg-worker/internal/model"
	"github.com/sells-group/esg-worker/internal/resilience"
	"github.com/sells-group/esg-worker/internal/retriever"
	"github.com/sells-group/esg-worker/pkg/anthropic"
)

// Extractor runs the per-indicator extraction chain: retrieval, prompt
// rendering, LLM inference, and schema validation of the response.
type Extractor struct {
	retriever *retriever.Retriever
	llm       anthropic.Client
	limiter   *rate.Limiter
	breakers  *resilience.ServiceBreakers
	retry     resilience.RetryConfig

	model     string
	maxTokens int64
	topK      int
}

// ExtractorOptions configures an Extractor.
type ExtractorOptions struct {
	Model          string
	MaxTokens      int64
	TopK           int
	RequestsPerSec float64
	Retry          resilience.RetryConfig
}

// NewExtractor wires the extraction chain. The rate limiter is client-side
// smoothing for the inference endpoint; the breaker registry is shared with
// the rest of the worker so an open LLM circuit is visible on /stats.
func NewExtractor(r *retriever.Retriever, llm anthropic.Client, breakers *resilience.ServiceBreakers, opts ExtractorOptions) *Extractor {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 2.0
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	return &Extractor{
		retriever: r,
		llm:       llm,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1),
		breakers:  breakers,
		retry:     opts.Retry,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		topK:      opts.TopK,
	}
}

// ExtractOne extracts a single indicator value for one company-year scope.
//
// Empty retrieval is not an error: it short-circuits to the canonical
// "Not Found" extraction with confidence 0. Retrieval and inference failures
// are retried with backoff; exhaustion propagates to the caller.
func (e *Extractor) ExtractOne(ctx context.Context, def model.IndicatorDefinition, companyName string, companyID int64, reportYear, k int) (model.IndicatorExtraction, error) {
	if k <= 0 {
		k = e.topK
	}
	query := buildQuery(def)

	retryCfg := e.retry
	retryCfg.OnRetry = resilience.RetryLogger("retriever", "retrieve")
	passages, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) ([]model.RetrievedPassage, error) {
		return e.retriever.Retrieve(ctx, query, companyID, reportYear, k)
	})
	if err != nil {
		if eris.Is(err, retriever.ErrNoPassages) {
			zap.L().Debug("no passages for indicator",
				zap.String("indicator", def.Code),
				zap.Int64("company_id", companyID),
				zap.Int("report_year", reportYear),
			)
			return model.NotFoundExtraction(def.Code), nil
		}
		return model.IndicatorExtraction{}, eris.Wrapf(err, "pipeline: retrieve for %s", def.Code)
	}

	prompt := buildPrompt(def, companyName, reportYear, buildContext(passages))

	llmRetry := e.retry
	llmRetry.OnRetry = resilience.RetryLogger("anthropic", "extract "+def.Code)
	breaker := e.breakers.Get("anthropic")

	extraction, err := resilience.DoVal(ctx, llmRetry, func(ctx context.Context) (model.IndicatorExtraction, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return model.IndicatorExtraction{}, eris.Wrap(err, "pipeline: rate limiter")
		}
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (model.IndicatorExtraction, error) {
			resp, err := e.llm.CreateMessage(ctx, anthropic.MessageRequest{
				Model:     e.model,
				MaxTokens: e.maxTokens,
				System:    anthropic.BuildCachedSystemBlocks(extractionSystemPrompt),
				Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
			})
			if err != nil {
				return model.IndicatorExtraction{}, err
			}
			resp.Usage.LogCost(e.model, def.Code)
			return parseExtraction(resp.Text(), def.Code)
		})
	})
	if err != nil {
		return model.IndicatorExtraction{}, eris.Wrapf(err, "pipeline: extract %s", def.Code)
	}
	return extraction, nil
}

// wireExtraction is the exact response schema requested from the model.
type wireExtraction struct {
	Value        string   `json:"value"`
	NumericValue *float64 `json:"numeric_value"`
	Unit         string   `json:"unit"`
	Confidence   float64  `json:"confidence"`
	SourcePages  []int    `json:"source_pages"`
}

// parseExtraction decodes and schema-validates the model's response. Schema
// violations come back as transient errors so the retry loop re-asks the
// model instead of letting loosely-typed output flow downstream.
func parseExtraction(text, indicatorCode string) (model.IndicatorExtraction, error) {
	raw := stripCodeFences(text)

	var wire wireExtraction
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return model.IndicatorExtraction{}, resilience.NewTransientError(
			eris.Wrapf(err, "pipeline: response for %s is not valid JSON", indicatorCode), 0)
	}

	if strings.TrimSpace(wire.Value) == "" {
		return model.IndicatorExtraction{}, resilience.NewTransientError(
			eris.Errorf("pipeline: response for %s has empty value", indicatorCode), 0)
	}
	if wire.Confidence < 0 || wire.Confidence > 1 {
		return model.IndicatorExtraction{}, resilience.NewTransientError(
			eris.Errorf("pipeline: response for %s has confidence %.4g outside [0, 1]", indicatorCode, wire.Confidence), 0)
	}
	if wire.Confidence > 0 && len(wire.SourcePages) == 0 {
		return model.IndicatorExtraction{}, resilience.NewTransientError(
			eris.Errorf("pipeline: response for %s claims confidence %.4g without source pages", indicatorCode, wire.Confidence), 0)
	}

	if wire.SourcePages == nil {
		wire.SourcePages = []int{}
	}
	return model.IndicatorExtraction{
		IndicatorCode: indicatorCode,
		Value:         wire.Value,
		NumericValue:  wire.NumericValue,
		Unit:          wire.Unit,
		Confidence:    wire.Confidence,
		SourcePages:   wire.SourcePages,
	}, nil
}

// stripCodeFences removes a markdown code fence wrapper if the model added
// one despite instructions.
func stripCodeFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
