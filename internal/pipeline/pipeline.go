// Package pipeline drives the full extraction-validation-scoring run for one
// document: resolve scope from the object key, extract every catalog
// indicator, validate, persist, and score.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/esg-worker/internal/catalog"
	"github.com/sells-group/esg-worker/internal/model"
	"github.com/sells-group/esg-worker/internal/scorer"
	"github.com/sells-group/esg-worker/internal/store"
	"github.com/sells-group/esg-worker/internal/validator"
)

// Pipeline orchestrates one document run end to end. Stages are strictly
// sequential; there is no intra-document parallelism, so a slow inference
// call never starves a competing worker process.
type Pipeline struct {
	store     store.Store
	extractor *Extractor
	weights   scorer.PillarWeights
	topK      int
}

// New assembles a pipeline.
func New(st store.Store, extractor *Extractor, weights scorer.PillarWeights, topK int) *Pipeline {
	if topK <= 0 {
		topK = 5
	}
	return &Pipeline{
		store:     st,
		extractor: extractor,
		weights:   weights,
		topK:      topK,
	}
}

// ProcessDocument runs the full pipeline for one task. Per-indicator failures
// are tolerated and counted; only whole-document errors (scope resolution,
// catalog, persistence, scoring) fail the run.
func (p *Pipeline) ProcessDocument(ctx context.Context, task model.Task) (*model.DocumentResult, error) {
	started := time.Now()

	companyName, reportYear, companyID, err := p.resolveScope(ctx, task)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Load(ctx, p.store)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("object_key", task.ObjectKey),
		zap.String("company", companyName),
		zap.Int64("company_id", companyID),
		zap.Int("report_year", reportYear),
	)
	log.Info("processing document", zap.Int("indicators", cat.Len()))

	items, failures := p.extractAll(ctx, cat, task.ObjectKey, companyName, companyID, reportYear)

	// Validate every extraction. Invalid indicators are persisted flagged,
	// never discarded: the raw value stays available for human review.
	valid := 0
	for i := range items {
		def, _ := cat.ByCode(items[i].IndicatorCode)
		result := validator.Validate(items[i], def)
		items[i].ValidationStatus = result.Status
		if result.IsValid {
			valid++
		}
		if len(result.Errors) > 0 || len(result.Warnings) > 0 {
			log.Debug("validation findings",
				zap.String("indicator", items[i].IndicatorCode),
				zap.Strings("errors", result.Errors),
				zap.Strings("warnings", result.Warnings),
			)
		}
	}

	if err := p.store.UpsertExtractedIndicators(ctx, items); err != nil {
		return nil, eris.Wrap(err, "pipeline: persist extracted indicators")
	}

	rec, err := scorer.BuildScoreRecord(companyID, reportYear, cat.Definitions(), items, &p.weights)
	if err != nil {
		return nil, err
	}
	if err := p.store.UpsertScore(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "pipeline: persist score")
	}

	result := &model.DocumentResult{
		ObjectKey:        task.ObjectKey,
		CompanyID:        companyID,
		ReportYear:       reportYear,
		IndicatorsTotal:  cat.Len(),
		IndicatorsValid:  valid,
		ExtractionErrors: failures,
		Score:            rec,
		DurationMs:       time.Since(started).Milliseconds(),
	}
	log.Info("document processed",
		zap.Int("indicators_valid", valid),
		zap.Int("extraction_errors", failures),
		zap.Int64("duration_ms", result.DurationMs),
	)
	return result, nil
}

// resolveScope determines (companyName, reportYear, companyID) for the task.
// Task fields win over the object-key convention when present; the company id
// always comes from the store unless the producer supplied one.
func (p *Pipeline) resolveScope(ctx context.Context, task model.Task) (string, int, int64, error) {
	companyName, reportYear, err := ParseObjectKey(task.ObjectKey)
	if err != nil {
		// A producer-supplied scope can stand in for a malformed key.
		if task.CompanyName == "" || task.ReportYear == 0 {
			return "", 0, 0, err
		}
		companyName, reportYear = task.CompanyName, task.ReportYear
	}
	if task.CompanyName != "" {
		companyName = task.CompanyName
	}
	if task.ReportYear != 0 {
		reportYear = task.ReportYear
	}

	companyID := task.CompanyID
	if companyID <= 0 {
		companyID, err = p.store.ResolveCompany(ctx, companyName)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				return "", 0, 0, eris.Wrapf(ErrCompanyNotFound, "%q", companyName)
			}
			return "", 0, 0, eris.Wrap(err, "pipeline: resolve company")
		}
	}
	return companyName, reportYear, companyID, nil
}

// extractAll runs ExtractOne for every catalog indicator, attribute group by
// attribute group. A single indicator's failure is logged and counted, never
// escalated.
func (p *Pipeline) extractAll(ctx context.Context, cat *catalog.Catalog, objectKey, companyName string, companyID int64, reportYear int) ([]model.ExtractedIndicator, int) {
	var items []model.ExtractedIndicator
	failures := 0

	for _, attr := range cat.Attributes() {
		for _, def := range cat.Attribute(attr) {
			extraction, err := p.extractor.ExtractOne(ctx, def, companyName, companyID, reportYear, p.topK)
			if err != nil {
				failures++
				zap.L().Warn("indicator extraction failed",
					zap.String("object_key", objectKey),
					zap.String("indicator", def.Code),
					zap.Int("attribute", attr),
					zap.Error(err),
				)
				continue
			}
			items = append(items, p.toExtracted(ctx, extraction, def, objectKey, companyID, reportYear))
		}
	}
	return items, failures
}

// toExtracted converts a schema-validated LLM result into the persisted
// candidate. Chunk ids are re-resolved from the cited pages: chunk identity
// is not threaded through the inference round-trip.
func (p *Pipeline) toExtracted(ctx context.Context, extraction model.IndicatorExtraction, def model.IndicatorDefinition, objectKey string, companyID int64, reportYear int) model.ExtractedIndicator {
	var chunkIDs []int64
	if len(extraction.SourcePages) > 0 {
		ids, err := p.store.ChunkIDsForPages(ctx, objectKey, extraction.SourcePages)
		if err != nil {
			zap.L().Warn("chunk id lookup failed",
				zap.String("object_key", objectKey),
				zap.String("indicator", def.Code),
				zap.Error(err),
			)
		} else {
			chunkIDs = ids
		}
	}

	return model.ExtractedIndicator{
		ObjectKey:        objectKey,
		CompanyID:        companyID,
		ReportYear:       reportYear,
		IndicatorID:      def.ID,
		IndicatorCode:    def.Code,
		ExtractedValue:   extraction.Value,
		NumericValue:     extraction.NumericValue,
		Unit:             extraction.Unit,
		ConfidenceScore:  extraction.Confidence,
		ValidationStatus: model.ValidationPending,
		SourcePages:      extraction.SourcePages,
		SourceChunkIDs:   chunkIDs,
		ExtractedAt:      time.Now().UTC(),
	}
}

// RecomputeScore rebuilds the score record for a company-year from already
// persisted extractions, without re-running extraction.
func (p *Pipeline) RecomputeScore(ctx context.Context, companyID int64, reportYear int, weights *scorer.PillarWeights) (*model.ScoreRecord, error) {
	cat, err := catalog.Load(ctx, p.store)
	if err != nil {
		return nil, err
	}
	items, err := p.store.ListExtractedIndicators(ctx, companyID, reportYear)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list extracted indicators")
	}
	if len(items) == 0 {
		return nil, eris.Wrapf(store.ErrNotFound, "no extracted indicators for company %d year %d", companyID, reportYear)
	}

	w := &p.weights
	if weights != nil {
		w = weights
	}
	rec, err := scorer.BuildScoreRecord(companyID, reportYear, cat.Definitions(), items, w)
	if err != nil {
		return nil, err
	}
	if err := p.store.UpsertScore(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "pipeline: persist score")
	}
	return rec, nil
}
