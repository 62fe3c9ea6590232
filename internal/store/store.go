// Package store persists extraction results and scores, and reads the
// reference data (catalog, companies, passages) written by upstream services.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/esg-worker/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = eris.New("store: not found")

// Stats is a snapshot of worker-visible persistence counters for the ops
// endpoint.
type Stats struct {
	IndicatorDefinitions int64 `json:"indicator_definitions"`
	ExtractedIndicators  int64 `json:"extracted_indicators"`
	ScoreRecords         int64 `json:"score_records"`
	FailedDocuments      int64 `json:"failed_documents"`
}

// Store defines the persistence interface for the extraction worker.
//
// Writes are idempotent upserts keyed by natural keys — (object_key,
// indicator_id) for extractions, (company_id, report_year) for scores — so
// concurrent reprocessing of a document by two workers resolves at the store
// level rather than through application locking.
type Store interface {
	// Indicator catalog (reference data).
	ListIndicators(ctx context.Context) ([]model.IndicatorDefinition, error)
	UpsertIndicators(ctx context.Context, defs []model.IndicatorDefinition) (int64, error)

	// Company resolution.
	ResolveCompany(ctx context.Context, name string) (int64, error)

	// Passage corpus (read-only; owned by the ingestion service).
	HasPassages(ctx context.Context, objectKey string) (bool, error)
	SearchPassages(ctx context.Context, embedding []float32, companyID int64, reportYear, k int) ([]model.RetrievedPassage, error)
	ChunkIDsForPages(ctx context.Context, objectKey string, pages []int) ([]int64, error)

	// Extraction results.
	UpsertExtractedIndicators(ctx context.Context, items []model.ExtractedIndicator) error
	ListExtractedIndicators(ctx context.Context, companyID int64, reportYear int) ([]model.ExtractedIndicator, error)

	// Scores.
	UpsertScore(ctx context.Context, rec *model.ScoreRecord) error
	GetScore(ctx context.Context, companyID int64, reportYear int) (*model.ScoreRecord, error)

	// Ingestion status side-channel (best effort; failures are logged, never
	// escalated).
	SetIngestionStatus(ctx context.Context, objectKey, status, message string) error

	// Ops.
	Stats(ctx context.Context) (*Stats, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
