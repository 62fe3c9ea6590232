package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"github.com/rotisserie/eris"

	"github.com/sells-group/esg-worker/internal/db"
	"github.com/sells-group/esg-worker/internal/model"
)

// PostgresStore implements Store using pgxpool, with pgvector for passage
// similarity search.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	if minConns <= 0 {
		minConns = 2
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Register the vector type on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests (pgxmock) and by
// commands that share a pool with the bulk-upsert helper.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool for subsystems that need direct access
// (e.g., the catalog bulk import).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS companies (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS indicator_definitions (
	id          BIGSERIAL PRIMARY KEY,
	code        TEXT NOT NULL UNIQUE,
	attribute   INT NOT NULL CHECK (attribute BETWEEN 1 AND 9),
	pillar      TEXT NOT NULL CHECK (pillar IN ('E','S','G')),
	name        TEXT NOT NULL,
	unit        TEXT,
	description TEXT NOT NULL DEFAULT '',
	weight      DOUBLE PRECISION NOT NULL CHECK (weight >= 0 AND weight <= 1)
);

CREATE TABLE IF NOT EXISTS reports (
	object_key       TEXT PRIMARY KEY,
	company_id       BIGINT REFERENCES companies(id),
	report_year      INT,
	ingestion_status TEXT,
	status_message   TEXT,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS document_chunks (
	id          BIGSERIAL PRIMARY KEY,
	object_key  TEXT NOT NULL,
	company_id  BIGINT NOT NULL,
	report_year INT NOT NULL,
	page_number INT NOT NULL,
	chunk_index INT NOT NULL,
	content     TEXT NOT NULL,
	embedding   VECTOR(1024)
);

CREATE TABLE IF NOT EXISTS extracted_indicators (
	id                BIGSERIAL PRIMARY KEY,
	object_key        TEXT NOT NULL,
	company_id        BIGINT NOT NULL,
	report_year       INT NOT NULL,
	indicator_id      BIGINT NOT NULL REFERENCES indicator_definitions(id),
	indicator_code    TEXT NOT NULL,
	extracted_value   TEXT NOT NULL,
	numeric_value     DOUBLE PRECISION,
	unit              TEXT,
	confidence_score  DOUBLE PRECISION NOT NULL,
	validation_status TEXT NOT NULL DEFAULT 'pending',
	source_pages      JSONB NOT NULL DEFAULT '[]',
	source_chunk_ids  JSONB NOT NULL DEFAULT '[]',
	extracted_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (object_key, indicator_id)
);

CREATE TABLE IF NOT EXISTS esg_scores (
	company_id           BIGINT NOT NULL,
	report_year          INT NOT NULL,
	environmental_score  DOUBLE PRECISION,
	social_score         DOUBLE PRECISION,
	governance_score     DOUBLE PRECISION,
	overall_score        DOUBLE PRECISION,
	calculation_metadata JSONB,
	calculated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (company_id, report_year)
);

CREATE INDEX IF NOT EXISTS idx_chunks_scope ON document_chunks(company_id, report_year);
CREATE INDEX IF NOT EXISTS idx_chunks_object_key ON document_chunks(object_key);
CREATE INDEX IF NOT EXISTS idx_extracted_company_year ON extracted_indicators(company_id, report_year);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) ListIndicators(ctx context.Context) ([]model.IndicatorDefinition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, code, attribute, pillar, name, COALESCE(unit, ''), description, weight
		 FROM indicator_definitions
		 ORDER BY attribute, code`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list indicators")
	}
	defer rows.Close()

	var defs []model.IndicatorDefinition
	for rows.Next() {
		var d model.IndicatorDefinition
		if err := rows.Scan(&d.ID, &d.Code, &d.Attribute, &d.Pillar, &d.Name, &d.Unit, &d.Description, &d.Weight); err != nil {
			return nil, eris.Wrap(err, "postgres: scan indicator")
		}
		defs = append(defs, d)
	}
	return defs, eris.Wrap(rows.Err(), "postgres: list indicators")
}

func (s *PostgresStore) UpsertIndicators(ctx context.Context, defs []model.IndicatorDefinition) (int64, error) {
	rows := make([][]any, len(defs))
	for i, d := range defs {
		var unit any
		if d.Unit != "" {
			unit = d.Unit
		}
		rows[i] = []any{d.Code, d.Attribute, string(d.Pillar), d.Name, unit, d.Description, d.Weight}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "indicator_definitions",
		Columns:      []string{"code", "attribute", "pillar", "name", "unit", "description", "weight"},
		ConflictKeys: []string{"code"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert indicators")
}

func (s *PostgresStore) ResolveCompany(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM companies WHERE upper(name) = upper($1)`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: resolve company %s", name)
	}
	return id, nil
}

func (s *PostgresStore) HasPassages(ctx context.Context, objectKey string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM document_chunks WHERE object_key = $1)`, objectKey).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: has passages %s", objectKey)
	}
	return exists, nil
}

// SearchPassages runs scoped similarity search: candidates are restricted to
// (companyID, reportYear) before any distance is computed, so the vector
// scan covers a few hundred chunks instead of the full corpus.
func (s *PostgresStore) SearchPassages(ctx context.Context, embedding []float32, companyID int64, reportYear, k int) ([]model.RetrievedPassage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, object_key, page_number, chunk_index, content, embedding <=> $1 AS distance
		 FROM document_chunks
		 WHERE company_id = $2 AND report_year = $3
		 ORDER BY embedding <=> $1
		 LIMIT $4`,
		pgvector.NewVector(embedding), companyID, reportYear, k)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search passages")
	}
	defer rows.Close()

	var passages []model.RetrievedPassage
	for rows.Next() {
		var p model.RetrievedPassage
		if err := rows.Scan(&p.ChunkID, &p.ObjectKey, &p.PageNumber, &p.ChunkIndex, &p.Text, &p.Distance); err != nil {
			return nil, eris.Wrap(err, "postgres: scan passage")
		}
		passages = append(passages, p)
	}
	return passages, eris.Wrap(rows.Err(), "postgres: search passages")
}

func (s *PostgresStore) ChunkIDsForPages(ctx context.Context, objectKey string, pages []int) ([]int64, error) {
	if len(pages) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM document_chunks
		 WHERE object_key = $1 AND page_number = ANY($2)
		 ORDER BY id`,
		objectKey, pages)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: chunk ids for %s", objectKey)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chunk id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrapf(rows.Err(), "postgres: chunk ids for %s", objectKey)
}

const upsertExtractedSQL = `
INSERT INTO extracted_indicators
	(object_key, company_id, report_year, indicator_id, indicator_code,
	 extracted_value, numeric_value, unit, confidence_score, validation_status,
	 source_pages, source_chunk_ids, extracted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (object_key, indicator_id) DO UPDATE SET
	company_id = EXCLUDED.company_id,
	report_year = EXCLUDED.report_year,
	indicator_code = EXCLUDED.indicator_code,
	extracted_value = EXCLUDED.extracted_value,
	numeric_value = EXCLUDED.numeric_value,
	unit = EXCLUDED.unit,
	confidence_score = EXCLUDED.confidence_score,
	validation_status = EXCLUDED.validation_status,
	source_pages = EXCLUDED.source_pages,
	source_chunk_ids = EXCLUDED.source_chunk_ids,
	extracted_at = EXCLUDED.extracted_at`

func (s *PostgresStore) UpsertExtractedIndicators(ctx context.Context, items []model.ExtractedIndicator) error {
	for _, it := range items {
		pagesJSON, err := json.Marshal(orEmptyInts(it.SourcePages))
		if err != nil {
			return eris.Wrap(err, "postgres: marshal source pages")
		}
		chunksJSON, err := json.Marshal(orEmptyInt64s(it.SourceChunkIDs))
		if err != nil {
			return eris.Wrap(err, "postgres: marshal source chunk ids")
		}

		extractedAt := it.ExtractedAt
		if extractedAt.IsZero() {
			extractedAt = time.Now().UTC()
		}

		_, err = s.pool.Exec(ctx, upsertExtractedSQL,
			it.ObjectKey, it.CompanyID, it.ReportYear, it.IndicatorID, it.IndicatorCode,
			it.ExtractedValue, it.NumericValue, nullIfEmpty(it.Unit), it.ConfidenceScore,
			string(it.ValidationStatus), pagesJSON, chunksJSON, extractedAt)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert extracted %s/%s", it.ObjectKey, it.IndicatorCode)
		}
	}
	return nil
}

func (s *PostgresStore) ListExtractedIndicators(ctx context.Context, companyID int64, reportYear int) ([]model.ExtractedIndicator, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, object_key, company_id, report_year, indicator_id, indicator_code,
		        extracted_value, numeric_value, COALESCE(unit, ''), confidence_score,
		        validation_status, source_pages, source_chunk_ids, extracted_at
		 FROM extracted_indicators
		 WHERE company_id = $1 AND report_year = $2
		 ORDER BY indicator_code`,
		companyID, reportYear)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list extracted")
	}
	defer rows.Close()

	var items []model.ExtractedIndicator
	for rows.Next() {
		var it model.ExtractedIndicator
		var status string
		var pagesJSON, chunksJSON []byte
		if err := rows.Scan(&it.ID, &it.ObjectKey, &it.CompanyID, &it.ReportYear, &it.IndicatorID,
			&it.IndicatorCode, &it.ExtractedValue, &it.NumericValue, &it.Unit, &it.ConfidenceScore,
			&status, &pagesJSON, &chunksJSON, &it.ExtractedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan extracted")
		}
		it.ValidationStatus = model.ValidationStatus(status)
		if err := json.Unmarshal(pagesJSON, &it.SourcePages); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal source pages")
		}
		if err := json.Unmarshal(chunksJSON, &it.SourceChunkIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal source chunk ids")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list extracted")
}

const upsertScoreSQL = `
INSERT INTO esg_scores
	(company_id, report_year, environmental_score, social_score,
	 governance_score, overall_score, calculation_metadata, calculated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (company_id, report_year) DO UPDATE SET
	environmental_score = EXCLUDED.environmental_score,
	social_score = EXCLUDED.social_score,
	governance_score = EXCLUDED.governance_score,
	overall_score = EXCLUDED.overall_score,
	calculation_metadata = EXCLUDED.calculation_metadata,
	calculated_at = EXCLUDED.calculated_at`

func (s *PostgresStore) UpsertScore(ctx context.Context, rec *model.ScoreRecord) error {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal score metadata")
	}

	calculatedAt := rec.CalculatedAt
	if calculatedAt.IsZero() {
		calculatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, upsertScoreSQL,
		rec.CompanyID, rec.ReportYear, rec.EnvironmentalScore, rec.SocialScore,
		rec.GovernanceScore, rec.OverallScore, metaJSON, calculatedAt)
	return eris.Wrapf(err, "postgres: upsert score %d/%d", rec.CompanyID, rec.ReportYear)
}

func (s *PostgresStore) GetScore(ctx context.Context, companyID int64, reportYear int) (*model.ScoreRecord, error) {
	var rec model.ScoreRecord
	var metaJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT company_id, report_year, environmental_score, social_score,
		        governance_score, overall_score, calculation_metadata, calculated_at
		 FROM esg_scores WHERE company_id = $1 AND report_year = $2`,
		companyID, reportYear).Scan(
		&rec.CompanyID, &rec.ReportYear, &rec.EnvironmentalScore, &rec.SocialScore,
		&rec.GovernanceScore, &rec.OverallScore, &metaJSON, &rec.CalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get score %d/%d", companyID, reportYear)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal score metadata")
		}
	}
	return &rec, nil
}

func (s *PostgresStore) SetIngestionStatus(ctx context.Context, objectKey, status, message string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reports (object_key, ingestion_status, status_message, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (object_key) DO UPDATE SET
			ingestion_status = EXCLUDED.ingestion_status,
			status_message = EXCLUDED.status_message,
			updated_at = now()`,
		objectKey, status, nullIfEmpty(message))
	return eris.Wrapf(err, "postgres: set ingestion status %s", objectKey)
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT count(*) FROM indicator_definitions),
			(SELECT count(*) FROM extracted_indicators),
			(SELECT count(*) FROM esg_scores),
			(SELECT count(*) FROM reports WHERE ingestion_status = 'FAILED')`).
		Scan(&st.IndicatorDefinitions, &st.ExtractedIndicators, &st.ScoreRecords, &st.FailedDocuments)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats")
	}
	return &st, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmptyInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func orEmptyInt64s(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}
