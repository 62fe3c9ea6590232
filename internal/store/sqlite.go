package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/esg-worker/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It exists for local
// development and tests; similarity search loads the scoped chunks and ranks
// them in process, which is viable because scoping already restricts the
// candidate set to one company/year.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS indicator_definitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	code        TEXT NOT NULL UNIQUE,
	attribute   INTEGER NOT NULL CHECK (attribute BETWEEN 1 AND 9),
	pillar      TEXT NOT NULL CHECK (pillar IN ('E','S','G')),
	name        TEXT NOT NULL,
	unit        TEXT,
	description TEXT NOT NULL DEFAULT '',
	weight      REAL NOT NULL CHECK (weight >= 0 AND weight <= 1)
);

CREATE TABLE IF NOT EXISTS reports (
	object_key       TEXT PRIMARY KEY,
	company_id       INTEGER REFERENCES companies(id),
	report_year      INTEGER,
	ingestion_status TEXT,
	status_message   TEXT,
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS document_chunks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	object_key  TEXT NOT NULL,
	company_id  INTEGER NOT NULL,
	report_year INTEGER NOT NULL,
	page_number INTEGER NOT NULL,
	chunk_index INTEGER NOT NULL,
	content     TEXT NOT NULL,
	embedding   TEXT
);

CREATE TABLE IF NOT EXISTS extracted_indicators (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	object_key        TEXT NOT NULL,
	company_id        INTEGER NOT NULL,
	report_year       INTEGER NOT NULL,
	indicator_id      INTEGER NOT NULL REFERENCES indicator_definitions(id),
	indicator_code    TEXT NOT NULL,
	extracted_value   TEXT NOT NULL,
	numeric_value     REAL,
	unit              TEXT,
	confidence_score  REAL NOT NULL,
	validation_status TEXT NOT NULL DEFAULT 'pending',
	source_pages      TEXT NOT NULL DEFAULT '[]',
	source_chunk_ids  TEXT NOT NULL DEFAULT '[]',
	extracted_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (object_key, indicator_id)
);

CREATE TABLE IF NOT EXISTS esg_scores (
	company_id           INTEGER NOT NULL,
	report_year          INTEGER NOT NULL,
	environmental_score  REAL,
	social_score         REAL,
	governance_score     REAL,
	overall_score        REAL,
	calculation_metadata TEXT,
	calculated_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (company_id, report_year)
);

CREATE INDEX IF NOT EXISTS idx_chunks_scope ON document_chunks(company_id, report_year);
CREATE INDEX IF NOT EXISTS idx_chunks_object_key ON document_chunks(object_key);
CREATE INDEX IF NOT EXISTS idx_extracted_company_year ON extracted_indicators(company_id, report_year);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListIndicators(ctx context.Context) ([]model.IndicatorDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, attribute, pillar, name, COALESCE(unit, ''), description, weight
		 FROM indicator_definitions
		 ORDER BY attribute, code`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list indicators")
	}
	defer rows.Close()

	var defs []model.IndicatorDefinition
	for rows.Next() {
		var d model.IndicatorDefinition
		if err := rows.Scan(&d.ID, &d.Code, &d.Attribute, &d.Pillar, &d.Name, &d.Unit, &d.Description, &d.Weight); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan indicator")
		}
		defs = append(defs, d)
	}
	return defs, eris.Wrap(rows.Err(), "sqlite: list indicators")
}

func (s *SQLiteStore) UpsertIndicators(ctx context.Context, defs []model.IndicatorDefinition) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	var n int64
	for _, d := range defs {
		var unit any
		if d.Unit != "" {
			unit = d.Unit
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO indicator_definitions (code, attribute, pillar, name, unit, description, weight)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (code) DO UPDATE SET
				attribute = excluded.attribute,
				pillar = excluded.pillar,
				name = excluded.name,
				unit = excluded.unit,
				description = excluded.description,
				weight = excluded.weight`,
			d.Code, d.Attribute, string(d.Pillar), d.Name, unit, d.Description, d.Weight)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert indicator %s", d.Code)
		}
		n++
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit")
}

func (s *SQLiteStore) ResolveCompany(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM companies WHERE upper(name) = upper(?)`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: resolve company %s", name)
	}
	return id, nil
}

func (s *SQLiteStore) HasPassages(ctx context.Context, objectKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM document_chunks WHERE object_key = ?)`, objectKey).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: has passages %s", objectKey)
	}
	return exists, nil
}

// SearchPassages loads the chunks scoped to (companyID, reportYear) and ranks
// them by cosine distance in process. Embeddings are stored as JSON arrays.
func (s *SQLiteStore) SearchPassages(ctx context.Context, embedding []float32, companyID int64, reportYear, k int) ([]model.RetrievedPassage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, object_key, page_number, chunk_index, content, embedding
		 FROM document_chunks
		 WHERE company_id = ? AND report_year = ? AND embedding IS NOT NULL`,
		companyID, reportYear)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search passages")
	}
	defer rows.Close()

	var passages []model.RetrievedPassage
	for rows.Next() {
		var p model.RetrievedPassage
		var embJSON string
		if err := rows.Scan(&p.ChunkID, &p.ObjectKey, &p.PageNumber, &p.ChunkIndex, &p.Text, &embJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan passage")
		}
		var stored []float32
		if err := json.Unmarshal([]byte(embJSON), &stored); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode embedding for chunk %d", p.ChunkID)
		}
		p.Distance = cosineDistance(embedding, stored)
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: search passages")
	}

	sort.Slice(passages, func(i, j int) bool { return passages[i].Distance < passages[j].Distance })
	if k > 0 && len(passages) > k {
		passages = passages[:k]
	}
	return passages, nil
}

// cosineDistance returns 1 - cosine similarity, matching pgvector's <=>
// operator. Mismatched or zero-magnitude vectors rank last.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.MaxFloat64
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return math.MaxFloat64
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

func (s *SQLiteStore) ChunkIDsForPages(ctx context.Context, objectKey string, pages []int) ([]int64, error) {
	if len(pages) == 0 {
		return nil, nil
	}

	query := `SELECT id FROM document_chunks WHERE object_key = ? AND page_number IN (`
	args := []any{objectKey}
	for i, p := range pages {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, p)
	}
	query += ") ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: chunk ids for %s", objectKey)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chunk id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrapf(rows.Err(), "sqlite: chunk ids for %s", objectKey)
}

func (s *SQLiteStore) UpsertExtractedIndicators(ctx context.Context, items []model.ExtractedIndicator) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	for _, it := range items {
		pagesJSON, err := json.Marshal(orEmptyInts(it.SourcePages))
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal source pages")
		}
		chunksJSON, err := json.Marshal(orEmptyInt64s(it.SourceChunkIDs))
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal source chunk ids")
		}

		extractedAt := it.ExtractedAt
		if extractedAt.IsZero() {
			extractedAt = time.Now().UTC()
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO extracted_indicators
				(object_key, company_id, report_year, indicator_id, indicator_code,
				 extracted_value, numeric_value, unit, confidence_score, validation_status,
				 source_pages, source_chunk_ids, extracted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (object_key, indicator_id) DO UPDATE SET
				company_id = excluded.company_id,
				report_year = excluded.report_year,
				indicator_code = excluded.indicator_code,
				extracted_value = excluded.extracted_value,
				numeric_value = excluded.numeric_value,
				unit = excluded.unit,
				confidence_score = excluded.confidence_score,
				validation_status = excluded.validation_status,
				source_pages = excluded.source_pages,
				source_chunk_ids = excluded.source_chunk_ids,
				extracted_at = excluded.extracted_at`,
			it.ObjectKey, it.CompanyID, it.ReportYear, it.IndicatorID, it.IndicatorCode,
			it.ExtractedValue, it.NumericValue, nullIfEmpty(it.Unit), it.ConfidenceScore,
			string(it.ValidationStatus), string(pagesJSON), string(chunksJSON), extractedAt)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert extracted %s/%s", it.ObjectKey, it.IndicatorCode)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func (s *SQLiteStore) ListExtractedIndicators(ctx context.Context, companyID int64, reportYear int) ([]model.ExtractedIndicator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, object_key, company_id, report_year, indicator_id, indicator_code,
		        extracted_value, numeric_value, COALESCE(unit, ''), confidence_score,
		        validation_status, source_pages, source_chunk_ids, extracted_at
		 FROM extracted_indicators
		 WHERE company_id = ? AND report_year = ?
		 ORDER BY indicator_code`,
		companyID, reportYear)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list extracted")
	}
	defer rows.Close()

	var items []model.ExtractedIndicator
	for rows.Next() {
		var it model.ExtractedIndicator
		var status, pagesJSON, chunksJSON string
		if err := rows.Scan(&it.ID, &it.ObjectKey, &it.CompanyID, &it.ReportYear, &it.IndicatorID,
			&it.IndicatorCode, &it.ExtractedValue, &it.NumericValue, &it.Unit, &it.ConfidenceScore,
			&status, &pagesJSON, &chunksJSON, &it.ExtractedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan extracted")
		}
		it.ValidationStatus = model.ValidationStatus(status)
		if err := json.Unmarshal([]byte(pagesJSON), &it.SourcePages); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal source pages")
		}
		if err := json.Unmarshal([]byte(chunksJSON), &it.SourceChunkIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal source chunk ids")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list extracted")
}

func (s *SQLiteStore) UpsertScore(ctx context.Context, rec *model.ScoreRecord) error {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal score metadata")
	}

	calculatedAt := rec.CalculatedAt
	if calculatedAt.IsZero() {
		calculatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO esg_scores
			(company_id, report_year, environmental_score, social_score,
			 governance_score, overall_score, calculation_metadata, calculated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (company_id, report_year) DO UPDATE SET
			environmental_score = excluded.environmental_score,
			social_score = excluded.social_score,
			governance_score = excluded.governance_score,
			overall_score = excluded.overall_score,
			calculation_metadata = excluded.calculation_metadata,
			calculated_at = excluded.calculated_at`,
		rec.CompanyID, rec.ReportYear, rec.EnvironmentalScore, rec.SocialScore,
		rec.GovernanceScore, rec.OverallScore, string(metaJSON), calculatedAt)
	return eris.Wrapf(err, "sqlite: upsert score %d/%d", rec.CompanyID, rec.ReportYear)
}

func (s *SQLiteStore) GetScore(ctx context.Context, companyID int64, reportYear int) (*model.ScoreRecord, error) {
	var rec model.ScoreRecord
	var metaJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT company_id, report_year, environmental_score, social_score,
		        governance_score, overall_score, calculation_metadata, calculated_at
		 FROM esg_scores WHERE company_id = ? AND report_year = ?`,
		companyID, reportYear).Scan(
		&rec.CompanyID, &rec.ReportYear, &rec.EnvironmentalScore, &rec.SocialScore,
		&rec.GovernanceScore, &rec.OverallScore, &metaJSON, &rec.CalculatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get score %d/%d", companyID, reportYear)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal score metadata")
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) SetIngestionStatus(ctx context.Context, objectKey, status, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (object_key, ingestion_status, status_message, updated_at)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT (object_key) DO UPDATE SET
			ingestion_status = excluded.ingestion_status,
			status_message = excluded.status_message,
			updated_at = datetime('now')`,
		objectKey, status, nullIfEmpty(message))
	return eris.Wrapf(err, "sqlite: set ingestion status %s", objectKey)
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT count(*) FROM indicator_definitions),
			(SELECT count(*) FROM extracted_indicators),
			(SELECT count(*) FROM esg_scores),
			(SELECT count(*) FROM reports WHERE ingestion_status = 'FAILED')`).
		Scan(&st.IndicatorDefinitions, &st.ExtractedIndicators, &st.ScoreRecords, &st.FailedDocuments)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats")
	}
	return &st, nil
}
