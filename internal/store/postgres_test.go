package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/esg-worker/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func TestPostgresStore_ListIndicators(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"id", "code", "attribute", "pillar", "name", "unit", "description", "weight"}).
		AddRow(int64(1), "GHG_SCOPE1_TOTAL", 6, "E", "Scope 1 emissions", "tCO2e", "Total direct emissions", 1.0).
		AddRow(int64(2), "RENEWABLE_ENERGY_PERCENT", 6, "E", "Renewable energy share", "%", "", 0.8)

	mock.ExpectQuery(`SELECT id, code, attribute, pillar, name, COALESCE\(unit, ''\), description, weight`).
		WillReturnRows(rows)

	defs, err := s.ListIndicators(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "GHG_SCOPE1_TOTAL", defs[0].Code)
	assert.Equal(t, model.PillarEnvironmental, defs[1].Pillar)
	assert.Equal(t, 0.8, defs[1].Weight)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveCompany(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id FROM companies WHERE upper\(name\) = upper\(\$1\)`).
		WithArgs("RELIANCE").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := s.ResolveCompany(context.Background(), "RELIANCE")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveCompany_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id FROM companies`).
		WithArgs("UNKNOWN CO").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.ResolveCompany(context.Background(), "UNKNOWN CO")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_HasPassages(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("RELIANCE/2024_BRSR.pdf").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.HasPassages(context.Background(), "RELIANCE/2024_BRSR.pdf")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SearchPassages_ScopedAndOrdered(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"id", "object_key", "page_number", "chunk_index", "content", "distance"}).
		AddRow(int64(11), "RELIANCE/2024_BRSR.pdf", 41, 0, "Renewable energy was 12% of consumption.", 0.12).
		AddRow(int64(12), "RELIANCE/2024_BRSR.pdf", 42, 1, "Energy mix details.", 0.34)

	mock.ExpectQuery(`WHERE company_id = \$2 AND report_year = \$3`).
		WithArgs(pgxmock.AnyArg(), int64(7), 2024, 5).
		WillReturnRows(rows)

	got, err := s.SearchPassages(context.Background(), make([]float32, 1024), 7, 2024, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(11), got[0].ChunkID)
	assert.Equal(t, 41, got[0].PageNumber)
	assert.Less(t, got[0].Distance, got[1].Distance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ChunkIDsForPages(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE object_key = \$1 AND page_number = ANY\(\$2\)`).
		WithArgs("RELIANCE/2024_BRSR.pdf", []int{41, 42}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)).AddRow(int64(12)))

	ids, err := s.ChunkIDsForPages(context.Background(), "RELIANCE/2024_BRSR.pdf", []int{41, 42})
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ChunkIDsForPages_EmptyPagesSkipsQuery(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	ids, err := s.ChunkIDsForPages(context.Background(), "RELIANCE/2024_BRSR.pdf", nil)
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertExtractedIndicators(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(object_key, indicator_id\)`).
		WithArgs("RELIANCE/2024_BRSR.pdf", int64(7), 2024, int64(3), "RENEWABLE_ENERGY_PERCENT",
			"12", pgxmock.AnyArg(), "%", 0.9, "valid",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	v := 12.0
	err := s.UpsertExtractedIndicators(context.Background(), []model.ExtractedIndicator{{
		ObjectKey:        "RELIANCE/2024_BRSR.pdf",
		CompanyID:        7,
		ReportYear:       2024,
		IndicatorID:      3,
		IndicatorCode:    "RENEWABLE_ENERGY_PERCENT",
		ExtractedValue:   "12",
		NumericValue:     &v,
		Unit:             "%",
		ConfidenceScore:  0.9,
		ValidationStatus: model.ValidationValid,
		SourcePages:      []int{41},
		SourceChunkIDs:   []int64{11},
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertScore(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO esg_scores`).
		WithArgs(int64(7), 2024, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	env, overall := 62.0, 58.4
	err := s.UpsertScore(context.Background(), &model.ScoreRecord{
		CompanyID:          7,
		ReportYear:         2024,
		EnvironmentalScore: &env,
		OverallScore:       &overall,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetScore_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM esg_scores WHERE company_id = \$1 AND report_year = \$2`).
		WithArgs(int64(7), 1999).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetScore(context.Background(), 7, 1999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetScore_DecodesMetadata(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	meta := []byte(`{"method":"weighted_average","pillar_weights":{"E":0.33,"S":0.33,"G":0.34}}`)
	rows := pgxmock.NewRows([]string{
		"company_id", "report_year", "environmental_score", "social_score",
		"governance_score", "overall_score", "calculation_metadata", "calculated_at",
	}).AddRow(int64(7), 2024, ptrFloat(62.0), (*float64)(nil), (*float64)(nil), ptrFloat(62.0), meta, time.Now())

	mock.ExpectQuery(`FROM esg_scores`).
		WithArgs(int64(7), 2024).
		WillReturnRows(rows)

	rec, err := s.GetScore(context.Background(), 7, 2024)
	require.NoError(t, err)
	require.NotNil(t, rec.Metadata)
	assert.Equal(t, "weighted_average", rec.Metadata.Method)
	assert.Equal(t, 0.34, rec.Metadata.PillarWeights[model.PillarGovernance])
	assert.Nil(t, rec.SocialScore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetIngestionStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO reports`).
		WithArgs("RELIANCE/2024_BRSR.pdf", model.IngestionFailed, "company not found").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SetIngestionStatus(context.Background(), "RELIANCE/2024_BRSR.pdf", model.IngestionFailed, "company not found")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Stats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"defs", "extracted", "scores", "failed"}).
		AddRow(int64(55), int64(110), int64(2), int64(1))
	mock.ExpectQuery(`SELECT`).WillReturnRows(rows)

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(55), st.IndicatorDefinitions)
	assert.Equal(t, int64(110), st.ExtractedIndicators)
	assert.Equal(t, int64(2), st.ScoreRecords)
	assert.Equal(t, int64(1), st.FailedDocuments)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func ptrFloat(v float64) *float64 { return &v }
