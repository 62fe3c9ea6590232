package pipeline

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/esg-worker/internal/catalog"
	"github.com/sells-group/esg-worker/internal/model"
	"github.com/sells-group/esg-worker/internal/scorer"
	"github.com/sells-group/esg-worker/internal/store"
)

// fakeStore is an in-memory store.Store for pipeline tests.
type fakeStore struct {
	defs      []model.IndicatorDefinition
	companies map[string]int64
	passages  []model.RetrievedPassage
	chunkIDs  map[int][]int64

	upserted  []model.ExtractedIndicator
	scores    []*model.ScoreRecord
	statuses  []string
	upsertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		companies: map[string]int64{"RELIANCE": 7},
		chunkIDs:  map[int][]int64{},
	}
}

func (f *fakeStore) ListIndicators(ctx context.Context) ([]model.IndicatorDefinition, error) {
	return f.defs, nil
}

func (f *fakeStore) UpsertIndicators(ctx context.Context, defs []model.IndicatorDefinition) (int64, error) {
	f.defs = defs
	return int64(len(defs)), nil
}

func (f *fakeStore) ResolveCompany(ctx context.Context, name string) (int64, error) {
	id, ok := f.companies[name]
	if !ok {
		return 0, store.ErrNotFound
	}
	return id, nil
}

func (f *fakeStore) HasPassages(ctx context.Context, objectKey string) (bool, error) {
	return len(f.passages) > 0, nil
}

func (f *fakeStore) SearchPassages(ctx context.Context, embedding []float32, companyID int64, reportYear, k int) ([]model.RetrievedPassage, error) {
	return f.passages, nil
}

func (f *fakeStore) ChunkIDsForPages(ctx context.Context, objectKey string, pages []int) ([]int64, error) {
	var out []int64
	for _, p := range pages {
		out = append(out, f.chunkIDs[p]...)
	}
	return out, nil
}

func (f *fakeStore) UpsertExtractedIndicators(ctx context.Context, items []model.ExtractedIndicator) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, items...)
	return nil
}

func (f *fakeStore) ListExtractedIndicators(ctx context.Context, companyID int64, reportYear int) ([]model.ExtractedIndicator, error) {
	return f.upserted, nil
}

func (f *fakeStore) UpsertScore(ctx context.Context, rec *model.ScoreRecord) error {
	f.scores = append(f.scores, rec)
	return nil
}

func (f *fakeStore) GetScore(ctx context.Context, companyID int64, reportYear int) (*model.ScoreRecord, error) {
	if len(f.scores) == 0 {
		return nil, store.ErrNotFound
	}
	return f.scores[len(f.scores)-1], nil
}

func (f *fakeStore) SetIngestionStatus(ctx context.Context, objectKey, status, message string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) Stats(ctx context.Context) (*store.Stats, error) { return &store.Stats{}, nil }
func (f *fakeStore) Migrate(ctx context.Context) error               { return nil }
func (f *fakeStore) Close() error                                    { return nil }

func newTestPipeline(st *fakeStore, llm *fakeLLM) *Pipeline {
	searcher := &fakeSearcher{passages: st.passages}
	ex := newTestExtractor(searcher, llm)
	// Route retrieval through the store-backed passages instead.
	if len(st.passages) > 0 {
		searcher.passages = st.passages
	}
	return New(st, ex, scorer.DefaultPillarWeights(), 5)
}

func TestProcessDocument_FullRun(t *testing.T) {
	st := newFakeStore()
	st.defs = []model.IndicatorDefinition{testDef()}
	st.passages = somePassages()
	st.chunkIDs[41] = []int64{11}

	llm := &fakeLLM{responses: []string{
		"{\"value\": \"38.2%\", \"numeric_value\": 38.2, \"unit\": \"%\", \"confidence\": 0.9, \"source_pages\": [41]}",
	}}

	p := newTestPipeline(st, llm)
	result, err := p.ProcessDocument(context.Background(), model.Task{ObjectKey: "RELIANCE/2024_BRSR.pdf"})
	require.NoError(t, err)

	assert.Equal(t, int64(7), result.CompanyID)
	assert.Equal(t, 2024, result.ReportYear)
	assert.Equal(t, 1, result.IndicatorsTotal)
	assert.Equal(t, 1, result.IndicatorsValid)
	assert.Equal(t, 0, result.ExtractionErrors)

	require.Len(t, st.upserted, 1)
	item := st.upserted[0]
	assert.Equal(t, "RELIANCE/2024_BRSR.pdf", item.ObjectKey)
	assert.Equal(t, model.ValidationValid, item.ValidationStatus)
	assert.Equal(t, []int64{11}, item.SourceChunkIDs)

	require.Len(t, st.scores, 1)
	rec := st.scores[0]
	require.NotNil(t, rec.EnvironmentalScore)
	assert.InDelta(t, 38.2, *rec.EnvironmentalScore, 1e-9)
	require.NotNil(t, rec.OverallScore)
	assert.InDelta(t, 38.2, *rec.OverallScore, 1e-9)
}

func TestProcessDocument_UnknownCompany(t *testing.T) {
	st := newFakeStore()
	st.defs = []model.IndicatorDefinition{testDef()}

	p := newTestPipeline(st, &fakeLLM{})
	_, err := p.ProcessDocument(context.Background(), model.Task{ObjectKey: "UNKNOWNCO/2024_BRSR.pdf"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompanyNotFound)
	assert.True(t, IsPermanent(err))
}

func TestProcessDocument_EmptyCatalog(t *testing.T) {
	st := newFakeStore()

	p := newTestPipeline(st, &fakeLLM{})
	_, err := p.ProcessDocument(context.Background(), model.Task{ObjectKey: "RELIANCE/2024_BRSR.pdf"})
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrEmpty)
	assert.True(t, IsPermanent(err))
}

func TestProcessDocument_BadObjectKeyWithoutOverrides(t *testing.T) {
	st := newFakeStore()
	st.defs = []model.IndicatorDefinition{testDef()}

	p := newTestPipeline(st, &fakeLLM{})
	_, err := p.ProcessDocument(context.Background(), model.Task{ObjectKey: "invalid.pdf"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadObjectKey)
	assert.True(t, IsPermanent(err))
}

func TestProcessDocument_TaskOverridesStandInForBadKey(t *testing.T) {
	st := newFakeStore()
	st.defs = []model.IndicatorDefinition{testDef()}
	st.passages = somePassages()

	llm := &fakeLLM{responses: []string{
		"{\"value\": \"38.2%\", \"numeric_value\": 38.2, \"unit\": \"%\", \"confidence\": 0.9, \"source_pages\": [41]}",
	}}

	p := newTestPipeline(st, llm)
	result, err := p.ProcessDocument(context.Background(), model.Task{
		ObjectKey:   "invalid.pdf",
		CompanyName: "RELIANCE",
		ReportYear:  2024,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.CompanyID)
	assert.Equal(t, 2024, result.ReportYear)
}

func TestProcessDocument_PerIndicatorFailureIsTolerated(t *testing.T) {
	failing := model.IndicatorDefinition{
		ID: 4, Code: "GHG_SCOPE1_EMISSIONS", Attribute: 6, Pillar: model.PillarEnvironmental,
		Name: "Scope 1 emissions", Unit: "tCO2e",
	}
	st := newFakeStore()
	st.defs = []model.IndicatorDefinition{failing, testDef()}
	st.passages = somePassages()

	// First indicator (GHG, sorts first within the attribute) never gets
	// valid JSON; second succeeds.
	llm := &fakeLLM{responses: []string{
		"garbage", "garbage", "garbage",
		"{\"value\": \"38.2%\", \"numeric_value\": 38.2, \"unit\": \"%\", \"confidence\": 0.9, \"source_pages\": [41]}",
	}}

	p := newTestPipeline(st, llm)
	result, err := p.ProcessDocument(context.Background(), model.Task{ObjectKey: "RELIANCE/2024_BRSR.pdf"})
	require.NoError(t, err)

	assert.Equal(t, 2, result.IndicatorsTotal)
	assert.Equal(t, 1, result.IndicatorsValid)
	assert.Equal(t, 1, result.ExtractionErrors)
	require.Len(t, st.upserted, 1)
	assert.Equal(t, "RENEWABLE_ENERGY_PERCENT", st.upserted[0].IndicatorCode)
}

func TestProcessDocument_PersistenceErrorFailsTask(t *testing.T) {
	st := newFakeStore()
	st.defs = []model.IndicatorDefinition{testDef()}
	st.passages = somePassages()
	st.upsertErr = eris.New("connection reset")

	llm := &fakeLLM{responses: []string{
		"{\"value\": \"38.2%\", \"numeric_value\": 38.2, \"unit\": \"%\", \"confidence\": 0.9, \"source_pages\": [41]}",
	}}

	p := newTestPipeline(st, llm)
	_, err := p.ProcessDocument(context.Background(), model.Task{ObjectKey: "RELIANCE/2024_BRSR.pdf"})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Empty(t, st.scores)
}

func TestRecomputeScore_UsesPersistedIndicators(t *testing.T) {
	st := newFakeStore()
	st.defs = []model.IndicatorDefinition{testDef()}
	v := 60.0
	st.upserted = []model.ExtractedIndicator{{
		ObjectKey: "RELIANCE/2024_BRSR.pdf", CompanyID: 7, ReportYear: 2024,
		IndicatorID: 3, IndicatorCode: "RENEWABLE_ENERGY_PERCENT",
		ExtractedValue: "60%", NumericValue: &v, ConfidenceScore: 1.0,
		ValidationStatus: model.ValidationValid, SourcePages: []int{10},
	}}

	p := newTestPipeline(st, &fakeLLM{})
	weights := &scorer.PillarWeights{Environmental: 0.4, Social: 0.3, Governance: 0.3}
	rec, err := p.RecomputeScore(context.Background(), 7, 2024, weights)
	require.NoError(t, err)

	require.NotNil(t, rec.OverallScore)
	assert.InDelta(t, 60.0, *rec.OverallScore, 1e-9)
	require.Len(t, st.scores, 1)
}

func TestRecomputeScore_NoIndicators(t *testing.T) {
	st := newFakeStore()
	st.defs = []model.IndicatorDefinition{testDef()}

	p := newTestPipeline(st, &fakeLLM{})
	_, err := p.RecomputeScore(context.Background(), 7, 2024, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
