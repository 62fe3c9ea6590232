package retriever

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/esg-worker/internal/model"
	"github.com/sells-group/esg-worker/internal/resilience"
)

type stubEmbedder struct {
	dim     int
	vectors [][]float32
	err     error
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.vectors != nil {
		return s.vectors, nil
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, s.dim)
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return s.dim }

type stubSearcher struct {
	passages []model.RetrievedPassage
	err      error

	gotCompanyID int64
	gotYear      int
	gotK         int
}

func (s *stubSearcher) SearchPassages(ctx context.Context, embedding []float32, companyID int64, reportYear, k int) ([]model.RetrievedPassage, error) {
	s.gotCompanyID = companyID
	s.gotYear = reportYear
	s.gotK = k
	return s.passages, s.err
}

func TestRetrieve_PassesScopeThrough(t *testing.T) {
	searcher := &stubSearcher{passages: []model.RetrievedPassage{{ChunkID: 1, Distance: 0.1}}}
	r := New(searcher, &stubEmbedder{dim: 4}, 5, 0)

	got, err := r.Retrieve(context.Background(), "renewable energy", 7, 2024, 3)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int64(7), searcher.gotCompanyID)
	assert.Equal(t, 2024, searcher.gotYear)
	assert.Equal(t, 3, searcher.gotK)
}

func TestRetrieve_DefaultsKWhenUnset(t *testing.T) {
	searcher := &stubSearcher{passages: []model.RetrievedPassage{{ChunkID: 1}}}
	r := New(searcher, &stubEmbedder{dim: 4}, 7, 0)

	_, err := r.Retrieve(context.Background(), "q", 1, 2024, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, searcher.gotK)
}

func TestRetrieve_EmptyScopeIsNoPassages(t *testing.T) {
	r := New(&stubSearcher{}, &stubEmbedder{dim: 4}, 5, 0)

	_, err := r.Retrieve(context.Background(), "q", 7, 2024, 5)
	assert.ErrorIs(t, err, ErrNoPassages)
	assert.False(t, resilience.IsTransient(err), "empty scope must not be retried")
}

func TestRetrieve_ThresholdPruning(t *testing.T) {
	searcher := &stubSearcher{passages: []model.RetrievedPassage{
		{ChunkID: 1, Distance: 0.10},
		{ChunkID: 2, Distance: 0.35},
		{ChunkID: 3, Distance: 0.80},
	}}
	r := New(searcher, &stubEmbedder{dim: 4}, 5, 0.5)

	got, err := r.Retrieve(context.Background(), "q", 7, 2024, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ChunkID)
	assert.Equal(t, int64(2), got[1].ChunkID)
}

func TestRetrieve_PruningToEmptyIsNoPassages(t *testing.T) {
	searcher := &stubSearcher{passages: []model.RetrievedPassage{{ChunkID: 1, Distance: 0.9}}}
	r := New(searcher, &stubEmbedder{dim: 4}, 5, 0.5)

	_, err := r.Retrieve(context.Background(), "q", 7, 2024, 5)
	assert.ErrorIs(t, err, ErrNoPassages)
}

func TestRetrieve_DimensionMismatchIsNotTransient(t *testing.T) {
	embedder := &stubEmbedder{dim: 1024, vectors: [][]float32{make([]float32, 768)}}
	r := New(&stubSearcher{}, embedder, 5, 0)

	_, err := r.Retrieve(context.Background(), "q", 7, 2024, 5)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoPassages)
	assert.False(t, resilience.IsTransient(err))
}

func TestRetrieve_SearchErrorIsTransient(t *testing.T) {
	searcher := &stubSearcher{err: eris.New("connection refused")}
	r := New(searcher, &stubEmbedder{dim: 4}, 5, 0)

	_, err := r.Retrieve(context.Background(), "q", 7, 2024, 5)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}
