// Package retriever implements scoped similarity search over the passage
// corpus: candidates are restricted to one (company, year) before any
// ranking happens.
package retriever

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/esg-worker/internal/model"
	"github.com/sells-group/esg-worker/internal/resilience"
	"github.com/sells-group/esg-worker/pkg/embedding"
)

// ErrNoPassages is returned when the scoped corpus is empty or threshold
// pruning removed every candidate. It is terminal for one query: the caller
// records a "not found" extraction instead of retrying.
var ErrNoPassages = eris.New("retriever: no passages for scope")

// PassageSearcher is the slice of the store the retriever needs.
type PassageSearcher interface {
	SearchPassages(ctx context.Context, embedding []float32, companyID int64, reportYear, k int) ([]model.RetrievedPassage, error)
}

// Retriever embeds queries and runs scoped vector search.
type Retriever struct {
	searcher  PassageSearcher
	embedder  embedding.Client
	topK      int
	threshold float64 // 0 disables distance pruning
}

// New creates a Retriever. topK is the default result count when a call
// passes k <= 0; threshold optionally prunes results whose cosine distance
// exceeds it.
func New(searcher PassageSearcher, embedder embedding.Client, topK int, threshold float64) *Retriever {
	if topK <= 0 {
		topK = 5
	}
	return &Retriever{
		searcher:  searcher,
		embedder:  embedder,
		topK:      topK,
		threshold: threshold,
	}
}

// Retrieve returns the k most similar passages for the query within the
// (companyID, reportYear) scope, ordered by ascending distance.
//
// Store and embedding-endpoint failures come back wrapped for the caller's
// retry policy; ErrNoPassages is terminal and must not be retried.
func (r *Retriever) Retrieve(ctx context.Context, query string, companyID int64, reportYear, k int) ([]model.RetrievedPassage, error) {
	if k <= 0 {
		k = r.topK
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, eris.Wrap(err, "retriever: embed query")
	}
	if len(vectors) != 1 {
		return nil, eris.Errorf("retriever: expected 1 query vector, got %d", len(vectors))
	}
	queryVec := vectors[0]
	if len(queryVec) != r.embedder.Dimension() {
		// Dimension mismatch means the endpoint and the passage store were
		// provisioned inconsistently. Retrying cannot help.
		return nil, eris.Errorf("retriever: query dimension %d does not match configured %d", len(queryVec), r.embedder.Dimension())
	}

	passages, err := r.searcher.SearchPassages(ctx, queryVec, companyID, reportYear, k)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "retriever: search"), 0)
	}

	if r.threshold > 0 {
		pruned := passages[:0]
		for _, p := range passages {
			if p.Distance <= r.threshold {
				pruned = append(pruned, p)
			}
		}
		if len(passages) > len(pruned) {
			zap.L().Debug("retriever: pruned low-relevance passages",
				zap.Int("before", len(passages)),
				zap.Int("after", len(pruned)),
				zap.Float64("threshold", r.threshold),
			)
		}
		passages = pruned
	}

	if len(passages) == 0 {
		return nil, ErrNoPassages
	}
	return passages, nil
}
