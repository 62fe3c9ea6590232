package model

// RetrievedPassage is one document chunk returned by a scoped similarity
// search. Passages are produced by the ingestion service and only read here;
// they live for the duration of a single extraction call.
type RetrievedPassage struct {
	ChunkID    int64   `json:"chunk_id"`
	ObjectKey  string  `json:"object_key"`
	PageNumber int     `json:"page_number"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Distance   float64 `json:"distance"` // cosine distance, lower is more similar
}

// IndicatorExtraction is the schema-validated LLM output for one indicator,
// before it is converted into a persisted ExtractedIndicator.
type IndicatorExtraction struct {
	IndicatorCode string   `json:"indicator_code"`
	Value         string   `json:"value"`
	NumericValue  *float64 `json:"numeric_value,omitempty"`
	Unit          string   `json:"unit,omitempty"`
	Confidence    float64  `json:"confidence"`
	SourcePages   []int    `json:"source_pages"`
}

// NotFound reports whether the extraction recorded an absent value.
// Indicators with no supporting passages are recorded this way rather than
// silently dropped.
func (e IndicatorExtraction) NotFound() bool {
	return e.Confidence == 0 && len(e.SourcePages) == 0
}

// NotFoundExtraction returns the canonical "not found" result for an
// indicator whose retrieval produced no passages.
func NotFoundExtraction(code string) IndicatorExtraction {
	return IndicatorExtraction{
		IndicatorCode: code,
		Value:         "Not Found",
		Confidence:    0,
		SourcePages:   []int{},
	}
}
