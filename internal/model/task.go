package model

// IngestionStatus values written to the status side-channel.
const (
	IngestionProcessing = "PROCESSING"
	IngestionSuccess    = "SUCCESS"
	IngestionFailed     = "FAILED"
)

// Task is one "process this document" unit of work. Tasks exist only on the
// queue: the body is either a JSON object or, for backward compatibility, a
// bare object-key string. Retry bookkeeping travels as message headers, not
// in the body.
type Task struct {
	ObjectKey   string `json:"object_key"`
	CompanyName string `json:"company_name,omitempty"`
	CompanyID   int64  `json:"company_id,omitempty"`
	ReportYear  int    `json:"report_year,omitempty"`

	// Header-carried counters, populated by the consumer on receipt.
	RetryCount          int `json:"-"`
	EmbeddingCheckCount int `json:"-"`
}

// DocumentResult summarizes one full pipeline run over a document.
type DocumentResult struct {
	ObjectKey        string       `json:"object_key"`
	CompanyID        int64        `json:"company_id"`
	ReportYear       int          `json:"report_year"`
	IndicatorsTotal  int          `json:"indicators_total"`
	IndicatorsValid  int          `json:"indicators_valid"`
	ExtractionErrors int          `json:"extraction_errors"`
	Score            *ScoreRecord `json:"score,omitempty"`
	DurationMs       int64        `json:"duration_ms"`
}
