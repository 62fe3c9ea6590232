package model

import "time"

// Pillar identifies one of the three ESG scoring pillars.
type Pillar string

const (
	PillarEnvironmental Pillar = "E"
	PillarSocial        Pillar = "S"
	PillarGovernance    Pillar = "G"
)

// Pillars lists all pillars in canonical order.
var Pillars = []Pillar{PillarEnvironmental, PillarSocial, PillarGovernance}

// Valid reports whether p is one of E, S, G.
func (p Pillar) Valid() bool {
	switch p {
	case PillarEnvironmental, PillarSocial, PillarGovernance:
		return true
	}
	return false
}

// IndicatorDefinition is one standardized sustainability metric from the
// catalog. Definitions are immutable reference data: loaded once per task,
// read-only to every pipeline stage.
type IndicatorDefinition struct {
	ID          int64   `json:"id"`
	Code        string  `json:"code"`
	Attribute   int     `json:"attribute"` // BRSR attribute group, 1-9
	Pillar      Pillar  `json:"pillar"`
	Name        string  `json:"name"`
	Unit        string  `json:"unit,omitempty"` // "" for qualitative indicators
	Description string  `json:"description"`
	Weight      float64 `json:"weight"` // within-pillar weight, [0,1]
}

// Quantitative reports whether the indicator expects a numeric value.
// Units like "N/A" or "text" mark qualitative indicators.
func (d IndicatorDefinition) Quantitative() bool {
	switch d.Unit {
	case "", "N/A", "NA", "text", "qualitative":
		return false
	}
	return true
}

// ValidationStatus tracks where an extracted indicator sits in the
// validation lifecycle.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

// ExtractedIndicator is the persisted extraction candidate for one indicator
// in one document. Upserts are keyed by (ObjectKey, IndicatorID) so
// reprocessing replaces the prior value rather than duplicating it.
type ExtractedIndicator struct {
	ID              int64            `json:"id,omitempty"`
	ObjectKey       string           `json:"object_key"`
	CompanyID       int64            `json:"company_id"`
	ReportYear      int              `json:"report_year"`
	IndicatorID     int64            `json:"indicator_id"`
	IndicatorCode   string           `json:"indicator_code"`
	ExtractedValue  string           `json:"extracted_value"`
	NumericValue    *float64         `json:"numeric_value,omitempty"`
	Unit            string           `json:"unit,omitempty"`
	ConfidenceScore float64          `json:"confidence_score"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	SourcePages     []int            `json:"source_pages"`
	SourceChunkIDs  []int64          `json:"source_chunk_ids"`
	ExtractedAt     time.Time        `json:"extracted_at"`
}

// ValidationResult is the verdict produced by the validator for a single
// extracted indicator. It never carries a mutated value: validation is
// observation only.
type ValidationResult struct {
	IsValid  bool             `json:"is_valid"`
	Status   ValidationStatus `json:"status"`
	Errors   []string         `json:"errors,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
}
