package model

import "time"

// ScoreRecord is the persisted scoring outcome for one (company, year).
// Upserts are keyed by (CompanyID, ReportYear); recomputation replaces the
// prior record atomically.
type ScoreRecord struct {
	CompanyID          int64                `json:"company_id"`
	ReportYear         int                  `json:"report_year"`
	EnvironmentalScore *float64             `json:"environmental_score,omitempty"`
	SocialScore        *float64             `json:"social_score,omitempty"`
	GovernanceScore    *float64             `json:"governance_score,omitempty"`
	OverallScore       *float64             `json:"overall_score,omitempty"`
	Metadata           *CalculationMetadata `json:"calculation_metadata,omitempty"`
	CalculatedAt       time.Time            `json:"calculated_at"`
}

// CalculationMetadata makes a score reproducible: it records the method, the
// original and redistributed pillar weights, and the full per-indicator
// breakdown including citations.
type CalculationMetadata struct {
	Method               string                       `json:"method"`
	PillarWeights        map[Pillar]float64           `json:"pillar_weights"`
	RedistributedWeights map[Pillar]float64           `json:"redistributed_weights"`
	Pillars              map[Pillar]*PillarBreakdown  `json:"pillars"`
	GeneratedAt          time.Time                    `json:"generated_at"`
}

// PillarBreakdown details how one pillar score was computed.
type PillarBreakdown struct {
	Score               *float64                `json:"score"`
	Weight              float64                 `json:"weight"`
	RedistributedWeight float64                 `json:"redistributed_weight"`
	Indicators          []IndicatorContribution `json:"indicators,omitempty"`
}

// IndicatorContribution is one indicator's share of a pillar score. Citation
// fields are populated when extraction provenance is available.
type IndicatorContribution struct {
	Code            string  `json:"code"`
	Name            string  `json:"name"`
	Value           float64 `json:"value"`
	Unit            string  `json:"unit,omitempty"`
	NormalizedValue float64 `json:"normalized_value"`
	Placeholder     bool    `json:"placeholder,omitempty"` // normalization fell back to the flat 50.0
	Weight          float64 `json:"weight"`
	Contribution    float64 `json:"contribution"`

	// Citation, when available.
	ObjectKey       string  `json:"object_key,omitempty"`
	SourcePages     []int   `json:"source_pages,omitempty"`
	SourceChunkIDs  []int64 `json:"source_chunk_ids,omitempty"`
	ConfidenceScore float64 `json:"confidence_score,omitempty"`
}

// Citation carries extraction provenance into the scoring breakdown.
type Citation struct {
	ObjectKey       string  `json:"object_key"`
	SourcePages     []int   `json:"source_pages"`
	SourceChunkIDs  []int64 `json:"source_chunk_ids"`
	ConfidenceScore float64 `json:"confidence_score"`
}
