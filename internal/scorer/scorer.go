// Package scorer aggregates validated indicator values into pillar scores
// and a weight-redistributed overall ESG score. Pure computation over a
// snapshot of values: no state, no I/O.
package scorer

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/esg-worker/internal/model"
)

// ErrInvalidWeights is returned when caller-supplied pillar weights are
// malformed. This is a caller error: it fails fast and is never retried.
var ErrInvalidWeights = eris.New("scorer: invalid pillar weights")

// weightTolerance is the allowed deviation of a weight sum from 1.0.
const weightTolerance = 0.01

// PillarWeights assigns the overall-score weight of each pillar.
type PillarWeights struct {
	Environmental float64 `yaml:"environmental" json:"environmental"`
	Social        float64 `yaml:"social" json:"social"`
	Governance    float64 `yaml:"governance" json:"governance"`
}

// DefaultPillarWeights returns the standard E/S/G weighting.
func DefaultPillarWeights() PillarWeights {
	return PillarWeights{Environmental: 0.33, Social: 0.33, Governance: 0.34}
}

// Validate checks that weights are non-negative and sum to 1.0 within
// tolerance.
func (w PillarWeights) Validate() error {
	if w.Environmental < 0 || w.Social < 0 || w.Governance < 0 {
		return eris.Wrapf(ErrInvalidWeights, "weights must be >= 0, got E=%.4g S=%.4g G=%.4g",
			w.Environmental, w.Social, w.Governance)
	}
	sum := w.Environmental + w.Social + w.Governance
	if math.Abs(sum-1.0) > weightTolerance {
		return eris.Wrapf(ErrInvalidWeights, "weights must sum to 1.0 (±%.2g), got %.4g", weightTolerance, sum)
	}
	return nil
}

func (w PillarWeights) byPillar() map[model.Pillar]float64 {
	return map[model.Pillar]float64{
		model.PillarEnvironmental: w.Environmental,
		model.PillarSocial:        w.Social,
		model.PillarGovernance:    w.Governance,
	}
}

// PillarScores computes the weighted-average score per pillar over the
// indicators present in values (keyed by indicator code). A pillar with no
// extracted indicators scores nil.
func PillarScores(defs []model.IndicatorDefinition, values map[string]float64) map[model.Pillar]*float64 {
	scores := make(map[model.Pillar]*float64, len(model.Pillars))
	for _, p := range model.Pillars {
		scores[p] = nil
	}

	for _, pillar := range model.Pillars {
		var weightedSum, weightTotal float64
		for _, def := range defs {
			if def.Pillar != pillar {
				continue
			}
			value, ok := values[def.Code]
			if !ok {
				continue
			}
			normalized, _ := Normalize(value, def.Unit)
			weightedSum += normalized * def.Weight
			weightTotal += def.Weight
		}
		if weightTotal > 0 {
			score := weightedSum / weightTotal
			scores[pillar] = &score
		}
	}
	return scores
}

// OverallScore combines pillar scores into one 0-100 score using weights
// redistributed proportionally across pillars that have data. The overall
// score is nil only when every pillar is nil. Citations, when supplied
// (keyed by indicator code), are attached to the per-indicator breakdown.
func OverallScore(defs []model.IndicatorDefinition, values map[string]float64, weights *PillarWeights, citations map[string]model.Citation) (*float64, *model.CalculationMetadata, error) {
	w := DefaultPillarWeights()
	if weights != nil {
		if err := weights.Validate(); err != nil {
			return nil, nil, err
		}
		w = *weights
	}

	pillarScores := PillarScores(defs, values)
	original := w.byPillar()
	redistributed := redistributeWeights(original, pillarScores)

	var overall *float64
	var sum float64
	for _, p := range model.Pillars {
		if pillarScores[p] == nil {
			continue
		}
		sum += *pillarScores[p] * redistributed[p]
	}
	if anyPresent(pillarScores) {
		overall = &sum
	}

	meta := &model.CalculationMetadata{
		Method:               methodDescription(pillarScores, original, redistributed),
		PillarWeights:        original,
		RedistributedWeights: redistributed,
		Pillars:              buildBreakdown(defs, values, pillarScores, original, redistributed, citations),
		GeneratedAt:          time.Now().UTC(),
	}
	return overall, meta, nil
}

// redistributeWeights rescales the weights of pillars that have data so they
// sum to 1.0 while preserving their original ratios. Pillars without data
// get weight 0.
func redistributeWeights(original map[model.Pillar]float64, scores map[model.Pillar]*float64) map[model.Pillar]float64 {
	redistributed := make(map[model.Pillar]float64, len(original))
	var presentTotal float64
	for _, p := range model.Pillars {
		if scores[p] != nil {
			presentTotal += original[p]
		}
	}

	for _, p := range model.Pillars {
		if scores[p] == nil || presentTotal == 0 {
			redistributed[p] = 0
			continue
		}
		redistributed[p] = original[p] / presentTotal
	}
	return redistributed
}

func anyPresent(scores map[model.Pillar]*float64) bool {
	for _, s := range scores {
		if s != nil {
			return true
		}
	}
	return false
}

func buildBreakdown(defs []model.IndicatorDefinition, values map[string]float64, scores map[model.Pillar]*float64, original, redistributed map[model.Pillar]float64, citations map[string]model.Citation) map[model.Pillar]*model.PillarBreakdown {
	breakdown := make(map[model.Pillar]*model.PillarBreakdown, len(model.Pillars))

	for _, pillar := range model.Pillars {
		bd := &model.PillarBreakdown{
			Score:               scores[pillar],
			Weight:              original[pillar],
			RedistributedWeight: redistributed[pillar],
		}

		var weightTotal float64
		for _, def := range defs {
			if def.Pillar == pillar {
				if _, ok := values[def.Code]; ok {
					weightTotal += def.Weight
				}
			}
		}

		for _, def := range defs {
			if def.Pillar != pillar {
				continue
			}
			value, ok := values[def.Code]
			if !ok {
				continue
			}
			normalized, benchmarked := Normalize(value, def.Unit)

			contribution := 0.0
			if weightTotal > 0 {
				contribution = normalized * def.Weight / weightTotal
			}

			entry := model.IndicatorContribution{
				Code:            def.Code,
				Name:            def.Name,
				Value:           value,
				Unit:            def.Unit,
				NormalizedValue: normalized,
				Placeholder:     !benchmarked,
				Weight:          def.Weight,
				Contribution:    contribution,
			}
			if c, ok := citations[def.Code]; ok {
				entry.ObjectKey = c.ObjectKey
				entry.SourcePages = c.SourcePages
				entry.SourceChunkIDs = c.SourceChunkIDs
				entry.ConfidenceScore = c.ConfidenceScore
			}
			bd.Indicators = append(bd.Indicators, entry)
		}

		sort.Slice(bd.Indicators, func(i, j int) bool {
			return bd.Indicators[i].Code < bd.Indicators[j].Code
		})
		breakdown[pillar] = bd
	}
	return breakdown
}

// methodDescription produces the human-readable calculation summary stored
// with every score record.
func methodDescription(scores map[model.Pillar]*float64, original, redistributed map[model.Pillar]float64) string {
	var present, missing []string
	for _, p := range model.Pillars {
		if scores[p] != nil {
			present = append(present, string(p))
		} else {
			missing = append(missing, string(p))
		}
	}

	var b strings.Builder
	b.WriteString("Weighted average of normalized indicator values per pillar; ")
	b.WriteString("overall score is the pillar-weighted average")
	if len(missing) > 0 && len(present) > 0 {
		fmt.Fprintf(&b, " with weights redistributed across pillars with data (%s missing: ", strings.Join(missing, ","))
		for i, p := range present {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s %.4g→%.4g", p, original[model.Pillar(p)], redistributed[model.Pillar(p)])
		}
		b.WriteString(")")
	}
	b.WriteString(". Units without a normalization model use the flat 50.0 placeholder and are flagged per indicator.")
	return b.String()
}
