package scorer

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/esg-worker/internal/model"
)

// BuildScoreRecord turns a set of persisted extracted indicators into the
// score record for one (company, year). Only indicators that passed
// validation and carry a numeric value participate; everything else stays in
// the store for review but does not move the score.
func BuildScoreRecord(companyID int64, reportYear int, defs []model.IndicatorDefinition, items []model.ExtractedIndicator, weights *PillarWeights) (*model.ScoreRecord, error) {
	values := make(map[string]float64)
	citations := make(map[string]model.Citation)
	for _, it := range items {
		if it.ValidationStatus != model.ValidationValid || it.NumericValue == nil {
			continue
		}
		values[it.IndicatorCode] = *it.NumericValue
		citations[it.IndicatorCode] = model.Citation{
			ObjectKey:       it.ObjectKey,
			SourcePages:     it.SourcePages,
			SourceChunkIDs:  it.SourceChunkIDs,
			ConfidenceScore: it.ConfidenceScore,
		}
	}

	overall, meta, err := OverallScore(defs, values, weights, citations)
	if err != nil {
		return nil, err
	}

	pillarScores := PillarScores(defs, values)
	return &model.ScoreRecord{
		CompanyID:          companyID,
		ReportYear:         reportYear,
		EnvironmentalScore: pillarScores[model.PillarEnvironmental],
		SocialScore:        pillarScores[model.PillarSocial],
		GovernanceScore:    pillarScores[model.PillarGovernance],
		OverallScore:       overall,
		Metadata:           meta,
		CalculatedAt:       time.Now().UTC(),
	}, nil
}

// LoadWeightsFile reads a pillar-weight override from a YAML file and
// validates it.
func LoadWeightsFile(path string) (*PillarWeights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: read weights file %s", path)
	}
	var w PillarWeights
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, eris.Wrapf(err, "scorer: parse weights file %s", path)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}
