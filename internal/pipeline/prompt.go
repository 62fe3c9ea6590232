package pipeline

import (
	"fmt"
	"strings"

	"github.com/sells-group/esg-worker/internal/model"
)

// extractionSystemPrompt is shared verbatim across every indicator call for a
// document, which makes it an ideal prompt-cache target.
const extractionSystemPrompt = `You are an ESG data analyst extracting indicator values from corporate sustainability reports (BRSR and similar disclosures).

You receive excerpts from one company's report and must extract the value of exactly one indicator. Respond with a single JSON object and nothing else:

{
  "value": "<the value as stated in the report, verbatim where possible>",
  "numeric_value": <number or null if the value is not numeric>,
  "unit": "<unit as stated, or empty string>",
  "confidence": <number between 0 and 1>,
  "source_pages": [<page numbers the value came from>]
}

Confidence rubric:
- 1.0: the report states the value explicitly with a matching label.
- 0.8-0.9: minor interpretation needed (label wording differs, unit converted).
- 0.6-0.7: moderate interpretation or a simple calculation from stated figures.
- 0.4-0.5: value inferred from indirect statements.
- 0.0-0.3: value uncertain or absent from the excerpts.

If the excerpts do not contain the indicator, respond with value "Not Found", numeric_value null, confidence 0, and an empty source_pages array. Never invent a value, and never cite a page that is not in the excerpts.`

// buildQuery synthesizes the retrieval query for one indicator from its name,
// description, and expected unit.
func buildQuery(def model.IndicatorDefinition) string {
	var b strings.Builder
	b.WriteString(def.Name)
	if def.Description != "" {
		b.WriteString(". ")
		b.WriteString(def.Description)
	}
	if def.Quantitative() {
		fmt.Fprintf(&b, " (reported in %s)", def.Unit)
	}
	return b.String()
}

// buildContext formats retrieved passages into a page-tagged context block.
func buildContext(passages []model.RetrievedPassage) string {
	var b strings.Builder
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Page %d]\n%s", p.PageNumber, strings.TrimSpace(p.Text))
	}
	return b.String()
}

// buildPrompt renders the deterministic extraction prompt for one indicator.
// Everything the model needs is inlined: company, year, indicator identity,
// expected unit, and the retrieved context.
func buildPrompt(def model.IndicatorDefinition, companyName string, reportYear int, context string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s\n", companyName)
	fmt.Fprintf(&b, "Report year: %d\n\n", reportYear)
	fmt.Fprintf(&b, "Indicator code: %s\n", def.Code)
	fmt.Fprintf(&b, "Indicator name: %s\n", def.Name)
	if def.Description != "" {
		fmt.Fprintf(&b, "Indicator description: %s\n", def.Description)
	}
	if def.Quantitative() {
		fmt.Fprintf(&b, "Expected unit: %s\n", def.Unit)
	} else {
		b.WriteString("Expected unit: none (qualitative indicator)\n")
	}
	b.WriteString("\nReport excerpts:\n\n")
	b.WriteString(context)
	b.WriteString("\n\nExtract the indicator value from the excerpts above.")
	return b.String()
}
