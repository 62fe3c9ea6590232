// Package validator checks extracted indicators against type, range, and
// unit rules. Validation never mutates the extracted value and never throws:
// the verdict is data, and invalid indicators are persisted flagged for
// human review rather than discarded.
package validator

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/esg-worker/internal/model"
)

// magnitudeCeiling flags values that are almost certainly extraction errors
// (wrong unit scale, concatenated digits).
const magnitudeCeiling = 1e15

// qualitativeUnits are unit strings that mark an indicator as non-numeric.
var qualitativeUnits = map[string]bool{
	"n/a": true, "na": true, "text": true, "qualitative": true,
}

// numberPattern extracts the first number from free text, tolerating
// thousands separators.
var numberPattern = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)

// unitSynonyms maps a canonical declared unit to strings that count as a
// match in extracted text.
var unitSynonyms = map[string][]string{
	"%":     {"%", "percent", "percentage", "pct"},
	"mt":    {"mt", "metric ton", "metric tonne", "tonne", "tonnes", "tons"},
	"tco2e": {"tco2e", "co2e", "tonnes co2e", "mtco2e", "t co2e"},
	"kwh":   {"kwh", "kilowatt hour", "kilowatt-hour"},
	"mwh":   {"mwh", "megawatt hour", "megawatt-hour"},
	"gj":    {"gj", "gigajoule", "gigajoules"},
	"kl":    {"kl", "kilolitre", "kiloliter", "kilolitres", "m3", "cubic meter", "cubic metre"},
	"count": {"count", "number", "no.", "nos"},
	"days":  {"days", "day"},
	"hours": {"hours", "hrs", "hour"},
	"ratio": {"ratio", "x", ":1", "times"},
}

// Validate checks one extracted indicator against its definition. All checks
// are independent; every failure lands in the same result. isValid is true
// exactly when the error list is empty, and status never disagrees with it.
func Validate(extracted model.ExtractedIndicator, def model.IndicatorDefinition) model.ValidationResult {
	var errs, warns []string

	// Confidence bounds.
	if extracted.ConfidenceScore < 0 || extracted.ConfidenceScore > 1 {
		errs = append(errs, fmt.Sprintf("confidence score %.4g outside [0, 1]", extracted.ConfidenceScore))
	}

	// Required fields.
	if strings.TrimSpace(extracted.ExtractedValue) == "" {
		errs = append(errs, "extracted value is empty")
	}
	if extracted.IndicatorID <= 0 {
		errs = append(errs, "indicator id must be positive")
	}
	if extracted.CompanyID <= 0 {
		errs = append(errs, "company id must be positive")
	}
	if extracted.ReportYear < 2000 {
		errs = append(errs, fmt.Sprintf("report year %d is before 2000", extracted.ReportYear))
	}
	if strings.TrimSpace(extracted.ObjectKey) == "" {
		errs = append(errs, "object key is empty")
	}

	// Type consistency.
	numeric := extracted.NumericValue
	if def.Quantitative() {
		if numeric == nil {
			if parsed, ok := parseNumber(extracted.ExtractedValue); ok {
				numeric = &parsed
			} else {
				warns = append(warns, fmt.Sprintf("quantitative indicator %s has no numeric value and none could be parsed from %q", def.Code, extracted.ExtractedValue))
			}
		}
	} else if numeric != nil {
		warns = append(warns, fmt.Sprintf("qualitative indicator %s carries numeric value %.4g", def.Code, *numeric))
	}

	// Numeric range.
	if numeric != nil {
		v := *numeric
		if r, ok := RangeFor(def.Code); ok {
			switch {
			case v == 0 && !r.AllowZero:
				warns = append(warns, fmt.Sprintf("value 0 is unusual for %s", def.Code))
			case v < r.Min || v > r.Max:
				errs = append(errs, fmt.Sprintf("value %.4g outside expected range [%.4g, %.4g] for %s", v, r.Min, r.Max, def.Code))
			}
		}
		// Percent codes never exceed 100, whatever the table says.
		if strings.HasSuffix(def.Code, "_PERCENT") && v > 100 {
			if !containsRangeError(errs, def.Code) {
				errs = append(errs, fmt.Sprintf("percentage value %.4g exceeds 100 for %s", v, def.Code))
			}
		}
		if math.Abs(v) > magnitudeCeiling {
			warns = append(warns, fmt.Sprintf("magnitude %.4g exceeds %.0e, possible extraction error", v, magnitudeCeiling))
		}
	}

	// Unit consistency (soft check, warning only).
	if def.Quantitative() && !unitMatches(def.Unit, extracted.Unit, extracted.ExtractedValue) {
		warns = append(warns, fmt.Sprintf("declared unit %q not found in extracted unit %q or value %q", def.Unit, extracted.Unit, extracted.ExtractedValue))
	}

	isValid := len(errs) == 0
	status := model.ValidationValid
	if !isValid {
		status = model.ValidationInvalid
	}
	return model.ValidationResult{
		IsValid:  isValid,
		Status:   status,
		Errors:   errs,
		Warnings: warns,
	}
}

// containsRangeError avoids double-reporting when the range table already
// caught the same over-100 percentage.
func containsRangeError(errs []string, code string) bool {
	for _, e := range errs {
		if strings.Contains(e, "outside expected range") && strings.Contains(e, code) {
			return true
		}
	}
	return false
}

// parseNumber pulls the first numeric token out of free text.
func parseNumber(text string) (float64, bool) {
	match := numberPattern.FindString(text)
	if match == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// unitMatches soft-matches the declared unit (or a known synonym) against
// the extracted unit string and value text. Unit strings coming out of PDFs
// carry unicode variants (superscripts, NBSP), so everything is NFKC-folded
// before comparison.
func unitMatches(declared, extractedUnit, extractedValue string) bool {
	declared = foldUnit(declared)
	if declared == "" {
		return true
	}

	haystack := foldUnit(extractedUnit) + " " + foldUnit(extractedValue)

	candidates := unitSynonyms[declared]
	if candidates == nil {
		candidates = []string{declared}
	}
	for _, c := range candidates {
		if strings.Contains(haystack, c) {
			return true
		}
	}
	return false
}

func foldUnit(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}
