package validator

// NumericRange bounds the plausible values for one indicator code.
// Violations are errors; a zero on an indicator with AllowZero=false is only
// a warning, since reports do legitimately disclose zeros that the range
// table did not anticipate.
type NumericRange struct {
	Min       float64
	Max       float64
	AllowZero bool
}

// numericRanges is the per-indicator-code range table. Codes absent from the
// table only get the generic checks (percent cap, magnitude ceiling).
var numericRanges = map[string]NumericRange{
	// Environmental.
	"GHG_SCOPE1_EMISSIONS":      {Min: 0, Max: 1e9, AllowZero: true},
	"GHG_SCOPE2_EMISSIONS":      {Min: 0, Max: 1e9, AllowZero: true},
	"GHG_SCOPE3_EMISSIONS":      {Min: 0, Max: 1e10, AllowZero: true},
	"GHG_INTENSITY":             {Min: 0, Max: 1e6, AllowZero: true},
	"ENERGY_CONSUMPTION_TOTAL":  {Min: 0, Max: 1e10, AllowZero: false},
	"ENERGY_INTENSITY":          {Min: 0, Max: 1e6, AllowZero: true},
	"RENEWABLE_ENERGY_PERCENT":  {Min: 0, Max: 100, AllowZero: true},
	"WATER_WITHDRAWAL_TOTAL":    {Min: 0, Max: 1e10, AllowZero: true},
	"WATER_INTENSITY":           {Min: 0, Max: 1e6, AllowZero: true},
	"WATER_RECYCLED_PERCENT":    {Min: 0, Max: 100, AllowZero: true},
	"WASTE_GENERATED_TOTAL":     {Min: 0, Max: 1e9, AllowZero: true},
	"WASTE_RECYCLED_PERCENT":    {Min: 0, Max: 100, AllowZero: true},
	"ENV_PENALTY_COUNT":         {Min: 0, Max: 1e4, AllowZero: true},

	// Social.
	"EMPLOYEE_COUNT_TOTAL":      {Min: 1, Max: 1e7, AllowZero: false},
	"WOMEN_WORKFORCE_PERCENT":   {Min: 0, Max: 100, AllowZero: true},
	"WOMEN_MANAGEMENT_PERCENT":  {Min: 0, Max: 100, AllowZero: true},
	"EMPLOYEE_TURNOVER_PERCENT": {Min: 0, Max: 100, AllowZero: true},
	"TRAINING_HOURS_PER_EMPLOYEE": {Min: 0, Max: 2000, AllowZero: true},
	"LTIFR":                     {Min: 0, Max: 100, AllowZero: true},
	"FATALITIES_COUNT":          {Min: 0, Max: 1e4, AllowZero: true},
	"HEALTH_SAFETY_TRAINING_PERCENT": {Min: 0, Max: 100, AllowZero: true},
	"CSR_SPEND_PERCENT":         {Min: 0, Max: 100, AllowZero: true},
	"GRIEVANCES_PENDING_COUNT":  {Min: 0, Max: 1e5, AllowZero: true},

	// Governance.
	"BOARD_SIZE":                {Min: 1, Max: 50, AllowZero: false},
	"BOARD_INDEPENDENCE_PERCENT": {Min: 0, Max: 100, AllowZero: false},
	"BOARD_WOMEN_PERCENT":       {Min: 0, Max: 100, AllowZero: true},
	"BOARD_MEETINGS_COUNT":      {Min: 1, Max: 100, AllowZero: false},
	"AUDIT_COMMITTEE_INDEPENDENCE_PERCENT": {Min: 0, Max: 100, AllowZero: false},
	"ANTI_CORRUPTION_TRAINING_PERCENT":     {Min: 0, Max: 100, AllowZero: true},
	"REGULATORY_FINES_COUNT":    {Min: 0, Max: 1e4, AllowZero: true},
	"MEDIAN_PAY_RATIO":          {Min: 0, Max: 1e4, AllowZero: false},
	"RELATED_PARTY_DISCLOSURE_DAYS": {Min: 0, Max: 365, AllowZero: true},
}

// RangeFor returns the range entry for an indicator code, if one exists.
func RangeFor(code string) (NumericRange, bool) {
	r, ok := numericRanges[code]
	return r, ok
}
