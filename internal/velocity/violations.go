package velocity

// Severity of a velocity violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Violation codes
const (
	CodeUserHourly      = "user_hourly_limit"
	CodeUserDaily       = "user_daily_limit"
	CodeUserMonthly     = "user_monthly_limit"
	CodeIPHourly        = "ip_hourly_limit"
	CodeIPDaily         = "ip_daily_limit"
	CodeCardHourly      = "card_hourly_limit"
	CodeCardDaily       = "card_daily_limit"
	CodeEmailHourly     = "email_hourly_limit"
	CodeEmailDaily      = "email_daily_limit"
	CodeHighValueHourly = "high_value_hourly_limit"
	CodeHighValueDaily  = "high_value_daily_limit"
	CodeRapidFire       = "rapid_fire_attempts"
	CodeMultipleCards   = "multiple_cards"
)

// Violation is one exceeded limit or detected pattern.
type Violation struct {
	Code      string   `json:"code"`
	Dimension string   `json:"dimension"`
	Window    string   `json:"window"`
	Severity  Severity `json:"severity"`
	Limit     int      `json:"limit"`
	Count     int64    `json:"count"`
	Message   string   `json:"message"`
}

// CheckResult is the limiter's decision for one payment attempt.
type CheckResult struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations"`
	RiskScore  int         `json:"risk_score"`
}

// severityWeights drive the risk score.
var severityWeights = map[Severity]int{
	SeverityLow:    10,
	SeverityMedium: 25,
	SeverityHigh:   50,
}

// RiskScore sums per-violation weights, capped at 100. It is a pure
// function of the violation list.
func RiskScore(violations []Violation) int {
	score := 0
	for _, v := range violations {
		score += severityWeights[v.Severity]
	}
	if score > 100 {
		score = 100
	}
	return score
}
