package energy

import "time"

// DateLayout is the calendar date format used for readings.
const DateLayout = "2006-01-02"

// Source values written by the application.
const (
	SourceManual = "manual"
	SourceCSV    = "CSV file"
)

// Reading is one day of energy usage for a user. The pair (UserId, Date) is
// unique.
type Reading struct {
	UserID      string  `json:"UserId" dynamodbav:"UserId" db:"user_id"`
	Date        string  `json:"Date" dynamodbav:"Date" db:"date"`
	EnergyUsage float64 `json:"EnergyUsage" dynamodbav:"EnergyUsage" db:"energy_usage"`
	Source      string  `json:"Source" dynamodbav:"Source" db:"source"`
	TTL         int64   `json:"TTL" dynamodbav:"TTL" db:"ttl"`
	CreatedAt   string  `json:"CreatedAt" dynamodbav:"CreatedAt" db:"created_at"`
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// Period selects the grouping of a usage summary.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Bucket aggregates the readings of one period.
type Bucket struct {
	Period          string             `json:"period"`
	TotalUsage      float64            `json:"totalUsage"`
	AvgUsage        float64            `json:"avgUsage"`
	SourceBreakdown map[string]float64 `json:"sourceBreakdown"`
}
