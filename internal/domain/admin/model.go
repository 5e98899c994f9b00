package admin

import "time"

// Dashboard is the summary shown on the admin landing page.
type Dashboard struct {
	UserCount            int            `json:"userCount"`
	PatientCount         int            `json:"patientCount"`
	TotalDiagnostics     int            `json:"totalDiagnostics"`
	LastMonthDiagnostics int            `json:"lastMonthDiagnostics"`
	DiagnosticsByType    map[string]int `json:"diagnosticsByType"`
}

// Time ranges accepted by the analytics endpoints.
const (
	RangeMonth   = "month"
	RangeQuarter = "quarter"
	RangeYear    = "year"
	RangeAll     = "all"
)

// DefaultRange applies when no timeRange is given.
const DefaultRange = RangeYear

var rangeDays = map[string]int{
	RangeMonth:   30,
	RangeQuarter: 90,
	RangeYear:    365,
}

// Since returns the start of the named range ending at now. "all" and
// unrecognised names start at the zero time.
func Since(timeRange string, now time.Time) time.Time {
	days, ok := rangeDays[timeRange]
	if !ok {
		return time.Time{}
	}
	return now.AddDate(0, 0, -days)
}
