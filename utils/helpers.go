package utils

import "strings"

// intervals maps lower-case names onto ClickHouse toStartOf* suffixes.
var intervals = map[string]string{
	"minute":  "Minute",
	"hour":    "Hour",
	"day":     "Day",
	"week":    "Week",
	"month":   "Month",
	"quarter": "Quarter",
	"year":    "Year",
}

// NormalizeInterval accepts "day", "Day" or "DAY" and returns "Day".
func NormalizeInterval(interval string) (string, bool) {
	canonical, ok := intervals[strings.ToLower(interval)]
	return canonical, ok
}

// IsValidInterval reports whether interval is already a canonical suffix,
// so it can be interpolated into a query.
func IsValidInterval(interval string) bool {
	canonical, ok := NormalizeInterval(interval)
	return ok && canonical == interval
}
