// Package interval converts rule interval expressions such as "30s" or "5m"
// into durations.
package interval

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Default is used for any expression that cannot be parsed.
const Default = 30 * time.Second

var exprRe = regexp.MustCompile(`^(\d+)([smhd])$`)

var units = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// Parse returns the duration described by expr, or Default when expr is not
// an integer magnitude followed by one of s, m, h or d.
func Parse(expr string) time.Duration {
	m := exprRe.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return Default
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Default
	}
	unit := units[m[2]]
	if n > int64(1<<63-1)/int64(unit) {
		return Default
	}
	return time.Duration(n) * unit
}

// ParseMillis is Parse expressed in milliseconds.
func ParseMillis(expr string) int64 {
	return Parse(expr).Milliseconds()
}
