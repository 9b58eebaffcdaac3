package interval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseAccepted(t *testing.T) {
	cases := map[string]int64{
		"30s": 30000,
		"1m":  60000,
		"5m":  300000,
		"1h":  3600000,
		"2d":  172800000,
		"0s":  0,
		" 2s": 2000,
	}
	for expr, want := range cases {
		assert.Equal(t, want, ParseMillis(expr), expr)
	}
}

func TestParseFallsBackToDefault(t *testing.T) {
	for _, expr := range []string{
		"", "invalid", "30", "-5m", "1.5m", "5w", "m", "5 m", "1h30m",
		"99999999999999999999s", "9999999999999d",
	} {
		assert.Equal(t, Default, Parse(expr), "expr %q", expr)
		assert.Equal(t, int64(30000), ParseMillis(expr), "expr %q", expr)
	}
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 90*time.Second, Parse("90s"))
	assert.Equal(t, 48*time.Hour, Parse("2d"))
}
