package backend

import (
	"sort"
	"strconv"
	"strings"
)

// selector renders equality matchers as a series selector, keys sorted.
func selector(matchers map[string]string) string {
	if len(matchers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(matchers))
	for k := range matchers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strconv.Quote(matchers[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}
