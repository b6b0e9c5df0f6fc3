package httptransport

import (
	"fmt"
	"net/url"
	"sort"
)

// encodeQuery renders a nested query map using bracket notation, e.g.
// {"filter": {"updatedAfter": "x"}} -> "filter[updatedAfter]=x". Nil
// values are skipped entirely so optional filters can be built by just
// leaving a key unset. Keys are sorted for deterministic output (tests,
// caching, reproducible log lines).
func encodeQuery(q map[string]any) string {
	vals := url.Values{}
	flattenQuery("", q, vals)

	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := url.Values{}
	for _, k := range keys {
		out[k] = vals[k]
	}
	return out.Encode()
}

func flattenQuery(prefix string, v any, out url.Values) {
	if v == nil {
		return
	}
	switch val := v.(type) {
	case map[string]any:
		for k, nested := range val {
			if nested == nil {
				continue
			}
			key := k
			if prefix != "" {
				key = fmt.Sprintf("%s[%s]", prefix, k)
			}
			flattenQuery(key, nested, out)
		}
	case []any:
		for _, item := range val {
			out.Add(prefix, fmt.Sprint(item))
		}
	default:
		out.Add(prefix, fmt.Sprint(val))
	}
}
