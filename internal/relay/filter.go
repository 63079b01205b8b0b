package relay

import "strings"

// Keywords splits a comma-separated filter into trimmed, lower-cased,
// non-empty keywords.
func Keywords(filter string) []string {
	var out []string
	for _, kw := range strings.Split(filter, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// Match reports whether text passes filter. An empty filter matches everything.
func Match(filter, text string) bool {
	kws := Keywords(filter)
	if len(kws) == 0 {
		return true
	}
	text = strings.ToLower(text)
	for _, kw := range kws {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
