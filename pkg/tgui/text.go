package tgui

const ellipsis = "…"

// TruncRunes shortens s to n runes, marking a cut with "…". The marker is
// added after the n-th rune, so a cut result is n+1 runes long.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + ellipsis
		}
		seen++
	}
	return s
}
