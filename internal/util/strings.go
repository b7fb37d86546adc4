package util

// SafeTruncate returns at most maxLen runes of s. Logs use it to show a short
// token prefix; counting runes keeps the output valid UTF-8 whatever the
// caller passes in. A non-positive maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	for i := range s {
		if maxLen == 0 {
			return s[:i]
		}
		maxLen--
	}
	return s
}
