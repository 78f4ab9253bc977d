package utils

// Truncate caps s at maxLen runes, appending "..." when anything was
// cut. Counting runes keeps multi-byte CJK text from being split
// mid-character.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
