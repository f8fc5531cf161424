package openbanking

import "strings"

// MaskFintech hides all but the last four characters of a fintech use
// number so it can be logged.
func MaskFintech(fintech string) string {
	runes := []rune(fintech)
	if len(runes) <= 4 {
		return fintech
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:])
}
