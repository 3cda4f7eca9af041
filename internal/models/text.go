package models

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Field length caps applied when sanitizing client supplied text.
const (
	MaxRaceIDLength     = 50
	MaxBibLength        = 10
	MaxDeviceIDLength   = 50
	MaxDeviceNameLength = 100
	MaxNotesLength      = 500
)

var reRaceID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NormalizeRaceID validates a race identifier and returns its lowercase key.
// Race identity is case-insensitive everywhere.
func NormalizeRaceID(raw string) (string, error) {
	raceID := strings.TrimSpace(raw)
	if raceID == "" {
		return "", invalid("raceId", "raceId is required")
	}
	if len(raceID) > MaxRaceIDLength {
		return "", invalid("raceId", "raceId must be at most %d characters", MaxRaceIDLength)
	}
	if !reRaceID.MatchString(raceID) {
		return "", invalid("raceId", "raceId may only contain letters, numbers, hyphens and underscores")
	}
	return strings.ToLower(raceID), nil
}

// SanitizeText normalizes s to NFC, strips angle brackets and surrounding
// whitespace, and truncates the result to max runes.
func SanitizeText(s string, max int) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == '<' || r == '>' {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	runes := []rune(s)
	if max > 0 && len(runes) > max {
		s = strings.TrimSpace(string(runes[:max]))
	}
	return s
}
