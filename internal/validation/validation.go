// Package validation checks city path parameters before they reach the query layer.
package validation

import (
	"errors"
	"strings"
	"unicode"
)

// MaxCityLength is the longest city name accepted, in runes.
const MaxCityLength = 100

var (
	// ErrCityEmpty is returned when the city is empty or whitespace-only after trim.
	ErrCityEmpty = errors.New("city is required")
	// ErrCityTooLong is returned when the city exceeds MaxCityLength runes.
	ErrCityTooLong = errors.New("city too long")
	// ErrCityInvalidChars is returned when the city contains disallowed characters.
	ErrCityInvalidChars = errors.New("city contains invalid characters")
)

// ValidateCity trims the input and restricts it to letters (Unicode), digits,
// space, comma, hyphen, period and apostrophe. Returns the trimmed name or an
// error suitable for a 400 INVALID_CITY response. Case is left untouched; the
// handler canonicalizes against the tracked list.
func ValidateCity(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrCityEmpty
	}
	if len(r) > MaxCityLength {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// CanonicalCity returns the tracked spelling of city, matched case-insensitively.
// ok is false when city is not tracked.
func CanonicalCity(city string, tracked []string) (string, bool) {
	for _, t := range tracked {
		if strings.EqualFold(t, city) {
			return t, true
		}
	}
	return "", false
}
