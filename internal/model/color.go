package model

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidColor is returned when an outcome color is not an HTML hex color.
var ErrInvalidColor = errors.New("model: invalid outcome color")

// colorRegex matches lowercase HTML hex colors: #rrggbb.
var colorRegex = regexp.MustCompile(`^#[0-9a-f]{6}$`)

// ParseColor validates an outcome color string. Colors are stored as
// lowercase HTML hex so the web layer can use them verbatim.
func ParseColor(s string) (string, error) {
	if !colorRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected #rrggbb, lowercase)", ErrInvalidColor, s)
	}
	return s, nil
}

// defaultPalette is cycled through when outcomes are created without an
// explicit color.
var defaultPalette = []string{
	"#36a2eb", // blue
	"#ff6384", // red
	"#4bc0c0", // teal
	"#ff9f40", // orange
	"#9966ff", // purple
	"#c9cb3f", // olive
}

// DefaultColor returns the palette color for the i-th outcome of a market.
func DefaultColor(i int) string {
	return defaultPalette[i%len(defaultPalette)]
}
