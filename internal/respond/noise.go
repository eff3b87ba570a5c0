package respond

import (
	"strings"
	"unicode"
)

// NoiseConfig holds the thresholds for the degenerate-input filter.
// The defaults match what field testing settled on; they are exposed
// as configuration rather than hard-coded.
type NoiseConfig struct {
	// MinLength is the shortest trimmed input accepted as speech.
	MinLength int
	// RepeatRun drops inputs whose alphanumeric core is one character
	// repeated at least this many times.
	RepeatRun int
	// SymbolSet lists punctuation that, alone or with whitespace,
	// never counts as speech.
	SymbolSet string
}

// DefaultNoiseConfig returns the stock thresholds.
func DefaultNoiseConfig() NoiseConfig {
	return NoiseConfig{
		MinLength: 2,
		RepeatRun: 5,
		SymbolSet: `.?!,-_/\*~`,
	}
}

// withDefaults fills unset fields.
func (c NoiseConfig) withDefaults() NoiseConfig {
	d := DefaultNoiseConfig()
	if c.MinLength <= 0 {
		c.MinLength = d.MinLength
	}
	if c.RepeatRun <= 0 {
		c.RepeatRun = d.RepeatRun
	}
	if c.SymbolSet == "" {
		c.SymbolSet = d.SymbolSet
	}
	return c
}

// IsNoise reports whether text is too degenerate to be a meaningful
// spoken response.
func IsNoise(text string, cfg NoiseConfig) bool {
	cfg = cfg.withDefaults()
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return true
	}
	if len([]rune(t)) < cfg.MinLength {
		return true
	}

	alnum := alnumCore(t)
	if alnum == "" {
		return true
	}
	if len(alnum) >= cfg.RepeatRun && isSingleRune(alnum) {
		return true
	}

	return isAllSymbols(t, cfg.SymbolSet)
}

// alnumCore strips everything but ASCII letters and digits.
func alnumCore(t string) string {
	var b strings.Builder
	for _, r := range t {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isSingleRune(s string) bool {
	runes := []rune(s)
	for _, r := range runes[1:] {
		if r != runes[0] {
			return false
		}
	}
	return true
}

func isAllSymbols(t, symbolSet string) bool {
	for _, r := range t {
		if unicode.IsSpace(r) || strings.ContainsRune(symbolSet, r) {
			continue
		}
		return false
	}
	return true
}
