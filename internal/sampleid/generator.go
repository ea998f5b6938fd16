// Package sampleid builds the human-readable identifiers assigned to field
// samples.
//
// An identifier has the shape PROJECT-TYPE-YEAR-SEQ, for example
// GEN-SOIL-2024-001. The sequence is scoped to the PROJECT-TYPE-YEAR prefix and
// is derived from the highest identifier already stored under that prefix, so
// the generator keeps no counters of its own.
package sampleid

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// DefaultProjectCode is used when the caller supplies no project code.
	DefaultProjectCode = "GEN"

	typePrefixLength = 4
	sequenceWidth    = 3
)

// SampleIndex is the read side of the sample store used to find the latest
// identifier issued under a prefix.
type SampleIndex interface {
	// FindMaxIdentifier returns the greatest identifier matching Pattern(prefix)
	// according to Less. The boolean is false when nothing matches.
	FindMaxIdentifier(ctx context.Context, prefix string) (string, bool, error)
}

// Generator computes the next identifier for a prefix from store state.
type Generator struct {
	index SampleIndex
}

// NewGenerator returns a generator backed by index.
func NewGenerator(index SampleIndex) *Generator {
	return &Generator{index: index}
}

// Generate returns the next identifier for the project, sample type and year.
// It does not reserve the identifier; two calls without an intervening insert
// return the same value.
func (g *Generator) Generate(ctx context.Context, projectCode, sampleType string, year int) (string, error) {
	if g == nil || g.index == nil {
		return "", fmt.Errorf("sample index is not configured")
	}
	prefix := Prefix(projectCode, sampleType, year)
	latest, found, err := g.index.FindMaxIdentifier(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("find latest identifier for %s: %w", prefix, err)
	}
	next := 1
	if found {
		next = ParseSequence(latest) + 1
	}
	return prefix + "-" + Format(next), nil
}

// NormalizeProjectCode trims and uppercases code, falling back to
// DefaultProjectCode when it is blank.
func NormalizeProjectCode(code string) string {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return DefaultProjectCode
	}
	return cases.Upper(language.Und).String(trimmed)
}

// TypePrefix returns the first four characters of the sample type, uppercased.
func TypePrefix(sampleType string) string {
	runes := []rune(strings.TrimSpace(sampleType))
	if len(runes) > typePrefixLength {
		runes = runes[:typePrefixLength]
	}
	return cases.Upper(language.Und).String(string(runes))
}

// Prefix assembles PROJECT-TYPE-YEAR.
func Prefix(projectCode, sampleType string, year int) string {
	return fmt.Sprintf("%s-%s-%d", NormalizeProjectCode(projectCode), TypePrefix(sampleType), year)
}

// Format zero-pads the sequence to three digits. Values above 999 keep all of
// their digits.
func Format(sequence int) string {
	return fmt.Sprintf("%0*d", sequenceWidth, sequence)
}

// ParseSequence extracts the trailing numeric segment of identifier. Segments
// that are not a non-negative integer count as zero.
func ParseSequence(identifier string) int {
	idx := strings.LastIndex(identifier, "-")
	if idx < 0 || idx == len(identifier)-1 {
		return 0
	}
	value, err := strconv.Atoi(identifier[idx+1:])
	if err != nil || value < 0 {
		return 0
	}
	return value
}

// Pattern returns an anchored regular expression matching identifiers under
// prefix. The expression is valid for Go, PostgreSQL and MongoDB regex
// engines.
func Pattern(prefix string) string {
	return "^" + regexp.QuoteMeta(prefix) + "-[0-9]{" + strconv.Itoa(sequenceWidth) + ",}$"
}

// MatchesPrefix reports whether identifier is prefix followed by a hyphen and
// a sequence of at least three digits.
func MatchesPrefix(identifier, prefix string) bool {
	if !strings.HasPrefix(identifier, prefix+"-") {
		return false
	}
	suffix := identifier[len(prefix)+1:]
	if len(suffix) < sequenceWidth {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Less orders identifiers that share a prefix. A longer sequence is greater so
// that 1000 sorts after 999; equal lengths compare lexicographically.
func Less(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
