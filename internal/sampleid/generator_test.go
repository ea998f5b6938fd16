package sampleid

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryIndex struct {
	identifiers []string
	err         error
	calls       int
}

func (m *memoryIndex) FindMaxIdentifier(_ context.Context, prefix string) (string, bool, error) {
	m.calls++
	if m.err != nil {
		return "", false, m.err
	}
	var best string
	found := false
	for _, id := range m.identifiers {
		if !MatchesPrefix(id, prefix) {
			continue
		}
		if !found || Less(best, id) {
			best = id
			found = true
		}
	}
	return best, found, nil
}

func TestGenerateStartsAtOne(t *testing.T) {
	gen := NewGenerator(&memoryIndex{})

	id, err := gen.Generate(context.Background(), "", "Soil", 2024)
	require.NoError(t, err)
	assert.Equal(t, "GEN-SOIL-2024-001", id)
}

func TestGenerateIsStableWithoutInsert(t *testing.T) {
	index := &memoryIndex{identifiers: []string{"GEN-SOIL-2024-001"}}
	gen := NewGenerator(index)

	first, err := gen.Generate(context.Background(), "GEN", "Soil", 2024)
	require.NoError(t, err)
	second, err := gen.Generate(context.Background(), "GEN", "Soil", 2024)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "GEN-SOIL-2024-002", first)
	assert.Equal(t, 2, index.calls)
}

func TestGenerateUsesMaximumNotCount(t *testing.T) {
	gen := NewGenerator(&memoryIndex{identifiers: []string{
		"GEN-SOIL-2024-001",
		"GEN-SOIL-2024-005",
	}})

	id, err := gen.Generate(context.Background(), "GEN", "Soil", 2024)
	require.NoError(t, err)
	assert.Equal(t, "GEN-SOIL-2024-006", id)
}

func TestGeneratePrefixesAreIndependent(t *testing.T) {
	index := &memoryIndex{identifiers: []string{
		"GEN-SOIL-2024-007",
		"GEN-PLAN-2024-002",
		"AMZ-SOIL-2024-010",
	}}
	gen := NewGenerator(index)
	ctx := context.Background()

	cases := []struct {
		project string
		kind    string
		year    int
		want    string
	}{
		{project: "GEN", kind: "Soil", year: 2024, want: "GEN-SOIL-2024-008"},
		{project: "GEN", kind: "Soil", year: 2025, want: "GEN-SOIL-2025-001"},
		{project: "GEN", kind: "Plant", year: 2024, want: "GEN-PLAN-2024-003"},
		{project: "GEN", kind: "Water", year: 2024, want: "GEN-WATE-2024-001"},
		{project: "amz", kind: "soil", year: 2024, want: "AMZ-SOIL-2024-011"},
	}
	for _, tc := range cases {
		id, err := gen.Generate(ctx, tc.project, tc.kind, tc.year)
		require.NoError(t, err)
		assert.Equal(t, tc.want, id)
	}
}

func TestGenerateIgnoresStraySuffixes(t *testing.T) {
	gen := NewGenerator(&memoryIndex{identifiers: []string{
		"GEN-SOIL-2024-003",
		"GEN-SOIL-2024-099-B",
		"GEN-SOIL-20240-500",
	}})

	id, err := gen.Generate(context.Background(), "GEN", "Soil", 2024)
	require.NoError(t, err)
	assert.Equal(t, "GEN-SOIL-2024-004", id)
}

func TestGenerateWidensPastNineHundredNinetyNine(t *testing.T) {
	gen := NewGenerator(&memoryIndex{identifiers: []string{
		"GEN-INSE-2024-998",
		"GEN-INSE-2024-999",
	}})

	id, err := gen.Generate(context.Background(), "GEN", "Insect", 2024)
	require.NoError(t, err)
	assert.Equal(t, "GEN-INSE-2024-1000", id)

	gen = NewGenerator(&memoryIndex{identifiers: []string{"GEN-INSE-2024-999", "GEN-INSE-2024-1000"}})
	id, err = gen.Generate(context.Background(), "GEN", "Insect", 2024)
	require.NoError(t, err)
	assert.Equal(t, "GEN-INSE-2024-1001", id)
}

func TestGeneratePropagatesStoreErrors(t *testing.T) {
	boom := errors.New("connection refused")
	gen := NewGenerator(&memoryIndex{err: boom})

	_, err := gen.Generate(context.Background(), "GEN", "Soil", 2024)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestPrefixNormalization(t *testing.T) {
	assert.Equal(t, "GEN-SOIL-2024", Prefix("", "Soil", 2024))
	assert.Equal(t, "GEN-SOIL-2024", Prefix("   ", "soil", 2024))
	assert.Equal(t, "PRJ-PLAN-2023", Prefix(" prj ", "Plant", 2023))
	assert.Equal(t, "GEN-WATE-2024", Prefix("GEN", "Water", 2024))
	assert.Equal(t, "GEN-INSE-2024", Prefix("GEN", "Insect", 2024))
}

func TestTypePrefixShortNames(t *testing.T) {
	assert.Equal(t, "ABC", TypePrefix("abc"))
	assert.Equal(t, "", TypePrefix(""))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "001", Format(1))
	assert.Equal(t, "042", Format(42))
	assert.Equal(t, "999", Format(999))
	assert.Equal(t, "1000", Format(1000))
}

func TestParseSequence(t *testing.T) {
	cases := map[string]int{
		"GEN-SOIL-2024-001":  1,
		"GEN-SOIL-2024-017":  17,
		"GEN-SOIL-2024-1000": 1000,
		"GEN-SOIL-2024-abc":  0,
		"GEN-SOIL-2024-":     0,
		"nodashes":           0,
		"":                   0,
	}
	for input, want := range cases {
		assert.Equal(t, want, ParseSequence(input), input)
	}
}

func TestPatternMatchesLikeMatchesPrefix(t *testing.T) {
	prefix := "GEN-SOIL-2024"
	re := regexp.MustCompile(Pattern(prefix))
	inputs := []string{
		"GEN-SOIL-2024-001",
		"GEN-SOIL-2024-1234",
		"GEN-SOIL-2024-01",
		"GEN-SOIL-2024-001-X",
		"XGEN-SOIL-2024-001",
		"GEN-SOIL-2024-abc",
		"GEN-SOIL-20245-001",
	}
	for _, input := range inputs {
		assert.Equal(t, MatchesPrefix(input, prefix), re.MatchString(input), input)
	}
	assert.True(t, re.MatchString("GEN-SOIL-2024-001"))
	assert.False(t, re.MatchString("GEN-SOIL-2024-001-X"))
}

func TestPatternQuotesPrefix(t *testing.T) {
	re := regexp.MustCompile(Pattern("A.B-SOIL-2024"))
	assert.True(t, re.MatchString("A.B-SOIL-2024-001"))
	assert.False(t, re.MatchString("AXB-SOIL-2024-001"))
}

func TestLessOrdersByLengthThenLexically(t *testing.T) {
	ids := []string{
		"GEN-SOIL-2024-1000",
		"GEN-SOIL-2024-010",
		"GEN-SOIL-2024-999",
		"GEN-SOIL-2024-002",
	}
	sort.Slice(ids, func(i, j int) bool { return Less(ids[i], ids[j]) })
	assert.Equal(t, []string{
		"GEN-SOIL-2024-002",
		"GEN-SOIL-2024-010",
		"GEN-SOIL-2024-999",
		"GEN-SOIL-2024-1000",
	}, ids)
}
