package validation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/contextual/internal/backend"
)

// fakeSearcher returns canned rows per query.
type fakeSearcher struct {
	mu      sync.Mutex
	rows    map[string][]backend.FileRow
	errs    map[string]error
	queries []backend.SearchParams
}

func (f *fakeSearcher) Search(_ context.Context, p backend.SearchParams) ([]backend.FileRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, p)
	if err := f.errs[p.Query]; err != nil {
		return nil, err
	}
	return f.rows[p.Query], nil
}

func rows(paths ...string) []backend.FileRow {
	out := make([]backend.FileRow, len(paths))
	for i, p := range paths {
		out[i] = backend.FileRow{Path: p}
	}
	return out
}

const sampleYAML = `
tier1:
  - id: T1-Q1
    name: login handler
    query: login handler
    expected: [internal/auth/handler.go]
tier2:
  - id: T2-Q1
    query: token refresh
    use_ai: true
    root: /src
    expected: [refresh.go]
negative:
  - id: N-1
    query: "%%%"
`

func TestParseQueries_AssignsTiers(t *testing.T) {
	cfg, err := ParseQueries([]byte(sampleYAML))
	require.NoError(t, err)

	all := cfg.All()
	require.Len(t, all, 3)
	assert.Equal(t, 1, all[0].Tier)
	assert.Equal(t, 2, all[1].Tier)
	assert.True(t, all[1].UseAI)
	assert.Equal(t, "/src", all[1].Root)
	assert.Equal(t, 0, all[2].Tier)
}

func TestParseQueries_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"invalid yaml", "tier1: [\n"},
		{"missing id", "tier1:\n  - query: q\n    expected: [a]\n"},
		{"duplicate id", "tier1:\n  - {id: A, query: q, expected: [a]}\ntier2:\n  - {id: A, query: r, expected: [b]}\n"},
		{"missing expected", "tier1:\n  - {id: A, query: q}\n"},
		{"empty query", "tier2:\n  - {id: A, query: ' ', expected: [a]}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseQueries([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadQueries_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	cfg, err := LoadQueries(path)

	require.NoError(t, err)
	assert.Len(t, cfg.Tier1, 1)

	_, err = LoadQueries(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCheckExpected(t *testing.T) {
	results := []string{"/repo/cmd/main.go", "/repo/internal/auth/handler.go"}

	ok, at := checkExpected(results, []string{"internal/auth/handler.go"})
	assert.True(t, ok)
	assert.Equal(t, 1, at)

	ok, at = checkExpected(results, []string{"./cmd/main.go"})
	assert.True(t, ok)
	assert.Equal(t, 0, at)

	// Partial file names do not match.
	ok, at = checkExpected(results, []string{"ain.go"})
	assert.False(t, ok)
	assert.Equal(t, -1, at)
}

func TestValidator_RunQuery(t *testing.T) {
	searcher := &fakeSearcher{
		rows: map[string][]backend.FileRow{
			"login handler": rows("/r/a.go", "/r/b.go", "/r/internal/auth/handler.go"),
		},
		errs: map[string]error{"boom": errors.New("backend down")},
	}

	t.Run("match within top", func(t *testing.T) {
		r := NewValidator(searcher).RunQuery(context.Background(),
			QuerySpec{ID: "A", Tier: 1, Query: "login handler", Expected: []string{"internal/auth/handler.go"}})
		assert.True(t, r.Passed)
		assert.Equal(t, 2, r.MatchedAt)
		assert.Len(t, r.TopResults, 3)
	})

	t.Run("match beyond top fails", func(t *testing.T) {
		r := NewValidator(searcher, WithTop(2)).RunQuery(context.Background(),
			QuerySpec{ID: "A", Tier: 1, Query: "login handler", Expected: []string{"internal/auth/handler.go"}})
		assert.False(t, r.Passed)
		assert.Len(t, r.TopResults, 2)
	})

	t.Run("search error fails", func(t *testing.T) {
		r := NewValidator(searcher).RunQuery(context.Background(),
			QuerySpec{ID: "B", Tier: 1, Query: "boom", Expected: []string{"x"}})
		assert.False(t, r.Passed)
		assert.Equal(t, "backend down", r.Error)
	})

	t.Run("negative passes without results", func(t *testing.T) {
		r := NewValidator(searcher).RunQuery(context.Background(), QuerySpec{ID: "N", Tier: 0, Query: "%%%"})
		assert.True(t, r.Passed)
	})
}

func TestValidator_RunKeepsOrderAndSummarizes(t *testing.T) {
	cfg, err := ParseQueries([]byte(sampleYAML))
	require.NoError(t, err)

	searcher := &fakeSearcher{rows: map[string][]backend.FileRow{
		"login handler": rows("/repo/internal/auth/handler.go"),
		"token refresh": rows("/src/other.go"),
	}}

	report := NewValidator(searcher, WithConcurrency(3)).Run(context.Background(), cfg.All())

	require.Len(t, report.Results, 3)
	assert.Equal(t, "T1-Q1", report.Results[0].Spec.ID)
	assert.Equal(t, "T2-Q1", report.Results[1].Spec.ID)
	assert.Equal(t, "N-1", report.Results[2].Spec.ID)

	assert.Equal(t, TierSummary{Pass: 1, Total: 1}, report.Tiers[1])
	assert.Equal(t, TierSummary{Pass: 0, Total: 1}, report.Tiers[2])
	assert.Equal(t, TierSummary{Pass: 1, Total: 1}, report.Tiers[0])
	assert.False(t, report.Passed())

	// Search parameters come from the spec.
	var sawAI bool
	for _, q := range searcher.queries {
		if q.Query == "token refresh" {
			sawAI = q.UseAI && q.RootPath == "/src"
		}
	}
	assert.True(t, sawAI)
}
