// Package validation checks backend search quality against a YAML list of
// queries with the paths each one is expected to return.
//
//	tier1:
//	  - id: T1-Q1
//	    name: auth handler
//	    query: where is the login handler
//	    expected: [internal/auth/handler.go]
//	negative:
//	  - id: N-1
//	    query: "%%%"
//
// A tier query passes when an expected path (or path suffix) appears within
// the first Top results. A negative query passes when the backend answers at
// all, with or without results.
package validation

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/contextual/internal/backend"
)

// DefaultTop is how many leading results are searched for an expected path.
const DefaultTop = 10

// QuerySpec defines a test query with expected results.
type QuerySpec struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name,omitempty"`
	Query    string   `yaml:"query" json:"query"`
	UseAI    bool     `yaml:"use_ai" json:"use_ai,omitempty"`
	Root     string   `yaml:"root" json:"root,omitempty"`
	Expected []string `yaml:"expected" json:"expected,omitempty"`
	Notes    string   `yaml:"notes" json:"notes,omitempty"`
	Tier     int      `yaml:"-" json:"tier"`
}

// QueryConfig holds all validation queries loaded from YAML.
type QueryConfig struct {
	Tier1    []QuerySpec `yaml:"tier1"`
	Tier2    []QuerySpec `yaml:"tier2"`
	Negative []QuerySpec `yaml:"negative"`
}

// All returns every query in run order with Tier set: 1, 2, then 0 for
// negative queries.
func (c *QueryConfig) All() []QuerySpec {
	var all []QuerySpec
	for _, group := range []struct {
		tier  int
		specs []QuerySpec
	}{{1, c.Tier1}, {2, c.Tier2}, {0, c.Negative}} {
		for _, s := range group.specs {
			s.Tier = group.tier
			all = append(all, s)
		}
	}
	return all
}

// LoadQueries reads a query file.
func LoadQueries(path string) (*QueryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queries file %s: %w", path, err)
	}
	return ParseQueries(data)
}

// ParseQueries parses query YAML. Every query needs an id and query text, and
// tier queries need at least one expected path.
func ParseQueries(data []byte) (*QueryConfig, error) {
	var cfg QueryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse queries YAML: %w", err)
	}

	seen := make(map[string]bool)
	for _, s := range cfg.All() {
		switch {
		case s.ID == "":
			return nil, fmt.Errorf("query %q has no id", s.Query)
		case seen[s.ID]:
			return nil, fmt.Errorf("duplicate query id %s", s.ID)
		case strings.TrimSpace(s.Query) == "" && s.Tier != 0:
			return nil, fmt.Errorf("query %s has no query text", s.ID)
		case s.Tier != 0 && len(s.Expected) == 0:
			return nil, fmt.Errorf("query %s has no expected paths", s.ID)
		}
		seen[s.ID] = true
	}
	return &cfg, nil
}

// Searcher is the part of the backend client the validator needs.
type Searcher interface {
	Search(ctx context.Context, params backend.SearchParams) ([]backend.FileRow, error)
}

// TestResult captures the outcome of a single query.
type TestResult struct {
	Spec       QuerySpec     `json:"spec"`
	Passed     bool          `json:"passed"`
	Duration   time.Duration `json:"duration_ns"`
	TopResults []string      `json:"top_results"`
	// MatchedAt is the position of the first expected path, -1 if absent.
	MatchedAt int    `json:"matched_at"`
	Error     string `json:"error,omitempty"`
}

// TierSummary counts passes within one tier.
type TierSummary struct {
	Pass  int `json:"pass"`
	Total int `json:"total"`
}

// Report captures results of a full validation run.
type Report struct {
	Timestamp time.Time           `json:"timestamp"`
	Results   []TestResult        `json:"results"`
	Tiers     map[int]TierSummary `json:"tiers"`
}

// Passed reports whether every query passed.
func (r *Report) Passed() bool {
	for _, s := range r.Tiers {
		if s.Pass != s.Total {
			return false
		}
	}
	return true
}

// Validator runs queries through a Searcher.
type Validator struct {
	searcher    Searcher
	top         int
	concurrency int
}

// Option configures a Validator.
type Option func(*Validator)

// WithTop sets how many leading results count as a match.
func WithTop(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.top = n
		}
	}
}

// WithConcurrency sets how many queries are in flight at once.
func WithConcurrency(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.concurrency = n
		}
	}
}

// NewValidator creates a validator.
func NewValidator(searcher Searcher, opts ...Option) *Validator {
	v := &Validator{searcher: searcher, top: DefaultTop, concurrency: 4}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RunQuery executes a single query and returns the result.
func (v *Validator) RunQuery(ctx context.Context, spec QuerySpec) TestResult {
	result := TestResult{Spec: spec, MatchedAt: -1}

	start := time.Now()
	rows, err := v.searcher.Search(ctx, backend.SearchParams{
		Query:    spec.Query,
		UseAI:    spec.UseAI,
		RootPath: spec.Root,
	})
	result.Duration = time.Since(start)

	if err != nil {
		result.Error = err.Error()
		return result
	}

	for i, row := range rows {
		if i == v.top {
			break
		}
		result.TopResults = append(result.TopResults, row.Path)
	}

	if spec.Tier == 0 {
		result.Passed = true
		return result
	}
	result.Passed, result.MatchedAt = checkExpected(result.TopResults, spec.Expected)
	return result
}

// Run executes specs concurrently and returns results in spec order.
func (v *Validator) Run(ctx context.Context, specs []QuerySpec) *Report {
	report := &Report{
		Timestamp: time.Now(),
		Results:   make([]TestResult, len(specs)),
		Tiers:     make(map[int]TierSummary),
	}

	// Failures are recorded per query, so the group never returns an error.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, spec := range specs {
		g.Go(func() error {
			report.Results[i] = v.RunQuery(gctx, spec)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range report.Results {
		s := report.Tiers[r.Spec.Tier]
		s.Total++
		if r.Passed {
			s.Pass++
		}
		report.Tiers[r.Spec.Tier] = s
	}
	return report
}

// checkExpected returns whether any expected path matches a result, and the
// position of the first match. An expected entry matches a result equal to
// it or ending in "/"+entry.
func checkExpected(results, expected []string) (bool, int) {
	for i, path := range results {
		for _, exp := range expected {
			exp = strings.TrimPrefix(exp, "./")
			if path == exp || strings.HasSuffix(path, "/"+exp) {
				return true, i
			}
		}
	}
	return false, -1
}
