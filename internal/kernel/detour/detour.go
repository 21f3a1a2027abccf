// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package detour matches step failure forensics against a registry of
// known failure signatures and routes to a bounded-attempt detour.
package detour

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
)

// Confidence is how strongly the forensics support a match.
type Confidence string

const (
	High   Confidence = "HIGH"
	Medium Confidence = "MEDIUM"
	Low    Confidence = "LOW"
)

// Forensics is the subset of step failure data the matcher searches.
// StructuredMatch signatures additionally read the named fields below.
type Forensics struct {
	ErrorOutput    string        `json:"error_output"`
	Stdout         string        `json:"stdout"`
	Stderr         string        `json:"stderr"`
	Message        string        `json:"message"`
	TestFailures   []TestFailure `json:"test_failures"`
	LintOutput     string        `json:"lint_output"`
	LintErrors     []LintError   `json:"lint_errors"`
	GitStatusOut   string        `json:"git_status_out"`
	GitConflicts   []string      `json:"git_conflicts"`
	BehindUpstream int           `json:"behind_upstream"`
	Diverged       bool          `json:"diverged"`
}

// TestFailure is one failing test's classification.
type TestFailure struct {
	Type    string `json:"type"` // e.g. "fixture"
	Message string `json:"message"`
}

// LintError is one lint finding.
type LintError struct {
	Message string `json:"message"`
	Rule    string `json:"rule"`
}

func (f Forensics) searchableText() string {
	var b strings.Builder
	b.WriteString(f.ErrorOutput)
	b.WriteByte('\n')
	b.WriteString(f.Stdout)
	b.WriteByte('\n')
	b.WriteString(f.Stderr)
	b.WriteByte('\n')
	b.WriteString(f.Message)
	b.WriteByte('\n')
	b.WriteString(f.LintOutput)
	b.WriteByte('\n')
	for _, e := range f.LintErrors {
		b.WriteString(e.Message)
		b.WriteByte(' ')
		b.WriteString(e.Rule)
		b.WriteByte('\n')
	}
	for _, tf := range f.TestFailures {
		b.WriteString(tf.Type)
		b.WriteByte(' ')
		b.WriteString(tf.Message)
		b.WriteByte('\n')
	}
	b.WriteString(f.GitStatusOut)
	b.WriteByte('\n')
	for _, c := range f.GitConflicts {
		b.WriteString(c)
		b.WriteByte('\n')
	}
	return b.String()
}

// StructuredMatchFunc inspects Forensics fields directly (not via regex)
// to corroborate or independently confirm a signature match.
type StructuredMatchFunc func(Forensics) bool

// Signature is a named failure pattern with a detour target.
type Signature struct {
	ID           string
	Patterns     []*regexp.Regexp
	DetourTarget string
	MaxAttempts  int
	Priority     int // 0-100
	Structured   StructuredMatchFunc

	// StructuredQuery is an alternative to Structured for signatures
	// whose corroborating condition is easiest to express as a jq
	// filter over the forensics document (e.g. ".lint.errors | length
	// > 0"), rather than as Go. Evaluated via gojq against forensics
	// marshaled to its JSON form; truthy if it yields a non-false,
	// non-null, non-empty result.
	StructuredQuery string
}

func (s Signature) matchesStructured(f Forensics) bool {
	if s.Structured != nil && s.Structured(f) {
		return true
	}
	if s.StructuredQuery == "" {
		return false
	}
	return evalJQTruthy(s.StructuredQuery, f)
}

func evalJQTruthy(query string, f Forensics) bool {
	q, err := gojq.Parse(query)
	if err != nil {
		return false
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return false
	}

	raw, err := json.Marshal(f)
	if err != nil {
		return false
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}

	iter := code.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			return false
		}
		if err, isErr := v.(error); isErr {
			_ = err
			return false
		}
		switch val := v.(type) {
		case bool:
			if val {
				return true
			}
		case nil:
		case float64:
			if val != 0 {
				return true
			}
		default:
			return true
		}
	}
}

// BuiltinSignatures covers the kernel's default failure taxonomy:
// upstream divergence and git conflicts are highest priority since they
// indicate the workspace itself is unsafe to keep working in.
func BuiltinSignatures() []Signature {
	return []Signature{
		{
			ID:           "upstream_diverged",
			Patterns:     []*regexp.Regexp{regexp.MustCompile(`(?i)diverged from|behind.*upstream`)},
			DetourTarget: "sync_upstream",
			MaxAttempts:  1,
			Priority:     100,
			Structured:   func(f Forensics) bool { return f.Diverged || f.BehindUpstream > 0 },
		},
		{
			ID:           "git_conflict",
			Patterns:     []*regexp.Regexp{regexp.MustCompile(`(?i)conflict (in|marker)|CONFLICT \(`)},
			DetourTarget: "resolve_conflict",
			MaxAttempts:  2,
			Priority:     95,
			Structured:   func(f Forensics) bool { return len(f.GitConflicts) > 0 },
		},
		{
			ID:           "dependency_error",
			Patterns:     []*regexp.Regexp{regexp.MustCompile(`(?i)no matching version|could not resolve dependency|ENORESOLVE|go: .* no required module`)},
			DetourTarget: "fix_dependencies",
			MaxAttempts:  3,
			Priority:     70,
		},
		{
			ID:           "import_module_error",
			Patterns:     []*regexp.Regexp{regexp.MustCompile(`(?i)cannot find (module|package)|ModuleNotFoundError|ImportError|undefined: `)},
			DetourTarget: "fix_imports",
			MaxAttempts:  3,
			Priority:     60,
		},
		{
			ID:           "type_error",
			Patterns:     []*regexp.Regexp{regexp.MustCompile(`(?i)type mismatch|cannot use .* as .* value|TypeError`)},
			DetourTarget: "fix_types",
			MaxAttempts:  3,
			Priority:     50,
		},
		{
			ID:           "test_fixture_error",
			Patterns:     []*regexp.Regexp{regexp.MustCompile(`(?i)fixture (not found|failed)|setup failed`)},
			DetourTarget: "fix_test_fixtures",
			MaxAttempts:  3,
			Priority:     40,
			Structured: func(f Forensics) bool {
				for _, tf := range f.TestFailures {
					if tf.Type == "fixture" {
						return true
					}
				}
				return false
			},
		},
		{
			ID:              "lint_error",
			Patterns:        []*regexp.Regexp{regexp.MustCompile(`(?i)lint error|golangci-lint|eslint`)},
			DetourTarget:    "fix_lint",
			MaxAttempts:     3,
			Priority:        30,
			StructuredQuery: ".lint_errors | length > 0",
		},
	}
}

// Decision is the routing output produced by a successful match.
type Decision struct {
	Action        string // always "DETOUR"
	DetourID      string
	DetourTarget  string
	Reason        string
	Confidence    Confidence
	AttemptNumber int
	MaxAttempts   int
	ReturnTo      string
}

// Matcher holds the signature registry and per-(step,signature) attempt
// counters.
type Matcher struct {
	signatures []Signature

	mu       sync.Mutex
	attempts map[string]int
	resolved map[string]bool
}

// NewMatcher creates a Matcher seeded with sigs, sorted by descending
// priority.
func NewMatcher(sigs []Signature) *Matcher {
	sorted := make([]Signature, len(sigs))
	copy(sorted, sigs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	return &Matcher{
		signatures: sorted,
		attempts:   make(map[string]int),
		resolved:   make(map[string]bool),
	}
}

func attemptKey(stepID, sigID string) string {
	return stepID + "::" + sigID
}

// RecordAttempt increments the attempt counter for (stepID, sigID) and
// returns the new count.
func (m *Matcher) RecordAttempt(stepID, sigID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := attemptKey(stepID, sigID)
	m.attempts[key]++
	return m.attempts[key]
}

// CheckAttemptLimit reports whether attempts >= maxAttempts for
// (stepID, sigID).
func (m *Matcher) CheckAttemptLimit(stepID, sigID string, maxAttempts int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[attemptKey(stepID, sigID)] >= maxAttempts
}

// MarkResolved clears the stall flag for (stepID, sigID), suppressing
// further detours for that pairing without resetting the attempt count.
func (m *Matcher) MarkResolved(stepID, sigID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved[attemptKey(stepID, sigID)] = true
}

func (m *Matcher) isResolved(stepID, sigID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolved[attemptKey(stepID, sigID)]
}

// Match runs the match procedure against forensics for stepID, returning
// the first (highest-priority) matching signature's Decision, or false
// if none matched or every match's attempt limit was already reached.
func (m *Matcher) Match(forensics Forensics, stepID string) (Decision, bool) {
	text := strings.ToLower(forensics.searchableText())

	for _, sig := range m.signatures {
		if m.isResolved(stepID, sig.ID) {
			continue
		}
		maxAttempts := sig.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		if m.CheckAttemptLimit(stepID, sig.ID, maxAttempts) {
			continue
		}

		patternHits := 0
		for _, p := range sig.Patterns {
			if p.MatchString(text) {
				patternHits++
			}
		}
		structuredHit := sig.matchesStructured(forensics)

		if patternHits == 0 && !structuredHit {
			continue
		}

		confidence := Low
		if (patternHits >= 2) || (patternHits >= 1 && structuredHit) {
			confidence = High
		} else if patternHits == 1 || structuredHit {
			confidence = Medium
		}
		if patternHits >= 2 {
			confidence = High
		}

		attemptNum := m.RecordAttempt(stepID, sig.ID)

		return Decision{
			Action:        "DETOUR",
			DetourID:      sig.ID,
			DetourTarget:  sig.DetourTarget,
			Reason:        "matched failure signature " + sig.ID,
			Confidence:    confidence,
			AttemptNumber: attemptNum,
			MaxAttempts:   maxAttempts,
			ReturnTo:      stepID,
		}, true
	}

	return Decision{}, false
}
