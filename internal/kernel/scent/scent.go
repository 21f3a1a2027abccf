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

// Package scent maintains a run-scoped provenance log of decisions,
// assumptions, open questions and conflicts, so later steps can see why
// earlier ones acted the way they did.
package scent

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// AssumptionStatus is the lifecycle of a recorded assumption.
type AssumptionStatus string

const (
	Active      AssumptionStatus = "ACTIVE"
	Validated   AssumptionStatus = "VALIDATED"
	Invalidated AssumptionStatus = "INVALIDATED"
)

// Decision is an append-only record of a choice made during the run.
type Decision struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	StepID    string    `json:"step_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Assumption mutates only its Status field after creation.
type Assumption struct {
	ID        string           `json:"id"`
	Text      string           `json:"text"`
	Status    AssumptionStatus `json:"status"`
	StepID    string           `json:"step_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// OpenQuestion tracks an unresolved question raised mid-run.
type OpenQuestion struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	StepID     string     `json:"step_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Answer     string     `json:"answer,omitempty"`
}

// Conflict records tension between two decisions, surfaced advisorially.
type Conflict struct {
	ID         string     `json:"id"`
	DecisionID string     `json:"decision_id"`
	WithID     string     `json:"with_id"`
	Detail     string     `json:"detail"`
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Trail is the full run-scoped scent document.
type Trail struct {
	RunID              string         `json:"run_id"`
	FlowObjective      string         `json:"flow_objective"`
	Decisions          []Decision     `json:"decisions"`
	AssumptionsInEffect []Assumption  `json:"assumptions_in_effect"`
	OpenQuestions      []OpenQuestion `json:"open_questions"`
	Conflicts          []Conflict     `json:"conflicts"`

	mu      sync.Mutex
	nextID  int
	nowFunc func() time.Time
}

// New creates an empty Trail for runID, recording flowObjective as the
// run's stated goal.
func New(runID, flowObjective string, now func() time.Time) *Trail {
	if now == nil {
		now = time.Now
	}
	return &Trail{RunID: runID, FlowObjective: flowObjective, nowFunc: now}
}

// Rehydrate prepares a Trail decoded from storage for further mutation:
// it restores the clock function and advances the ID counter past every
// record already present, so newly generated IDs never collide with
// ones loaded from disk.
func (t *Trail) Rehydrate(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	t.nowFunc = now
	t.nextID = len(t.Decisions) + len(t.AssumptionsInEffect) + len(t.OpenQuestions) + len(t.Conflicts)
}

func (t *Trail) id(prefix string) string {
	t.nextID++
	return fmt.Sprintf("%s-%d", prefix, t.nextID)
}

// negationVocabulary triggers advisory conflict detection when a new
// decision's words overlap an existing one's and either contains one of
// these terms.
var negationVocabulary = map[string]bool{
	"not": true, "no": true, "don't": true, "won't": true,
	"instead": true, "rather": true, "reject": true,
}

// AddDecision appends a new decision and returns it along with any
// existing decisions it potentially conflicts with (advisory only — the
// caller decides whether to call AddConflict).
func (t *Trail) AddDecision(text, stepID string) (Decision, []Decision) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := Decision{ID: t.id("dec"), Text: text, StepID: stepID, CreatedAt: t.nowFunc()}
	potential := t.findPotentialConflicts(text)
	t.Decisions = append(t.Decisions, d)
	return d, potential
}

func (t *Trail) findPotentialConflicts(text string) []Decision {
	words := wordSet(text)
	hasNegation := textHasNegation(text)
	var out []Decision
	for _, existing := range t.Decisions {
		existingWords := wordSet(existing.Text)
		overlap := intersects(words, existingWords)
		if overlap && (hasNegation || textHasNegation(existing.Text)) {
			out = append(out, existing)
		}
	}
	return out
}

func textHasNegation(text string) bool {
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if negationVocabulary[strings.Trim(w, ".,!?;:")] {
			return true
		}
	}
	return false
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:")
		if len(w) > 3 {
			set[w] = true
		}
	}
	return set
}

func intersects(a, b map[string]bool) bool {
	for w := range a {
		if b[w] {
			return true
		}
	}
	return false
}

// AddAssumption appends a new assumption with status ACTIVE.
func (t *Trail) AddAssumption(text, stepID string) Assumption {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	a := Assumption{ID: t.id("asm"), Text: text, Status: Active, StepID: stepID, CreatedAt: now, UpdatedAt: now}
	t.AssumptionsInEffect = append(t.AssumptionsInEffect, a)
	return a
}

// ValidateAssumption marks an assumption VALIDATED.
func (t *Trail) ValidateAssumption(id string) bool {
	return t.setAssumptionStatus(id, Validated)
}

// InvalidateAssumption marks an assumption INVALIDATED.
func (t *Trail) InvalidateAssumption(id string) bool {
	return t.setAssumptionStatus(id, Invalidated)
}

func (t *Trail) setAssumptionStatus(id string, status AssumptionStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.AssumptionsInEffect {
		if t.AssumptionsInEffect[i].ID == id {
			t.AssumptionsInEffect[i].Status = status
			t.AssumptionsInEffect[i].UpdatedAt = t.nowFunc()
			return true
		}
	}
	return false
}

// AddOpenQuestion appends an unresolved question.
func (t *Trail) AddOpenQuestion(text, stepID string) OpenQuestion {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := OpenQuestion{ID: t.id("oq"), Text: text, StepID: stepID, CreatedAt: t.nowFunc()}
	t.OpenQuestions = append(t.OpenQuestions, q)
	return q
}

// ResolveOpenQuestion marks a question resolved with the given answer.
func (t *Trail) ResolveOpenQuestion(id, answer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.OpenQuestions {
		if t.OpenQuestions[i].ID == id {
			now := t.nowFunc()
			t.OpenQuestions[i].Resolved = true
			t.OpenQuestions[i].ResolvedAt = &now
			t.OpenQuestions[i].Answer = answer
			return true
		}
	}
	return false
}

// AddConflict records a conflict between two decisions.
func (t *Trail) AddConflict(decisionID, withID, detail string) Conflict {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := Conflict{ID: t.id("cfl"), DecisionID: decisionID, WithID: withID, Detail: detail, CreatedAt: t.nowFunc()}
	t.Conflicts = append(t.Conflicts, c)
	return c
}

// ResolveConflict marks a conflict resolved.
func (t *Trail) ResolveConflict(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.Conflicts {
		if t.Conflicts[i].ID == id {
			now := t.nowFunc()
			t.Conflicts[i].Resolved = true
			t.Conflicts[i].ResolvedAt = &now
			return true
		}
	}
	return false
}

// Summary renders a compact markdown digest for injection into the next
// step's context pack. maxChars bounds the output length so the budget
// component can still fit it within a tier.
func (t *Trail) Summary(maxChars int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "## Scent trail: %s\n", t.FlowObjective)

	if len(t.Decisions) > 0 {
		b.WriteString("\nDecisions:\n")
		for _, d := range t.Decisions {
			fmt.Fprintf(&b, "- %s\n", d.Text)
		}
	}
	active := 0
	for _, a := range t.AssumptionsInEffect {
		if a.Status == Active {
			active++
		}
	}
	if active > 0 {
		b.WriteString("\nActive assumptions:\n")
		for _, a := range t.AssumptionsInEffect {
			if a.Status == Active {
				fmt.Fprintf(&b, "- %s\n", a.Text)
			}
		}
	}
	unresolvedConflicts := 0
	for _, c := range t.Conflicts {
		if !c.Resolved {
			unresolvedConflicts++
		}
	}
	if unresolvedConflicts > 0 {
		fmt.Fprintf(&b, "\n%d unresolved conflict(s) flagged for review.\n", unresolvedConflicts)
	}

	out := b.String()
	if maxChars > 0 && len(out) > maxChars {
		out = out[:maxChars] + "\n[...scent trail truncated...]"
	}
	return out
}
