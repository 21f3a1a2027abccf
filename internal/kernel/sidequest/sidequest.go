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

// Package sidequest evaluates a catalog of bounded, optional side-tasks
// against the current run context and produces the menu offered to the
// Navigator.
package sidequest

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
)

// TriggerMode controls how a sidequest's triggers combine.
type TriggerMode string

const (
	Any TriggerMode = "any"
	All TriggerMode = "all"
)

// ReturnBehavior controls what happens to the run's position after a
// sidequest completes.
type ReturnBehavior string

const (
	Resume  ReturnBehavior = "resume"
	Advance ReturnBehavior = "advance"
)

// TriggerKind is one of the four trigger evaluation strategies.
type TriggerKind string

const (
	FieldCheck     TriggerKind = "field_check"
	Stall          TriggerKind = "stall"
	PathPattern    TriggerKind = "path_pattern"
	IterationCount TriggerKind = "iteration_count"
)

// FieldCheckOperator is one of the comparison operators field_check
// supports.
type FieldCheckOperator string

const (
	Equals    FieldCheckOperator = "equals"
	NotEquals FieldCheckOperator = "not_equals"
	GT        FieldCheckOperator = "gt"
	LT        FieldCheckOperator = "lt"
	GTE       FieldCheckOperator = "gte"
	LTE       FieldCheckOperator = "lte"
	Contains  FieldCheckOperator = "contains"
)

// Trigger is a single condition a sidequest checks against run context.
type Trigger struct {
	Kind TriggerKind

	// field_check
	Field    string
	Operator FieldCheckOperator
	Value    any

	// stall
	RequireStalled         bool
	MinStallCount          int
	SameFailureSignatureOf string

	// path_pattern
	Pattern string

	// iteration_count
	Threshold int
}

// SidequestDefinition is one catalog entry.
type SidequestDefinition struct {
	ID                string
	Name              string
	Description       string
	StationID         string
	ObjectiveTemplate string
	Triggers          []Trigger
	TriggerMode       TriggerMode
	Priority          int
	CostHint          string
	MaxUsesPerRun     int
	ReturnBehavior    ReturnBehavior
	Tags              []string
}

// StallSignals is the subset of progress-tracker state field_check's
// "stall" trigger kind reads.
type StallSignals struct {
	IsStalled             bool
	StallCount            int
	SameFailureSignature  string
}

// Context is everything a trigger evaluates against.
type Context struct {
	Fields         map[string]any
	Stall          StallSignals
	ChangedPaths   []string
	IterationCount int
}

// evalFieldCheck evaluates a single field_check trigger via expr-lang,
// compiling `<field> <op> <value>` against the run's field map.
func evalFieldCheck(t Trigger, ctx Context) bool {
	fieldVal, ok := ctx.Fields[t.Field]
	if !ok {
		return false
	}

	env := map[string]any{"field": fieldVal, "value": t.Value}
	var exprStr string
	switch t.Operator {
	case Equals:
		exprStr = "field == value"
	case NotEquals:
		exprStr = "field != value"
	case GT:
		exprStr = "field > value"
	case LT:
		exprStr = "field < value"
	case GTE:
		exprStr = "field >= value"
	case LTE:
		exprStr = "field <= value"
	case Contains:
		exprStr = "fieldContains(field, value)"
		env["fieldContains"] = func(haystack, needle any) bool {
			s, ok := haystack.(string)
			n, ok2 := needle.(string)
			if ok && ok2 {
				return containsStr(s, n)
			}
			return false
		}
	default:
		return false
	}

	program, err := expr.Compile(exprStr, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return false
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false
	}
	b, _ := out.(bool)
	return b
}

func containsStr(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func evalStall(t Trigger, ctx Context) bool {
	if t.RequireStalled && !ctx.Stall.IsStalled {
		return false
	}
	if t.MinStallCount > 0 && ctx.Stall.StallCount < t.MinStallCount {
		return false
	}
	if t.SameFailureSignatureOf != "" && ctx.Stall.SameFailureSignature != t.SameFailureSignatureOf {
		return false
	}
	return true
}

func evalPathPattern(t Trigger, ctx Context) bool {
	for _, p := range ctx.ChangedPaths {
		if matched, _ := doublestar.Match(t.Pattern, p); matched {
			return true
		}
	}
	return false
}

func evalIterationCount(t Trigger, ctx Context) bool {
	return ctx.IterationCount >= t.Threshold
}

func evalTrigger(t Trigger, ctx Context) bool {
	switch t.Kind {
	case FieldCheck:
		return evalFieldCheck(t, ctx)
	case Stall:
		return evalStall(t, ctx)
	case PathPattern:
		return evalPathPattern(t, ctx)
	case IterationCount:
		return evalIterationCount(t, ctx)
	default:
		return false
	}
}

func satisfies(def SidequestDefinition, ctx Context) bool {
	if len(def.Triggers) == 0 {
		return false
	}
	switch def.TriggerMode {
	case All:
		for _, t := range def.Triggers {
			if !evalTrigger(t, ctx) {
				return false
			}
		}
		return true
	default: // Any
		for _, t := range def.Triggers {
			if evalTrigger(t, ctx) {
				return true
			}
		}
		return false
	}
}

// Catalog holds sidequest definitions and per-run usage counts.
type Catalog struct {
	definitions []SidequestDefinition
	usage       map[string]int // key: runID + "::" + sidequestID
}

// NewCatalog creates a Catalog from defs.
func NewCatalog(defs []SidequestDefinition) *Catalog {
	return &Catalog{definitions: defs, usage: make(map[string]int)}
}

func usageKey(runID, sidequestID string) string {
	return fmt.Sprintf("%s::%s", runID, sidequestID)
}

// RecordUse increments the usage counter for (runID, sidequestID).
func (c *Catalog) RecordUse(runID, sidequestID string) {
	c.usage[usageKey(runID, sidequestID)]++
}

// Applicable returns the bounded menu for runID: sidequests under their
// max-uses cap whose triggers are satisfied, sorted by descending
// priority.
func (c *Catalog) Applicable(runID string, ctx Context) []SidequestDefinition {
	var out []SidequestDefinition
	for _, def := range c.definitions {
		if def.MaxUsesPerRun > 0 && c.usage[usageKey(runID, def.ID)] >= def.MaxUsesPerRun {
			continue
		}
		if satisfies(def, ctx) {
			out = append(out, def)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Priority > out[i].Priority {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
