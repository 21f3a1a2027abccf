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

// Package budget enforces a per-step context token budget across four
// priority tiers, truncating or dropping lower-priority items first when
// the total would exceed the configured limit. Items tagged with a
// source Language are truncated at the internal/truncate package's
// block boundaries rather than an arbitrary byte offset.
package budget

import (
	"sort"

	"github.com/tombee/conductor-kernel/pkg/tokenizer"
)

// Priority is one of the four context tiers, ordered low to critical.
type Priority int

const (
	Low Priority = iota
	Medium
	High
	Critical
)

// Item is a single named piece of context competing for budget.
type Item struct {
	Key      string
	Priority Priority
	Content  string

	// Truncatable marks whether Item may be shortened rather than
	// dropped outright when the budget is tight.
	Truncatable bool

	// MinTokens is the smallest size a truncatable item may be reduced
	// to before it is dropped entirely.
	MinTokens int

	// Language names the source language of Content ("go", "python",
	// "javascript", "typescript"), selecting block-boundary truncation
	// over this package's internal/truncate registry instead of a raw
	// byte-offset cut. Empty for non-code items.
	Language string
}

// Decision records what happened to a single Item during Fit.
type Decision struct {
	Key        string
	Priority   Priority
	Kept       bool
	Truncated  bool
	OrigTokens int
	FinalTokens int
}

// Report summarizes a Fit call: the assembled content per item, plus
// what was truncated or dropped, for the caller to log or surface in a
// handoff envelope's critique.
type Report struct {
	Decisions    []Decision
	TotalTokens  int
	BudgetTokens int
	Overflowed   bool
}

// Fit assembles items within budgetTokens. Items are processed in
// priority order (Critical first); within a tier, input order is
// preserved. Once a tier's items no longer fit, truncatable items in
// that tier are shortened to their MinTokens before being dropped.
//
// Returns the surviving content for each item key (dropped items are
// absent) and a Report describing every decision made.
func Fit(items []Item, counter tokenizer.Counter, budgetTokens int) (map[string]string, Report) {
	if counter == nil {
		counter = tokenizer.Fallback()
	}

	ordered := make([]Item, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	result := make(map[string]string, len(items))
	report := Report{BudgetTokens: budgetTokens}

	remaining := budgetTokens
	for _, it := range ordered {
		tokens := counter.Count(it.Content)
		dec := Decision{Key: it.Key, Priority: it.Priority, OrigTokens: tokens}

		switch {
		case tokens <= remaining:
			result[it.Key] = it.Content
			dec.Kept = true
			dec.FinalTokens = tokens
			remaining -= tokens

		case it.Truncatable && remaining > 0:
			target := remaining
			if it.MinTokens > 0 && target < it.MinTokens {
				target = 0
			}
			if target > 0 {
				var truncated string
				if it.Language != "" {
					truncated = truncateCodeToTokens(it.Content, it.Language, counter, target)
				} else {
					truncated = truncateToTokens(it.Content, counter, target)
				}
				finalTokens := counter.Count(truncated)
				result[it.Key] = truncated + "\n[...truncated to fit context budget...]"
				dec.Kept = true
				dec.Truncated = true
				dec.FinalTokens = finalTokens
				remaining -= finalTokens
			} else {
				report.Overflowed = true
			}

		default:
			report.Overflowed = true
		}

		report.TotalTokens += dec.FinalTokens
		report.Decisions = append(report.Decisions, dec)
	}

	return result, report
}

// truncateToTokens shortens content to approximately targetTokens by
// binary-searching over byte length, since token boundaries don't align
// with byte offsets for a BPE counter.
func truncateToTokens(content string, counter tokenizer.Counter, targetTokens int) string {
	if counter.Count(content) <= targetTokens {
		return content
	}

	lo, hi := 0, len(content)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.Count(content[:mid]) <= targetTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return content[:lo]
}
