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

// Package extractor pulls a JSON object out of a model's raw text
// response, validates it against a schema, and drives a bounded reprompt
// microloop when extraction or validation fails.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tombee/conductor-kernel/pkg/schema"
)

// DefaultMaxAttempts is the microloop's default attempt budget.
const DefaultMaxAttempts = 3

const maxPreviewChars = 500

var (
	fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	fencedBlock     = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\s*(.*?)\\s*```")
	codeLangPrefix  = regexp.MustCompile(`^(python|py|bash|sh|shell|go|javascript|js|typescript|ts|yaml|yml)\b`)
)

// QueryFunc sends prompt to the model and returns its raw text response.
type QueryFunc func(ctx context.Context, prompt string) (string, error)

// Result is the microloop's final outcome.
type Result struct {
	Success      bool
	Data         map[string]any
	Errors       []schema.ValidationError
	Attempts     int
	RawResponses []string
}

// Extract implements the four-strategy extraction order from a raw text
// response: fenced ```json block, a generic fenced block that doesn't
// look like source code, a balanced-brace scan, and finally a raw parse
// if the text itself begins with '{' or '['.
func Extract(raw string) (map[string]any, bool) {
	if m := fencedJSONBlock.FindStringSubmatch(raw); m != nil {
		if obj, ok := tryParseObject(m[1]); ok {
			return obj, true
		}
	}

	for _, m := range fencedBlock.FindAllStringSubmatch(raw, -1) {
		lang, body := strings.ToLower(strings.TrimSpace(m[1])), m[2]
		if codeLangPrefix.MatchString(lang) {
			continue
		}
		if obj, ok := tryParseObject(body); ok {
			return obj, true
		}
	}

	for _, candidate := range balancedBraceCandidates(raw) {
		if obj, ok := tryParseObject(candidate); ok {
			return obj, true
		}
	}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if obj, ok := tryParseObject(trimmed); ok {
			return obj, true
		}
	}

	return nil, false
}

func tryParseObject(s string) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &v); err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

// balancedBraceCandidates scans raw for substrings delimited by balanced
// '{'/'}' pairs, string- and escape-aware so braces inside string
// literals don't confuse the depth counter. Candidates are returned
// outermost-first.
func balancedBraceCandidates(raw string) []string {
	var candidates []string
	inString := false
	escaped := false
	depth := 0
	start := -1

	for i, r := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidates = append(candidates, raw[start:i+1])
					start = -1
				}
			}
		}
	}

	return candidates
}

// BuildReprompt renders the next attempt's prompt: a bulleted error list,
// a truncated preview of the invalid response, and required-field hints
// pulled from the schema, ending with an instruction to return raw JSON
// only.
func BuildReprompt(basePrompt string, rawResponse string, errs []schema.ValidationError, sch map[string]any) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nYour previous response could not be used:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.String())
		b.WriteString("\n")
	}

	preview := rawResponse
	if len(preview) > maxPreviewChars {
		preview = preview[:maxPreviewChars] + "…"
	}
	b.WriteString("\nYour previous response was:\n")
	b.WriteString(preview)
	b.WriteString("\n")

	if required, ok := sch["required"].([]any); ok && len(required) > 0 {
		b.WriteString("\nRequired fields: ")
		parts := make([]string, 0, len(required))
		for _, r := range required {
			parts = append(parts, fmt.Sprint(r))
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("\n")
	}
	if props, ok := sch["properties"].(map[string]any); ok {
		for name, raw := range props {
			propSchema, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if enum, ok := propSchema["enum"].([]any); ok {
				b.WriteString(fmt.Sprintf("Field %q must be one of: %v\n", name, enum))
			}
		}
	}

	b.WriteString("\nRespond with raw JSON only, no commentary and no markdown fences.")
	return b.String()
}

// Run drives the extraction/validation/reprompt microloop: send prompt,
// extract JSON, validate against sch, and on failure build a reprompt and
// retry up to maxAttempts times.
func Run(ctx context.Context, prompt string, sch map[string]any, query QueryFunc, maxAttempts int) (Result, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var result Result
	currentPrompt := prompt

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		raw, err := query(ctx, currentPrompt)
		if err != nil {
			return result, fmt.Errorf("querying model (attempt %d): %w", attempt, err)
		}
		result.RawResponses = append(result.RawResponses, raw)

		data, ok := Extract(raw)
		if !ok {
			result.Errors = []schema.ValidationError{{Path: "$", Message: "no JSON object could be extracted from the response"}}
			currentPrompt = BuildReprompt(prompt, raw, result.Errors, sch)
			continue
		}

		errs := schema.Validate(data, sch)
		if len(errs) == 0 {
			result.Success = true
			result.Data = data
			result.Errors = nil
			return result, nil
		}

		result.Errors = errs
		currentPrompt = BuildReprompt(prompt, raw, errs, sch)
	}

	return result, nil
}
