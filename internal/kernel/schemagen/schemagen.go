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

// Package schemagen generates the JSON Schema documents the
// Structured Output Extractor (C6) validates handoff envelopes and
// Navigator responses against, reflected off the kernel's own Go
// structs rather than hand-duplicated as a second source of truth.
// Grounded on the teacher's pkg/workflow/schema package, which uses
// the same invopop/jsonschema reflector to generate step input/output
// schemas from Go types instead of maintaining them by hand.
package schemagen

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/tombee/conductor-kernel/internal/kernel"
	"github.com/tombee/conductor-kernel/internal/kernel/navigator"
)

// reflector is shared by every Generate call. DoNotReference inlines
// nested struct schemas instead of emitting $ref/$defs indirection,
// since pkg/schema.Validate implements only the flat/nested-object
// subset of JSON Schema spec §4.6 names, not $ref resolution.
var reflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// reflect runs v through the shared reflector and round-trips the
// result through JSON so callers get a plain map[string]any, the shape
// every kernel consumer (extractor.Run, session.ValidateEnvelope,
// flowspec.StepSpec.EnvelopeSchema) expects.
func reflect(v any) (map[string]any, error) {
	s := reflector.Reflect(v)
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("schemagen: marshaling reflected schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("schemagen: decoding reflected schema: %w", err)
	}
	return out, nil
}

// HandoffEnvelopeSchema returns the JSON Schema every step's finalize
// phase must produce, reflected off kernel.HandoffEnvelope.
func HandoffEnvelopeSchema() (map[string]any, error) {
	return reflect(&kernel.HandoffEnvelope{})
}

// NavigatorResponseSchema returns the JSON Schema the Navigator's
// advisory choice must conform to, reflected off navigator.Response.
func NavigatorResponseSchema() (map[string]any, error) {
	return reflect(&navigator.Response{})
}

// MustHandoffEnvelopeSchema panics if reflection fails; reflection
// over a fixed, compile-time-known struct cannot fail at runtime
// barring a bug in this package, so callers that only run at process
// startup (flow loading, navigator wiring) use this rather than
// threading an error return through init-time plumbing.
func MustHandoffEnvelopeSchema() map[string]any {
	s, err := HandoffEnvelopeSchema()
	if err != nil {
		panic(err)
	}
	return s
}

// MustNavigatorResponseSchema panics if reflection fails; see
// MustHandoffEnvelopeSchema.
func MustNavigatorResponseSchema() map[string]any {
	s, err := NavigatorResponseSchema()
	if err != nil {
		panic(err)
	}
	return s
}
