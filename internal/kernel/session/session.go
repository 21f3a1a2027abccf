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

// Package session implements the transport-agnostic Work -> Finalize ->
// Route phased contract executed once per step.
package session

import (
	"context"
	"fmt"

	"github.com/tombee/conductor-kernel/internal/kernel/extractor"
	"github.com/tombee/conductor-kernel/pkg/schema"
)

// Capabilities is what a Transport declares about itself. The engine
// adapts its behavior to whichever subset is true rather than requiring
// every transport to support everything.
type Capabilities struct {
	OutputFormat bool // native structured-output / JSON schema support
	Interrupts   bool
	Hooks        bool // pre/post tool-use hooks
	HotContext   bool // context preserved across work/finalize/route
	Streaming    bool
}

// NormalizedToolCall is one tool invocation recorded during the work
// phase, in the engine's own vocabulary (independent of transport).
type NormalizedToolCall struct {
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
	Output   string         `json:"output,omitempty"`
}

// WorkResult is returned by the work phase.
type WorkResult struct {
	Success     bool                 `json:"success"`
	Output      string               `json:"output"`
	Events      []map[string]any     `json:"events,omitempty"`
	ToolCalls   []NormalizedToolCall `json:"tool_calls,omitempty"`
	TokenCounts map[string]int       `json:"token_counts,omitempty"`
}

// FinalizeResult is returned by the finalize phase: the step's handoff
// envelope, as a raw field map (the caller decodes into
// kernel.HandoffEnvelope).
type FinalizeResult struct {
	Envelope map[string]any `json:"envelope"`
}

// RouteResult is the transport's advisory opinion on what should happen
// next; the engine treats it as one input among several, never binding.
type RouteResult struct {
	Signal map[string]any `json:"signal"`
}

// Transport executes the phases of a step against a specific backend
// (Claude SDK, a CLI-driven agent, etc).
type Transport interface {
	Capabilities() Capabilities
	Work(ctx context.Context, prompt string, allowedTools []string) (WorkResult, error)
	Finalize(ctx context.Context, handoffSchema map[string]any) (FinalizeResult, error)
	Route(ctx context.Context, routingConfig map[string]any) (RouteResult, error)
	Interrupt(ctx context.Context) error
}

// Session runs the three phases for a single step over a Transport,
// falling back to the structured-output extraction microloop for
// finalize/route when the transport lacks native output_format support.
type Session struct {
	transport Transport
	query     extractor.QueryFunc
}

// New creates a Session over transport. query is used only as the
// extractor microloop's reprompt channel when the transport's
// Capabilities().OutputFormat is false; transports that support native
// structured output never invoke it.
func New(transport Transport, query extractor.QueryFunc) *Session {
	return &Session{transport: transport, query: query}
}

// Work runs the work phase.
func (s *Session) Work(ctx context.Context, prompt string, allowedTools []string) (WorkResult, error) {
	return s.transport.Work(ctx, prompt, allowedTools)
}

// Finalize runs the finalize phase: native structured output if the
// transport supports it, otherwise the extractor microloop driven by
// repeated calls to s.query.
func (s *Session) Finalize(ctx context.Context, basePrompt string, envelopeSchema map[string]any) (FinalizeResult, error) {
	if s.transport.Capabilities().OutputFormat {
		return s.transport.Finalize(ctx, envelopeSchema)
	}
	return s.finalizeViaExtraction(ctx, basePrompt, envelopeSchema)
}

func (s *Session) finalizeViaExtraction(ctx context.Context, basePrompt string, envelopeSchema map[string]any) (FinalizeResult, error) {
	if s.query == nil {
		return FinalizeResult{}, fmt.Errorf("session: transport lacks output_format and no query func was provided for the extraction microloop")
	}
	result, err := extractor.Run(ctx, basePrompt, envelopeSchema, s.query, extractor.DefaultMaxAttempts)
	if err != nil {
		return FinalizeResult{}, err
	}
	if !result.Success {
		return FinalizeResult{}, fmt.Errorf("session: finalize extraction failed after %d attempts", result.Attempts)
	}
	return FinalizeResult{Envelope: result.Data}, nil
}

// Route runs the route phase, same native-vs-extraction dispatch as
// Finalize. The transport's opinion is advisory only; the engine is not
// obligated to act on it.
func (s *Session) Route(ctx context.Context, basePrompt string, routingConfig map[string]any, routingSchema map[string]any) (RouteResult, error) {
	if s.transport.Capabilities().OutputFormat {
		return s.transport.Route(ctx, routingConfig)
	}
	if s.query == nil {
		return RouteResult{}, fmt.Errorf("session: transport lacks output_format and no query func was provided for the extraction microloop")
	}
	result, err := extractor.Run(ctx, basePrompt, routingSchema, s.query, extractor.DefaultMaxAttempts)
	if err != nil {
		return RouteResult{}, err
	}
	if !result.Success {
		return RouteResult{}, fmt.Errorf("session: route extraction failed after %d attempts", result.Attempts)
	}
	return RouteResult{Signal: result.Data}, nil
}

// Interrupt cancels the current phase, if the transport supports it.
func (s *Session) Interrupt(ctx context.Context) error {
	if !s.transport.Capabilities().Interrupts {
		return nil
	}
	return s.transport.Interrupt(ctx)
}

// ValidateEnvelope runs the simplified schema validator over a finalize
// result, for transports/extraction paths that can't self-validate.
func ValidateEnvelope(envelope map[string]any, envelopeSchema map[string]any) []schema.ValidationError {
	return schema.Validate(envelope, envelopeSchema)
}
