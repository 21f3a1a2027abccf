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

// Package claudesdk is the kernel's one concrete session.Transport: a
// thin adapter over pkg/llm.Provider that drives a single step's
// Work/Finalize/Route phases as one hot conversation, the way
// original_source/swarm/runtime/transports/claude_sdk_transport.py's
// ClaudeSDKTransportSession keeps one live SDK session across all three
// phases instead of re-sending the whole transcript each call. Every
// other transport named in spec §1 (a bare CLI without SDK session
// affordances, Gemini, ...) is an external collaborator behind the same
// session.Transport seam and is out of scope here.
package claudesdk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tombee/conductor-kernel/internal/kernel/session"
	"github.com/tombee/conductor-kernel/internal/log"
	"github.com/tombee/conductor-kernel/pkg/llm"
)

// Config selects the provider and model this transport drives.
type Config struct {
	// Provider is an already-activated llm.Provider (from
	// llm.Get(name) after llm.Activate). Required.
	Provider llm.Provider

	// Model is the model ID or tier string passed on every
	// CompletionRequest. Empty lets the provider pick its default.
	Model string

	// SystemPrompt, if non-empty, is sent once as the first message of
	// every fresh conversation (i.e. once per Transport, since one
	// Transport backs exactly one step per TransportFactory contract).
	SystemPrompt string

	// Logger receives one rpc_request/rpc_response pair per completion
	// round-trip to the provider. Nil disables this logging.
	Logger *slog.Logger
}

// Transport implements session.Transport over an llm.Provider. One
// Transport instance is hot-context for a single step: Work appends the
// step's prompt and the model's reply to an in-memory transcript;
// Finalize and Route continue that same transcript rather than starting
// a fresh completion, so the model's structured-output turn can refer
// back to what it just did in Work. A fresh Transport per step (built
// by the engine's TransportFactory) resets this transcript; per-run hot
// context across *steps* is the caller's concern if the flow graph
// needs it, same as the original's transport construction policy.
type Transport struct {
	cfg Config

	mu        sync.Mutex
	history   []llm.Message
	canceled  bool
	interrupt context.CancelFunc
}

// New builds a Transport. Capabilities().OutputFormat is always false:
// no pkg/llm.Provider in this tree negotiates a JSON-schema response
// format, so finalize/route always go through session.Session's
// extraction microloop (spec §4.15's "the engine may use CLI
// transports with output_format=false ... mandatory" case).
func New(cfg Config) *Transport {
	t := &Transport{cfg: cfg}
	if cfg.SystemPrompt != "" {
		t.history = append(t.history, llm.Message{Role: llm.MessageRoleSystem, Content: cfg.SystemPrompt})
	}
	return t
}

// Capabilities reports this transport's feature set.
func (t *Transport) Capabilities() session.Capabilities {
	caps := t.cfg.Provider.Capabilities()
	return session.Capabilities{
		OutputFormat: false,
		Interrupts:   true,
		Hooks:        false,
		HotContext:   true,
		Streaming:    caps.Streaming,
	}
}

// Work sends prompt as a user turn and appends the model's reply to the
// transcript. allowedTools is recorded as a system-turn note rather
// than enforced: tool policy is an explicit non-goal of this kernel
// (spec §1), so the transport only ever tells the model which names
// are permitted, it does not execute or police them.
func (t *Transport) Work(ctx context.Context, prompt string, allowedTools []string) (session.WorkResult, error) {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return session.WorkResult{}, fmt.Errorf("claudesdk: transport was interrupted")
	}
	if len(allowedTools) > 0 {
		t.history = append(t.history, llm.Message{
			Role:    llm.MessageRoleSystem,
			Content: "Allowed tools for this turn: " + strings.Join(allowedTools, ", "),
		})
	}
	t.history = append(t.history, llm.Message{Role: llm.MessageRoleUser, Content: prompt})
	reqHistory := append([]llm.Message(nil), t.history...)
	t.mu.Unlock()

	resp, err := t.complete(ctx, reqHistory)
	if err != nil {
		return session.WorkResult{}, err
	}

	t.mu.Lock()
	t.history = append(t.history, llm.Message{Role: llm.MessageRoleAssistant, Content: resp.Content})
	t.mu.Unlock()

	toolCalls := make([]session.NormalizedToolCall, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		toolCalls = append(toolCalls, session.NormalizedToolCall{ToolName: tc.Name, Output: tc.Arguments})
	}

	return session.WorkResult{
		Success:     true,
		Output:      resp.Content,
		ToolCalls:   toolCalls,
		TokenCounts: map[string]int{"prompt": resp.Usage.PromptTokens, "completion": resp.Usage.CompletionTokens},
	}, nil
}

// Finalize is unreachable: Capabilities().OutputFormat is always
// false, so session.Session never calls it (it drives the extraction
// microloop over Query instead). Kept to satisfy the Transport
// interface.
func (t *Transport) Finalize(ctx context.Context, handoffSchema map[string]any) (session.FinalizeResult, error) {
	return session.FinalizeResult{}, fmt.Errorf("claudesdk: Finalize called on a transport with OutputFormat=false")
}

// Route is unreachable for the same reason as Finalize.
func (t *Transport) Route(ctx context.Context, routingConfig map[string]any) (session.RouteResult, error) {
	return session.RouteResult{}, fmt.Errorf("claudesdk: Route called on a transport with OutputFormat=false")
}

// Interrupt marks the transport canceled; any in-flight Query call
// observes ctx cancellation on its next provider round-trip.
func (t *Transport) Interrupt(ctx context.Context) error {
	t.mu.Lock()
	t.canceled = true
	cancel := t.interrupt
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Query implements extractor.QueryFunc: it drives one more turn of the
// same hot transcript, used by session.Session's extraction microloop
// for both Finalize and Route reprompts.
func (t *Transport) Query(ctx context.Context, prompt string) (string, error) {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return "", fmt.Errorf("claudesdk: transport was interrupted")
	}
	t.history = append(t.history, llm.Message{Role: llm.MessageRoleUser, Content: prompt})
	reqHistory := append([]llm.Message(nil), t.history...)
	t.mu.Unlock()

	resp, err := t.complete(ctx, reqHistory)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.history = append(t.history, llm.Message{Role: llm.MessageRoleAssistant, Content: resp.Content})
	t.mu.Unlock()
	return resp.Content, nil
}

func (t *Transport) complete(ctx context.Context, history []llm.Message) (*llm.CompletionResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.interrupt = cancel
	t.mu.Unlock()
	defer cancel()

	if t.cfg.Logger == nil {
		return t.doComplete(ctx, history)
	}

	var resp *llm.CompletionResponse
	req := &log.RPCRequest{MessageType: "llm_completion", Metadata: map[string]interface{}{
		"provider": t.cfg.Provider.Name(),
		"model":    t.cfg.Model,
	}}
	_, err := log.NewRPCMiddleware(t.cfg.Logger).HandlerWithMetadata(req, func() (map[string]interface{}, error) {
		var completeErr error
		resp, completeErr = t.doComplete(ctx, history)
		if completeErr != nil {
			return nil, completeErr
		}
		return map[string]interface{}{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *Transport) doComplete(ctx context.Context, history []llm.Message) (*llm.CompletionResponse, error) {
	resp, err := t.cfg.Provider.Complete(ctx, llm.CompletionRequest{
		Messages: history,
		Model:    t.cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("claudesdk: completion request: %w", err)
	}
	return resp, nil
}
