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

// Command kerneld runs the orchestration kernel's control plane: the
// Run Engine, its Supervisor, and the HTTP+SSE surface in front of them,
// all in one process. It is the kernel's only long-running daemon; the
// teacher's cmd/conductord (a distributed controller with its own
// backend/postgres/webhooks surface) has no equivalent here, since the
// kernel owns none of that.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/conductor-kernel/internal/config"
	"github.com/tombee/conductor-kernel/internal/httpapi"
	"github.com/tombee/conductor-kernel/internal/kernel"
	"github.com/tombee/conductor-kernel/internal/kernel/detour"
	"github.com/tombee/conductor-kernel/internal/kernel/engine"
	"github.com/tombee/conductor-kernel/internal/kernel/extractor"
	"github.com/tombee/conductor-kernel/internal/kernel/flowload"
	"github.com/tombee/conductor-kernel/internal/kernel/flowspec"
	"github.com/tombee/conductor-kernel/internal/kernel/metrics"
	"github.com/tombee/conductor-kernel/internal/kernel/runsvc"
	"github.com/tombee/conductor-kernel/internal/kernel/session"
	"github.com/tombee/conductor-kernel/internal/kernel/sidequest"
	"github.com/tombee/conductor-kernel/internal/kernel/utilityflow"
	"github.com/tombee/conductor-kernel/internal/kernel/workspace"
	kernellog "github.com/tombee/conductor-kernel/internal/log"
	"github.com/tombee/conductor-kernel/internal/tracing/audit"
	"github.com/tombee/conductor-kernel/internal/transportkit/claudesdk"
	"github.com/tombee/conductor-kernel/pkg/llm"
	_ "github.com/tombee/conductor-kernel/pkg/llm/providers"
	"github.com/tombee/conductor-kernel/pkg/llm/providers/claudecode"
)

func main() {
	configPath := flag.String("config", "", "path to a kernel config YAML file")
	specsDir := flag.String("specs-dir", "./specs", "directory of spec template JSON files")
	flag.Parse()

	log := kernellog.New(kernellog.FromEnv())

	if err := run(*configPath, *specsDir, log); err != nil {
		log.Error("kerneld: fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, specsDirPath string, log *slog.Logger) error {
	cfg, err := config.LoadKernel(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.StrictRepoRoot {
		os.Setenv("STRICT_REPO_ROOT", "1")
	}

	store, err := kernel.NewStore(cfg.RunsRoot)
	if err != nil {
		return fmt.Errorf("opening run store at %s: %w", cfg.RunsRoot, err)
	}

	auditLogger, err := audit.NewFileLogger(filepath.Join(cfg.RunsRoot, "audit.log"))
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditLogger.Close()

	flows := flowspec.NewRegistry(flowload.DefaultFlows()...)
	if cfg.FlowsDir != "" {
		fileFlows, err := flowload.LoadDir(cfg.FlowsDir)
		if err != nil {
			return fmt.Errorf("loading flow catalog %s: %w", cfg.FlowsDir, err)
		}
		for _, f := range fileFlows {
			flows.Put(f)
		}
		closeWatch, err := flowload.Watch(cfg.FlowsDir, flows, log)
		if err != nil {
			return fmt.Errorf("watching flow catalog %s: %w", cfg.FlowsDir, err)
		}
		defer closeWatch()
	}

	provider, err := buildProvider(cfg.Provider)
	if err != nil {
		return fmt.Errorf("building LLM provider %q: %w", cfg.Provider, err)
	}

	recorder := metrics.NewCollector()

	eng := engine.New(
		store,
		flows,
		detour.NewMatcher(detour.BuiltinSignatures()),
		sidequest.NewCatalog(nil),
		utilityflow.NewManager(utilityflow.DefaultFlows()),
		log,
	).WithMetrics(recorder)
	if cfg.BudgetTokens > 0 {
		eng = eng.WithBudgetTokens(cfg.BudgetTokens)
	}

	transportFor := func(runID kernel.RunId) session.Transport {
		return claudesdk.New(claudesdk.Config{
			Provider: provider,
			Model:    cfg.Model,
			Logger:   log,
		})
	}

	sup := runsvc.New(runsvc.Config{
		Store:           store,
		Engine:          eng,
		Flows:           flows,
		Workspace:       workspaceFactory(log),
		Transport:       transportFor,
		Query:           queryFuncFor(transportFor),
		Metrics:         recorder,
		Log:             log,
		DefaultRepoRoot: cfg.DefaultRepoRoot,
	})

	if err := os.MkdirAll(specsDirPath, 0o755); err != nil {
		return fmt.Errorf("creating specs dir %s: %w", specsDirPath, err)
	}
	specs, err := httpapi.NewSpecStore(specsDirPath)
	if err != nil {
		return fmt.Errorf("opening spec store %s: %w", specsDirPath, err)
	}

	handler := httpapi.New(httpapi.Config{
		Supervisor: sup,
		Flows:      flows,
		Specs:      specs,
		Log:        log,
		Audit:      auditLogger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("kerneld: listening", "addr", cfg.ListenAddr, "runs_root", cfg.RunsRoot)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("kerneld: shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildProvider constructs the pkg/llm.Provider the kernel drives every
// step's Work/Finalize/Route phases through. Only the zero-config
// claudecode CLI wrapper and the API-key-based anthropic provider are
// wired here; adding openai/ollama only requires a case and the
// matching llm.Credentials value, the same shape claudecode/anthropic
// already use.
func buildProvider(name string) (llm.Provider, error) {
	switch name {
	case "claudecode", "claude-code", "":
		return claudecode.New(), nil
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		if err := llm.Activate("anthropic", llm.APIKeyCredentials{APIKey: apiKey}); err != nil {
			return nil, err
		}
		return llm.Get("anthropic")
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// workspaceFactory adapts workspace.ForFlow's kind decision and the
// concrete Real/ShadowFork constructors into a runsvc.WorkspaceFactory.
func workspaceFactory(log *slog.Logger) runsvc.WorkspaceFactory {
	return func(ctx context.Context, runID kernel.RunId, flowKey kernel.FlowKey, repoRoot string) (workspace.Workspace, string, error) {
		absRoot, err := filepath.Abs(repoRoot)
		if err != nil {
			return nil, "", err
		}
		kind, _ := workspace.ForFlow(string(flowKey), absRoot)
		if kind == "real" {
			return workspace.NewRealWorkspace(absRoot), absRoot, nil
		}
		ws, err := workspace.NewShadowForkWorkspace(ctx, absRoot, string(runID), log)
		if err != nil {
			return nil, "", err
		}
		return ws, absRoot, nil
	}
}

// queryFuncFor builds the raw Query function the Structured Output
// Extractor's reprompt microloop uses, backed by a dedicated transport
// instance scoped to the navigator "runID" namespace so extraction
// retries never share history with a run's own Work/Finalize/Route
// transport.
func queryFuncFor(transportFor runsvc.TransportFactory) extractor.QueryFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		t, ok := transportFor("extractor").(*claudesdk.Transport)
		if !ok {
			return "", fmt.Errorf("kerneld: extractor query transport is not a *claudesdk.Transport")
		}
		return t.Query(ctx, prompt)
	}
}
