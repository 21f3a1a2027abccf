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

package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tombee/conductor-kernel/internal/kernel/flowspec"
	"github.com/tombee/conductor-kernel/internal/kernel/runsvc"
	"github.com/tombee/conductor-kernel/internal/tracing"
	"github.com/tombee/conductor-kernel/internal/tracing/audit"
)

// Config wires a Handler to the services it fronts.
type Config struct {
	Supervisor *runsvc.Supervisor
	Flows      *flowspec.Registry
	Specs      *SpecStore
	Log        *slog.Logger

	// Audit, when set, records every mutating /v1/runs request
	// (start/pause/resume/interrupt/cancel) to an append-only audit
	// log. Nil disables audit logging.
	Audit *audit.Logger

	// TrustedProxies lists the reverse-proxy IPs audit.Middleware
	// trusts to have set X-Forwarded-For; only meaningful when Audit
	// is set.
	TrustedProxies []string
}

// Handler owns the chi router and every HTTP-facing dependency. It
// never touches engine.Engine directly, only runsvc.Supervisor, the
// same separation the teacher's api.RunsHandler keeps from
// daemon.Daemon by depending only on runner.Runner.
type Handler struct {
	cfg Config
	log *slog.Logger
	mux *chi.Mux
}

// New builds a Handler and registers every route.
func New(cfg Config) *Handler {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	h := &Handler{cfg: cfg, log: cfg.Log, mux: chi.NewRouter()}

	h.mux.Use(middleware.Recoverer)
	h.mux.Use(tracing.CorrelationMiddleware)
	h.mux.Use(tracing.TracingMiddleware)
	h.mux.Use(tracing.HTTPMiddleware)
	h.mux.Use(h.requestLogging)
	if cfg.Audit != nil {
		h.mux.Use(audit.Middleware(cfg.Audit, cfg.TrustedProxies))
	}

	h.mux.Get("/v1/health", h.handleHealth)

	h.mux.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", h.handleCreateRun)
		r.Get("/", h.handleListRuns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetRun)
			r.Get("/events", h.handleRunEvents)
			r.Post("/pause", h.handlePauseRun)
			r.Post("/resume", h.handleResumeRun)
			r.Post("/interrupt", h.handleInterruptRun)
			r.Delete("/", h.handleCancelRun)
		})
	})

	h.mux.Route("/v1/specs", func(r chi.Router) {
		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.handleListTemplates)
			r.Get("/{id}", h.handleGetTemplate)
		})
		r.Route("/flows", func(r chi.Router) {
			r.Get("/", h.handleListFlows)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.handleGetFlow)
				r.Patch("/", h.handlePatchFlow)
				r.Post("/validate", h.handleValidateFlow)
				r.Post("/compile", h.handleCompileFlow)
			})
		})
	})

	return h
}

// ServeHTTP makes Handler an http.Handler, so cmd/kerneld can hand it
// straight to http.Server.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.log.Debug("httpapi: request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
