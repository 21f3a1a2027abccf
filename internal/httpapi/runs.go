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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tombee/conductor-kernel/internal/kernel"
	"github.com/tombee/conductor-kernel/internal/kernel/runsvc"
)

// createRunRequest is the POST /v1/runs body.
type createRunRequest struct {
	RunID    string `json:"run_id,omitempty"`
	FlowKey  string `json:"flow_key"`
	RepoRoot string `json:"repo_root,omitempty"`
}

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "bad_request", "malformed JSON body: "+err.Error())
		return
	}
	if req.FlowKey == "" {
		writeErrorStatus(w, http.StatusBadRequest, "validation_error", "flow_key is required")
		return
	}

	state, err := h.cfg.Supervisor.Start(r.Context(), runsvc.StartRequest{
		RunID:    kernel.RunId(req.RunID),
		FlowKey:  kernel.FlowKey(req.FlowKey),
		RepoRoot: req.RepoRoot,
	})
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	w.Header().Set("ETag", etagFor(state))
	writeJSON(w, http.StatusCreated, state)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeErrorStatus(w, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	summaries, err := h.cfg.Supervisor.List(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": summaries})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := kernel.RunId(chi.URLParam(r, "id"))
	state, err := h.cfg.Supervisor.Get(runID)
	if err != nil {
		writeErrorStatus(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	etag := etagFor(state)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	runID := kernel.RunId(chi.URLParam(r, "id"))
	if err := h.cfg.Supervisor.Pause(runID); err != nil {
		writeErrorStatus(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pause_requested"})
}

func (h *Handler) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := kernel.RunId(chi.URLParam(r, "id"))
	if err := h.cfg.Supervisor.Resume(r.Context(), runID); err != nil {
		writeErrorStatus(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resumed"})
}

// interruptRunRequest is the POST /v1/runs/{id}/interrupt body.
type interruptRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleInterruptRun(w http.ResponseWriter, r *http.Request) {
	runID := kernel.RunId(chi.URLParam(r, "id"))
	var req interruptRunRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := h.cfg.Supervisor.Interrupt(runID, req.Reason); err != nil {
		writeErrorStatus(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "interrupt_requested"})
}

func (h *Handler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := kernel.RunId(chi.URLParam(r, "id"))
	if err := h.cfg.Supervisor.Cancel(runID); err != nil {
		writeErrorStatus(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

// handleRunEvents serves the SSE event stream for a run, supporting
// reconnect via Last-Event-ID (a byte offset into events.jsonl), the
// same framing idiom the teacher's api.RunsHandler.streamLogs uses for
// its own log tail.
func (h *Handler) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := kernel.RunId(chi.URLParam(r, "id"))
	if _, err := h.cfg.Supervisor.Get(runID); err != nil {
		writeErrorStatus(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorStatus(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	var fromOffset int64
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.ParseInt(last, 10, 64); err == nil {
			fromOffset = n
		}
	}

	events, err := h.cfg.Supervisor.TailEvents(r.Context(), runID, fromOffset)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case te, ok := <-events:
			if !ok {
				fmt.Fprintf(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(te.Event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", te.Offset, te.Event.Kind, data)
			flusher.Flush()
		}
	}
}
