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

// Package httpapi is the kernel's REST + SSE control plane: run
// lifecycle (start/pause/resume/interrupt/cancel), the event stream,
// and the spec layer (templates/flows) that compiles into the
// flowspec.Registry the engine routes against.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	kernelerrors "github.com/tombee/conductor-kernel/pkg/errors"
)

// writeJSON marshals data as the response body, matching the teacher's
// httputil.WriteJSON idiom (internal/daemon/httputil).
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("httpapi: failed to encode response", "error", err)
	}
}

// errorBody is the {error, message, details} shape every non-2xx
// response uses.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// writeError maps err to a status code via the pkg/errors taxonomy and
// writes the standard error body. A type not in the taxonomy maps to
// 500, matching the teacher's daemon/api fallback of "unrecognized
// error is an internal error".
func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

// writeErrorStatus writes a caller-chosen status with a fixed message,
// used for request-shape problems (bad JSON, missing fields) that never
// reach a typed kernel error.
func writeErrorStatus(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func classify(err error) (int, string) {
	var notFound *kernelerrors.NotFoundError
	var validation *kernelerrors.ValidationError
	var concurrency *kernelerrors.ConcurrencyError
	var boundary *kernelerrors.BoundaryViolationError
	var timeout *kernelerrors.TimeoutError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &validation):
		return http.StatusBadRequest, "validation_error"
	case errors.As(err, &concurrency):
		return http.StatusPreconditionFailed, "concurrency_error"
	case errors.As(err, &boundary):
		return http.StatusConflict, "boundary_violation"
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
