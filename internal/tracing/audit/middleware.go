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

package audit

import (
	"net/http"
	"strings"
)

// Middleware creates an HTTP middleware that logs mutating access to
// kerneld's /v1/runs control surface. The trustedProxies parameter
// specifies IP addresses from which X-Forwarded-For headers are
// trusted.
func Middleware(logger *Logger, trustedProxies []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := extractUserID(r)
			ipAddress := extractIPAddress(r, trustedProxies)

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			action := determineAction(r.Method, r.URL.Path)
			if action == "" {
				return
			}

			result := determineResult(wrapped.statusCode)

			entry := Entry{
				UserID:    userID,
				Action:    action,
				Resource:  r.URL.Path,
				Result:    result,
				IPAddress: ipAddress,
				UserAgent: r.UserAgent(),
			}

			_ = logger.Log(entry)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// extractUserID reads the caller identity kernelctl sends on mutating
// requests. kerneld has no authentication layer of its own, so this is
// advisory bookkeeping rather than an enforced identity.
func extractUserID(r *http.Request) string {
	if id := r.Header.Get("X-Kernel-User"); id != "" {
		return id
	}
	return "anonymous"
}

// extractIPAddress gets the client IP address from the request.
// The trustedProxies parameter specifies IPs from which X-Forwarded-For is trusted.
func extractIPAddress(r *http.Request, trustedProxies []string) string {
	remoteIP := r.RemoteAddr
	if idx := strings.LastIndex(remoteIP, ":"); idx != -1 {
		remoteIP = remoteIP[:idx]
	}

	isTrusted := false
	for _, proxy := range trustedProxies {
		if proxy == remoteIP {
			isTrusted = true
			break
		}
	}

	if isTrusted {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				return strings.TrimSpace(parts[0])
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	return remoteIP
}

// determineAction maps HTTP method and path to an audit action over
// kerneld's /v1/runs surface. Only mutating verbs are audited; GET
// (list/get/events) is not.
func determineAction(method, path string) Action {
	if method != "POST" && method != "DELETE" {
		return ""
	}
	if !strings.HasPrefix(path, "/v1/runs") {
		return ""
	}

	switch {
	case method == "DELETE":
		return ActionRunCancel
	case strings.HasSuffix(path, "/pause"):
		return ActionRunPause
	case strings.HasSuffix(path, "/resume"):
		return ActionRunResume
	case strings.HasSuffix(path, "/interrupt"):
		return ActionRunInterrupt
	case path == "/v1/runs":
		return ActionRunStart
	default:
		return ""
	}
}

// determineResult maps HTTP status code to audit result
func determineResult(statusCode int) Result {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ResultSuccess
	case statusCode == http.StatusUnauthorized:
		return ResultUnauthorized
	case statusCode == http.StatusForbidden:
		return ResultForbidden
	case statusCode == http.StatusNotFound:
		return ResultNotFound
	default:
		return ResultError
	}
}
