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

// Package boundary scans a step's tool calls and workspace forensics for
// violations of the run's isolation boundary: writes outside the
// workspace, mutation of the real repo or its main branch from a shadow
// fork, secret exposure in tool output, and forced git operations.
package boundary

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/conductor-kernel/internal/kernel/workspace"
	"github.com/tombee/conductor-kernel/internal/permissions"
	kernelerrors "github.com/tombee/conductor-kernel/pkg/errors"
)

// ViolationType enumerates the boundary scanner's finding kinds.
type ViolationType string

const (
	WriteOutsideWorkspace ViolationType = "WRITE_OUTSIDE_WORKSPACE"
	RealRepoModification  ViolationType = "REAL_REPO_MODIFICATION"
	MainBranchMutation    ViolationType = "MAIN_BRANCH_MUTATION"
	SecretExposure        ViolationType = "SECRET_EXPOSURE"
	ForceOperation        ViolationType = "FORCE_OPERATION"
	PermissionDenied      ViolationType = "PERMISSION_DENIED"
)

// Severity classifies whether a Violation should abort the step or merely
// be recorded.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// Violation is a single boundary scanner finding.
type Violation struct {
	Type     ViolationType
	Severity Severity
	Path     string
	Detail   string
}

// MainBranches are branch names treated as protected regardless of the
// repo's configured default branch, matching common convention.
var MainBranches = []string{"main", "master", "trunk"}

// forceFlags are git/shell flags that indicate a forced, history-rewriting
// operation.
var forceFlags = regexp.MustCompile(`(^|\s)(--force\b|-f\b|--force-with-lease\b)`)

// secretPatterns recognizes common high-entropy credential shapes in tool
// output so they can be flagged before being persisted to a receipt or
// handoff envelope.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
}

// ToolCallInput is the subset of a tool invocation the scanner inspects.
type ToolCallInput struct {
	ToolName string
	Command  string // shell command text, if this is a shell-style tool call
	Paths    []string
	Output   string
	Host     string   // destination host, for network-capable tools
	Secrets  []string // secret names the call declares it is reading
}

// Scan inspects a single tool call against the active workspace and the
// step's declared capability boundary (perms may be nil for an
// unrestricted step) and returns every violation found, ordered by
// severity (block before warn).
func Scan(ws workspace.Workspace, realRepoRoot string, call ToolCallInput, perms *permissions.PermissionContext) []Violation {
	var violations []Violation

	for _, p := range call.Paths {
		if v, ok := checkWriteOutsideWorkspace(ws, p); ok {
			violations = append(violations, v)
		}
	}

	if ws.IsShadow() && realRepoRoot != "" {
		if v, ok := checkRealRepoModification(call, realRepoRoot); ok {
			violations = append(violations, v)
		}
	}

	if v, ok := checkMainBranchMutation(call); ok {
		violations = append(violations, v)
	}

	if v, ok := checkForceOperation(call); ok {
		violations = append(violations, v)
	}

	violations = append(violations, checkSecretExposure(call)...)
	violations = append(violations, checkPermissions(call, perms)...)

	return sortBySeverity(violations)
}

// checkPermissions runs the step's declared capability boundary
// (internal/permissions) over the call: tool allow/deny lists, path
// read/write globs, declared secret access, and destination host. A nil
// perms runs no checks, the same permissive default
// permissions.NewPermissionContext(nil) would produce.
func checkPermissions(call ToolCallInput, perms *permissions.PermissionContext) []Violation {
	if perms == nil {
		return nil
	}

	var violations []Violation
	asViolation := func(err error) {
		if err == nil {
			return
		}
		violations = append(violations, Violation{
			Type: PermissionDenied, Severity: SeverityBlock,
			Path: call.ToolName, Detail: err.Error(),
		})
	}

	asViolation(permissions.CheckTool(perms, call.ToolName))
	for _, p := range call.Paths {
		asViolation(permissions.CheckPathWrite(perms, p))
	}
	for _, s := range call.Secrets {
		asViolation(permissions.CheckSecret(perms, s))
	}
	if call.Host != "" {
		asViolation(permissions.CheckNetwork(context.Background(), perms, call.Host))
	}

	return violations
}

func checkWriteOutsideWorkspace(ws workspace.Workspace, path string) (Violation, bool) {
	root := filepath.Clean(ws.RunBase())
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return Violation{
			Type: WriteOutsideWorkspace, Severity: SeverityBlock, Path: path,
			Detail: "path resolves outside the workspace root " + root,
		}, true
	}
	return Violation{}, false
}

func checkRealRepoModification(call ToolCallInput, realRepoRoot string) (Violation, bool) {
	realRepoRoot = filepath.Clean(realRepoRoot)
	for _, p := range call.Paths {
		abs := p
		if !filepath.IsAbs(abs) {
			continue
		}
		if matched, _ := doublestar.Match(filepath.ToSlash(realRepoRoot)+"/**", filepath.ToSlash(filepath.Clean(abs))); matched {
			return Violation{
				Type: RealRepoModification, Severity: SeverityBlock, Path: p,
				Detail: "shadow-fork run wrote directly into the real repo checkout",
			}, true
		}
	}
	if call.Command != "" && strings.Contains(call.Command, realRepoRoot) {
		return Violation{
			Type: RealRepoModification, Severity: SeverityBlock, Path: realRepoRoot,
			Detail: "command references the real repo checkout from within a shadow fork",
		}, true
	}
	return Violation{}, false
}

func checkMainBranchMutation(call ToolCallInput) (Violation, bool) {
	if call.Command == "" {
		return Violation{}, false
	}
	fields := strings.Fields(call.Command)
	if len(fields) == 0 || fields[0] != "git" {
		return Violation{}, false
	}
	isMutating := false
	for _, sub := range []string{"commit", "push", "merge", "rebase", "reset"} {
		for _, f := range fields[1:] {
			if f == sub {
				isMutating = true
			}
		}
	}
	if !isMutating {
		return Violation{}, false
	}
	for _, branch := range MainBranches {
		if containsBranchRef(fields, branch) {
			return Violation{
				Type: MainBranchMutation, Severity: SeverityBlock, Path: branch,
				Detail: "command mutates protected branch " + branch,
			}, true
		}
	}
	return Violation{}, false
}

func containsBranchRef(fields []string, branch string) bool {
	for _, f := range fields {
		if f == branch || strings.HasSuffix(f, "/"+branch) || strings.HasPrefix(f, branch+"...") {
			return true
		}
	}
	return false
}

func checkForceOperation(call ToolCallInput) (Violation, bool) {
	if call.Command == "" {
		return Violation{}, false
	}
	if forceFlags.MatchString(call.Command) {
		return Violation{
			Type: ForceOperation, Severity: SeverityWarn, Path: call.ToolName,
			Detail: "command includes a force flag: " + call.Command,
		}, true
	}
	return Violation{}, false
}

func checkSecretExposure(call ToolCallInput) []Violation {
	var found []Violation
	for _, pattern := range secretPatterns {
		if loc := pattern.FindString(call.Output); loc != "" {
			found = append(found, Violation{
				Type: SecretExposure, Severity: SeverityBlock, Path: call.ToolName,
				Detail: "tool output matches a credential pattern and was redacted",
			})
		}
	}
	return found
}

func sortBySeverity(vs []Violation) []Violation {
	blocked := make([]Violation, 0, len(vs))
	warned := make([]Violation, 0, len(vs))
	for _, v := range vs {
		if v.Severity == SeverityBlock {
			blocked = append(blocked, v)
		} else {
			warned = append(warned, v)
		}
	}
	return append(blocked, warned...)
}

// HasBlocking reports whether any violation in vs is severity block.
func HasBlocking(vs []Violation) bool {
	for _, v := range vs {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// ToError converts a blocking Violation into the kernel's typed error so
// callers can abort a step with a single error value.
func ToError(v Violation) *kernelerrors.BoundaryViolationError {
	return &kernelerrors.BoundaryViolationError{
		Type: string(v.Type), Severity: string(v.Severity), Path: v.Path, Detail: v.Detail,
	}
}

// RedactSecrets replaces any recognized credential substring in s with a
// placeholder, for use before a tool's raw output is persisted.
func RedactSecrets(s string) string {
	out := s
	for _, pattern := range secretPatterns {
		out = pattern.ReplaceAllString(out, "[REDACTED]")
	}
	return out
}
