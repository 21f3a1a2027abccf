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

// Package workspace implements run-scoped workspace isolation: a shadow
// git branch that a run writes to so its changes never touch the caller's
// working branch until explicitly promoted, plus the real (un-isolated)
// workspace used by the deploy flow.
package workspace

import (
	"context"
	"time"
)

// ForensicSnapshot captures enough of a workspace's git state to drive the
// boundary scanner and the detour matcher's structured match.
type ForensicSnapshot struct {
	TakenAt        time.Time
	Branch         string
	HeadSHA        string
	StatusOutput   string // `git status --porcelain`
	ChangedPaths   []string
	DiffStat       string
	BehindUpstream int
	Diverged       bool
}

// Workspace is the boundary every step operates inside.
type Workspace interface {
	// Root is the path to use for all file operations in this step.
	Root() string

	// SnapshotForensics captures git status, diff stats, branch and
	// upstream divergence.
	SnapshotForensics(ctx context.Context) (ForensicSnapshot, error)

	// Promote merges the workspace's writes back to the base, if
	// meaningful for this workspace kind (a no-op, returning false, for
	// RealWorkspace).
	Promote(ctx context.Context, commitMsg string) (bool, error)

	// Cleanup releases the workspace. success indicates whether the run
	// completed successfully, which may affect whether artifacts are
	// preserved.
	Cleanup(ctx context.Context, success bool) error

	// IsShadow reports whether this workspace isolates writes on a
	// shadow branch.
	IsShadow() bool

	// RunBase is the directory the owning run considers its root
	// (independent of git branch), used for forensic/relative-path
	// comparisons by the boundary scanner.
	RunBase() string
}

// ForFlow selects the workspace kind per spec §4.4: "deploy" flow uses
// RealWorkspace; every other flow is isolated on a shadow fork unless the
// caller overrides the choice.
func ForFlow(flow string, repoRoot string) (string, bool) {
	if flow == "deploy" {
		return "real", false
	}
	return "shadow", true
}
