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

package workspace

import (
	"context"
	"time"
)

// RealWorkspace operates directly on the caller's checkout with no
// isolation. It is selected for the "deploy" flow, where a run is
// expected to affect the real repository.
type RealWorkspace struct {
	root string
}

// NewRealWorkspace wraps repoRoot as an unisolated workspace.
func NewRealWorkspace(repoRoot string) *RealWorkspace {
	return &RealWorkspace{root: repoRoot}
}

func (w *RealWorkspace) Root() string    { return w.root }
func (w *RealWorkspace) RunBase() string { return w.root }
func (w *RealWorkspace) IsShadow() bool  { return false }

func (w *RealWorkspace) SnapshotForensics(ctx context.Context) (ForensicSnapshot, error) {
	branch, _ := currentBranch(ctx, w.root)
	sha, _ := headSHA(ctx, w.root)
	dirty, status, _ := hasUncommittedChanges(ctx, w.root)
	behind, diverged := upstreamDivergence(ctx, w.root)

	snap := ForensicSnapshot{
		TakenAt:        time.Now().UTC(),
		Branch:         branch,
		HeadSHA:        sha,
		StatusOutput:   status,
		BehindUpstream: behind,
		Diverged:       diverged,
	}
	if dirty {
		snap.ChangedPaths = changedPaths(status)
	}
	return snap, nil
}

// Promote is a no-op for RealWorkspace: there is nothing to merge back,
// the run already wrote directly to the real branch.
func (w *RealWorkspace) Promote(ctx context.Context, commitMsg string) (bool, error) {
	return false, nil
}

// Cleanup is a no-op: RealWorkspace owns nothing that needs releasing.
func (w *RealWorkspace) Cleanup(ctx context.Context, success bool) error {
	return nil
}
