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
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	kernelerrors "github.com/tombee/conductor-kernel/pkg/errors"
)

const markerFileName = ".shadow_fork"

const prePushHookBody = `#!/bin/sh
# Installed by conductor-kernel to block upstream publication while a
# shadow-fork run is in flight. Removed by AllowPush().
if [ -f "%s" ]; then
  echo "conductor-kernel: push blocked while shadow fork is active (%s)" >&2
  exit 1
fi
exit 0
`

// Marker is the on-disk record of an in-flight shadow fork, persisted at
// <repo>/.shadow_fork so a new process can reattach to the same run
// (spec §4.4 "Recovery").
type Marker struct {
	RunID          string    `json:"run_id"`
	ShadowBranch   string    `json:"shadow_branch"`
	OriginalBranch string    `json:"original_branch"`
	BaseBranch     string    `json:"base_branch"`
	CreatedAt      time.Time `json:"created_at"`
}

// ShadowForkWorkspace isolates a run's writes on a dedicated git branch so
// they never touch the caller's branch until explicitly promoted.
type ShadowForkWorkspace struct {
	repoRoot   string
	marker     Marker
	pushAllow  bool
	log        *slog.Logger
}

func markerPath(repoRoot string) string {
	return filepath.Join(repoRoot, markerFileName)
}

func hookPath(repoRoot string) (string, error) {
	out, err := runGit(context.Background(), repoRoot, "rev-parse", "--git-dir")
	if err != nil {
		return "", err
	}
	gitDir := out
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(repoRoot, gitDir)
	}
	return filepath.Join(gitDir, "hooks", "pre-push"), nil
}

// NewShadowForkWorkspace creates a new shadow branch off base for runID,
// or returns a ConcurrencyError if another run's marker is already present
// (spec §9 open-question decision: serialize, fail-fast — one shadow fork
// per repo root at a time).
func NewShadowForkWorkspace(ctx context.Context, repoRoot, runID string, log *slog.Logger) (*ShadowForkWorkspace, error) {
	if log == nil {
		log = slog.Default()
	}

	if existing, err := LoadShadowState(repoRoot); err == nil && existing != nil {
		if existing.marker.RunID != runID {
			return nil, &kernelerrors.ConcurrencyError{Resource: repoRoot, HeldBy: existing.marker.RunID}
		}
		return existing, nil
	}

	base, err := currentBranch(ctx, repoRoot)
	if err != nil {
		return nil, fmt.Errorf("determining base branch: %w", err)
	}
	if !branchExists(ctx, repoRoot, base) {
		return nil, fmt.Errorf("base branch %q does not exist", base)
	}

	if dirty, _, _ := hasUncommittedChanges(ctx, repoRoot); dirty {
		log.Warn("creating shadow fork over uncommitted changes", "repo_root", repoRoot, "base_branch", base)
	}

	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	shadowBranch := fmt.Sprintf("shadow/%s-%s", time.Now().UTC().Format("20060102150405"), hex.EncodeToString(suffix))

	if _, err := runGit(ctx, repoRoot, "checkout", "-b", shadowBranch, base); err != nil {
		return nil, fmt.Errorf("creating shadow branch: %w", err)
	}

	w := &ShadowForkWorkspace{
		repoRoot: repoRoot,
		marker: Marker{
			RunID: runID, ShadowBranch: shadowBranch, OriginalBranch: base,
			BaseBranch: base, CreatedAt: time.Now().UTC(),
		},
		log: log,
	}

	if err := w.installPrePushHook(); err != nil {
		return nil, fmt.Errorf("installing pre-push hook: %w", err)
	}
	if err := w.writeMarker(); err != nil {
		return nil, fmt.Errorf("writing shadow fork marker: %w", err)
	}

	return w, nil
}

// LoadShadowState reconstructs a ShadowForkWorkspace from the marker file
// so a new process can continue the same run without re-creating the
// branch.
func LoadShadowState(repoRoot string) (*ShadowForkWorkspace, error) {
	data, err := os.ReadFile(markerPath(repoRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing shadow fork marker: %w", err)
	}
	return &ShadowForkWorkspace{repoRoot: repoRoot, marker: m, log: slog.Default()}, nil
}

func (w *ShadowForkWorkspace) writeMarker() error {
	data, err := json.MarshalIndent(w.marker, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(markerPath(w.repoRoot), data, 0o644)
}

func (w *ShadowForkWorkspace) installPrePushHook() error {
	path, err := hookPath(w.repoRoot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	body := fmt.Sprintf(prePushHookBody, markerPath(w.repoRoot), w.marker.ShadowBranch)
	return os.WriteFile(path, []byte(body), 0o755)
}

func (w *ShadowForkWorkspace) Root() string    { return w.repoRoot }
func (w *ShadowForkWorkspace) RunBase() string { return w.repoRoot }
func (w *ShadowForkWorkspace) IsShadow() bool  { return true }

// ShadowBranch returns the branch name this workspace isolates writes on.
func (w *ShadowForkWorkspace) ShadowBranch() string { return w.marker.ShadowBranch }

func (w *ShadowForkWorkspace) SnapshotForensics(ctx context.Context) (ForensicSnapshot, error) {
	branch, _ := currentBranch(ctx, w.repoRoot)
	sha, _ := headSHA(ctx, w.repoRoot)
	dirty, status, _ := hasUncommittedChanges(ctx, w.repoRoot)
	behind, diverged := upstreamDivergence(ctx, w.repoRoot)

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

// CommitCheckpoint stages everything and commits, returning the new HEAD
// SHA. It is idempotent: if there is nothing to commit, it simply returns
// the current HEAD.
func (w *ShadowForkWorkspace) CommitCheckpoint(ctx context.Context, msg string) (string, error) {
	if dirty, _, _ := hasUncommittedChanges(ctx, w.repoRoot); !dirty {
		return headSHA(ctx, w.repoRoot)
	}
	if _, err := runGit(ctx, w.repoRoot, "add", "-A"); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}
	if _, err := runGit(ctx, w.repoRoot, "commit", "-m", msg); err != nil {
		return "", fmt.Errorf("committing checkpoint: %w", err)
	}
	return headSHA(ctx, w.repoRoot)
}

// RollbackTo hard-resets the shadow branch to sha.
func (w *ShadowForkWorkspace) RollbackTo(ctx context.Context, sha string) error {
	_, err := runGit(ctx, w.repoRoot, "reset", "--hard", sha)
	return err
}

// AllowPush removes the pre-push hook so a later Promote/BridgeToMain may
// push the result upstream.
func (w *ShadowForkWorkspace) AllowPush() error {
	path, err := hookPath(w.repoRoot)
	if err != nil {
		return err
	}
	w.pushAllow = true
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// BridgeToMain checks out the base branch and merges the shadow branch
// into it. Requires a prior call to AllowPush; otherwise it refuses,
// matching the hook's own refusal to push while the marker is present.
func (w *ShadowForkWorkspace) BridgeToMain(ctx context.Context) (bool, error) {
	if !w.pushAllow {
		return false, fmt.Errorf("push not allowed: call AllowPush first")
	}
	if _, err := runGit(ctx, w.repoRoot, "checkout", w.marker.BaseBranch); err != nil {
		return false, fmt.Errorf("checking out base branch: %w", err)
	}
	if _, err := runGit(ctx, w.repoRoot, "merge", "--no-ff", w.marker.ShadowBranch); err != nil {
		return false, fmt.Errorf("merging shadow branch: %w", err)
	}
	return true, nil
}

// Promote is the Workspace-interface form of BridgeToMain: it commits any
// outstanding changes first, then merges to base.
func (w *ShadowForkWorkspace) Promote(ctx context.Context, commitMsg string) (bool, error) {
	if _, err := w.CommitCheckpoint(ctx, commitMsg); err != nil {
		return false, err
	}
	if err := w.AllowPush(); err != nil {
		return false, err
	}
	return w.BridgeToMain(ctx)
}

// Cleanup switches back to the original branch, deletes the shadow branch
// (unless preserveOnSuccess and success are both true) and removes the
// marker file.
func (w *ShadowForkWorkspace) Cleanup(ctx context.Context, success bool) error {
	return w.cleanup(ctx, success, false)
}

// CleanupPreservingBranch behaves like Cleanup but keeps the shadow branch
// around when the run succeeded, for forensic inspection.
func (w *ShadowForkWorkspace) CleanupPreservingBranch(ctx context.Context, success bool) error {
	return w.cleanup(ctx, success, true)
}

func (w *ShadowForkWorkspace) cleanup(ctx context.Context, success, preserveOnSuccess bool) error {
	if _, err := runGit(ctx, w.repoRoot, "checkout", w.marker.OriginalBranch); err != nil {
		w.log.Warn("failed to switch back to original branch during cleanup", "branch", w.marker.OriginalBranch, "error", err)
	}

	keepBranch := preserveOnSuccess && success
	if !keepBranch {
		if _, err := runGit(ctx, w.repoRoot, "branch", "-D", w.marker.ShadowBranch); err != nil {
			w.log.Warn("failed to delete shadow branch during cleanup", "branch", w.marker.ShadowBranch, "error", err)
		}
	}

	if path, err := hookPath(w.repoRoot); err == nil {
		_ = os.Remove(path)
	}

	err := os.Remove(markerPath(w.repoRoot))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
