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

package kernel

import (
	"fmt"
	"log/slog"
)

// RebuildFromLog reads every event for runID and replays it into a fresh
// RunState. It is the canonical way to recover state after a crash or to
// verify the cached snapshot.
func (s *Store) RebuildFromLog(runID RunId) (*RunState, error) {
	events, err := s.ReadEvents(runID)
	if err != nil {
		return nil, fmt.Errorf("reading events for %s: %w", runID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no events found for run %s", runID)
	}
	return Rebuild(runID, events), nil
}

// LoadAuthoritative returns the state a resuming run should actually use:
// the replayed state, trusted over the cached snapshot whenever they
// disagree (spec §4.2, §7.7 — "the orchestrator prefers rebuilt state when
// they disagree"). The stored snapshot is only ever used as an
// optimization to skip the cost of a full replay when it matches.
func (s *Store) LoadAuthoritative(runID RunId, log *slog.Logger) (*RunState, error) {
	rebuilt, err := s.RebuildFromLog(runID)
	if err != nil {
		return nil, err
	}

	stored, err := s.ReadRunState(runID)
	if err != nil {
		if log != nil {
			log.Warn("failed to read cached run_state.json, using rebuilt state", "run_id", runID, "error", err)
		}
		return rebuilt, nil
	}
	if stored == nil {
		return rebuilt, nil
	}

	if !rebuilt.Comparable().Equal(stored.Comparable()) {
		if log != nil {
			log.Warn("stored run_state.json diverged from event log; using rebuilt state", "run_id", runID)
		}
		return rebuilt, nil
	}
	return stored, nil
}
