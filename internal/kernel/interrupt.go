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
	"os"
	"time"
)

// InterruptState is persisted when a run is killed by SIGINT/SIGTERM so a
// later process can resume cleanly. It is cleared once the run resumes
// successfully.
type InterruptState struct {
	InterruptedAt     time.Time `json:"interrupted_at"`
	StepID            StepId    `json:"step_id"`
	FlowKey           FlowKey   `json:"flow_key"`
	PartialWork       string    `json:"partial_work,omitempty"`
	ArtifactsFlushed  []string  `json:"artifacts_flushed,omitempty"`
	CanResumeCleanly  bool      `json:"can_resume_cleanly"`
}

// WriteInterruptState persists the interrupt marker for runID. Per spec
// §4.3, this is the last thing a process does before exiting with
// 128+signum on SIGINT/SIGTERM.
func (s *Store) WriteInterruptState(runID RunId, st InterruptState) error {
	return writeJSONAtomic(s.InterruptStatePath(runID), st)
}

// ReadInterruptState returns the interrupt marker if present, nil
// otherwise. Its presence seeds the next resume decision.
func (s *Store) ReadInterruptState(runID RunId) (*InterruptState, error) {
	var st InterruptState
	ok, err := readJSON(s.InterruptStatePath(runID), &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

// ClearInterruptState removes the interrupt marker on a successful resume.
func (s *Store) ClearInterruptState(runID RunId) error {
	err := os.Remove(s.InterruptStatePath(runID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SignalExitCode is the POSIX convention the engine uses when a run
// process exits due to an interrupt signal: 128+signum.
func SignalExitCode(signum int) int {
	return 128 + signum
}
