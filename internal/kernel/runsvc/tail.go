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

package runsvc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/conductor-kernel/internal/kernel"
)

// TailedEvent is one line read off a run's event log, tagged with the
// byte offset immediately after it so a disconnected SSE client can
// resume from where it left off via Last-Event-ID.
type TailedEvent struct {
	Offset int64
	Event  kernel.Event
}

// TailEvents streams events.jsonl starting at fromOffset (0 for the
// beginning of the log) until ctx is canceled or the run reaches a
// terminal status. New lines are picked up via fsnotify on the run
// directory (the file may not exist yet at subscribe time, e.g. a
// pending run) with a timer fallback so a watch gap never wedges the
// stream, mirroring the teacher's Runner.Subscribe channel-per-watcher
// shape but reading from the durable log instead of an in-memory buffer
// so a reconnect after a process restart still replays correctly.
func (sup *Supervisor) TailEvents(ctx context.Context, runID kernel.RunId, fromOffset int64) (<-chan TailedEvent, error) {
	path := sup.cfg.Store.EventsPath(runID)
	out := make(chan TailedEvent, 64)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("runsvc: creating event watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("runsvc: preparing run dir for watch: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("runsvc: watching run dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		defer close(out)

		offset := fromOffset
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		drain := func() bool {
			newOffset, events, err := readEventsFrom(path, offset)
			if err != nil {
				sup.log.Warn("runsvc: tailing event log failed", "run_id", runID, "error", err)
				return true
			}
			for _, te := range events {
				select {
				case out <- te:
				case <-ctx.Done():
					return true
				}
			}
			offset = newOffset
			return !sup.IsActive(runID) && len(events) == 0
		}

		if drain() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-watcher.Events:
				if drain() {
					return
				}
			case <-ticker.C:
				if drain() {
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				sup.log.Warn("runsvc: event watcher error", "run_id", runID, "error", err)
			}
		}
	}()

	return out, nil
}

// readEventsFrom reads every complete line in path starting at offset,
// returning the offset immediately after the last complete line read (a
// trailing partial line, from a write still in flight, is left for the
// next poll rather than treated as corrupt).
func readEventsFrom(path string, offset int64) (int64, []TailedEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return offset, nil, nil
		}
		return offset, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return offset, nil, fmt.Errorf("seeking %s: %w", path, err)
	}

	reader := bufio.NewReader(f)
	var events []TailedEvent
	pos := offset
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			pos += int64(len(line))
			var ev kernel.Event
			if jsonErr := json.Unmarshal(line[:len(line)-1], &ev); jsonErr == nil {
				events = append(events, TailedEvent{Offset: pos, Event: ev})
			}
		}
		if err != nil {
			break
		}
	}
	return pos, events, nil
}
