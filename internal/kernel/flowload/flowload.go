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

// Package flowload is the thin YAML adapter spec §1 calls out as an
// external collaborator ("the YAML spec/flow/template catalog"): it
// reads flow graphs off disk into flowspec.FlowSpec and can hot-reload
// a directory of them into a live flowspec.Registry. Grounded on the
// teacher's internal/config.Load (gopkg.in/yaml.v3, env-before-default
// precedence) for the YAML decoding idiom and on
// internal/controller/filewatcher for the fsnotify hot-reload idiom.
package flowload

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/conductor-kernel/internal/kernel"
	"github.com/tombee/conductor-kernel/internal/kernel/flowspec"
	"github.com/tombee/conductor-kernel/internal/kernel/schemagen"
	"github.com/tombee/conductor-kernel/pkg/workflow"

	"github.com/fsnotify/fsnotify"
)

// fileStep is the on-disk shape of one flow step, a near-direct copy
// of flowspec.StepSpec kept as its own type so YAML tags don't leak
// into the compiled in-memory struct.
type fileStep struct {
	ID              string         `yaml:"id"`
	AgentKey        string         `yaml:"agent_key"`
	Prompt          string         `yaml:"prompt"`
	AllowedTools    []string       `yaml:"allowed_tools"`
	EnvelopeSchema  map[string]any `yaml:"envelope_schema"`
	RoutingSchema   map[string]any `yaml:"routing_schema"`
	RoutingConfig   map[string]any `yaml:"routing_config"`
	MaxIterations   int            `yaml:"max_iterations"`
	SuccessStatuses []string       `yaml:"success_statuses"`
	Permissions     *workflow.PermissionDefinition `yaml:"permissions"`
}

// fileFlow is the on-disk shape of one flow.
type fileFlow struct {
	Key    string     `yaml:"key"`
	Index  int        `yaml:"index"`
	IsSDLC bool       `yaml:"is_sdlc"`
	Steps  []fileStep `yaml:"steps"`
}

// defaultEnvelopeSchema is reflected once and reused by every step that
// doesn't name its own envelope_schema in YAML.
var defaultEnvelopeSchema = schemagen.MustHandoffEnvelopeSchema()

func compile(f fileFlow) flowspec.FlowSpec {
	steps := make([]flowspec.StepSpec, 0, len(f.Steps))
	for _, s := range f.Steps {
		schema := s.EnvelopeSchema
		if schema == nil {
			schema = defaultEnvelopeSchema
		}
		successStatuses := s.SuccessStatuses
		if len(successStatuses) == 0 {
			successStatuses = []string{string(kernel.EnvelopeSucceeded), string(kernel.EnvelopeVerified)}
		}
		maxIter := s.MaxIterations
		if maxIter <= 0 {
			maxIter = 3
		}
		steps = append(steps, flowspec.StepSpec{
			ID:              kernel.StepId(s.ID),
			AgentKey:        s.AgentKey,
			Prompt:          s.Prompt,
			AllowedTools:    s.AllowedTools,
			EnvelopeSchema:  schema,
			RoutingSchema:   s.RoutingSchema,
			RoutingConfig:   s.RoutingConfig,
			MaxIterations:   maxIter,
			SuccessStatuses: successStatuses,
			Permissions:     s.Permissions,
		})
	}
	return flowspec.FlowSpec{
		Key:    kernel.FlowKey(f.Key),
		Index:  f.Index,
		IsSDLC: f.IsSDLC,
		Steps:  steps,
	}
}

// LoadFile parses one YAML flow file into a compiled FlowSpec.
func LoadFile(path string) (flowspec.FlowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return flowspec.FlowSpec{}, fmt.Errorf("flowload: reading %s: %w", path, err)
	}
	var f fileFlow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return flowspec.FlowSpec{}, fmt.Errorf("flowload: parsing %s: %w", path, err)
	}
	if f.Key == "" {
		f.Key = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return compile(f), nil
}

// LoadDir reads every *.yaml/*.yml file in dir (non-recursive) into a
// sorted-by-filename slice of compiled FlowSpecs. A missing directory
// is not an error: it returns an empty slice, the safe default for a
// process that relies entirely on DefaultFlows().
func LoadDir(dir string) ([]flowspec.FlowSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flowload: listing %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	flows := make([]flowspec.FlowSpec, 0, len(names))
	for _, name := range names {
		f, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, nil
}

// Watch installs an fsnotify watch on dir and reloads any changed flow
// file into registry on Write/Create events, logging and skipping a
// file that fails to parse rather than tearing down the watch (a typo
// in one flow file should never take every other flow offline). The
// returned closer stops the watch; callers should defer it.
func Watch(dir string, registry *flowspec.Registry, log *slog.Logger) (func() error, error) {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("flowload: creating watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		if os.IsNotExist(err) {
			// Nothing to watch yet; the caller can still Watch again
			// once the directory exists. Not fatal.
			return func() error { return nil }, nil
		}
		return nil, fmt.Errorf("flowload: watching %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				ext := filepath.Ext(ev.Name)
				if ext != ".yaml" && ext != ".yml" {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				f, err := LoadFile(ev.Name)
				if err != nil {
					log.Warn("flow catalog hot-reload: failed to parse changed file, keeping previous version", "path", ev.Name, "error", err)
					continue
				}
				registry.Put(f)
				log.Info("flow catalog hot-reload: reloaded flow", "path", ev.Name, "flow_key", f.Key)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("flow catalog hot-reload: watcher error", "error", err)
			}
		}
	}()

	return watcher.Close, nil
}
