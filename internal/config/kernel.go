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

package config

import (
	"fmt"
	"os"
	"strconv"

	conductorerrors "github.com/tombee/conductor-kernel/pkg/errors"
	"gopkg.in/yaml.v3"
)

// KernelConfig configures cmd/kerneld, the orchestration kernel's own
// daemon entrypoint. It is deliberately a separate, much smaller struct
// than Config: the kernel has no controller/daemon/distributed surface
// of its own, only a run store, an HTTP listener, a flow catalog
// directory, and the LLM provider it drives steps through.
type KernelConfig struct {
	// RunsRoot is the directory event-sourced run state is persisted
	// under (one subdirectory per run ID).
	RunsRoot string `yaml:"runs_root"`

	// FlowsDir is an optional directory of YAML flow definitions loaded
	// on top of the kernel's built-in SDLC + reset flows and hot-reloaded
	// while the process runs. Empty means built-ins only.
	FlowsDir string `yaml:"flows_dir,omitempty"`

	// DefaultRepoRoot is the repository a run operates against when its
	// start request does not name one.
	DefaultRepoRoot string `yaml:"default_repo_root"`

	// ListenAddr is the HTTP control-plane's bind address.
	ListenAddr string `yaml:"listen_addr"`

	// BudgetTokens is the context budget enforced per step (0 disables
	// enforcement).
	BudgetTokens int `yaml:"budget_tokens"`

	// Provider selects the pkg/llm provider driving every step's
	// transport (e.g. "claudecode", "anthropic", "openai", "ollama").
	Provider string `yaml:"provider"`

	// Model is the model identifier passed to the selected provider.
	Model string `yaml:"model"`

	// StrictRepoRoot mirrors the Utility Flow Injector's
	// STRICT_REPO_ROOT environment toggle into config so it can be set
	// from a config file instead of the environment where that's more
	// convenient for deployment tooling.
	StrictRepoRoot bool `yaml:"strict_repo_root,omitempty"`
}

// DefaultKernel returns a KernelConfig usable with no config file at
// all: a local runs directory, an ephemeral default repo root, and the
// claudecode provider, the same "works with zero setup" default the
// teacher's Default() gives Config.
func DefaultKernel() *KernelConfig {
	return &KernelConfig{
		RunsRoot:        "./runs",
		DefaultRepoRoot: ".",
		ListenAddr:      ":8088",
		BudgetTokens:    120_000,
		Provider:        "claudecode",
		Model:           "claude-sonnet-4-5",
	}
}

// LoadKernel reads configPath (if non-empty and present) over
// DefaultKernel, applies environment overrides, and validates the
// result, following Load's file-then-env-then-validate precedence.
func LoadKernel(configPath string) (*KernelConfig, error) {
	cfg := DefaultKernel()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, &conductorerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to read %s", configPath),
				Cause:  err,
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &conductorerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to parse %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, &conductorerrors.ConfigError{
			Key:    "validation",
			Reason: "kernel configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

func (c *KernelConfig) loadFromEnv() {
	if v := os.Getenv("KERNEL_RUNS_ROOT"); v != "" {
		c.RunsRoot = v
	}
	if v := os.Getenv("KERNEL_FLOWS_DIR"); v != "" {
		c.FlowsDir = v
	}
	if v := os.Getenv("KERNEL_DEFAULT_REPO_ROOT"); v != "" {
		c.DefaultRepoRoot = v
	}
	if v := os.Getenv("KERNEL_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("KERNEL_BUDGET_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BudgetTokens = n
		}
	}
	if v := os.Getenv("KERNEL_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("KERNEL_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("STRICT_REPO_ROOT"); v != "" {
		c.StrictRepoRoot = v == "1" || v == "true"
	}
}

func (c *KernelConfig) validate() error {
	if c.RunsRoot == "" {
		return fmt.Errorf("runs_root must not be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.Provider == "" {
		return fmt.Errorf("provider must not be empty")
	}
	if c.BudgetTokens < 0 {
		return fmt.Errorf("budget_tokens must not be negative")
	}
	return nil
}
