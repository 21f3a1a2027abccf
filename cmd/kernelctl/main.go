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

// Command kernelctl is a thin HTTP client for a running kerneld: start,
// list, inspect, pause/resume/interrupt/cancel a run, and tail its
// event stream. It owns no orchestration logic of its own, the same
// separation the teacher's cmd/conductor keeps from cmd/conductord by
// only ever talking to the daemon over its control-plane API.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kernelctl: "+err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:           "kernelctl",
		Short:         "Control a running orchestration kernel over its HTTP surface",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", envOr("KERNELCTL_ADDR", "http://localhost:8088"), "kerneld base URL")

	client := func() *apiClient { return &apiClient{baseURL: addr, http: &http.Client{Timeout: 30 * time.Second}} }

	root.AddCommand(
		newStartCmd(client),
		newListCmd(client),
		newGetCmd(client),
		newPauseCmd(client),
		newResumeCmd(client),
		newInterruptCmd(client),
		newCancelCmd(client),
		newEventsCmd(client),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// apiClient is a minimal JSON-over-HTTP client for kerneld's /v1 surface.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.baseURL, "/")+path, reqBody)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling kerneld: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("kerneld returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func newStartCmd(client func() *apiClient) *cobra.Command {
	var flowKey, repoRoot, runID string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flowKey == "" {
				return fmt.Errorf("--flow is required")
			}
			var out map[string]any
			err := client().do(http.MethodPost, "/v1/runs", map[string]any{
				"flow_key":  flowKey,
				"repo_root": repoRoot,
				"run_id":    runID,
			}, &out)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&flowKey, "flow", "", "flow key to start (required)")
	cmd.Flags().StringVar(&repoRoot, "repo-root", "", "repository root the run operates against")
	cmd.Flags().StringVar(&runID, "run-id", "", "explicit run ID (generated if omitted)")
	return cmd
}

func newListCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]any
			if err := client().do(http.MethodGet, "/v1/runs", nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newGetCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := client().do(http.MethodGet, "/v1/runs/"+args[0], nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newPauseCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <run-id>",
		Short: "Pause a run before its next step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().do(http.MethodPost, "/v1/runs/"+args[0]+"/pause", nil, nil)
		},
	}
}

func newResumeCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().do(http.MethodPost, "/v1/runs/"+args[0]+"/resume", nil, nil)
		},
	}
}

func newInterruptCmd(client func() *apiClient) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "interrupt <run-id>",
		Short: "Flag a run to pause at its next detour point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().do(http.MethodPost, "/v1/runs/"+args[0]+"/interrupt", map[string]any{"reason": reason}, nil)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why this run is being interrupted")
	return cmd
}

func newCancelCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().do(http.MethodDelete, "/v1/runs/"+args[0], nil, nil)
		},
	}
}

func newEventsCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Tail a run's server-sent event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			req, err := http.NewRequest(http.MethodGet, strings.TrimRight(c.baseURL, "/")+"/v1/runs/"+args[0]+"/events", nil)
			if err != nil {
				return err
			}
			req.Header.Set("Accept", "text/event-stream")
			resp, err := c.http.Do(req)
			if err != nil {
				return fmt.Errorf("calling kerneld: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				data, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("kerneld returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
			}

			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				fmt.Println(scanner.Text())
			}
			return scanner.Err()
		},
	}
}
