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

// Package tokenizer counts tokens for context-budget accounting. It
// prefers a real BPE tokenizer and falls back to a length heuristic when
// one isn't available for the requested encoding.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens in a string.
type Counter interface {
	Count(s string) int
}

// bpeCounter wraps a tiktoken-go encoding.
type bpeCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *bpeCounter) Count(s string) int {
	return len(c.enc.Encode(s, nil, nil))
}

// fallbackCounter approximates token count as len(s)/4, the conventional
// English-text heuristic used when no BPE encoding is available.
type fallbackCounter struct{}

func (fallbackCounter) Count(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

var (
	mu    sync.Mutex
	cache = map[string]Counter{}
)

// ForModel returns a Counter for the named model's encoding (e.g.
// "gpt-4", "claude"), falling back to a length heuristic if tiktoken-go
// has no encoding registered for it. Counters are cached per model name
// since building an encoding is not free.
func ForModel(model string) Counter {
	mu.Lock()
	defer mu.Unlock()

	if c, ok := cache[model]; ok {
		return c
	}

	enc, err := tiktoken.EncodingForModel(model)
	var c Counter
	if err != nil {
		c = fallbackCounter{}
	} else {
		c = &bpeCounter{enc: enc}
	}
	cache[model] = c
	return c
}

// Fallback returns the length-heuristic counter directly, for callers
// that never want a network-fetched BPE vocabulary (e.g. pure unit
// tests, or an offline daemon start).
func Fallback() Counter {
	return fallbackCounter{}
}
