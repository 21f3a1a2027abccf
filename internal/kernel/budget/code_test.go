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

package budget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/conductor-kernel/pkg/tokenizer"
)

const goSource = `package example

import (
	"fmt"
)

func First() {
	fmt.Println("first")
}

func Second() {
	fmt.Println("second")
}

func Third() {
	fmt.Println("third")
}
`

func TestFitTruncatesGoCodeAtBlockBoundaries(t *testing.T) {
	counter := tokenizer.Fallback()
	items := []Item{
		{
			Key:         "file.go",
			Priority:    Medium,
			Content:     goSource,
			Truncatable: true,
			Language:    "go",
		},
	}

	result, report := Fit(items, counter, counter.Count(goSource)/2)

	content, kept := result["file.go"]
	assert.True(t, kept)
	assert.Less(t, len(content), len(goSource))
	assert.Contains(t, content, "package example")
	assert.Contains(t, content, "// [...truncated to fit context budget...]")

	var dec Decision
	for _, d := range report.Decisions {
		if d.Key == "file.go" {
			dec = d
		}
	}
	assert.True(t, dec.Truncated)
}

func TestTruncateCodeToTokensFallsBackForUnknownLanguage(t *testing.T) {
	counter := tokenizer.Fallback()
	content := strings.Repeat("w", 4000)

	got := truncateCodeToTokens(content, "cobol", counter, 10)

	assert.Equal(t, truncateToTokens(content, counter, 10), got)
}

func TestElisionMarkerPerLanguage(t *testing.T) {
	assert.Equal(t, "// [...truncated to fit context budget...]", elisionMarker("//", "/*", "*/"))
	assert.Equal(t, "/* truncated to fit context budget */", elisionMarker("", "/*", "*/"))
	assert.Equal(t, "[...truncated to fit context budget...]", elisionMarker("", "", ""))
}
