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

	"github.com/tombee/conductor-kernel/internal/truncate"
	"github.com/tombee/conductor-kernel/pkg/tokenizer"
)

// truncateCodeToTokens shortens a source file to approximately
// targetTokens at block boundaries (imports plus whole functions/types)
// rather than an arbitrary byte offset, so a truncated Go/Python/JS/TS
// file handed to the model still parses as a sequence of complete
// declarations. Falls back to the byte-boundary search for languages
// with no registered parser.
func truncateCodeToTokens(content, lang string, counter tokenizer.Counter, targetTokens int) string {
	language := truncate.GetLanguage(lang)
	if language == nil {
		return truncateToTokens(content, counter, targetTokens)
	}

	lines := strings.Split(content, "\n")
	importEnd := language.DetectImportEnd(lines)
	if importEnd > len(lines) {
		importEnd = len(lines)
	}
	head := strings.Join(lines[:importEnd], "\n")
	if counter.Count(head) >= targetTokens {
		return truncateToTokens(content, counter, targetTokens)
	}

	single, multiOpen, multiClose := language.CommentSyntax()
	marker := elisionMarker(single, multiOpen, multiClose)

	var kept strings.Builder
	kept.WriteString(head)
	if importEnd > 0 {
		kept.WriteString("\n")
	}

	blocks := language.DetectBlocks(content)
	truncated := false
	for _, b := range blocks {
		if b.StartLine < importEnd {
			continue
		}
		end := b.EndLine + 1
		if end > len(lines) {
			end = len(lines)
		}
		if b.StartLine >= end {
			continue
		}
		blockText := strings.Join(lines[b.StartLine:end], "\n") + "\n"
		if counter.Count(kept.String()+blockText) > targetTokens {
			truncated = true
			break
		}
		kept.WriteString(blockText)
	}

	result := strings.TrimRight(kept.String(), "\n")
	if truncated {
		result += "\n" + marker
	}
	return result
}

// elisionMarker renders a language-appropriate comment announcing a
// truncation boundary, so the marker itself doesn't break the file's
// syntax for a language-aware reader.
func elisionMarker(single, multiOpen, multiClose string) string {
	switch {
	case single != "":
		return single + " [...truncated to fit context budget...]"
	case multiOpen != "" && multiClose != "":
		return multiOpen + " truncated to fit context budget " + multiClose
	default:
		return "[...truncated to fit context budget...]"
	}
}
