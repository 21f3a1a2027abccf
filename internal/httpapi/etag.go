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

package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// etagFor computes the concurrency-control ETag for v: the first 16 hex
// characters of the SHA-256 digest of v's canonical JSON encoding, per
// the If-Match/412 protocol a PATCH endpoint enforces against a stale
// read. Returns a weak placeholder if v fails to marshal, which should
// not happen for any of this package's own response types.
func etagFor(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `"0000000000000000"`
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(sum[:])[:16])
}
