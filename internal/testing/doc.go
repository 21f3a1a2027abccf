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

// Package testing holds cross-cutting test helpers shared by this
// module's own test suites.
//
//   - integration: gating (CONDUCTOR_*_API_KEY / -short), per-provider
//     cost tracking, and fixture cleanup for the llm provider
//     integration tests in pkg/llm/providers/...
package testing
