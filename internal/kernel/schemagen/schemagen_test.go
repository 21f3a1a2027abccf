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

package schemagen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor-kernel/internal/kernel"
	"github.com/tombee/conductor-kernel/internal/kernel/session"
)

func TestHandoffEnvelopeSchemaValidatesARealEnvelope(t *testing.T) {
	sch, err := HandoffEnvelopeSchema()
	require.NoError(t, err)
	assert.Equal(t, "object", sch["type"])

	envelope := map[string]any{
		"step_id":        "build-step-1",
		"flow_key":       "build",
		"run_id":         "build-20260101000000-abcdef01",
		"status":         "succeeded",
		"summary":        "did the thing",
		"routing_signal": map[string]any{"decision": "continue"},
	}
	errs := session.ValidateEnvelope(envelope, sch)
	assert.Empty(t, errs)
}

func TestNavigatorResponseSchemaIsAnObjectSchema(t *testing.T) {
	sch, err := NavigatorResponseSchema()
	require.NoError(t, err)
	assert.Equal(t, "object", sch["type"])
}

func TestMustHandoffEnvelopeSchemaDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = kernel.HandoffEnvelope{}
		_ = MustHandoffEnvelopeSchema()
	})
}
