/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package env_test

import (
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/env"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

func TestGetEnvBool(t *testing.T) {
	logger := testr.New(t).V(logging.VERBOSE)

	t.Setenv("TEST_BOOL", "true")
	assert.True(t, env.GetEnvBool("TEST_BOOL", false, logger))

	t.Setenv("TEST_BOOL", "maybe")
	assert.True(t, env.GetEnvBool("TEST_BOOL", true, logger))

	assert.False(t, env.GetEnvBool("TEST_BOOL_MISSING", false, logger))
}

func TestGetEnvDurations(t *testing.T) {
	logger := testr.New(t)

	tests := []struct {
		name     string
		value    string
		seconds  bool
		expected time.Duration
	}{
		{name: "go duration", value: "1m30s", expected: 90 * time.Second},
		{name: "invalid go duration", value: "soon", expected: time.Second},
		{name: "seconds", value: "2.5", seconds: true, expected: 2500 * time.Millisecond},
		{name: "negative seconds", value: "-1", seconds: true, expected: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			var got time.Duration
			if tt.seconds {
				got = env.GetEnvSeconds("TEST_DURATION", time.Second, logger)
			} else {
				got = env.GetEnvDuration("TEST_DURATION", time.Second, logger)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	logger := testr.New(t)

	t.Setenv("TEST_INT", "7")
	assert.Equal(t, 7, env.GetEnvInt("TEST_INT", 1, logger))

	t.Setenv("TEST_INT", "seven")
	assert.Equal(t, 1, env.GetEnvInt("TEST_INT", 1, logger))
}

func TestGetEnvListAndMap(t *testing.T) {
	logger := testr.New(t)

	t.Setenv("TEST_LIST", " redis-0:6379, ,redis-1:6379 ")
	assert.Equal(t, []string{"redis-0:6379", "redis-1:6379"}, env.GetEnvList("TEST_LIST", nil, logger))

	t.Setenv("TEST_MAP", "prefill-0=tcp://10.0.0.1:5600, prefill-1 = tcp://10.0.0.2:5600")
	assert.Equal(t, map[string]string{
		"prefill-0": "tcp://10.0.0.1:5600",
		"prefill-1": "tcp://10.0.0.2:5600",
	}, env.GetEnvMap("TEST_MAP", nil, logger))

	t.Setenv("TEST_MAP", "prefill-0")
	assert.Equal(t, map[string]string{"d": "x"}, env.GetEnvMap("TEST_MAP", map[string]string{"d": "x"}, logger))

	assert.Equal(t, "fallback", env.GetEnvString("TEST_STRING_MISSING", "fallback", logger))
}
