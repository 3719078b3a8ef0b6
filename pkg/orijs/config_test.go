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

package orijs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orijserrors "github.com/upstat-io/orijs-go/pkg/errors"
	"github.com/upstat-io/orijs-go/pkg/orijs"
)

func TestValidate_FillsDefaults(t *testing.T) {
	cfg := orijs.Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "workflow", cfg.QueuePrefix)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 5*time.Second, cfg.StallInterval)
	assert.Equal(t, 300*time.Second, cfg.FlowStateCleanupDelay)
	assert.Equal(t, 10_000, cfg.MaxFlowStates)
	assert.Equal(t, 3, cfg.DefaultRetryAttempts)
	assert.Equal(t, "exponential", cfg.DefaultRetryBackoff.Type)
}

func TestValidate_RejectsStallIntervalBelowFloor(t *testing.T) {
	cfg := orijs.Config{StallInterval: time.Second}
	err := cfg.Validate()
	require.Error(t, err)

	var configErr *orijserrors.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "stallInterval", configErr.Key)
}

func TestValidate_PreservesExplicitValues(t *testing.T) {
	cfg := orijs.Config{QueuePrefix: "custom", StallInterval: 10 * time.Second}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "custom", cfg.QueuePrefix)
	assert.Equal(t, 10*time.Second, cfg.StallInterval)
}
