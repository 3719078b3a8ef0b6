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

// Package orijs collects the configuration shared by every component of
// the engine.
package orijs

import (
	"time"

	orijserrors "github.com/upstat-io/orijs-go/pkg/errors"
	"github.com/upstat-io/orijs-go/pkg/store"
)

// minStallInterval is the floor enforced by Config.Validate and by the
// Queue Manager's worker construction (spec §4.4, §5).
const minStallInterval = 5 * time.Second

// Config collects every configuration field the spec lists (§6). All
// fields are optional; DefaultConfig returns the documented defaults.
type Config struct {
	// QueuePrefix namespaces every queue name this process creates.
	QueuePrefix string

	// DefaultTimeout is the default workflow/event wait timeout. Zero
	// disables the timeout in a Config used as is; Validate replaces zero
	// with the 30s default.
	DefaultTimeout time.Duration

	// StallInterval is the TTL of the per-job distributed lock. Must be
	// at least 5s.
	StallInterval time.Duration

	// FlowStateCleanupDelay is how long a terminal flow-state entry
	// lingers in the local cache before deletion. Zero disables cleanup in
	// a Config used as is; Validate replaces zero with the 300s default.
	FlowStateCleanupDelay time.Duration

	// MaxFlowStates bounds the local flow-state cache; oldest entries
	// are evicted once this size is reached.
	MaxFlowStates int

	// StepTimeout wraps every step/parallel-member execution. Zero
	// disables it.
	StepTimeout time.Duration

	// ProviderID tags this process in logs and Workflow Context.
	ProviderID string

	// DefaultRetryAttempts is the retry attempt count merged into job
	// submissions that do not override it.
	DefaultRetryAttempts int

	// DefaultRetryBackoff is the retry backoff merged into job
	// submissions that do not override it.
	DefaultRetryBackoff store.Backoff
}

// DefaultConfig returns the spec's documented defaults (§6).
func DefaultConfig() Config {
	return Config{
		QueuePrefix:           "workflow",
		DefaultTimeout:        30 * time.Second,
		StallInterval:         minStallInterval,
		FlowStateCleanupDelay: 300 * time.Second,
		MaxFlowStates:         10_000,
		StepTimeout:           0,
		ProviderID:            "",
		DefaultRetryAttempts:  3,
		DefaultRetryBackoff:   store.Backoff{Type: "exponential", BaseDelay: time.Second},
	}
}

// Validate fills in any zero-valued field from DefaultConfig and enforces
// the StallInterval >= 5s constraint (§4.4).
func (c *Config) Validate() error {
	defaults := DefaultConfig()

	if c.QueuePrefix == "" {
		c.QueuePrefix = defaults.QueuePrefix
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = defaults.DefaultTimeout
	}
	if c.StallInterval == 0 {
		c.StallInterval = defaults.StallInterval
	}
	if c.StallInterval < minStallInterval {
		return &orijserrors.ConfigError{
			Key:    "stallInterval",
			Reason: "must be at least 5s to avoid false stall detection under normal GC pauses and network jitter",
		}
	}
	if c.FlowStateCleanupDelay == 0 {
		c.FlowStateCleanupDelay = defaults.FlowStateCleanupDelay
	}
	if c.MaxFlowStates == 0 {
		c.MaxFlowStates = defaults.MaxFlowStates
	}
	if c.DefaultRetryAttempts == 0 {
		c.DefaultRetryAttempts = defaults.DefaultRetryAttempts
	}
	if c.DefaultRetryBackoff.Type == "" {
		c.DefaultRetryBackoff = defaults.DefaultRetryBackoff
	}

	return nil
}
