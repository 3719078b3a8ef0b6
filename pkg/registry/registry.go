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

// Package registry is the in-process map from (workflow-name, step-name)
// to its execute function and optional rollback function (spec §4.1).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	orijserrors "github.com/upstat-io/orijs-go/pkg/errors"
	"github.com/upstat-io/orijs-go/pkg/meta"
)

// maxStepNameLength is the longest permitted step name.
const maxStepNameLength = 128

// stepNamePattern matches alphanumeric characters, underscores, and
// hyphens, starting with an alphanumeric character.
var stepNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// StepContext is presented to every execute-fn and rollback-fn (spec §6,
// "Workflow Context"). It embeds context.Context so step code can observe
// cancellation the same way as any other Go function taking a context.
type StepContext struct {
	context.Context

	// FlowID identifies the run this step belongs to.
	FlowID string

	// Data is the workflow's original input.
	Data any

	// Results holds every prior step's output, keyed by step name.
	Results map[string]any

	// Log is a logger pre-annotated with flow/step/provider context.
	Log *slog.Logger

	// Meta is the propagation record captured at execute()/emit() time.
	Meta *meta.Propagation

	// WorkflowName, StepName, and ProviderID identify this invocation.
	WorkflowName string
	StepName     string
	ProviderID   string
}

// Result returns the prior step named name, and whether it was found.
func (c *StepContext) Result(name string) (any, bool) {
	v, ok := c.Results[name]
	return v, ok
}

// GetString reads a string field from Data, which must be a
// map[string]any. Returns an error if Data is not a map, the key is
// absent, or the value is not a string.
func (c *StepContext) GetString(key string) (string, error) {
	m, ok := c.Data.(map[string]any)
	if !ok {
		return "", fmt.Errorf("step context data is not a map[string]any")
	}
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in step context data", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("key %q is not a string (got %T)", key, v)
	}
	return s, nil
}

// GetStringOr is GetString with a fallback on any error.
func (c *StepContext) GetStringOr(key, fallback string) string {
	s, err := c.GetString(key)
	if err != nil {
		return fallback
	}
	return s
}

// ExecuteFunc runs a registered step and returns its output or an error.
type ExecuteFunc func(ctx *StepContext) (any, error)

// RollbackFunc compensates for a step that has already completed, run in
// reverse completion order when a later step in the same flow fails.
type RollbackFunc func(ctx *StepContext) error

// entry holds one registered step's functions.
type entry struct {
	execute  ExecuteFunc
	rollback RollbackFunc
}

// Registry is the two-level step map. The zero value is not usable; use
// New.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]map[string]entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		steps: make(map[string]map[string]entry),
	}
}

// ValidateStepName checks the step-name constraints from spec §3: at most
// 128 characters, alphanumeric/underscore/hyphen, starting with an
// alphanumeric character, never beginning with the reserved "__" prefix.
func ValidateStepName(name string) error {
	if name == "" {
		return &orijserrors.InvalidStepNameError{StepName: name, Reason: "must not be empty"}
	}
	if len(name) > maxStepNameLength {
		return &orijserrors.InvalidStepNameError{StepName: name, Reason: "must be at most 128 characters"}
	}
	if len(name) >= 2 && name[0] == '_' && name[1] == '_' {
		return &orijserrors.InvalidStepNameError{StepName: name, Reason: "must not begin with the reserved __ prefix"}
	}
	if !stepNamePattern.MatchString(name) {
		return &orijserrors.InvalidStepNameError{
			StepName: name,
			Reason:   "must be alphanumeric with underscores/hyphens and start with an alphanumeric character",
		}
	}
	return nil
}

// Register installs execute (required) and rollback (optional, may be nil)
// for (workflowName, stepName). Re-registration silently overwrites the
// prior entry. Returns an error if stepName fails ValidateStepName.
func (r *Registry) Register(workflowName, stepName string, execute ExecuteFunc, rollback RollbackFunc) error {
	if err := ValidateStepName(stepName); err != nil {
		return err
	}
	if execute == nil {
		return &orijserrors.ValidationError{Field: "execute", Message: "execute function must not be nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.steps[workflowName] == nil {
		r.steps[workflowName] = make(map[string]entry)
	}
	r.steps[workflowName][stepName] = entry{execute: execute, rollback: rollback}
	return nil
}

// Get returns the execute-fn for (workflowName, stepName), or a
// *orijserrors.StepNotFoundError naming both.
func (r *Registry) Get(workflowName, stepName string) (ExecuteFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	steps, ok := r.steps[workflowName]
	if !ok {
		return nil, &orijserrors.StepNotFoundError{WorkflowName: workflowName, StepName: stepName}
	}
	e, ok := steps[stepName]
	if !ok {
		return nil, &orijserrors.StepNotFoundError{WorkflowName: workflowName, StepName: stepName}
	}
	return e.execute, nil
}

// GetRollback returns the rollback-fn for (workflowName, stepName). A nil
// function with a nil error means the step is registered but has no
// rollback — legal, meaning it is skipped during rollback sweeps (§4.1).
func (r *Registry) GetRollback(workflowName, stepName string) (RollbackFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	steps, ok := r.steps[workflowName]
	if !ok {
		return nil, &orijserrors.StepNotFoundError{WorkflowName: workflowName, StepName: stepName}
	}
	e, ok := steps[stepName]
	if !ok {
		return nil, &orijserrors.StepNotFoundError{WorkflowName: workflowName, StepName: stepName}
	}
	return e.rollback, nil
}

// Has reports whether (workflowName, stepName) is registered.
func (r *Registry) Has(workflowName, stepName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	steps, ok := r.steps[workflowName]
	if !ok {
		return false
	}
	_, ok = steps[stepName]
	return ok
}

// ListSteps returns every step name registered for workflowName, in no
// particular order.
func (r *Registry) ListSteps(workflowName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	steps, ok := r.steps[workflowName]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(steps))
	for name := range steps {
		names = append(names, name)
	}
	return names
}

// Clear removes every registered step for workflowName. If workflowName is
// empty, every workflow's steps are removed.
func (r *Registry) Clear(workflowName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if workflowName == "" {
		r.steps = make(map[string]map[string]entry)
		return
	}
	delete(r.steps, workflowName)
}
