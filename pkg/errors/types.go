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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "flow", "schedule")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "queuePrefix", "stallInterval")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents generic operation timeouts not covered by the
// more specific WorkflowTimeoutError/StepTimeoutError kinds below.
type TimeoutError struct {
	// Operation describes what timed out
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// NotStartedError is returned when an operation is attempted on a provider
// that has not had start() called yet.
type NotStartedError struct {
	// Provider names the facade that was not started (e.g., "workflow", "event").
	Provider string
}

// Error implements the error interface.
func (e *NotStartedError) Error() string {
	return fmt.Sprintf("%s provider has not been started", e.Provider)
}

// ErrorType implements ErrorClassifier.
func (e *NotStartedError) ErrorType() string { return "not_started" }

// IsRetryable implements ErrorClassifier. Retrying without calling start()
// first will not help.
func (e *NotStartedError) IsRetryable() bool { return false }

// NotRegisteredError is returned when execute() is called for a workflow
// name that has no consumer or emitter registration.
type NotRegisteredError struct {
	// WorkflowName is the unregistered workflow.
	WorkflowName string
}

// Error implements the error interface.
func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("workflow %q is not registered as a consumer or emitter", e.WorkflowName)
}

// ErrorType implements ErrorClassifier.
func (e *NotRegisteredError) ErrorType() string { return "not_registered" }

// IsRetryable implements ErrorClassifier.
func (e *NotRegisteredError) IsRetryable() bool { return false }

// InvalidStepNameError is returned when a step name fails the naming
// constraints enforced at registration time: alphanumeric with underscores
// and hyphens, starting with an alphanumeric character, never beginning
// with the reserved "__" prefix, and at most 128 characters.
type InvalidStepNameError struct {
	// StepName is the name that failed validation.
	StepName string

	// Reason explains which constraint was violated.
	Reason string
}

// Error implements the error interface.
func (e *InvalidStepNameError) Error() string {
	return fmt.Sprintf("invalid step name %q: %s", e.StepName, e.Reason)
}

// ErrorType implements ErrorClassifier.
func (e *InvalidStepNameError) ErrorType() string { return "invalid_step_name" }

// IsRetryable implements ErrorClassifier.
func (e *InvalidStepNameError) IsRetryable() bool { return false }

// StepNotFoundError is returned by the step registry when a (workflow,
// step) pair has no registered execute function.
type StepNotFoundError struct {
	// WorkflowName names the workflow the lookup was scoped to.
	WorkflowName string

	// StepName is the step that was not found.
	StepName string
}

// Error implements the error interface.
func (e *StepNotFoundError) Error() string {
	return fmt.Sprintf("step %q not found in workflow %q", e.StepName, e.WorkflowName)
}

// ErrorType implements ErrorClassifier.
func (e *StepNotFoundError) ErrorType() string { return "step_not_found" }

// IsRetryable implements ErrorClassifier.
func (e *StepNotFoundError) IsRetryable() bool { return false }

// StepFailureError wraps a step execute-fn failure. It carries the failing
// step name so the rollback engine and the caller can both name it without
// re-parsing the wrapped cause.
type StepFailureError struct {
	// WorkflowName is the workflow the step belongs to.
	WorkflowName string

	// StepName is the step whose execute-fn returned an error.
	StepName string

	// Cause is the error returned by the step's execute-fn.
	Cause error
}

// Error implements the error interface.
func (e *StepFailureError) Error() string {
	return fmt.Sprintf("step %q in workflow %q failed: %v", e.StepName, e.WorkflowName, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepFailureError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *StepFailureError) ErrorType() string { return "step_failure" }

// IsRetryable implements ErrorClassifier. A step failure may be transient;
// the backing store's retry policy (not this flag) governs redelivery.
func (e *StepFailureError) IsRetryable() bool { return true }

// StepTimeoutError is returned when a step execute-fn (or a parallel-group
// member) does not complete within the configured step timeout.
type StepTimeoutError struct {
	// WorkflowName is the workflow the step belongs to.
	WorkflowName string

	// StepName is the step that exceeded its timeout.
	StepName string

	// Timeout is the configured step timeout that elapsed.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q in workflow %q timed out after %v", e.StepName, e.WorkflowName, e.Timeout)
}

// ErrorType implements ErrorClassifier.
func (e *StepTimeoutError) ErrorType() string { return "step_timeout" }

// IsRetryable implements ErrorClassifier.
func (e *StepTimeoutError) IsRetryable() bool { return true }

// WorkflowTimeoutError is delivered to a caller's pending latch when the
// caller-side timeout elapses without a near-miss completion found in the
// backing store.
type WorkflowTimeoutError struct {
	// WorkflowName is the workflow that timed out.
	WorkflowName string

	// FlowID is the run that timed out.
	FlowID string

	// Timeout is the effective timeout (base + stall interval) that elapsed.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *WorkflowTimeoutError) Error() string {
	return fmt.Sprintf("workflow %q flow %s timed out after %v", e.WorkflowName, e.FlowID, e.Timeout)
}

// ErrorType implements ErrorClassifier.
func (e *WorkflowTimeoutError) ErrorType() string { return "workflow_timeout" }

// IsRetryable implements ErrorClassifier.
func (e *WorkflowTimeoutError) IsRetryable() bool { return true }

// EmitterConsumerMismatchError is returned by the root workflow worker when
// the definition declares step groups but the flattened children map came
// back empty — the emitter that submitted the job tree disagreed with this
// consumer about the workflow's step plan.
type EmitterConsumerMismatchError struct {
	// WorkflowName is the workflow whose emitter and consumer disagreed.
	WorkflowName string
}

// Error implements the error interface.
func (e *EmitterConsumerMismatchError) Error() string {
	return fmt.Sprintf("workflow %q: emitter expected step children but consumer found none", e.WorkflowName)
}

// ErrorType implements ErrorClassifier.
func (e *EmitterConsumerMismatchError) ErrorType() string { return "emitter_consumer_mismatch" }

// IsRetryable implements ErrorClassifier.
func (e *EmitterConsumerMismatchError) IsRetryable() bool { return false }

// DuplicateError represents a suppressed idempotency-key collision: a
// second submission under a key already in flight. It is never surfaced to
// callers directly (per the error-handling design it is suppressed) but is
// defined so internal logging can name the condition precisely.
type DuplicateError struct {
	// Key is the idempotency key that collided.
	Key string
}

// Error implements the error interface.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate submission suppressed for idempotency key %q", e.Key)
}

// ErrorType implements ErrorClassifier.
func (e *DuplicateError) ErrorType() string { return "duplicate" }

// IsRetryable implements ErrorClassifier.
func (e *DuplicateError) IsRetryable() bool { return false }

// BackingStoreUnavailableError represents a connection failure to the
// backing store. During an orderly shutdown window this is suppressed
// (logged at debug) rather than surfaced; outside that window it is
// surfaced to the caller.
type BackingStoreUnavailableError struct {
	// Operation names what was being attempted when the connection failed.
	Operation string

	// Cause is the underlying connection error.
	Cause error

	// DuringShutdown records whether this occurred in the suppressed
	// shutdown window, for logging callers that need to decide verbosity.
	DuringShutdown bool
}

// Error implements the error interface.
func (e *BackingStoreUnavailableError) Error() string {
	return fmt.Sprintf("backing store unavailable during %s: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *BackingStoreUnavailableError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *BackingStoreUnavailableError) ErrorType() string { return "backing_store_unavailable" }

// IsRetryable implements ErrorClassifier.
func (e *BackingStoreUnavailableError) IsRetryable() bool { return !e.DuringShutdown }
