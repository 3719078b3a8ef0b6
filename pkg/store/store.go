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

// Package store declares the backing store contract consumed by the
// Queue Manager, Completion Tracker, and Scheduled Event Manager
// (spec §6). The queue primitive itself is treated as an external
// collaborator; this package states only the interfaces the core needs.
package store

import (
	"context"
	"time"
)

// JobState mirrors the backing store's job lifecycle states.
type JobState string

const (
	JobStateCompleted       JobState = "completed"
	JobStateFailed          JobState = "failed"
	JobStateActive          JobState = "active"
	JobStateWaiting         JobState = "waiting"
	JobStateWaitingChildren JobState = "waiting-children"
	JobStateDelayed         JobState = "delayed"
	JobStateUnknown         JobState = "unknown"
)

// Backoff describes a retry backoff policy.
type Backoff struct {
	// Type is "exponential" or "fixed".
	Type string

	// BaseDelay is the base delay used by the backoff calculation.
	BaseDelay time.Duration
}

// JobOptions configures a single job submission.
type JobOptions struct {
	// JobID, if set, makes this submission idempotent: a duplicate JobID
	// while the prior job is still in flight is rejected (or coalesced,
	// depending on implementation) rather than accepted as a new job.
	JobID string

	// Delay postpones the job becoming eligible to run.
	Delay time.Duration

	// Attempts is the maximum number of attempts (including the first).
	Attempts int

	// BackoffPolicy governs the delay between retry attempts.
	BackoffPolicy Backoff

	// FailParentOnFailure cascades this job's failure to its parent in a
	// dependent-job tree.
	FailParentOnFailure bool
}

// JobSpec describes one node of a dependent-job tree to submit.
type JobSpec struct {
	// Name identifies the job within its tree (e.g. a step name, or the
	// synthetic "__parallel__:x,y,z" name).
	Name string

	// QueueName is the queue this node is submitted to.
	QueueName string

	// Data is the job's payload, opaque to the store.
	Data any

	// Opts configures this node's submission.
	Opts JobOptions

	// Children are submitted and must complete before this node becomes
	// eligible to run.
	Children []*JobSpec
}

// JobInfo is a snapshot of a job's stored state.
type JobInfo struct {
	ID           string
	QueueName    string
	Name         string
	Data         any
	State        JobState
	ReturnValue  any
	FailedReason string
}

// WorkerOptions configures a registered worker.
type WorkerOptions struct {
	// Concurrency is how many jobs this worker processes at once.
	Concurrency int

	// StallInterval is the TTL of the per-job distributed lock; workers
	// must renew it below this cadence while processing (spec §5,
	// "Stall-lock discipline"). A minimum of 5s is enforced by callers.
	StallInterval time.Duration

	// LockDuration is the initial lock TTL granted on job pickup,
	// typically equal to StallInterval.
	LockDuration time.Duration
}

// Handler processes one job and returns its result or an error. Handlers
// must be safe to retry; the store does not guarantee exactly-once
// delivery.
type Handler func(ctx context.Context, job *JobInfo) (any, error)

// Worker is a handle to a running worker pool for one queue.
type Worker interface {
	// Close stops accepting new jobs and waits for in-flight jobs to
	// finish before returning.
	Close(ctx context.Context) error
}

// EventType distinguishes the two durable event kinds a queue emits.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is one entry from a queue's durable completed/failed stream.
type Event struct {
	Type         EventType
	JobID        string
	ReturnValue  any
	FailedReason string
}

// EventListener is a durable, per-queue subscription to completed/failed
// notifications. Any instance subscribed receives every event, regardless
// of which instance's worker produced it.
type EventListener interface {
	// WaitUntilReady blocks until the listener is actively consuming, so
	// a fast-completing job cannot be missed between registration and
	// the first read.
	WaitUntilReady(ctx context.Context) error

	// Events returns the channel events are delivered on. The channel is
	// closed when Close is called.
	Events() <-chan Event

	// Close stops the listener.
	Close() error
}

// RecurringSpec describes a recurring job registration.
type RecurringSpec struct {
	// ScheduleID uniquely identifies this registration within its queue.
	ScheduleID string

	// EventName is the event this registration fires. The store uses it
	// to stamp a fresh Event Message Envelope (eventName, a new event id,
	// a new correlation id, and the current timestamp) onto every firing,
	// rather than resubmitting a single frozen payload (spec §4.6).
	EventName string

	// CronExpr is a standard 5-field cron expression. Mutually exclusive
	// with Interval.
	CronExpr string

	// Interval is a fixed-period recurrence. Mutually exclusive with
	// CronExpr.
	Interval time.Duration

	// Data is the event's payload, carried unchanged across every firing.
	// It becomes the Payload field of the Event Message Envelope built
	// fresh on each tick, not the raw job data.
	Data any
}

// Store is the backing store contract consumed by the core (spec §6).
// An implementer must provide typed queues, dependent-job submission with
// completion cascading, a durable per-queue event stream, a recurring-job
// facility, and a small key/value facility for the flow registry.
type Store interface {
	// AddJob submits a single job (no dependents) to queueName.
	AddJob(ctx context.Context, queueName string, data any, opts JobOptions) (jobID string, err error)

	// SubmitTree submits a dependent-job tree rooted at root. The store
	// ensures a node enters the active state only after every child of
	// that node completes, and that FailParentOnFailure cascades a
	// failed child as a failed parent. Returns the root's job id.
	SubmitTree(ctx context.Context, root *JobSpec) (rootJobID string, err error)

	// RegisterWorker constructs (or returns the memoized) worker pool for
	// queueName, invoking handler for each job it processes.
	RegisterWorker(ctx context.Context, queueName string, opts WorkerOptions, handler Handler) (Worker, error)

	// FindJobByID looks up a job by id within queueName.
	FindJobByID(ctx context.Context, queueName, jobID string) (*JobInfo, error)

	// GetChildrenValues returns a map keyed by opaque child identifier to
	// that child's stored return value, for the job identified by
	// (queueName, jobID).
	GetChildrenValues(ctx context.Context, queueName, jobID string) (map[string]any, error)

	// Subscribe opens (or returns the memoized) durable event listener
	// for queueName.
	Subscribe(ctx context.Context, queueName string) (EventListener, error)

	// ScheduleRecurring registers a recurring job specification that the
	// store fires as ordinary jobs on queueName.
	ScheduleRecurring(ctx context.Context, queueName string, spec RecurringSpec) error

	// UnscheduleRecurring removes a recurring registration.
	UnscheduleRecurring(ctx context.Context, queueName, scheduleID string) error

	// ListRecurring returns every recurring registration for queueName.
	ListRecurring(ctx context.Context, queueName string) ([]RecurringSpec, error)

	// Set stores value under key with a TTL (0 disables expiry). Used by
	// the flow registry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get reads the value stored under key, and whether it was found.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Close releases every resource the store holds: workers, listeners,
	// and the underlying client connection.
	Close() error
}
