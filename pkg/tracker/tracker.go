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

// Package tracker implements the Completion Tracker (spec §4.5): a
// per-queue durable-event listener that settles caller-side latches by
// correlation id and enforces per-call timeouts.
package tracker

import (
	"context"
	"sync"
	"time"

	orijserrors "github.com/upstat-io/orijs-go/pkg/errors"
	"github.com/upstat-io/orijs-go/pkg/store"
)

// pendingKey identifies one waiting caller.
type pendingKey struct {
	queue         string
	correlationID string
}

type jobKey struct {
	queue string
	jobID string
}

// entry is one registered pending latch.
type entry struct {
	onSuccess func(result any)
	onError   func(err error)
	timer     *time.Timer
	settled   bool
}

// Tracker is the Completion Tracker.
type Tracker struct {
	storeHandle storeSubscriber

	mu                 sync.Mutex
	pending            map[pendingKey]*entry
	jobIDToCorrelation map[jobKey]string
	listeners          map[string]store.EventListener
	listenerDone       chan struct{}
	wg                 sync.WaitGroup
}

// storeSubscriber is the slice of store.Store the tracker needs; declared
// narrowly so callers can pass a queue.Manager or a store.Store directly.
type storeSubscriber interface {
	Subscribe(ctx context.Context, queueName string) (store.EventListener, error)
}

// New constructs a Tracker over a subscriber (typically *queue.Manager or
// a store.Store).
func New(subscriber storeSubscriber) *Tracker {
	return &Tracker{
		storeHandle:        subscriber,
		pending:            make(map[pendingKey]*entry),
		jobIDToCorrelation: make(map[jobKey]string),
		listeners:          make(map[string]store.EventListener),
	}
}

// ensureListener lazily subscribes to queueName's durable event stream and
// waits until it is ready, so a fast-completing job cannot be missed
// between registration and the first read (spec §4.5).
func (t *Tracker) ensureListener(ctx context.Context, queueName string) error {
	t.mu.Lock()
	if _, ok := t.listeners[queueName]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	listener, err := t.storeHandle.Subscribe(ctx, queueName)
	if err != nil {
		return err
	}
	if err := listener.WaitUntilReady(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	if _, ok := t.listeners[queueName]; ok {
		t.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	t.listeners[queueName] = listener
	t.mu.Unlock()

	t.wg.Add(1)
	go t.consume(queueName, listener)
	return nil
}

func (t *Tracker) consume(queueName string, listener store.EventListener) {
	defer t.wg.Done()
	for evt := range listener.Events() {
		correlationID, ok := t.GetCorrelationID(queueName, evt.JobID)
		if !ok {
			// The signal belongs to another instance, or to a call this
			// instance never registered a latch for. Silent no-op.
			continue
		}
		if evt.Type == store.EventCompleted {
			t.complete(queueName, correlationID, evt.ReturnValue)
		} else {
			t.fail(queueName, correlationID, &orijserrors.StepFailureError{
				WorkflowName: queueName,
				StepName:     evt.JobID,
				Cause:        failureReason(evt.FailedReason),
			})
		}
	}
}

type failureReason string

func (f failureReason) Error() string { return string(f) }

// Register installs a pending entry for (queue, correlationID). If
// timeout > 0, a one-shot timer calls Fail with a Timeout error when it
// fires. Register also ensures the queue's durable-event listener exists.
func (t *Tracker) Register(ctx context.Context, queueName, correlationID string, onSuccess func(any), onError func(error), timeout time.Duration) error {
	if err := t.ensureListener(ctx, queueName); err != nil {
		return err
	}

	e := &entry{onSuccess: onSuccess, onError: onError}
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() {
			t.fail(queueName, correlationID, &orijserrors.TimeoutError{
				Operation: "await " + correlationID,
				Duration:  timeout,
			})
		})
	}

	t.mu.Lock()
	t.pending[pendingKey{queueName, correlationID}] = e
	t.mu.Unlock()
	return nil
}

// MapJobID records the job-id <-> correlation-id link used when durable
// events deliver only the job id.
func (t *Tracker) MapJobID(queueName, jobID, correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobIDToCorrelation[jobKey{queueName, jobID}] = correlationID
}

// GetCorrelationID resolves a job id to its correlation id, if any
// instance of this tracker registered one.
func (t *Tracker) GetCorrelationID(queueName, jobID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.jobIDToCorrelation[jobKey{queueName, jobID}]
	return id, ok
}

// HasPending reports whether a pending entry exists for (queue, correlationID).
func (t *Tracker) HasPending(queueName, correlationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[pendingKey{queueName, correlationID}]
	return ok
}

// complete atomically settles a pending entry with a success result.
func (t *Tracker) complete(queueName, correlationID string, result any) {
	e := t.settle(queueName, correlationID)
	if e != nil && e.onSuccess != nil {
		e.onSuccess(result)
	}
}

// Complete is the exported form of complete, for callers (e.g. the
// Workflow Provider's root worker) settling latches directly rather than
// through a durable event.
func (t *Tracker) Complete(queueName, correlationID string, result any) {
	t.complete(queueName, correlationID, result)
}

func (t *Tracker) fail(queueName, correlationID string, err error) {
	e := t.settle(queueName, correlationID)
	if e != nil && e.onError != nil {
		e.onError(err)
	}
}

// Fail is the exported form of fail.
func (t *Tracker) Fail(queueName, correlationID string, err error) {
	t.fail(queueName, correlationID, err)
}

// settle atomically flips the settled flag and removes the pending and
// job-id-mapping entries, returning the entry for exactly one caller.
// Every subsequent caller for the same key observes nil.
func (t *Tracker) settle(queueName, correlationID string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := pendingKey{queueName, correlationID}
	e, ok := t.pending[key]
	if !ok || e.settled {
		return nil
	}
	e.settled = true
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.pending, key)
	for jk, cid := range t.jobIDToCorrelation {
		if jk.queue == queueName && cid == correlationID {
			delete(t.jobIDToCorrelation, jk)
		}
	}
	return e
}

// Stop closes every durable-event listener.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	listeners := make([]store.EventListener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.listeners = make(map[string]store.EventListener)
	t.mu.Unlock()

	var firstErr error
	for _, l := range listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.wg.Wait()
	return firstErr
}
