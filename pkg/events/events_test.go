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

package events_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstat-io/orijs-go/pkg/events"
	"github.com/upstat-io/orijs-go/pkg/meta"
	"github.com/upstat-io/orijs-go/pkg/observability"
	"github.com/upstat-io/orijs-go/pkg/queue"
	"github.com/upstat-io/orijs-go/pkg/scheduler"
	"github.com/upstat-io/orijs-go/pkg/store"
	"github.com/upstat-io/orijs-go/pkg/tracker"
)

type fakeListener struct {
	events chan store.Event
}

func newFakeListener() *fakeListener { return &fakeListener{events: make(chan store.Event, 8)} }

func (f *fakeListener) WaitUntilReady(ctx context.Context) error { return nil }
func (f *fakeListener) Events() <-chan store.Event              { return f.events }
func (f *fakeListener) Close() error                             { return nil }

// fakeStore is a minimal in-memory store.Store exercising only what the
// Event Provider drives: job submission, worker registration, and a
// durable event stream the test pushes into directly.
type fakeStore struct {
	mu        sync.Mutex
	nextID    int
	failQueue map[string]error
	listeners map[string]*fakeListener
	handlers  map[string]store.Handler
	recurring map[string]map[string]store.RecurringSpec
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		failQueue: make(map[string]error),
		listeners: make(map[string]*fakeListener),
		handlers:  make(map[string]store.Handler),
		recurring: make(map[string]map[string]store.RecurringSpec),
	}
}

func (f *fakeStore) AddJob(ctx context.Context, queueName string, data any, opts store.JobOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failQueue[queueName]; ok {
		return "", err
	}
	f.nextID++
	if opts.JobID != "" {
		return opts.JobID, nil
	}
	return fmt.Sprintf("job-%d", f.nextID), nil
}

func (f *fakeStore) SubmitTree(ctx context.Context, root *store.JobSpec) (string, error) {
	return "job-root", nil
}

func (f *fakeStore) RegisterWorker(ctx context.Context, queueName string, opts store.WorkerOptions, handler store.Handler) (store.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[queueName] = handler
	return fakeWorker{}, nil
}

func (f *fakeStore) invokeHandler(ctx context.Context, queueName string, job *store.JobInfo) (any, error) {
	f.mu.Lock()
	h := f.handlers[queueName]
	f.mu.Unlock()
	return h(ctx, job)
}

func (f *fakeStore) FindJobByID(ctx context.Context, queueName, jobID string) (*store.JobInfo, error) {
	return nil, nil
}
func (f *fakeStore) GetChildrenValues(ctx context.Context, queueName, jobID string) (map[string]any, error) {
	return nil, nil
}

func (f *fakeStore) Subscribe(ctx context.Context, queueName string) (store.EventListener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.listeners[queueName]; ok {
		return l, nil
	}
	l := newFakeListener()
	f.listeners[queueName] = l
	return l, nil
}

func (f *fakeStore) ScheduleRecurring(ctx context.Context, queueName string, spec store.RecurringSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recurring[queueName] == nil {
		f.recurring[queueName] = make(map[string]store.RecurringSpec)
	}
	f.recurring[queueName][spec.ScheduleID] = spec
	return nil
}
func (f *fakeStore) UnscheduleRecurring(ctx context.Context, queueName, scheduleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recurring[queueName], scheduleID)
	return nil
}
func (f *fakeStore) ListRecurring(ctx context.Context, queueName string) ([]store.RecurringSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	specs := make([]store.RecurringSpec, 0, len(f.recurring[queueName]))
	for _, s := range f.recurring[queueName] {
		specs = append(specs, s)
	}
	return specs, nil
}

func (f *fakeStore) Set(ctx context.Context, key, value string, ttl time.Duration) error { return nil }
func (f *fakeStore) Get(ctx context.Context, key string) (string, bool, error)           { return "", false, nil }
func (f *fakeStore) Close() error                                                        { return nil }

type fakeWorker struct{}

func (fakeWorker) Close(ctx context.Context) error { return nil }

func newProvider(fs *fakeStore) *events.Provider {
	qm := queue.New(fs, nil)
	tr := tracker.New(qm)
	sm := scheduler.New(fs)
	return events.New(qm, tr, sm, 0, nil)
}

func TestEmit_ResolvesOnCompletedEvent(t *testing.T) {
	fs := newFakeStore()
	p := newProvider(fs)
	p.Start()
	ctx := context.Background()

	sub, err := p.Emit(ctx, "monitor.check", map[string]any{"monitorId": "mon-1"}, &meta.Propagation{CorrelationID: "outer"}, events.EmitOptions{})
	require.NoError(t, err)

	queueName := queue.EventQueueName("monitor.check")
	fs.mu.Lock()
	listener := fs.listeners[queueName]
	fs.mu.Unlock()
	require.NotNil(t, listener)

	listener.events <- store.Event{Type: store.EventCompleted, JobID: "job-1", ReturnValue: map[string]any{"ok": true}}

	result, err := sub.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result)
}

func TestEmit_SubmissionFailureFailsSubscriptionImmediately(t *testing.T) {
	fs := newFakeStore()
	queueName := queue.EventQueueName("monitor.check")
	fs.failQueue[queueName] = fmt.Errorf("backing store unavailable")
	p := newProvider(fs)
	p.Start()
	ctx := context.Background()

	sub, err := p.Emit(ctx, "monitor.check", nil, nil, events.EmitOptions{})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = sub.Wait(waitCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backing store unavailable")
}

func TestSubscribe_DecodesEnvelopeBeforeHandlerRuns(t *testing.T) {
	fs := newFakeStore()
	p := newProvider(fs)
	ctx := context.Background()

	var got *events.Envelope
	err := p.Subscribe(ctx, "monitor.check", func(ctx context.Context, envelope *events.Envelope) (any, error) {
		got = envelope
		return "handled", nil
	})
	require.NoError(t, err)

	queueName := queue.EventQueueName("monitor.check")
	envelope := events.Envelope{
		Version:       1,
		EventID:       "evt-1",
		EventName:     "monitor.check",
		Payload:       map[string]any{"monitorId": "mon-1"},
		CorrelationID: "corr-1",
	}
	data := map[string]any{
		"version":       float64(envelope.Version),
		"eventId":       envelope.EventID,
		"eventName":     envelope.EventName,
		"payload":       envelope.Payload,
		"correlationId": envelope.CorrelationID,
	}

	result, err := fs.invokeHandler(ctx, queueName, &store.JobInfo{ID: "job-1", QueueName: queueName, Data: data})
	require.NoError(t, err)
	assert.Equal(t, "handled", result)
	require.NotNil(t, got)
	assert.Equal(t, "monitor.check", got.EventName)
	assert.Equal(t, "corr-1", got.CorrelationID)
}

func TestEmit_WithTracerProviderStampsTraceContextOnPropagation(t *testing.T) {
	fs := newFakeStore()
	qm := queue.New(fs, nil)
	tr := tracker.New(qm)
	sm := scheduler.New(fs)

	provider, err := observability.NewOTelProvider("orijs-test")
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	p := events.New(qm, tr, sm, 0, provider)
	p.Start()
	ctx := context.Background()

	propagation := &meta.Propagation{CorrelationID: "outer"}
	sub, err := p.Emit(ctx, "monitor.check", map[string]any{"monitorId": "mon-1"}, propagation, events.EmitOptions{})
	require.NoError(t, err)
	_ = sub

	assert.NotEmpty(t, propagation.TraceID, "Emit must stamp a trace id when a tracer provider is wired in")
	assert.NotEmpty(t, propagation.SpanID, "Emit must stamp a span id when a tracer provider is wired in")
}

func TestScheduleEvent_DelegatesToSchedulerManager(t *testing.T) {
	fs := newFakeStore()
	p := newProvider(fs)
	ctx := context.Background()

	err := p.ScheduleEvent(ctx, "monitor.check", scheduler.Spec{ScheduleID: "every-minute", Interval: time.Minute})
	require.NoError(t, err)

	err = p.UnscheduleEvent(ctx, "monitor.check", "every-minute")
	require.NoError(t, err)
}

func TestStop_IsIdempotent(t *testing.T) {
	fs := newFakeStore()
	p := newProvider(fs)
	p.Start()
	ctx := context.Background()

	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Stop(ctx))
}
