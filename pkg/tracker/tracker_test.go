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

package tracker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstat-io/orijs-go/pkg/store"
	"github.com/upstat-io/orijs-go/pkg/tracker"
)

type fakeListener struct {
	events chan store.Event
	mu     sync.Mutex
	closed bool
}

func newFakeListener() *fakeListener { return &fakeListener{events: make(chan store.Event, 8)} }

func (f *fakeListener) WaitUntilReady(ctx context.Context) error { return nil }
func (f *fakeListener) Events() <-chan store.Event              { return f.events }
func (f *fakeListener) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

type fakeSubscriber struct {
	listeners map[string]*fakeListener
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{listeners: make(map[string]*fakeListener)}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, queueName string) (store.EventListener, error) {
	if l, ok := f.listeners[queueName]; ok {
		return l, nil
	}
	l := newFakeListener()
	f.listeners[queueName] = l
	return l, nil
}

func TestTracker_CompleteSettlesSuccess(t *testing.T) {
	sub := newFakeSubscriber()
	tr := tracker.New(sub)
	ctx := context.Background()

	var got any
	done := make(chan struct{})
	require.NoError(t, tr.Register(ctx, "workflow.order", "corr-1", func(result any) {
		got = result
		close(done)
	}, func(err error) { t.Fatalf("unexpected error: %v", err) }, 0))

	tr.MapJobID("workflow.order", "job-1", "corr-1")
	sub.listeners["workflow.order"].events <- store.Event{Type: store.EventCompleted, JobID: "job-1", ReturnValue: 42}

	select {
	case <-done:
		assert.Equal(t, 42, got)
	case <-time.After(time.Second):
		t.Fatal("completion was not delivered")
	}
	assert.False(t, tr.HasPending("workflow.order", "corr-1"))
}

func TestTracker_FailSettlesError(t *testing.T) {
	sub := newFakeSubscriber()
	tr := tracker.New(sub)
	ctx := context.Background()

	done := make(chan struct{})
	var gotErr error
	require.NoError(t, tr.Register(ctx, "workflow.order", "corr-2", func(any) { t.Fatal("unexpected success") }, func(err error) {
		gotErr = err
		close(done)
	}, 0))

	tr.MapJobID("workflow.order", "job-2", "corr-2")
	sub.listeners["workflow.order"].events <- store.Event{Type: store.EventFailed, JobID: "job-2", FailedReason: "boom"}

	select {
	case <-done:
		require.Error(t, gotErr)
		assert.Contains(t, gotErr.Error(), "boom")
	case <-time.After(time.Second):
		t.Fatal("failure was not delivered")
	}
}

func TestTracker_TimeoutFiresWhenUnsettled(t *testing.T) {
	sub := newFakeSubscriber()
	tr := tracker.New(sub)
	ctx := context.Background()

	done := make(chan struct{})
	require.NoError(t, tr.Register(ctx, "workflow.order", "corr-3", func(any) { t.Fatal("unexpected success") }, func(err error) {
		close(done)
	}, 10*time.Millisecond))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestTracker_UnmappedJobIDIsSilentNoOp(t *testing.T) {
	sub := newFakeSubscriber()
	tr := tracker.New(sub)
	ctx := context.Background()

	require.NoError(t, tr.Register(ctx, "workflow.order", "corr-4", func(any) { t.Fatal("unexpected success") }, func(error) { t.Fatal("unexpected error") }, 0))

	sub.listeners["workflow.order"].events <- store.Event{Type: store.EventCompleted, JobID: "unrelated-job"}
	time.Sleep(50 * time.Millisecond)
	assert.True(t, tr.HasPending("workflow.order", "corr-4"))
}

func TestTracker_SingleSettlementUnderConcurrentSignals(t *testing.T) {
	sub := newFakeSubscriber()
	tr := tracker.New(sub)
	ctx := context.Background()

	var settleCount int
	var mu sync.Mutex
	done := make(chan struct{})
	onSettle := func() {
		mu.Lock()
		settleCount++
		n := settleCount
		mu.Unlock()
		if n == 1 {
			close(done)
		}
	}

	require.NoError(t, tr.Register(ctx, "workflow.order", "corr-5", func(any) { onSettle() }, func(error) { onSettle() }, 20*time.Millisecond))
	tr.MapJobID("workflow.order", "job-5", "corr-5")

	go func() { tr.Complete("workflow.order", "corr-5", "first") }()
	go func() { tr.Fail("workflow.order", "corr-5", assertErr("second")) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("no settlement observed")
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, settleCount)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
