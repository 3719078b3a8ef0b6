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

// Package queue owns per-name queue handles and worker pools over the
// backing store, and hands out stable queue-name mappings (spec §4.4).
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/upstat-io/orijs-go/pkg/store"
)

// Metrics are the optional counters the Manager increments, following the
// teacher's opt-in MetricsCollector pattern: a nil Metrics disables
// collection entirely.
type Metrics struct {
	JobsSubmitted *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
}

// NewMetrics constructs and registers the standard counter set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orijs",
			Name:      "jobs_submitted_total",
			Help:      "Jobs submitted per queue.",
		}, []string{"queue"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orijs",
			Name:      "jobs_completed_total",
			Help:      "Jobs completed per queue.",
		}, []string{"queue"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orijs",
			Name:      "jobs_failed_total",
			Help:      "Jobs failed per queue.",
		}, []string{"queue"}),
	}
	reg.MustRegister(m.JobsSubmitted, m.JobsCompleted, m.JobsFailed)
	return m
}

// defaultRetryAttempts/defaultRetryBackoff are merged into a submission
// that does not override them (spec §4.4).
const defaultRetryAttempts = 3

var defaultRetryBackoff = store.Backoff{Type: "exponential", BaseDelay: time.Second}

const minStallInterval = 5 * time.Second

// Manager is the Queue Manager (spec §4.4).
type Manager struct {
	store   store.Store
	metrics *Metrics

	mu      sync.Mutex
	workers map[string]store.Worker
}

// New constructs a Manager over backingStore. metrics may be nil.
func New(backingStore store.Store, metrics *Metrics) *Manager {
	return &Manager{
		store:   backingStore,
		metrics: metrics,
		workers: make(map[string]store.Worker),
	}
}

// EventQueueName returns the canonical queue name for an event (spec §6).
func EventQueueName(eventName string) string {
	return fmt.Sprintf("event.%s", eventName)
}

// AddJob submits a job to name, merging the default retry policy unless
// opts already specifies one.
func (m *Manager) AddJob(ctx context.Context, name string, data any, opts store.JobOptions) (string, error) {
	opts = withDefaultRetry(opts)
	jobID, err := m.store.AddJob(ctx, name, data, opts)
	if err == nil && m.metrics != nil {
		m.metrics.JobsSubmitted.WithLabelValues(name).Inc()
	}
	return jobID, err
}

// SubmitTree submits a dependent-job tree, applying the default retry
// policy to any node that does not already specify one.
func (m *Manager) SubmitTree(ctx context.Context, root *store.JobSpec) (string, error) {
	applyDefaultRetry(root)
	jobID, err := m.store.SubmitTree(ctx, root)
	if err == nil && m.metrics != nil {
		m.metrics.JobsSubmitted.WithLabelValues(root.QueueName).Inc()
	}
	return jobID, err
}

func withDefaultRetry(opts store.JobOptions) store.JobOptions {
	if opts.Attempts == 0 {
		opts.Attempts = defaultRetryAttempts
	}
	if opts.BackoffPolicy.Type == "" {
		opts.BackoffPolicy = defaultRetryBackoff
	}
	return opts
}

func applyDefaultRetry(node *store.JobSpec) {
	node.Opts = withDefaultRetry(node.Opts)
	for _, child := range node.Children {
		applyDefaultRetry(child)
	}
}

// RegisterWorker constructs and memoizes a worker for name, invoking
// handler with the raw job object. Defaults: concurrency=1,
// stallInterval floor of 5s (spec §4.4, §5).
func (m *Manager) RegisterWorker(ctx context.Context, name string, opts store.WorkerOptions, handler store.Handler) (store.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.workers[name]; ok {
		return existing, nil
	}

	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.StallInterval < minStallInterval {
		opts.StallInterval = minStallInterval
	}

	wrapped := handler
	if m.metrics != nil {
		wrapped = func(ctx context.Context, job *store.JobInfo) (any, error) {
			result, err := handler(ctx, job)
			if err != nil {
				m.metrics.JobsFailed.WithLabelValues(name).Inc()
			} else {
				m.metrics.JobsCompleted.WithLabelValues(name).Inc()
			}
			return result, err
		}
	}

	w, err := m.store.RegisterWorker(ctx, name, opts, wrapped)
	if err != nil {
		return nil, err
	}
	m.workers[name] = w
	return w, nil
}

// FindJobByID looks up a job by id within queueName.
func (m *Manager) FindJobByID(ctx context.Context, queueName, jobID string) (*store.JobInfo, error) {
	return m.store.FindJobByID(ctx, queueName, jobID)
}

// GetChildrenValues returns the stored return values of jobID's children.
func (m *Manager) GetChildrenValues(ctx context.Context, queueName, jobID string) (map[string]any, error) {
	return m.store.GetChildrenValues(ctx, queueName, jobID)
}

// Subscribe opens a durable event listener for queueName.
func (m *Manager) Subscribe(ctx context.Context, queueName string) (store.EventListener, error) {
	return m.store.Subscribe(ctx, queueName)
}

// Stop closes every worker, then releases the manager's bookkeeping.
// Order matters: workers must stop consuming before anything closes the
// underlying queues (spec §4.4).
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	workers := make([]store.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]store.Worker)
	m.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		if err := w.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
