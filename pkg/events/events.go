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

// Package events implements the Event Provider (spec §4.7): the event-bus
// facade composing the Queue Manager, Completion Tracker, and Scheduled
// Event Manager.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	orijserrors "github.com/upstat-io/orijs-go/pkg/errors"
	"github.com/upstat-io/orijs-go/pkg/meta"
	"github.com/upstat-io/orijs-go/pkg/observability"
	"github.com/upstat-io/orijs-go/pkg/queue"
	"github.com/upstat-io/orijs-go/pkg/scheduler"
	"github.com/upstat-io/orijs-go/pkg/store"
	"github.com/upstat-io/orijs-go/pkg/tracker"
)

const envelopeVersion = 1

// Envelope is the Event Message Envelope (spec §3).
type Envelope struct {
	Version       int               `json:"version"`
	EventID       string            `json:"eventId"`
	EventName     string            `json:"eventName"`
	Payload       any               `json:"payload"`
	Meta          *meta.Propagation `json:"meta,omitempty"`
	CorrelationID string            `json:"correlationId"`
	CausationID   string            `json:"causationId,omitempty"`
	Timestamp     int64             `json:"timestamp"`
}

// Handler processes one event's payload and returns the value a
// request/response caller receives.
type Handler func(ctx context.Context, envelope *Envelope) (any, error)

// EmitOptions configures a single emit call.
type EmitOptions struct {
	Delay          time.Duration
	CausationID    string
	IdempotencyKey string
	// Timeout overrides the provider's default; nil means "use default",
	// a pointer to 0 disables the timeout for this call.
	Timeout *time.Duration
}

// Subscription is returned by Emit; it settles at most once (spec §4.7's
// guarantee).
type Subscription struct {
	CorrelationID string
	resultCh      chan any
	errCh         chan error
}

// Wait blocks until the subscription settles or ctx is done.
func (s *Subscription) Wait(ctx context.Context) (any, error) {
	select {
	case r := <-s.resultCh:
		return r, nil
	case err := <-s.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Provider is the Event Provider.
type Provider struct {
	queue     *queue.Manager
	tracker   *tracker.Tracker
	scheduler *scheduler.Manager
	tracer    observability.Tracer

	defaultTimeout time.Duration

	mu      sync.Mutex
	started bool
}

// New constructs a Provider composing the three collaborators. tracerProvider
// is optional; when non-nil, Emit opens a producer-kind span and Subscribe's
// dispatch opens a consumer-kind span, propagating the span's TraceContext
// through the emitted envelope's meta.traceId/meta.spanId (spec §9).
func New(queueManager *queue.Manager, completionTracker *tracker.Tracker, scheduledEvents *scheduler.Manager, defaultTimeout time.Duration, tracerProvider observability.TracerProvider) *Provider {
	p := &Provider{
		queue:          queueManager,
		tracker:        completionTracker,
		scheduler:      scheduledEvents,
		defaultTimeout: defaultTimeout,
	}
	if tracerProvider != nil {
		p.tracer = tracerProvider.Tracer("orijs.events")
	}
	return p
}

// Start marks the provider as started.
func (p *Provider) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
}

// Stop shuts the provider down in order: Queue Manager (workers drain,
// then queues close) -> Completion Tracker (listeners close only after
// workers are done). The Scheduled Event Manager holds no local resources
// (its schedules live in the backing store) and is not stopped here.
// Idempotent.
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.mu.Unlock()

	var firstErr error
	if err := p.queue.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := p.tracker.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Emit builds and submits an Event Message Envelope, registering the
// pending entry before submission so a fast-completing handler cannot be
// missed (spec §4.7).
func (p *Provider) Emit(ctx context.Context, eventName string, payload any, propagation *meta.Propagation, opts EmitOptions) (*Subscription, error) {
	queueName := queue.EventQueueName(eventName)
	correlationID := uuid.NewString()

	var span observability.SpanHandle
	if p.tracer != nil {
		_, span = p.tracer.Start(ctx, "event.emit "+eventName,
			observability.WithSpanKind(observability.SpanKindProducer),
			observability.WithAttributes(map[string]any{
				"event.name":     eventName,
				"correlation.id": correlationID,
			}))
		defer span.End()

		if propagation == nil {
			propagation = &meta.Propagation{}
		}
		sc := span.SpanContext()
		propagation.TraceID = sc.TraceID
		propagation.SpanID = sc.SpanID
	}

	envelope := Envelope{
		Version:       envelopeVersion,
		EventID:       uuid.NewString(),
		EventName:     eventName,
		Payload:       payload,
		Meta:          propagation,
		CorrelationID: correlationID,
		CausationID:   opts.CausationID,
		Timestamp:     time.Now().UnixMilli(),
	}

	timeout := p.defaultTimeout
	if opts.Timeout != nil {
		timeout = *opts.Timeout
	}

	sub := &Subscription{
		CorrelationID: correlationID,
		resultCh:      make(chan any, 1),
		errCh:         make(chan error, 1),
	}

	if err := p.tracker.Register(ctx, queueName, correlationID,
		func(result any) { sub.resultCh <- result },
		func(err error) { sub.errCh <- err },
		timeout,
	); err != nil {
		return nil, err
	}

	jobOpts := store.JobOptions{Delay: opts.Delay}
	if opts.IdempotencyKey != "" {
		jobOpts.JobID = opts.IdempotencyKey
	}

	jobID, err := p.queue.AddJob(ctx, queueName, envelope, jobOpts)
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		p.tracker.Fail(queueName, correlationID, err)
		return sub, nil
	}
	p.tracker.MapJobID(queueName, jobID, correlationID)

	return sub, nil
}

// Subscribe registers handler as the worker for eventName's queue. The
// raw job data is decoded back into an Envelope before handler runs.
func (p *Provider) Subscribe(ctx context.Context, eventName string, handler Handler) error {
	queueName := queue.EventQueueName(eventName)

	wrapped := func(ctx context.Context, job *store.JobInfo) (any, error) {
		envelope, err := decodeEnvelope(job.Data)
		if err != nil {
			return nil, fmt.Errorf("events: decoding envelope for job %s: %w", job.ID, err)
		}

		var span observability.SpanHandle
		if p.tracer != nil {
			ctx, span = p.tracer.Start(ctx, "event.handle "+eventName,
				observability.WithSpanKind(observability.SpanKindConsumer),
				observability.WithAttributes(map[string]any{
					"event.name":     eventName,
					"event.id":       envelope.EventID,
					"correlation.id": envelope.CorrelationID,
				}))
			defer span.End()
		}

		result, err := handler(ctx, envelope)
		if err != nil && span != nil {
			span.RecordError(err)
		}
		return result, err
	}

	_, err := p.queue.RegisterWorker(ctx, queueName, store.WorkerOptions{}, wrapped)
	return err
}

// ScheduleEvent delegates to the Scheduled Event Manager.
func (p *Provider) ScheduleEvent(ctx context.Context, eventName string, spec scheduler.Spec) error {
	return p.scheduler.Schedule(ctx, eventName, spec)
}

// UnscheduleEvent delegates to the Scheduled Event Manager.
func (p *Provider) UnscheduleEvent(ctx context.Context, eventName, scheduleID string) error {
	return p.scheduler.Unschedule(ctx, eventName, scheduleID)
}

func decodeEnvelope(data any) (*Envelope, error) {
	raw, ok := data.(map[string]any)
	if !ok {
		return nil, &orijserrors.ValidationError{Field: "data", Message: "job data is not an event envelope"}
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var envelope Envelope
	if err := json.Unmarshal(b, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}
