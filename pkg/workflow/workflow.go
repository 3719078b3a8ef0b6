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

// Package workflow implements the Workflow Provider (spec §4.8): the
// facade that decomposes a named workflow into a dependency-ordered job
// tree, tracks its distributed completion, and runs rollback on failure.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	internallog "github.com/upstat-io/orijs-go/internal/log"
	orijserrors "github.com/upstat-io/orijs-go/pkg/errors"
	"github.com/upstat-io/orijs-go/pkg/flowbuilder"
	"github.com/upstat-io/orijs-go/pkg/meta"
	"github.com/upstat-io/orijs-go/pkg/observability"
	"github.com/upstat-io/orijs-go/pkg/orijs"
	"github.com/upstat-io/orijs-go/pkg/queue"
	"github.com/upstat-io/orijs-go/pkg/registry"
	"github.com/upstat-io/orijs-go/pkg/store"
	"github.com/upstat-io/orijs-go/pkg/tracker"
)

// flowRegistryTTL is the TTL on a flow registry entry (spec §6, "Flow
// registry key layout").
const flowRegistryTTL = 900 * time.Second

// Status is a flow's externally-observable lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// OnCompleteFunc is invoked by the root workflow worker once every step
// child has completed.
type OnCompleteFunc func(ctx context.Context, workflowData any, propagation *meta.Propagation, stepResults map[string]any) (any, error)

// OnErrorFunc is invoked when a step (or parallel member) fails, after
// the rollback sweep has run.
type OnErrorFunc func(ctx context.Context, err error, workflowData any, propagation *meta.Propagation)

// StepHandler pairs a step's execute function with its optional rollback.
type StepHandler struct {
	Execute  registry.ExecuteFunc
	Rollback registry.RollbackFunc
}

// consumerEntry is one registered consumer's fixed configuration. Its
// fields are set once at registration and never mutated afterward, so
// reads from worker goroutines need no lock.
type consumerEntry struct {
	onComplete OnCompleteFunc
	groups     []flowbuilder.StepGroup
	onError    OnErrorFunc
}

// flowRegistry is the slice of store.Store the provider needs for the
// flow-id -> workflow-name index.
type flowRegistry interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// flowRegistryEntry is the JSON value stored under a flow registry key.
// Alongside the workflow name (spec §6) it also carries the root job id,
// since findJobByFlowId needs it to look the job up directly rather than
// falling back to a sequential scan.
type flowRegistryEntry struct {
	WorkflowName string `json:"workflowName"`
	RootJobID    string `json:"rootJobId"`
}

func flowRegistryKey(queuePrefix, flowID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(flowID))
	return fmt.Sprintf("%s:fr:%x", queuePrefix, h.Sum64())
}

// flowState is the per-process cache entry for one flow (spec §4.8.7).
type flowState struct {
	workflowName string
	status       Status
	result       any
	err          error
	timeoutTimer *time.Timer
	cleanupTimer *time.Timer
}

// Provider is the Workflow Provider.
type Provider struct {
	queue         *queue.Manager
	steps         *registry.Registry
	latches       *tracker.Tracker
	registryStore flowRegistry
	cfg           orijs.Config
	log           *slog.Logger
	tracer        observability.Tracer

	mu         sync.Mutex
	started    bool
	consumers  map[string]*consumerEntry
	emitters   map[string]bool
	flowStates map[string]*flowState
	flowOrder  []string
}

// New constructs a Provider. registryStore backs the flow registry (a
// key/value facility per spec §6); steps is shared with whatever
// registers execute/rollback functions at process start. tracerProvider is
// optional; when non-nil, Execute opens a client-kind span and step/parallel
// workers open internal-kind spans, propagating the span's TraceContext
// through the job envelope's meta.traceId/meta.spanId (spec §9).
func New(queueManager *queue.Manager, steps *registry.Registry, registryStore flowRegistry, cfg orijs.Config, logger *slog.Logger, tracerProvider observability.TracerProvider) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		queue:         queueManager,
		steps:         steps,
		latches:       tracker.New(queueManager),
		registryStore: registryStore,
		cfg:           cfg,
		log:           logger,
		consumers:     make(map[string]*consumerEntry),
		emitters:      make(map[string]bool),
		flowStates:    make(map[string]*flowState),
	}
	if tracerProvider != nil {
		p.tracer = tracerProvider.Tracer("orijs.workflow")
	}
	return p
}

// RegisterDefinitionConsumer registers name as a consumer: onComplete
// runs once every step in groups has completed; steps installs each
// step's execute/rollback in the shared Step Registry.
func (p *Provider) RegisterDefinitionConsumer(name string, onComplete OnCompleteFunc, groups []flowbuilder.StepGroup, steps map[string]StepHandler, onError OnErrorFunc) error {
	if onComplete == nil {
		return &orijserrors.ValidationError{Field: "onComplete", Message: "onComplete must not be nil"}
	}
	if len(groups) > 0 {
		if err := flowbuilder.ValidateGroups(groups); err != nil {
			return err
		}
	}
	for stepName, h := range steps {
		if err := p.steps.Register(name, stepName, h.Execute, h.Rollback); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.consumers[name] = &consumerEntry{onComplete: onComplete, groups: groups, onError: onError}
	started := p.started
	p.mu.Unlock()

	if started {
		return p.registerConsumerWorkers(context.Background(), name)
	}
	return nil
}

// RegisterEmitterWorkflow marks name as an emitter-only workflow: this
// process may call Execute for it but runs no worker.
func (p *Provider) RegisterEmitterWorkflow(name string) error {
	p.mu.Lock()
	p.emitters[name] = true
	p.mu.Unlock()
	return nil
}

// Start registers a root worker and step worker for every consumer
// registered so far, then marks the provider started.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	names := make([]string, 0, len(p.consumers))
	for name := range p.consumers {
		names = append(names, name)
	}
	p.mu.Unlock()

	for _, name := range names {
		if err := p.registerConsumerWorkers(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) registerConsumerWorkers(ctx context.Context, name string) error {
	p.mu.Lock()
	entry := p.consumers[name]
	p.mu.Unlock()

	workflowQueue := flowbuilder.WorkflowQueueName(p.cfg.QueuePrefix, name)
	stepQueue := flowbuilder.StepQueueName(p.cfg.QueuePrefix, name)

	workerOpts := store.WorkerOptions{StallInterval: p.cfg.StallInterval}
	if _, err := p.queue.RegisterWorker(ctx, workflowQueue, workerOpts, p.rootWorkerHandler(name, entry)); err != nil {
		return err
	}
	if _, err := p.queue.RegisterWorker(ctx, stepQueue, workerOpts, p.stepWorkerHandler(name, entry, workflowQueue)); err != nil {
		return err
	}
	return nil
}

// Stop shuts the provider down: local bookkeeping (flow-state timers and
// entries) is cleared first, then workers close (waiting for in-flight
// jobs), then durable-event listeners. Idempotent (spec §4.8.7).
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	for _, fs := range p.flowStates {
		if fs.timeoutTimer != nil {
			fs.timeoutTimer.Stop()
		}
		if fs.cleanupTimer != nil {
			fs.cleanupTimer.Stop()
		}
	}
	p.flowStates = make(map[string]*flowState)
	p.flowOrder = nil
	p.mu.Unlock()

	var firstErr error
	if err := p.queue.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := p.latches.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ExecuteOptions configures one Execute call.
type ExecuteOptions struct {
	Meta *meta.Propagation
	// Timeout overrides the provider's default timeout; nil means "use
	// default", a pointer to 0 disables the timeout for this call.
	Timeout        *time.Duration
	IdempotencyKey string
	// StepGroups overrides the registered consumer's step groups, for an
	// ad hoc definition supplied at call time (spec §4.8: "prefer the
	// definition's groups").
	StepGroups []flowbuilder.StepGroup
}

// Handle is returned by Execute and GetHandle.
type Handle struct {
	flowID   string
	p        *Provider
	resultCh chan any
	errCh    chan error
}

// ID returns the flow id this handle tracks.
func (h *Handle) ID() string { return h.flowID }

// Status reports the flow's current lifecycle state.
func (h *Handle) Status(ctx context.Context) (Status, error) {
	return h.p.GetStatus(ctx, h.flowID)
}

// Result awaits the flow's terminal outcome. A handle reconstructed via
// GetHandle has no live channel pair and falls back to GetResult.
func (h *Handle) Result(ctx context.Context) (any, error) {
	if h.resultCh == nil {
		return h.p.GetResult(ctx, h.flowID)
	}
	select {
	case r := <-h.resultCh:
		return r, nil
	case err := <-h.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute mints a flow, builds its job tree, registers a race-free
// pending latch under the flow id, submits, and returns a handle
// (spec §4.8).
func (p *Provider) Execute(ctx context.Context, workflowName string, data any, opts ExecuteOptions) (*Handle, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil, &orijserrors.NotStartedError{Provider: "workflow"}
	}
	consumer, isConsumer := p.consumers[workflowName]
	_, isEmitter := p.emitters[workflowName]
	if !isConsumer && !isEmitter {
		p.mu.Unlock()
		return nil, &orijserrors.NotRegisteredError{WorkflowName: workflowName}
	}
	p.mu.Unlock()

	groups := opts.StepGroups
	if len(groups) == 0 && isConsumer {
		groups = consumer.groups
	}

	flowID := uuid.NewString()
	propagation := opts.Meta
	if propagation == nil {
		propagation = meta.FromContextOrEmpty(ctx)
	}

	var span observability.SpanHandle
	if p.tracer != nil {
		_, span = p.tracer.Start(ctx, "workflow.execute "+workflowName,
			observability.WithSpanKind(observability.SpanKindClient),
			observability.WithAttributes(map[string]any{
				"workflow.name": workflowName,
				"flow.id":       flowID,
			}))
		defer span.End()

		sc := span.SpanContext()
		propagation.TraceID = sc.TraceID
		propagation.SpanID = sc.SpanID
	}

	p.insertFlowState(flowID, workflowName)

	workflowQueue := flowbuilder.WorkflowQueueName(p.cfg.QueuePrefix, workflowName)
	handle := &Handle{flowID: flowID, p: p, resultCh: make(chan any, 1), errCh: make(chan error, 1)}

	base := p.cfg.DefaultTimeout
	if opts.Timeout != nil {
		base = *opts.Timeout
	}
	var effective time.Duration
	if base > 0 {
		effective = base + p.cfg.StallInterval
	}

	if err := p.latches.Register(ctx, workflowQueue, flowID,
		func(result any) {
			p.settleFlowSuccess(flowID, result)
			handle.resultCh <- result
		},
		func(err error) {
			p.settleFlowFailure(flowID, err)
			handle.errCh <- err
		},
		0, // near-miss-aware timeout handled below, not the tracker's generic one
	); err != nil {
		p.removeFlowState(flowID)
		return nil, err
	}

	var rootJobID string
	var submitErr error
	if len(groups) > 0 {
		built, err := flowbuilder.Build(flowbuilder.Params{
			WorkflowName:   workflowName,
			FlowID:         flowID,
			QueuePrefix:    p.cfg.QueuePrefix,
			Groups:         groups,
			WorkflowData:   data,
			Meta:           propagation,
			IdempotencyKey: opts.IdempotencyKey,
			RetryAttempts:  p.cfg.DefaultRetryAttempts,
			RetryBackoff:   p.cfg.DefaultRetryBackoff,
		})
		if err != nil {
			if span != nil {
				span.RecordError(err)
			}
			p.latches.Fail(workflowQueue, flowID, err)
			p.removeFlowState(flowID)
			return nil, err
		}
		rootJobID = built.RootJobID
		p.latches.MapJobID(workflowQueue, rootJobID, flowID)
		_, submitErr = p.queue.SubmitTree(ctx, built.Root)
	} else {
		rootJobID = opts.IdempotencyKey
		if rootJobID == "" {
			rootJobID = fmt.Sprintf("%s.%s", workflowName, flowID)
		}
		p.latches.MapJobID(workflowQueue, rootJobID, flowID)
		_, submitErr = p.queue.AddJob(ctx, workflowQueue, flowbuilder.WorkflowJobData{
			Kind:         "workflow",
			Version:      1,
			FlowID:       flowID,
			WorkflowData: data,
			Results:      map[string]any{},
			Meta:         propagation,
		}, store.JobOptions{
			JobID:         rootJobID,
			Attempts:      p.cfg.DefaultRetryAttempts,
			BackoffPolicy: p.cfg.DefaultRetryBackoff,
		})
	}

	if submitErr != nil {
		if span != nil {
			span.RecordError(submitErr)
		}
		p.latches.Fail(workflowQueue, flowID, submitErr)
		return nil, submitErr
	}

	p.writeFlowRegistryEntry(ctx, flowID, workflowName, rootJobID)
	p.markFlowRunning(flowID)

	if effective > 0 {
		timer := time.AfterFunc(effective, func() {
			p.handleExecuteTimeout(workflowQueue, rootJobID, flowID, workflowName, effective)
		})
		p.setFlowTimeoutTimer(flowID, timer)
	}

	return handle, nil
}

// handleExecuteTimeout implements the Timeout Engine's near-miss check
// (spec §4.8.4): a real store read happens before any settlement.
func (p *Provider) handleExecuteTimeout(workflowQueue, rootJobID, flowID, workflowName string, effective time.Duration) {
	ctx := context.Background()
	job, err := p.queue.FindJobByID(ctx, workflowQueue, rootJobID)
	if err == nil && job != nil {
		switch job.State {
		case store.JobStateCompleted:
			p.latches.Complete(workflowQueue, flowID, job.ReturnValue)
			return
		case store.JobStateFailed:
			return
		}
	}
	timeoutErr := &orijserrors.WorkflowTimeoutError{
		WorkflowName: workflowName,
		FlowID:       flowID,
		Timeout:      effective,
	}
	logTimeout(p.log, timeoutErr, "workflow timed out", "workflow", workflowName, "flow_id", flowID)
	p.latches.Fail(workflowQueue, flowID, timeoutErr)
}

// logTimeout picks log verbosity from err's ErrorClassifier (spec §7): a
// retryable timeout (the two spec-specific timeout kinds always are) logs
// at Warn, since the caller can simply retry the call; anything else this
// path is ever handed logs at Error.
func logTimeout(log *slog.Logger, err error, msg string, args ...any) {
	var classifier orijserrors.ErrorClassifier
	if errors.As(err, &classifier) && classifier.IsRetryable() {
		log.Warn(msg, append(args, "error_type", classifier.ErrorType(), "retryable", true)...)
		return
	}
	log.Error(msg, append(args, "error", err.Error())...)
}

func (p *Provider) writeFlowRegistryEntry(ctx context.Context, flowID, workflowName, rootJobID string) {
	raw, err := json.Marshal(flowRegistryEntry{WorkflowName: workflowName, RootJobID: rootJobID})
	if err != nil {
		p.log.Warn("flow registry encode failed", "flow_id", flowID, "error", err.Error())
		return
	}
	key := flowRegistryKey(p.cfg.QueuePrefix, flowID)
	if err := p.registryStore.Set(ctx, key, string(raw), flowRegistryTTL); err != nil {
		p.log.Warn("flow registry write failed; sequential scan fallback remains correct", "flow_id", flowID, "error", err.Error())
	}
}

// findJobByFlowID resolves a flow id to its job, workflow name, and
// queue, preferring the flow registry and falling back to a sequential
// scan of every known workflow queue (spec §4.8, "findJobByFlowId").
func (p *Provider) findJobByFlowID(ctx context.Context, flowID string) (*store.JobInfo, string, string, error) {
	key := flowRegistryKey(p.cfg.QueuePrefix, flowID)
	if raw, found, err := p.registryStore.Get(ctx, key); err == nil && found {
		var entry flowRegistryEntry
		if jsonErr := json.Unmarshal([]byte(raw), &entry); jsonErr == nil {
			queueName := flowbuilder.WorkflowQueueName(p.cfg.QueuePrefix, entry.WorkflowName)
			if job, jobErr := p.queue.FindJobByID(ctx, queueName, entry.RootJobID); jobErr == nil && job != nil {
				return job, entry.WorkflowName, queueName, nil
			}
		}
	}

	for _, name := range p.knownWorkflowNames() {
		queueName := flowbuilder.WorkflowQueueName(p.cfg.QueuePrefix, name)
		if job, err := p.queue.FindJobByID(ctx, queueName, flowID); err == nil && job != nil {
			return job, name, queueName, nil
		}
	}
	return nil, "", "", &orijserrors.NotFoundError{Resource: "flow", ID: flowID}
}

func (p *Provider) knownWorkflowNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool, len(p.consumers)+len(p.emitters))
	names := make([]string, 0, len(p.consumers)+len(p.emitters))
	for n := range p.consumers {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for n := range p.emitters {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	return names
}

// GetStatus returns the local cache's status if known and non-pending,
// else resolves via findJobByFlowID (spec §4.8).
func (p *Provider) GetStatus(ctx context.Context, flowID string) (Status, error) {
	p.mu.Lock()
	if fs, ok := p.flowStates[flowID]; ok && fs.status != StatusPending {
		st := fs.status
		p.mu.Unlock()
		return st, nil
	}
	p.mu.Unlock()

	job, _, _, err := p.findJobByFlowID(ctx, flowID)
	if err != nil {
		var notFound *orijserrors.NotFoundError
		if errors.As(err, &notFound) {
			return StatusPending, nil
		}
		return "", err
	}
	return mapJobState(job.State), nil
}

// GetResult finds the flow's job and returns its value if terminal,
// otherwise subscribes and awaits completion (spec §4.8).
func (p *Provider) GetResult(ctx context.Context, flowID string) (any, error) {
	job, workflowName, queueName, err := p.findJobByFlowID(ctx, flowID)
	if err != nil {
		return nil, err
	}

	switch job.State {
	case store.JobStateCompleted:
		return job.ReturnValue, nil
	case store.JobStateFailed:
		return nil, &orijserrors.StepFailureError{
			WorkflowName: workflowName,
			StepName:     job.Name,
			Cause:        errors.New(job.FailedReason),
		}
	default:
		return p.awaitJob(ctx, queueName, job.ID)
	}
}

// awaitJob registers a one-shot latch keyed by job id directly, with an
// immediate state recheck in case the job settled between the caller's
// lookup and this registration.
func (p *Provider) awaitJob(ctx context.Context, queueName, jobID string) (any, error) {
	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)

	if err := p.latches.Register(ctx, queueName, jobID,
		func(result any) { resultCh <- result },
		func(err error) { errCh <- err },
		0,
	); err != nil {
		return nil, err
	}
	p.latches.MapJobID(queueName, jobID, jobID)

	if job, err := p.queue.FindJobByID(ctx, queueName, jobID); err == nil && job != nil {
		switch job.State {
		case store.JobStateCompleted:
			p.latches.Complete(queueName, jobID, job.ReturnValue)
		case store.JobStateFailed:
			p.latches.Fail(queueName, jobID, errors.New(job.FailedReason))
		}
	}

	select {
	case r := <-resultCh:
		return r, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetHandle validates the flow exists and returns a reconstructed
// handle whose Result falls back to GetResult (spec §4.8).
func (p *Provider) GetHandle(ctx context.Context, flowID string) (*Handle, error) {
	if _, _, _, err := p.findJobByFlowID(ctx, flowID); err != nil {
		return nil, err
	}
	return &Handle{flowID: flowID, p: p}, nil
}

func mapJobState(state store.JobState) Status {
	switch state {
	case store.JobStateCompleted:
		return StatusCompleted
	case store.JobStateFailed:
		return StatusFailed
	case store.JobStateActive, store.JobStateWaiting, store.JobStateWaitingChildren, store.JobStateDelayed:
		return StatusRunning
	default:
		return StatusPending
	}
}

// --- local flow-state cache (spec §4.8.7) ---

func (p *Provider) insertFlowState(flowID, workflowName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.flowStates) >= p.cfg.MaxFlowStates && len(p.flowOrder) > 0 {
		oldest := p.flowOrder[0]
		p.flowOrder = p.flowOrder[1:]
		if fs, ok := p.flowStates[oldest]; ok {
			stopTimer(fs.timeoutTimer)
			stopTimer(fs.cleanupTimer)
			delete(p.flowStates, oldest)
		}
	}

	p.flowStates[flowID] = &flowState{workflowName: workflowName, status: StatusPending}
	p.flowOrder = append(p.flowOrder, flowID)
}

func (p *Provider) removeFlowState(flowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fs, ok := p.flowStates[flowID]; ok {
		stopTimer(fs.timeoutTimer)
		stopTimer(fs.cleanupTimer)
		delete(p.flowStates, flowID)
	}
}

// markFlowRunning advances a flow from pending to running. It never
// downgrades a flow already settled to completed/failed — with a very
// fast backing store, settlement can race ahead of this call.
func (p *Provider) markFlowRunning(flowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fs, ok := p.flowStates[flowID]; ok && fs.status == StatusPending {
		fs.status = StatusRunning
	}
}

func (p *Provider) setFlowTimeoutTimer(flowID string, timer *time.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fs, ok := p.flowStates[flowID]; ok {
		fs.timeoutTimer = timer
	}
}

func (p *Provider) settleFlowSuccess(flowID string, result any) {
	p.mu.Lock()
	if fs, ok := p.flowStates[flowID]; ok {
		fs.status = StatusCompleted
		fs.result = result
		stopTimer(fs.timeoutTimer)
	}
	p.mu.Unlock()
	p.scheduleCleanup(flowID)
}

func (p *Provider) settleFlowFailure(flowID string, err error) {
	p.mu.Lock()
	if fs, ok := p.flowStates[flowID]; ok {
		fs.status = StatusFailed
		fs.err = err
		stopTimer(fs.timeoutTimer)
	}
	p.mu.Unlock()
	p.scheduleCleanup(flowID)
}

// scheduleCleanup arms (or re-arms) deletion of a terminal flow-state
// entry after the configured grace delay.
func (p *Provider) scheduleCleanup(flowID string) {
	if p.cfg.FlowStateCleanupDelay <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fs, ok := p.flowStates[flowID]
	if !ok {
		return
	}
	stopTimer(fs.cleanupTimer)
	fs.cleanupTimer = time.AfterFunc(p.cfg.FlowStateCleanupDelay, func() { p.removeFlowState(flowID) })
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
