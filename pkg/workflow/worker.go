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

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	internallog "github.com/upstat-io/orijs-go/internal/log"
	orijserrors "github.com/upstat-io/orijs-go/pkg/errors"
	"github.com/upstat-io/orijs-go/pkg/flowbuilder"
	"github.com/upstat-io/orijs-go/pkg/meta"
	"github.com/upstat-io/orijs-go/pkg/observability"
	"github.com/upstat-io/orijs-go/pkg/registry"
	"github.com/upstat-io/orijs-go/pkg/resultcodec"
	"github.com/upstat-io/orijs-go/pkg/store"
)

func decodeWorkflowJobData(data any) (*flowbuilder.WorkflowJobData, error) {
	if wjd, ok := data.(flowbuilder.WorkflowJobData); ok {
		return &wjd, nil
	}
	raw, ok := data.(map[string]any)
	if !ok {
		return nil, &orijserrors.ValidationError{Field: "data", Message: "job data is not a workflow payload"}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var wjd flowbuilder.WorkflowJobData
	if err := json.Unmarshal(b, &wjd); err != nil {
		return nil, err
	}
	return &wjd, nil
}

func decodeStepJobData(data any) (*flowbuilder.StepJobData, error) {
	if sjd, ok := data.(flowbuilder.StepJobData); ok {
		return &sjd, nil
	}
	raw, ok := data.(map[string]any)
	if !ok {
		return nil, &orijserrors.ValidationError{Field: "data", Message: "job data is not a step payload"}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var sjd flowbuilder.StepJobData
	if err := json.Unmarshal(b, &sjd); err != nil {
		return nil, err
	}
	return &sjd, nil
}

// rootWorkerHandler builds the handler for workflowName's root queue
// (spec §4.8.1): once every step child has completed, it flattens their
// results and invokes the registered onComplete.
func (p *Provider) rootWorkerHandler(workflowName string, entry *consumerEntry) store.Handler {
	return func(ctx context.Context, job *store.JobInfo) (any, error) {
		data, err := decodeWorkflowJobData(job.Data)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		fs, ok := p.flowStates[data.FlowID]
		p.mu.Unlock()
		if ok && fs.status == StatusFailed {
			// A step already failed and ran rollback locally; the durable
			// failed event (or the caller's timeout) settles the caller.
			return nil, nil
		}

		children, err := p.queue.GetChildrenValues(ctx, job.QueueName, job.ID)
		if err != nil {
			return nil, err
		}
		stepResults, err := resultcodec.Flatten(children)
		if err != nil {
			return nil, err
		}

		if len(entry.groups) > 0 && len(stepResults) == 0 {
			return nil, &orijserrors.EmitterConsumerMismatchError{WorkflowName: workflowName}
		}

		return entry.onComplete(ctx, data.WorkflowData, data.Meta, stepResults)
	}
}

// stepWorkerHandler builds the handler for workflowName's step queue
// (spec §4.8.2), dispatching synthetic parallel-group jobs to the
// Parallel Group Worker.
func (p *Provider) stepWorkerHandler(workflowName string, entry *consumerEntry, workflowQueue string) store.Handler {
	return func(ctx context.Context, job *store.JobInfo) (any, error) {
		data, err := decodeStepJobData(job.Data)
		if err != nil {
			return nil, err
		}

		if members, ok := flowbuilder.ParallelMembers(data.StepName); ok {
			return p.runParallelGroup(ctx, workflowName, entry, workflowQueue, job, data, members)
		}
		return p.runSequentialStep(ctx, workflowName, entry, workflowQueue, job, data)
	}
}

func (p *Provider) runSequentialStep(ctx context.Context, workflowName string, entry *consumerEntry, workflowQueue string, job *store.JobInfo, data *flowbuilder.StepJobData) (any, error) {
	execute, err := p.steps.Get(workflowName, data.StepName)
	if err != nil {
		return nil, err
	}

	children, err := p.queue.GetChildrenValues(ctx, job.QueueName, job.ID)
	if err != nil {
		return nil, err
	}
	priorResults, err := resultcodec.Flatten(children)
	if err != nil {
		return nil, err
	}

	stepCtx := p.buildStepContext(ctx, workflowName, data.StepName, data, priorResults)
	output, err := p.runTracedStep(stepCtx, execute)
	if err != nil {
		stepErr := &orijserrors.StepFailureError{WorkflowName: workflowName, StepName: data.StepName, Cause: err}
		p.runRollbackAndFail(ctx, workflowName, entry, workflowQueue, data, priorResults, stepErr)
		return nil, stepErr
	}
	return resultcodec.WrapSequential(data.StepName, output, priorResults), nil
}

// runTracedStep wraps runStep with an internal-kind span, when a tracer is
// configured (spec §9).
func (p *Provider) runTracedStep(stepCtx *registry.StepContext, execute registry.ExecuteFunc) (any, error) {
	if p.tracer == nil {
		return p.runStep(execute, stepCtx)
	}

	spanCtx, span := p.tracer.Start(stepCtx.Context, "workflow.step "+stepCtx.StepName,
		observability.WithSpanKind(observability.SpanKindInternal),
		observability.WithAttributes(map[string]any{
			"workflow.name": stepCtx.WorkflowName,
			"flow.id":       stepCtx.FlowID,
			"step.name":     stepCtx.StepName,
		}))
	defer span.End()
	stepCtx.Context = spanCtx

	value, err := p.runStep(execute, stepCtx)
	if err != nil {
		span.RecordError(err)
	}
	return value, err
}

func (p *Provider) runParallelGroup(ctx context.Context, workflowName string, entry *consumerEntry, workflowQueue string, job *store.JobInfo, data *flowbuilder.StepJobData, members []string) (any, error) {
	children, err := p.queue.GetChildrenValues(ctx, job.QueueName, job.ID)
	if err != nil {
		return nil, err
	}
	priorResults, err := resultcodec.Flatten(children)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		value any
		err   error
	}
	outcomes := make([]outcome, len(members))

	// A plain errgroup.Group (not .WithContext): every member must run to
	// completion so a failing member never cancels its siblings (spec
	// §4.8.3, "capturing outcomes, not throwing").
	g := new(errgroup.Group)
	for i, member := range members {
		i, member := i, member
		g.Go(func() error {
			execute, getErr := p.steps.Get(workflowName, member)
			if getErr != nil {
				outcomes[i] = outcome{err: getErr}
				return nil
			}
			stepCtx := p.buildStepContext(ctx, workflowName, member, data, priorResults)
			value, execErr := p.runTracedStep(stepCtx, execute)
			outcomes[i] = outcome{value: value, err: execErr}
			return nil
		})
	}
	_ = g.Wait()

	parallelResults := make(map[string]any, len(members))
	completed := make(map[string]any, len(priorResults)+len(members))
	for k, v := range priorResults {
		completed[k] = v
	}

	var firstErr error
	var firstFailed string
	for i, o := range outcomes {
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
				firstFailed = members[i]
			}
			continue
		}
		parallelResults[members[i]] = o.value
		completed[members[i]] = o.value
	}

	if firstErr != nil {
		stepErr := &orijserrors.StepFailureError{WorkflowName: workflowName, StepName: firstFailed, Cause: firstErr}
		p.runRollbackAndFail(ctx, workflowName, entry, workflowQueue, data, completed, stepErr)
		return nil, stepErr
	}

	return resultcodec.WrapParallel(parallelResults, priorResults), nil
}

func (p *Provider) runRollbackAndFail(ctx context.Context, workflowName string, entry *consumerEntry, workflowQueue string, data *flowbuilder.StepJobData, completed map[string]any, cause error) {
	p.rollbackSweep(ctx, workflowName, entry.groups, completed, data.WorkflowData, data.Meta, data.FlowID)
	if entry.onError != nil {
		entry.onError(ctx, cause, data.WorkflowData, data.Meta)
	}
	p.latches.Fail(workflowQueue, data.FlowID, cause)
}

func (p *Provider) buildStepContext(ctx context.Context, workflowName, stepName string, data *flowbuilder.StepJobData, priorResults map[string]any) *registry.StepContext {
	if data.Meta != nil {
		ctx = meta.ToContext(ctx, data.Meta)
	}
	logger := internallog.WithStepContext(p.log, data.FlowID, stepName)
	if p.cfg.ProviderID != "" {
		logger = internallog.WithProviderID(logger, p.cfg.ProviderID)
	}

	return &registry.StepContext{
		Context:      ctx,
		FlowID:       data.FlowID,
		Data:         data.WorkflowData,
		Results:      priorResults,
		Log:          logger,
		Meta:         data.Meta,
		WorkflowName: workflowName,
		StepName:     stepName,
		ProviderID:   p.cfg.ProviderID,
	}
}

// runStep wraps execute in the optional step-timeout race (spec §4.8.5).
func (p *Provider) runStep(execute registry.ExecuteFunc, stepCtx *registry.StepContext) (any, error) {
	if p.cfg.StepTimeout <= 0 {
		return execute(stepCtx)
	}

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := execute(stepCtx)
		done <- result{value: value, err: err}
	}()

	timer := time.NewTimer(p.cfg.StepTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		timeoutErr := &orijserrors.StepTimeoutError{
			WorkflowName: stepCtx.WorkflowName,
			StepName:     stepCtx.StepName,
			Timeout:      p.cfg.StepTimeout,
		}
		logTimeout(p.log, timeoutErr, "step timed out",
			"workflow", stepCtx.WorkflowName, "flow_id", stepCtx.FlowID, "step", stepCtx.StepName)
		return nil, timeoutErr
	}
}

// rollbackSweep runs every completed step's rollback in reverse
// completion order (spec §4.8.6). Order is reconstructed from the
// statically declared plan, since the flattened results map carries no
// ordering of its own.
func (p *Provider) rollbackSweep(ctx context.Context, workflowName string, groups []flowbuilder.StepGroup, completed map[string]any, workflowData any, propagation *meta.Propagation, flowID string) {
	order := reverseStepOrder(groups)
	succeeded, failed := 0, 0

	for _, stepName := range order {
		if _, ok := completed[stepName]; !ok {
			continue
		}
		rollback, err := p.steps.GetRollback(workflowName, stepName)
		if err != nil || rollback == nil {
			continue
		}

		rbCtx := &registry.StepContext{
			Context:      ctx,
			FlowID:       flowID,
			Data:         workflowData,
			Results:      completed,
			Log:          internallog.WithStepContext(p.log, flowID, stepName+":rollback"),
			Meta:         propagation,
			WorkflowName: workflowName,
			StepName:     stepName + ":rollback",
			ProviderID:   p.cfg.ProviderID,
		}

		if rbErr := safeRollback(rollback, rbCtx); rbErr != nil {
			failed++
			logRollbackFailure(p.log, rbErr, workflowName, flowID, stepName)
		} else {
			succeeded++
		}
	}

	p.log.Info("rollback sweep finished",
		"workflow", workflowName, "flow_id", flowID, "succeeded", succeeded, "failed", failed)
}

// logRollbackFailure picks log verbosity from rbErr's ErrorClassifier, when
// it implements one (spec §7): a retryable failure (e.g. a backing store
// hiccup) logs at Warn, everything else at Error.
func logRollbackFailure(log *slog.Logger, rbErr error, workflowName, flowID, stepName string) {
	var classifier orijserrors.ErrorClassifier
	if errors.As(rbErr, &classifier) && classifier.IsRetryable() {
		log.Warn("rollback step failed",
			"workflow", workflowName, "flow_id", flowID, "step", stepName,
			"error_type", classifier.ErrorType(), "retryable", true, "error", rbErr.Error())
		return
	}
	log.Error("rollback step failed",
		"workflow", workflowName, "flow_id", flowID, "step", stepName, "error", rbErr.Error())
}

// safeRollback recovers from a panicking rollback-fn in addition to
// capturing its returned error, so one bad rollback never aborts the
// sweep (spec §4.8.6: "exceptions captured, logged as strings, never
// re-thrown").
func safeRollback(rollback registry.RollbackFunc, ctx *registry.StepContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return rollback(ctx)
}

// reverseStepOrder reconstructs reverse-completion order from the
// statically declared plan: groups run in reverse, sequential steps
// within a group run in reverse, and parallel members (unordered among
// themselves) are sorted for determinism.
func reverseStepOrder(groups []flowbuilder.StepGroup) []string {
	var order []string
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		switch g.Kind {
		case flowbuilder.Sequential:
			for j := len(g.Steps) - 1; j >= 0; j-- {
				order = append(order, g.Steps[j])
			}
		case flowbuilder.Parallel:
			members := append([]string(nil), g.Steps...)
			sort.Strings(members)
			order = append(order, members...)
		}
	}
	return order
}
