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

// Package flowbuilder translates an ordered list of step groups into a
// dependency-ordered job tree rooted at a workflow job (spec §4.3).
package flowbuilder

import (
	"fmt"
	"strings"

	"github.com/upstat-io/orijs-go/pkg/meta"
	"github.com/upstat-io/orijs-go/pkg/store"
)

// GroupKind distinguishes the two step-group variants (spec §3, §9 "sum
// types for step plans").
type GroupKind int

const (
	Sequential GroupKind = iota
	Parallel
)

// StepGroup is one stage of a workflow's plan.
type StepGroup struct {
	Kind  GroupKind
	Steps []string
}

// Seq builds a sequential step group.
func Seq(steps ...string) StepGroup { return StepGroup{Kind: Sequential, Steps: steps} }

// Par builds a parallel step group.
func Par(steps ...string) StepGroup { return StepGroup{Kind: Parallel, Steps: steps} }

// ParallelPrefix marks a synthetic job as a parallel group (spec §6,
// "queue naming").
const ParallelPrefix = "__parallel__:"

// ParallelStepName joins member names into the synthetic step name for a
// parallel group's job.
func ParallelStepName(members []string) string {
	return ParallelPrefix + strings.Join(members, ",")
}

// ParallelMembers splits a synthetic parallel step name back into its
// member names. ok is false if stepName is not a parallel step name.
func ParallelMembers(stepName string) (members []string, ok bool) {
	if !strings.HasPrefix(stepName, ParallelPrefix) {
		return nil, false
	}
	rest := strings.TrimPrefix(stepName, ParallelPrefix)
	if rest == "" {
		return nil, false
	}
	return strings.Split(rest, ","), true
}

// WorkflowJobData is the typed payload carried by a workflow (root) job.
type WorkflowJobData struct {
	Kind         string             `json:"kind"`
	Version      int                `json:"version"`
	FlowID       string             `json:"flowId"`
	WorkflowData any                `json:"workflowData"`
	Results      map[string]any     `json:"results"`
	Meta         *meta.Propagation  `json:"meta,omitempty"`
}

// StepJobData is the typed payload carried by a step job, including
// synthetic parallel-group jobs (whose StepName carries the
// ParallelPrefix). WorkflowData is carried on every step job (not just
// the root) so any instance's worker can build a Workflow Context
// without a round trip to the root job.
type StepJobData struct {
	Kind         string            `json:"kind"`
	Version      int               `json:"version"`
	FlowID       string            `json:"flowId"`
	StepName     string            `json:"stepName"`
	WorkflowData any               `json:"workflowData"`
	Meta         *meta.Propagation `json:"meta,omitempty"`
}

const (
	kindWorkflow = "workflow"
	kindStep     = "step"
	dataVersion  = 1
)

// Params are the inputs to Build (spec §4.3).
type Params struct {
	WorkflowName   string
	FlowID         string
	QueuePrefix    string
	Groups         []StepGroup
	WorkflowData   any
	Meta           *meta.Propagation
	IdempotencyKey string
	RetryAttempts  int
	RetryBackoff   store.Backoff
}

// Result is the tree Build produces, plus the queue names and root job id
// the Workflow Provider needs to register a pending latch before
// submission.
type Result struct {
	Root            *store.JobSpec
	WorkflowQueue   string
	StepQueue       string
	RootJobID       string
}

// WorkflowQueueName returns the queue a workflow's root job is submitted
// to (spec §6, "queue naming").
func WorkflowQueueName(queuePrefix, workflowName string) string {
	return fmt.Sprintf("%s.%s", queuePrefix, workflowName)
}

// StepQueueName returns the queue a workflow's step jobs are submitted to.
func StepQueueName(queuePrefix, workflowName string) string {
	return fmt.Sprintf("%s.%s.steps", queuePrefix, workflowName)
}

// DerivedStepJobID computes the deterministic step-job id used when an
// idempotency key is present (spec §4.3, §4.8.8): hyphen-joined, never
// colon, because the backing store reserves colon as an internal
// delimiter.
func DerivedStepJobID(idempotencyKey, stepName string) string {
	return fmt.Sprintf("%s-step-%s", idempotencyKey, stepName)
}

// Build constructs the dependency-ordered job tree for p (spec §4.3).
// Children complete before their parent in the backing store's dependent-
// job model, so a sequential chain (A, B, C) is built deepest-first: A is
// the leaf, C is the top of the chain and becomes the parent's child.
func Build(p Params) (*Result, error) {
	workflowQueue := WorkflowQueueName(p.QueuePrefix, p.WorkflowName)
	stepQueue := StepQueueName(p.QueuePrefix, p.WorkflowName)

	rootJobID := p.IdempotencyKey
	if rootJobID == "" {
		rootJobID = p.FlowID
	}

	var top *store.JobSpec // the most recently built group's top node
	for _, group := range p.Groups {
		node, err := buildGroup(group, stepQueue, p)
		if err != nil {
			return nil, err
		}
		if top != nil {
			node.Children = append(node.Children, top)
		}
		top = node
	}

	root := &store.JobSpec{
		Name:      kindWorkflow,
		QueueName: workflowQueue,
		Data: WorkflowJobData{
			Kind:         kindWorkflow,
			Version:      dataVersion,
			FlowID:       p.FlowID,
			WorkflowData: p.WorkflowData,
			Results:      map[string]any{},
			Meta:         p.Meta,
		},
		Opts: store.JobOptions{
			JobID:               rootJobID,
			FailParentOnFailure: false,
		},
	}
	if top != nil {
		root.Children = append(root.Children, top)
	}

	return &Result{
		Root:          root,
		WorkflowQueue: workflowQueue,
		StepQueue:     stepQueue,
		RootJobID:     rootJobID,
	}, nil
}

// buildGroup constructs one group's node (and, for a sequential group,
// its deepest-first chain), returning the node the next group should
// attach to as a child.
func buildGroup(group StepGroup, stepQueue string, p Params) (*store.JobSpec, error) {
	switch group.Kind {
	case Parallel:
		return buildStepJob(ParallelStepName(group.Steps), stepQueue, p), nil
	case Sequential:
		return buildSequentialChain(group.Steps, stepQueue, p)
	default:
		return nil, fmt.Errorf("flowbuilder: unknown group kind %d", group.Kind)
	}
}

// buildSequentialChain builds (A, B, C) deepest-first: A has no children,
// B's child is A, C's child is B. The returned node is C (the chain's
// top), which execution reaches last.
func buildSequentialChain(steps []string, stepQueue string, p Params) (*store.JobSpec, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("flowbuilder: sequential group has no steps")
	}

	var prev *store.JobSpec
	for _, step := range steps {
		node := buildStepJob(step, stepQueue, p)
		if prev != nil {
			node.Children = append(node.Children, prev)
		}
		prev = node
	}
	return prev, nil
}

func buildStepJob(stepName, stepQueue string, p Params) *store.JobSpec {
	opts := store.JobOptions{
		Attempts:            p.RetryAttempts,
		BackoffPolicy:       p.RetryBackoff,
		FailParentOnFailure: true,
	}
	if p.IdempotencyKey != "" {
		opts.JobID = DerivedStepJobID(p.IdempotencyKey, stepName)
	}

	return &store.JobSpec{
		Name:      stepName,
		QueueName: stepQueue,
		Data: StepJobData{
			Kind:         kindStep,
			Version:      dataVersion,
			FlowID:       p.FlowID,
			StepName:     stepName,
			WorkflowData: p.WorkflowData,
			Meta:         p.Meta,
		},
		Opts: opts,
	}
}

// ValidateGroups rejects empty groups and steps using reserved names
// (spec §3: step names never begin with the double-underscore prefix).
func ValidateGroups(groups []StepGroup) error {
	for _, g := range groups {
		if len(g.Steps) == 0 {
			return fmt.Errorf("flowbuilder: step group has no steps")
		}
		for _, step := range g.Steps {
			if strings.HasPrefix(step, "__") {
				return fmt.Errorf("flowbuilder: step name %q uses the reserved double-underscore prefix", step)
			}
		}
	}
	return nil
}
