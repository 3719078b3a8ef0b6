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

// Package redisstore implements the store.Store contract (spec §6) over
// github.com/redis/go-redis/v9: typed per-queue job lists, a dependent-job
// tree with completion cascading, a durable per-queue completed/failed
// event stream backed by a Redis Stream, a recurring-job facility, and a
// small key/value facility for the flow registry.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	orijserrors "github.com/upstat-io/orijs-go/pkg/errors"
	"github.com/upstat-io/orijs-go/pkg/store"
)

const (
	keyPrefix   = "orijs"
	lockRenewal = 2 // lock TTL is renewed every StallInterval/lockRenewal
)

// Store is a store.Store implementation backed by Redis.
type Store struct {
	client *redis.Client

	mu        sync.Mutex
	workers   map[string]*worker
	listeners map[string]*eventListener
	recurring map[string]*recurringJob
	closed    bool
}

// New wraps an existing go-redis client. The caller owns the client's
// connection options (address, TLS, auth); Store only issues commands.
func New(client *redis.Client) *Store {
	return &Store{
		client:    client,
		workers:   make(map[string]*worker),
		listeners: make(map[string]*eventListener),
		recurring: make(map[string]*recurringJob),
	}
}

func jobKey(jobID string) string           { return fmt.Sprintf("%s:job:%s", keyPrefix, jobID) }
func jobChildrenKey(jobID string) string    { return fmt.Sprintf("%s:job:%s:children", keyPrefix, jobID) }
func jobLockKey(jobID string) string        { return fmt.Sprintf("%s:job:%s:lock", keyPrefix, jobID) }
func queueWaitKey(queueName string) string  { return fmt.Sprintf("%s:queue:%s:wait", keyPrefix, queueName) }
func queueDelayKey(queueName string) string { return fmt.Sprintf("%s:queue:%s:delayed", keyPrefix, queueName) }
func queueEventsKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s:events", keyPrefix, queueName)
}
func queueRecurringKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s:recurring", keyPrefix, queueName)
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// AddJob implements store.Store.
func (s *Store) AddJob(ctx context.Context, queueName string, data any, opts store.JobOptions) (string, error) {
	return s.addJob(ctx, queueName, queueName, data, opts, "", "")
}

// addJob is the internal submission path shared by AddJob and SubmitTree.
// parentID/parentQueue are empty for root-level submissions.
func (s *Store) addJob(ctx context.Context, queueName, name string, data any, opts store.JobOptions, parentID, parentQueue string) (string, error) {
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	} else if existing, err := s.client.HGet(ctx, jobKey(jobID), "state").Result(); err == nil {
		switch store.JobState(existing) {
		case store.JobStateActive, store.JobStateWaiting, store.JobStateWaitingChildren, store.JobStateDelayed:
			return "", &orijserrors.DuplicateError{Key: opts.JobID}
		}
	} else if err != redis.Nil {
		return "", &orijserrors.BackingStoreUnavailableError{Operation: "addJob", Cause: err}
	}

	dataJSON, err := marshalJSON(data)
	if err != nil {
		return "", fmt.Errorf("redisstore: marshaling job data: %w", err)
	}

	state := store.JobStateWaiting
	if opts.Delay > 0 {
		state = store.JobStateDelayed
	}

	fields := map[string]any{
		"id":                  jobID,
		"queue":               queueName,
		"name":                name,
		"data":                dataJSON,
		"state":               string(state),
		"parentId":            parentID,
		"parentQueue":         parentQueue,
		"failParentOnFailure": opts.FailParentOnFailure,
		"attempts":            opts.Attempts,
		"backoffType":         opts.BackoffPolicy.Type,
		"backoffBaseMs":       opts.BackoffPolicy.BaseDelay.Milliseconds(),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), fields)
	if state == store.JobStateDelayed {
		readyAt := time.Now().Add(opts.Delay).UnixMilli()
		pipe.ZAdd(ctx, queueDelayKey(queueName), redis.Z{Score: float64(readyAt), Member: jobID})
	} else {
		pipe.RPush(ctx, queueWaitKey(queueName), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", &orijserrors.BackingStoreUnavailableError{Operation: "addJob", Cause: err}
	}

	return jobID, nil
}

// SubmitTree implements store.Store. Each node is written first (in the
// waiting-children state when it has children) and its children are then
// submitted recursively; a leaf enters its queue's wait (or delayed) list
// as soon as it is written, and a node with children only enters the wait
// list once every child has completed.
func (s *Store) SubmitTree(ctx context.Context, root *store.JobSpec) (string, error) {
	return s.submitNode(ctx, root, "", "")
}

func (s *Store) submitNode(ctx context.Context, spec *store.JobSpec, parentID, parentQueue string) (string, error) {
	jobID := spec.Opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	dataJSON, err := marshalJSON(spec.Data)
	if err != nil {
		return "", fmt.Errorf("redisstore: marshaling job data for %q: %w", spec.Name, err)
	}

	state := store.JobStateWaiting
	if len(spec.Children) > 0 {
		state = store.JobStateWaitingChildren
	} else if spec.Opts.Delay > 0 {
		state = store.JobStateDelayed
	}

	fields := map[string]any{
		"id":                  jobID,
		"queue":               spec.QueueName,
		"name":                spec.Name,
		"data":                dataJSON,
		"state":               string(state),
		"parentId":            parentID,
		"parentQueue":         parentQueue,
		"failParentOnFailure": spec.Opts.FailParentOnFailure,
		"attempts":            spec.Opts.Attempts,
		"backoffType":         spec.Opts.BackoffPolicy.Type,
		"backoffBaseMs":       spec.Opts.BackoffPolicy.BaseDelay.Milliseconds(),
		"childrenPending":     int64(len(spec.Children)),
	}
	if err := s.client.HSet(ctx, jobKey(jobID), fields).Err(); err != nil {
		return "", &orijserrors.BackingStoreUnavailableError{Operation: "submitTree", Cause: err}
	}

	for _, child := range spec.Children {
		childID, err := s.submitNode(ctx, child, jobID, spec.QueueName)
		if err != nil {
			return "", err
		}
		if err := s.client.RPush(ctx, jobChildrenKey(jobID), childID).Err(); err != nil {
			return "", &orijserrors.BackingStoreUnavailableError{Operation: "submitTree", Cause: err}
		}
	}

	switch state {
	case store.JobStateWaiting:
		if err := s.client.RPush(ctx, queueWaitKey(spec.QueueName), jobID).Err(); err != nil {
			return "", &orijserrors.BackingStoreUnavailableError{Operation: "submitTree", Cause: err}
		}
	case store.JobStateDelayed:
		readyAt := time.Now().Add(spec.Opts.Delay).UnixMilli()
		if err := s.client.ZAdd(ctx, queueDelayKey(spec.QueueName), redis.Z{Score: float64(readyAt), Member: jobID}).Err(); err != nil {
			return "", &orijserrors.BackingStoreUnavailableError{Operation: "submitTree", Cause: err}
		}
	}

	return jobID, nil
}

// FindJobByID implements store.Store.
func (s *Store) FindJobByID(ctx context.Context, queueName, jobID string) (*store.JobInfo, error) {
	vals, err := s.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, &orijserrors.BackingStoreUnavailableError{Operation: "findJobById", Cause: err}
	}
	if len(vals) == 0 {
		return nil, &orijserrors.NotFoundError{Resource: "job", ID: jobID}
	}
	if queueName != "" && vals["queue"] != queueName {
		return nil, &orijserrors.NotFoundError{Resource: "job", ID: jobID}
	}

	data, err := unmarshalJSON(vals["data"])
	if err != nil {
		return nil, fmt.Errorf("redisstore: decoding job data for %s: %w", jobID, err)
	}
	var returnValue any
	if vals["state"] == string(store.JobStateCompleted) {
		returnValue, err = unmarshalJSON(vals["returnvalue"])
		if err != nil {
			return nil, fmt.Errorf("redisstore: decoding return value for %s: %w", jobID, err)
		}
	}

	return &store.JobInfo{
		ID:           jobID,
		QueueName:    vals["queue"],
		Name:         vals["name"],
		Data:         data,
		State:        store.JobState(vals["state"]),
		ReturnValue:  returnValue,
		FailedReason: vals["failedreason"],
	}, nil
}

// GetChildrenValues implements store.Store.
func (s *Store) GetChildrenValues(ctx context.Context, queueName, jobID string) (map[string]any, error) {
	childIDs, err := s.client.LRange(ctx, jobChildrenKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, &orijserrors.BackingStoreUnavailableError{Operation: "getChildrenValues", Cause: err}
	}

	result := make(map[string]any, len(childIDs))
	for _, childID := range childIDs {
		info, err := s.FindJobByID(ctx, "", childID)
		if err != nil {
			return nil, err
		}
		if info.State != store.JobStateCompleted {
			continue
		}
		result[childID] = info.ReturnValue
	}
	return result, nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &orijserrors.BackingStoreUnavailableError{Operation: "set", Cause: err}
	}
	return nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, &orijserrors.BackingStoreUnavailableError{Operation: "get", Cause: err}
	}
	return val, true, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	listeners := make([]*eventListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	recurring := make([]*recurringJob, 0, len(s.recurring))
	for _, r := range s.recurring {
		recurring = append(recurring, r)
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, w := range workers {
		_ = w.Close(ctx)
	}
	for _, l := range listeners {
		_ = l.Close()
	}
	for _, r := range recurring {
		r.stop()
	}

	return s.client.Close()
}

// cronSchedule parses a cron expression the same way pkg/scheduler
// validates it at registration time.
func cronSchedule(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}
