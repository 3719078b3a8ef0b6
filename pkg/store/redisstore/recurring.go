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

package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	orijserrors "github.com/upstat-io/orijs-go/pkg/errors"
	"github.com/upstat-io/orijs-go/pkg/store"
)

// envelopeVersion mirrors pkg/events's Event Message Envelope version.
// The store builds the envelope by hand, as a plain map, rather than
// importing pkg/events (which itself imports pkg/store).
const envelopeVersion = 1

// recurringJob fires spec into queueName on its own schedule until
// stopped.
type recurringJob struct {
	queueName string
	spec      store.RecurringSpec
	schedule  cron.Schedule
	store     *Store
	stopCh    chan struct{}
}

func recurringMapKey(queueName, scheduleID string) string {
	return queueName + "\x00" + scheduleID
}

// ScheduleRecurring implements store.Store.
func (s *Store) ScheduleRecurring(ctx context.Context, queueName string, spec store.RecurringSpec) error {
	var schedule cron.Schedule
	if spec.CronExpr != "" {
		sch, err := cronSchedule(spec.CronExpr)
		if err != nil {
			return &orijserrors.ValidationError{Field: "cronExpr", Message: err.Error()}
		}
		schedule = sch
	} else if spec.Interval > 0 {
		schedule = intervalSchedule{spec.Interval}
	} else {
		return &orijserrors.ValidationError{Field: "cronExpr", Message: "either cronExpr or interval must be set"}
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("redisstore: marshaling recurring spec: %w", err)
	}
	if err := s.client.HSet(ctx, queueRecurringKey(queueName), spec.ScheduleID, specJSON).Err(); err != nil {
		return &orijserrors.BackingStoreUnavailableError{Operation: "scheduleRecurring", Cause: err}
	}

	job := &recurringJob{
		queueName: queueName,
		spec:      spec,
		schedule:  schedule,
		store:     s,
		stopCh:    make(chan struct{}),
	}

	s.mu.Lock()
	if old, ok := s.recurring[recurringMapKey(queueName, spec.ScheduleID)]; ok {
		old.stop()
	}
	s.recurring[recurringMapKey(queueName, spec.ScheduleID)] = job
	s.mu.Unlock()

	go job.run()
	return nil
}

func (j *recurringJob) run() {
	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			ctx := context.Background()
			j.store.AddJob(ctx, j.queueName, j.buildEnvelope(), store.JobOptions{})
		case <-j.stopCh:
			timer.Stop()
			return
		}
	}
}

// buildEnvelope stamps a fresh Event Message Envelope for this tick: a new
// event id, a new correlation id, and the current timestamp, wrapping the
// registration's unchanging payload (spec §4.6: "each firing submits the
// normal Event Message Envelope onto the event's queue").
func (j *recurringJob) buildEnvelope() map[string]any {
	return map[string]any{
		"version":       envelopeVersion,
		"eventId":       uuid.NewString(),
		"eventName":     j.spec.EventName,
		"payload":       j.spec.Data,
		"correlationId": uuid.NewString(),
		"timestamp":     time.Now().UnixMilli(),
	}
}

func (j *recurringJob) stop() {
	select {
	case <-j.stopCh:
	default:
		close(j.stopCh)
	}
}

// UnscheduleRecurring implements store.Store.
func (s *Store) UnscheduleRecurring(ctx context.Context, queueName, scheduleID string) error {
	s.mu.Lock()
	key := recurringMapKey(queueName, scheduleID)
	if job, ok := s.recurring[key]; ok {
		job.stop()
		delete(s.recurring, key)
	}
	s.mu.Unlock()

	if err := s.client.HDel(ctx, queueRecurringKey(queueName), scheduleID).Err(); err != nil {
		return &orijserrors.BackingStoreUnavailableError{Operation: "unscheduleRecurring", Cause: err}
	}
	return nil
}

// ListRecurring implements store.Store.
func (s *Store) ListRecurring(ctx context.Context, queueName string) ([]store.RecurringSpec, error) {
	raw, err := s.client.HGetAll(ctx, queueRecurringKey(queueName)).Result()
	if err != nil {
		return nil, &orijserrors.BackingStoreUnavailableError{Operation: "listRecurring", Cause: err}
	}

	specs := make([]store.RecurringSpec, 0, len(raw))
	for _, v := range raw {
		var spec store.RecurringSpec
		if err := json.Unmarshal([]byte(v), &spec); err != nil {
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// intervalSchedule adapts a fixed time.Duration to cron.Schedule so fixed-
// interval recurring jobs share the same ticking path as cron-driven ones.
type intervalSchedule struct {
	interval time.Duration
}

func (i intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(i.interval)
}
