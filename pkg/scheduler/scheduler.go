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

// Package scheduler implements the Scheduled Event Manager (spec §4.6): a
// thin wrapper over the backing store's recurring-job facility.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	orijserrors "github.com/upstat-io/orijs-go/pkg/errors"
	"github.com/upstat-io/orijs-go/pkg/queue"
	"github.com/upstat-io/orijs-go/pkg/store"
)

// recurringStore is the slice of store.Store the manager needs.
type recurringStore interface {
	ScheduleRecurring(ctx context.Context, queueName string, spec store.RecurringSpec) error
	UnscheduleRecurring(ctx context.Context, queueName, scheduleID string) error
	ListRecurring(ctx context.Context, queueName string) ([]store.RecurringSpec, error)
}

// Manager is the Scheduled Event Manager.
type Manager struct {
	store recurringStore
}

// New constructs a Manager over a backing store.
func New(backingStore recurringStore) *Manager {
	return &Manager{store: backingStore}
}

// Spec describes one registration (spec §4.6): at least one of CronExpr or
// Interval must be set; when both are set, CronExpr is used.
type Spec struct {
	ScheduleID string
	CronExpr   string
	Interval   time.Duration
	Payload    any
}

// Schedule registers spec to fire on eventName's queue. CronExpr is
// validated up front so a malformed expression is rejected at
// registration time rather than silently never firing.
func (m *Manager) Schedule(ctx context.Context, eventName string, spec Spec) error {
	if spec.CronExpr != "" {
		if _, err := cron.ParseStandard(spec.CronExpr); err != nil {
			return &orijserrors.ValidationError{Field: "cronExpr", Message: err.Error()}
		}
	} else if spec.Interval <= 0 {
		return &orijserrors.ValidationError{Field: "cronExpr", Message: "either cronExpr or interval must be set"}
	}

	return m.store.ScheduleRecurring(ctx, queue.EventQueueName(eventName), store.RecurringSpec{
		ScheduleID: spec.ScheduleID,
		EventName:  eventName,
		CronExpr:   spec.CronExpr,
		Interval:   spec.Interval,
		Data:       spec.Payload,
	})
}

// Unschedule removes a recurring registration.
func (m *Manager) Unschedule(ctx context.Context, eventName, scheduleID string) error {
	return m.store.UnscheduleRecurring(ctx, queue.EventQueueName(eventName), scheduleID)
}

// ListSchedules returns every recurring registration for eventName.
func (m *Manager) ListSchedules(ctx context.Context, eventName string) ([]Spec, error) {
	raw, err := m.store.ListRecurring(ctx, queue.EventQueueName(eventName))
	if err != nil {
		return nil, err
	}

	specs := make([]Spec, 0, len(raw))
	for _, r := range raw {
		specs = append(specs, Spec{
			ScheduleID: r.ScheduleID,
			CronExpr:   r.CronExpr,
			Interval:   r.Interval,
			Payload:    r.Data,
		})
	}
	return specs, nil
}
