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
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	orijserrors "github.com/upstat-io/orijs-go/pkg/errors"
	"github.com/upstat-io/orijs-go/pkg/store"
)

// Event is the redisstore-internal event shape; it is identical to
// store.Event and converted at the boundary to keep this file free of an
// import cycle concern (none exists, but the alias keeps call sites short).
type Event = store.Event

// eventListener is a durable per-queue subscription backed by a Redis
// Stream. It fixes its read position at the stream's last entry before
// becoming ready, so every event published after WaitUntilReady returns is
// delivered; earlier events are not.
type eventListener struct {
	queueName string
	client    *redis.Client
	events    chan store.Event

	ready     chan struct{}
	readyOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// Subscribe implements store.Store.
func (s *Store) Subscribe(ctx context.Context, queueName string) (store.EventListener, error) {
	s.mu.Lock()
	if existing, ok := s.listeners[queueName]; ok {
		s.mu.Unlock()
		return existing, nil
	}

	l := &eventListener{
		queueName: queueName,
		client:    s.client,
		events:    make(chan store.Event, 64),
		ready:     make(chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.listeners[queueName] = l
	s.mu.Unlock()

	go l.run()
	return l, nil
}

func (l *eventListener) run() {
	defer close(l.done)
	defer close(l.events)

	ctx := context.Background()
	// Pin the read position to the stream's current last entry before
	// signalling readiness; an empty stream is read from its start.
	lastID := "$"
	if msgs, err := l.client.XRevRangeN(ctx, queueEventsKey(l.queueName), "+", "-", 1).Result(); err == nil {
		lastID = "0-0"
		if len(msgs) > 0 {
			lastID = msgs[0].ID
		}
	}
	l.readyOnce.Do(func() { close(l.ready) })

	for {
		select {
		case <-l.stop:
			return
		default:
		}

		res, err := l.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{queueEventsKey(l.queueName), lastID},
			Block:   2 * time.Second,
			Count:   50,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				evt, ok := decodeEvent(msg.Values)
				if !ok {
					continue
				}
				select {
				case l.events <- evt:
				case <-l.stop:
					return
				}
			}
		}
	}
}

// WaitUntilReady implements store.EventListener.
func (l *eventListener) WaitUntilReady(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	case <-ctx.Done():
		return &orijserrors.TimeoutError{Operation: "subscribe", Duration: 0, Cause: ctx.Err()}
	}
}

// Events implements store.EventListener.
func (l *eventListener) Events() <-chan store.Event { return l.events }

// Close implements store.EventListener.
func (l *eventListener) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

// publishEvent appends one event to a queue's durable stream.
func publishEvent(ctx context.Context, client *redis.Client, queueName string, evt store.Event) {
	returnValueJSON, _ := marshalJSON(evt.ReturnValue)
	client.XAdd(ctx, &redis.XAddArgs{
		Stream: queueEventsKey(queueName),
		Values: map[string]any{
			"type":         string(evt.Type),
			"jobId":        evt.JobID,
			"returnvalue":  returnValueJSON,
			"failedreason": evt.FailedReason,
		},
	})
}

func decodeEvent(fields map[string]any) (store.Event, bool) {
	typ, _ := fields["type"].(string)
	if typ == "" {
		return store.Event{}, false
	}
	jobID, _ := fields["jobId"].(string)
	returnValueRaw, _ := fields["returnvalue"].(string)
	returnValue, err := unmarshalJSON(returnValueRaw)
	if err != nil {
		returnValue = nil
	}
	failedReason, _ := fields["failedreason"].(string)

	return store.Event{
		Type:         store.EventType(typ),
		JobID:        jobID,
		ReturnValue:  returnValue,
		FailedReason: failedReason,
	}, true
}
