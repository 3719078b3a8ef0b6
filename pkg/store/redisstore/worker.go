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
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	orijserrors "github.com/upstat-io/orijs-go/pkg/errors"
	"github.com/upstat-io/orijs-go/pkg/store"
)

const delayedPollInterval = 250 * time.Millisecond

// worker runs opts.Concurrency goroutines that pull jobs off a queue's
// wait list and invoke handler, plus one goroutine that promotes ready
// delayed jobs into the wait list.
type worker struct {
	queueName string
	client    *redis.Client
	handler   store.Handler
	opts      store.WorkerOptions

	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
	mu     sync.Mutex
}

// RegisterWorker implements store.Store.
func (s *Store) RegisterWorker(ctx context.Context, queueName string, opts store.WorkerOptions, handler store.Handler) (store.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.workers[queueName]; ok {
		return existing, nil
	}

	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.StallInterval < 5*time.Second {
		opts.StallInterval = 5 * time.Second
	}
	if opts.LockDuration == 0 {
		opts.LockDuration = opts.StallInterval
	}

	w := &worker{
		queueName: queueName,
		client:    s.client,
		handler:   handler,
		opts:      opts,
		stop:      make(chan struct{}),
	}
	w.wg.Add(opts.Concurrency + 1)
	for i := 0; i < opts.Concurrency; i++ {
		go w.run()
	}
	go w.promoteDelayed()

	s.workers[queueName] = w
	return w, nil
}

// run is one worker goroutine's main loop.
func (w *worker) run() {
	defer w.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		res, err := w.client.BLPop(ctx, time.Second, queueWaitKey(w.queueName)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			continue
		}

		jobID := res[1]
		w.process(ctx, jobID)
	}
}

func (w *worker) process(ctx context.Context, jobID string) {
	lockKey := jobLockKey(jobID)
	ok, err := w.client.SetNX(ctx, lockKey, "1", w.opts.LockDuration).Result()
	if err != nil || !ok {
		return
	}

	renewStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.opts.StallInterval / lockRenewal)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.client.Expire(ctx, lockKey, w.opts.LockDuration)
			case <-renewStop:
				return
			}
		}
	}()
	defer close(renewStop)
	defer w.client.Del(ctx, lockKey)

	if err := w.client.HSet(ctx, jobKey(jobID), "state", string(store.JobStateActive)).Err(); err != nil {
		return
	}

	job, err := loadJobInfo(ctx, w.client, jobID)
	if err != nil {
		return
	}

	result, handlerErr := w.handler(ctx, job)
	if handlerErr != nil {
		w.settle(ctx, jobID, false, nil, handlerErr.Error())
		return
	}
	w.settle(ctx, jobID, true, result, "")
}

// settle records a job's terminal state, publishes its event, and
// cascades completion/failure to the job's parent (if any).
func (w *worker) settle(ctx context.Context, jobID string, succeeded bool, result any, failedReason string) {
	client := w.client

	state := store.JobStateFailed
	evtType := store.EventFailed
	fields := map[string]any{"failedreason": failedReason}
	if succeeded {
		state = store.JobStateCompleted
		evtType = store.EventCompleted
		resultJSON, err := marshalJSON(result)
		if err != nil {
			resultJSON = ""
		}
		fields = map[string]any{"returnvalue": resultJSON}
	}
	fields["state"] = string(state)
	client.HSet(ctx, jobKey(jobID), fields)

	publishEvent(ctx, client, w.queueName, Event{Type: evtType, JobID: jobID, ReturnValue: result, FailedReason: failedReason})

	parentID, _ := client.HGet(ctx, jobKey(jobID), "parentId").Result()
	parentQueue, _ := client.HGet(ctx, jobKey(jobID), "parentQueue").Result()
	failParentOnFailure, _ := client.HGet(ctx, jobKey(jobID), "failParentOnFailure").Result()
	if parentID == "" {
		return
	}

	if !succeeded && failParentOnFailure == "1" {
		w.cascadeFailure(ctx, parentID, parentQueue, "child job failed: "+jobID)
		return
	}
	if succeeded {
		w.decrementPending(ctx, parentID, parentQueue)
	}
}

// decrementPending decrements a parent's children-pending counter; once it
// reaches zero the parent is promoted into its queue's wait (or delayed)
// list.
func (w *worker) decrementPending(ctx context.Context, parentID, parentQueue string) {
	remaining, err := w.client.HIncrBy(ctx, jobKey(parentID), "childrenPending", -1).Result()
	if err != nil || remaining > 0 {
		return
	}

	w.client.HSet(ctx, jobKey(parentID), "state", string(store.JobStateWaiting))
	w.client.RPush(ctx, queueWaitKey(parentQueue), parentID)
}

// cascadeFailure marks parentID (and transitively its own ancestors, where
// they also set FailParentOnFailure) as failed, without waiting for
// sibling children to finish.
func (w *worker) cascadeFailure(ctx context.Context, jobID, queueName, reason string) {
	client := w.client
	client.HSet(ctx, jobKey(jobID), map[string]any{
		"state":        string(store.JobStateFailed),
		"failedreason": reason,
	})
	publishEvent(ctx, client, queueName, Event{Type: store.EventFailed, JobID: jobID, FailedReason: reason})

	parentID, _ := client.HGet(ctx, jobKey(jobID), "parentId").Result()
	parentQueue, _ := client.HGet(ctx, jobKey(jobID), "parentQueue").Result()
	failParentOnFailure, _ := client.HGet(ctx, jobKey(jobID), "failParentOnFailure").Result()
	if parentID != "" && failParentOnFailure == "1" {
		w.cascadeFailure(ctx, parentID, parentQueue, reason)
	}
}

// promoteDelayed moves delayed jobs whose ready time has elapsed into the
// wait list.
func (w *worker) promoteDelayed() {
	defer w.wg.Done()
	ticker := time.NewTicker(delayedPollInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			ids, err := w.client.ZRangeByScore(ctx, queueDelayKey(w.queueName), &redis.ZRangeBy{
				Min: "0", Max: strconv.FormatInt(now, 10),
			}).Result()
			if err != nil || len(ids) == 0 {
				continue
			}
			for _, id := range ids {
				pipe := w.client.TxPipeline()
				pipe.ZRem(ctx, queueDelayKey(w.queueName), id)
				pipe.RPush(ctx, queueWaitKey(w.queueName), id)
				pipe.HSet(ctx, jobKey(id), "state", string(store.JobStateWaiting))
				pipe.Exec(ctx)
			}
		}
	}
}

// Close implements store.Worker.
func (w *worker) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return &orijserrors.TimeoutError{Operation: "worker shutdown", Duration: 0}
	}
}

func loadJobInfo(ctx context.Context, client *redis.Client, jobID string) (*store.JobInfo, error) {
	vals, err := client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	data, err := unmarshalJSON(vals["data"])
	if err != nil {
		return nil, err
	}
	return &store.JobInfo{
		ID:        jobID,
		QueueName: vals["queue"],
		Name:      vals["name"],
		Data:      data,
		State:     store.JobState(vals["state"]),
	}, nil
}

