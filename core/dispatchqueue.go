package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// commandTask is one segment waiting to be dispatched.
type commandTask struct {
	index   int
	segment Segment
	// bounded tasks are abandoned after the dispatch task timeout. Speech and
	// state tasks carry their own timeouts and are not bounded.
	bounded bool
	run     func(ctx context.Context) *Completion

	queuedAt time.Time
}

// dispatchQueue runs the segments of one reply in source order. In queued
// mode every task is settled before the next one starts; in live mode tasks
// are started back to back and settled in the background.
type dispatchQueue struct {
	clock       clockwork.Clock
	queued      bool
	taskTimeout time.Duration
	onSettled   func(task commandTask, err error)

	draining atomic.Bool

	mu         sync.Mutex
	tasks      []commandTask
	idle       chan struct{}
	idleClosed bool

	live sync.WaitGroup
}

func newDispatchQueue(clock clockwork.Clock, queued bool, taskTimeout time.Duration, onSettled func(commandTask, error)) *dispatchQueue {
	idle := make(chan struct{})
	close(idle)
	if onSettled == nil {
		onSettled = func(commandTask, error) {}
	}
	return &dispatchQueue{
		clock:       clock,
		queued:      queued,
		taskTimeout: taskTimeout,
		onSettled:   onSettled,
		idle:        idle,
		idleClosed:  true,
	}
}

func (q *dispatchQueue) enqueue(task commandTask) {
	if q == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	task.queuedAt = q.clock.Now()
	q.tasks = append(q.tasks, task)
	if q.idleClosed {
		q.idle = make(chan struct{})
		q.idleClosed = false
	}
}

// drainAsync starts the consumer unless one is already running.
func (q *dispatchQueue) drainAsync(ctx context.Context) bool {
	if q == nil || !q.draining.CompareAndSwap(false, true) {
		return false
	}

	go q.drain(ctx)
	return true
}

func (q *dispatchQueue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.draining.Store(false)
			if !q.idleClosed {
				close(q.idle)
				q.idleClosed = true
			}
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.process(ctx, task)
	}
}

func (q *dispatchQueue) pending() int {
	if q == nil {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// awaitIdle blocks until every enqueued task was started and, in live mode,
// every started task settled.
func (q *dispatchQueue) awaitIdle(ctx context.Context) {
	if q == nil {
		return
	}

	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return
	}

	settled := make(chan struct{})
	go func() {
		q.live.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
	}
}

func (q *dispatchQueue) process(baseCtx context.Context, task commandTask) {
	ctx, span := tracer.Start(baseCtx, "dispatch segment")

	queuedTime := q.clock.Since(task.queuedAt).Seconds()
	span.AddEvent("taken out of queue", trace.WithAttributes(attribute.Float64("segment.queued_time", queuedTime)))
	span.SetAttributes(
		attribute.Int("segment.index", task.index),
		attribute.String("segment.kind", task.segment.Kind.String()),
		attribute.String("segment.tag", task.segment.ActionTag),
	)

	completion := q.start(ctx, task)

	if !q.queued {
		q.live.Add(1)
		go func() {
			defer q.live.Done()
			defer span.End()
			q.settle(ctx, span, task, completion, false)
		}()
		return
	}

	defer span.End()
	q.settle(ctx, span, task, completion, true)
}

func (q *dispatchQueue) start(ctx context.Context, task commandTask) (completion *Completion) {
	defer func() {
		if recovered := recover(); recovered != nil {
			completion = Completed(0, fmt.Errorf("segment %d panicked: %v", task.index, recovered))
		}
	}()

	if task.run == nil {
		return Completed(0, nil)
	}
	if completion = task.run(ctx); completion == nil {
		return Completed(0, nil)
	}
	return completion
}

// settle waits for the task's completion. When waitHint is set the queue also
// waits out the duration hint so the next task does not overlap the effect.
func (q *dispatchQueue) settle(ctx context.Context, span trace.Span, task commandTask, completion *Completion, waitHint bool) {
	timeout := time.Duration(0)
	if task.bounded {
		timeout = q.taskTimeout
	}

	var err error
	if waitBounded(ctx, q.clock, timeout, completion.Done()) {
		err = completion.Wait(ctx)
		if hint := completion.DurationHint(); waitHint && err == nil && hint > 0 {
			span.SetAttributes(attribute.Int64("segment.duration_hint_ms", hint.Milliseconds()))
			if sleepErr := sleepContext(ctx, q.clock, hint); sleepErr != nil {
				err = sleepErr
			}
		}
	} else if ctx.Err() != nil {
		err = ctx.Err()
	} else {
		err = fmt.Errorf("segment %d (%s) did not finish within %s", task.index, task.segment.Kind, timeout)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	q.onSettled(task, err)
}
