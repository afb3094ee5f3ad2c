package petstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrQueueClosed       = errors.New("state transition queue closed")
	ErrTransitionTimeout = errors.New("state transition timed out")
)

const (
	StateSleep  = "sleep"
	StateWork   = "work"
	StateStudy  = "study"
	StateNormal = "normal"
)

// Controller is the host's pet mode capability. Procedures should return
// once ctx is done; with a transition timeout set, a procedure still running
// at the deadline is abandoned and its transition rolled back.
type Controller interface {
	// State reports the current confirmed mode.
	State() string
	Sleep(ctx context.Context) error
	Work(ctx context.Context, item string) error
	Study(ctx context.Context, item string) error
	Normal(ctx context.Context) error
	// SetState switches to a mode directly. It is used for modes without a
	// dedicated procedure and for rollback.
	SetState(ctx context.Context, state string) error
}

type Request struct {
	Target      string
	ActionName  string
	RequestedAt time.Time

	ctx context.Context
}

// Failure describes a transition that was rolled back.
type Failure struct {
	Request  Request
	Previous string
	Err      error
}

// Queue serializes pet mode changes. Requests run one at a time in FIFO
// order and a failed transition restores the previous mode.
type Queue struct {
	controller Controller
	clock      clockwork.Clock
	timeout    time.Duration
	onFailure  func(Failure)

	executing sync.Mutex

	mu       sync.Mutex
	pending  []Request
	draining bool
	idle     chan struct{}
	closed   bool
}

type QueueOption func(*Queue)

func WithClock(clock clockwork.Clock) QueueOption {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithTransitionTimeout bounds a single transition procedure and the rollback
// that follows a failure.
func WithTransitionTimeout(timeout time.Duration) QueueOption {
	return func(q *Queue) { q.timeout = timeout }
}

func WithFailureCallback(onFailure func(Failure)) QueueOption {
	return func(q *Queue) { q.onFailure = onFailure }
}

func NewQueue(controller Controller, opts ...QueueOption) *Queue {
	q := &Queue{
		controller: controller,
		clock:      clockwork.NewRealClock(),
		idle:       closedChannel(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RequestTransition enqueues a mode change and returns immediately. Failures
// are logged and reported through the failure callback, never returned.
func (q *Queue) RequestTransition(ctx context.Context, target, actionName string) error {
	if q == nil || q.controller == nil {
		return ErrQueueClosed
	}

	request := Request{
		Target:      strings.ToLower(strings.TrimSpace(target)),
		ActionName:  actionName,
		RequestedAt: q.clock.Now(),
		ctx:         context.WithoutCancel(ctx),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.pending = append(q.pending, request)
	if !q.draining {
		q.draining = true
		q.idle = make(chan struct{})
		go q.drain()
	}
	return nil
}

// WaitForDrain reports whether every queued transition finished within
// timeout.
func (q *Queue) WaitForDrain(timeout time.Duration) bool {
	if q == nil {
		return true
	}

	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return true
	case <-q.clock.After(timeout):
		return false
	}
}

// Pending returns the number of transitions not yet started.
func (q *Queue) Pending() int {
	if q == nil {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects new requests. Queued transitions still run.
func (q *Queue) Close() {
	if q == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		request := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.execute(request)
	}
}

func (q *Queue) execute(request Request) {
	q.executing.Lock()
	defer q.executing.Unlock()

	ctx, span := tracer.Start(request.ctx, "state transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("state.target", request.Target),
		attribute.String("state.action", request.ActionName),
	)

	previous := q.controller.State()
	span.SetAttributes(attribute.String("state.previous", previous))

	err := q.attempt(ctx, request)
	if err == nil {
		if current := q.controller.State(); !strings.EqualFold(current, request.Target) {
			err = fmt.Errorf("pet is in state %q after transition to %q", current, request.Target)
		}
	}
	if err == nil {
		stateTransitionsTotal.WithLabelValues(request.Target, "ok").Inc()
		return
	}

	if rollbackErr := q.rollback(ctx, previous); rollbackErr != nil {
		err = errors.Join(err, rollbackErr)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.WarnContext(ctx, "state transition rolled back",
		"target", request.Target, "previous", previous, "error", err)
	stateTransitionsTotal.WithLabelValues(request.Target, "rolled_back").Inc()

	if q.onFailure != nil {
		q.onFailure(Failure{Request: request, Previous: previous, Err: err})
	}
}

func (q *Queue) attempt(ctx context.Context, request Request) error {
	err := q.bounded(ctx, "transition to "+request.Target, func(ctx context.Context) error {
		switch request.Target {
		case StateSleep:
			return q.controller.Sleep(ctx)
		case StateWork:
			return q.controller.Work(ctx, request.ActionName)
		case StateStudy:
			return q.controller.Study(ctx, request.ActionName)
		case StateNormal:
			return q.controller.Normal(ctx)
		default:
			return q.controller.SetState(ctx, request.Target)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to transition to %q: %w", request.Target, err)
	}
	return nil
}

func (q *Queue) rollback(ctx context.Context, previous string) error {
	err := q.bounded(ctx, "rollback to "+previous, func(ctx context.Context) error {
		if strings.EqualFold(q.controller.State(), previous) {
			return nil
		}
		return q.controller.SetState(ctx, previous)
	})
	if err != nil {
		return fmt.Errorf("failed to roll back to %q: %w", previous, err)
	}
	return nil
}

// bounded runs a controller call off the queue's goroutine. Without a
// transition timeout it waits for the call however long it takes.
func (q *Queue) bounded(ctx context.Context, what string, call func(context.Context) error) error {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- fmt.Errorf("%s panicked: %v", what, recovered)
			}
		}()
		done <- call(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if q.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.WarnContext(ctx, "controller call abandoned", "call", what, "timeout", q.timeout)
			return fmt.Errorf("%w: %s after %s", ErrTransitionTimeout, what, q.timeout)
		}
		return ctx.Err()
	}
}

func closedChannel() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
