package orchestration

import (
	"context"
	"strings"
	"sync"
)

// Reply is an agent reply that may still be streaming in. Chunks are added by
// the producer and consumed once by Respond.
type Reply struct {
	mu            sync.Mutex
	parts         []string
	partsConsumed int
	complete      bool
	updateSignal  chan struct{}
	cancelled     bool
}

func newReply() *Reply {
	return &Reply{updateSignal: make(chan struct{}, 1)}
}

func (r *Reply) AddChunk(chunk string) {
	if r == nil || chunk == "" {
		return
	}

	r.mu.Lock()
	r.parts = append(r.parts, chunk)
	r.mu.Unlock()
	r.signalUpdate()
}

// Complete marks the end of the stream.
func (r *Reply) Complete() {
	if r == nil {
		return
	}

	r.mu.Lock()
	r.complete = true
	r.mu.Unlock()
	r.signalUpdate()
}

// Cancel stops consumption. Chunks not yet consumed are ignored.
func (r *Reply) Cancel() {
	if r == nil {
		return
	}

	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.signalUpdate()
}

func (r *Reply) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return strings.Join(r.parts, "")
}

// chunks yields chunks as they arrive until the reply is complete, cancelled
// or ctx ends.
func (r *Reply) chunks(ctx context.Context) func(yield func(string) bool) {
	return func(yield func(string) bool) {
		for {
			r.mu.Lock()
			if r.cancelled {
				r.mu.Unlock()
				return
			}

			if r.partsConsumed < len(r.parts) {
				chunk := r.parts[r.partsConsumed]
				r.partsConsumed++
				r.mu.Unlock()
				if !yield(chunk) {
					return
				}
				continue
			}

			if r.complete {
				r.mu.Unlock()
				return
			}

			r.mu.Unlock()
			select {
			case <-r.updateSignal:
			case <-ctx.Done():
				return
			}
		}
	}
}

// whole waits for the complete reply and returns it in one piece.
func (r *Reply) whole(ctx context.Context) string {
	var b strings.Builder
	for chunk := range r.chunks(ctx) {
		b.WriteString(chunk)
	}
	return b.String()
}

func (r *Reply) signalUpdate() {
	select {
	case r.updateSignal <- struct{}{}:
	default:
	}
}
