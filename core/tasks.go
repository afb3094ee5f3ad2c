package orchestration

import (
	"context"
	"errors"
	"time"

	"github.com/koscakluka/ema-vpet/core/commands"
	"github.com/koscakluka/ema-vpet/core/config"
	"github.com/koscakluka/ema-vpet/core/events"
	"github.com/koscakluka/ema-vpet/core/speech"
)

var errNoPetController = errors.New("no pet controller configured")

// canExecute reports whether anything can carry out the segment. Speech is
// always possible: without a renderer the bubble estimate is still waited.
func (o *Orchestrator) canExecute(segment Segment) bool {
	switch segment.Kind {
	case SegmentText, SegmentSpeak:
		return true
	case SegmentState:
		return o.states != nil || o.handlers[commands.CapabilityState] != nil
	}
	return o.handlers[segment.Action.Capability] != nil
}

func (o *Orchestrator) segmentTask(settings config.Settings, index int, segment Segment, download *speech.Handle) commandTask {
	task := commandTask{index: index, segment: segment}

	if handler := o.handlers[segment.Action.Capability]; handler != nil && segment.Kind != SegmentText {
		task.bounded = true
		task.run = func(ctx context.Context) *Completion {
			o.segmentStarted(ctx, index, segment)
			return execute(ctx, handler, segment.Action)
		}
		return task
	}

	switch segment.Kind {
	case SegmentText, SegmentSpeak:
		task.run = func(ctx context.Context) *Completion {
			o.segmentStarted(ctx, index, segment)
			wait := o.present(ctx, settings, segment, download)
			completion := NewCompletion()
			go func() {
				completion.Resolve(runRecovered("speech", func() (time.Duration, error) {
					return 0, wait()
				}))
			}()
			return completion
		}
	case SegmentState:
		task.run = func(ctx context.Context) *Completion {
			o.segmentStarted(ctx, index, segment)
			return o.transition(ctx, settings, segment.Action.State)
		}
	}
	return task
}

// transition queues a mode change and resolves once the transition queue
// drained or the transition timeout passed. Failed transitions are rolled
// back by the queue and reported as events, not as segment failures.
func (o *Orchestrator) transition(ctx context.Context, settings config.Settings, state commands.StateChange) *Completion {
	if o.states == nil {
		return Completed(0, errNoPetController)
	}
	if err := o.states.RequestTransition(ctx, state.Target, state.Name); err != nil {
		return Completed(0, err)
	}

	completion := NewCompletion()
	go func() {
		if !o.states.WaitForDrain(settings.State.TransitionTimeout) {
			logger.WarnContext(ctx, "state transition still running", "target", state.Target)
		}
		completion.Resolve(0, nil)
	}()
	return completion
}

func (o *Orchestrator) segmentStarted(ctx context.Context, index int, segment Segment) {
	content := segment.RawContent
	if segment.Kind == SegmentSpeak {
		content = segment.SpeechText()
	}
	o.emit(events.NewSegmentStarted(replyIDFromContext(ctx), index, segment.Kind.String(), content))
}
