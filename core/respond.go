package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-vpet/core/commands"
	"github.com/koscakluka/ema-vpet/core/config"
	"github.com/koscakluka/ema-vpet/core/events"
	"github.com/koscakluka/ema-vpet/core/speech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var errNilReply = errors.New("reply is nil")

// NewReply returns a reply to stream into Respond.
func (o *Orchestrator) NewReply() *Reply {
	return newReply()
}

// HandleReply orchestrates a reply that is already complete.
func (o *Orchestrator) HandleReply(ctx context.Context, text string) error {
	reply := newReply()
	reply.AddChunk(text)
	reply.Complete()
	return o.Respond(ctx, reply)
}

// Respond drives one reply from its first chunk to its last side effect.
// Replies are serialized: a call blocks while another reply is in flight.
// Segment failures are reported through events and logs, never returned.
func (o *Orchestrator) Respond(ctx context.Context, reply *Reply) error {
	if reply == nil {
		return errNilReply
	}

	o.replyMu.Lock()
	defer o.replyMu.Unlock()

	if o.closed.Load() {
		return ErrOrchestratorClosed
	}

	settings := o.snapshotSettings()
	session := newSession()
	ctx = withReplyScope(ctx, replyScope{session: session, settings: &settings})

	ctx, span := tracer.Start(ctx, "respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("reply.id", session.ID),
		attribute.Bool("reply.streaming", settings.TTS.Streaming),
		attribute.Bool("reply.queued", settings.Dispatch.Queued),
	)

	started := o.clock.Now()
	o.emit(events.NewReplyStarted(session.ID))

	run := o.newReplyRun(settings, session)

	if settings.TTS.Streaming {
		for chunk := range reply.chunks(ctx) {
			run.dispatch(ctx, run.segmenter.feed(chunk))
		}
	} else {
		run.dispatch(ctx, run.segmenter.feed(reply.whole(ctx)))
	}
	run.dispatch(ctx, run.segmenter.finish())
	run.queue.awaitIdle(ctx)

	o.flushToolResults(ctx, session)

	failed := int(run.failed.Load())
	span.SetAttributes(attribute.Int("reply.segments", run.segments), attribute.Int("reply.failed", failed))
	replyDurationMS.Observe(float64(o.clock.Since(started).Milliseconds()))
	o.emit(events.NewReplyCompleted(session.ID, run.segments, failed))

	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("reply %s interrupted: %w", session.ID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (o *Orchestrator) snapshotSettings() config.Settings {
	current := o.Settings()

	var snapshot config.Settings
	if err := copier.CopyWithOption(&snapshot, &current, copier.Option{DeepCopy: true}); err != nil {
		logger.Warn("failed to snapshot settings", "error", err)
		return current
	}
	return snapshot
}

// replyRun is the state of one reply while it is being orchestrated.
type replyRun struct {
	o         *Orchestrator
	settings  config.Settings
	session   *Session
	segmenter *segmenter
	queue     *dispatchQueue

	segments     int
	failed       atomic.Int32
	lastDownload *speech.Handle
}

func (o *Orchestrator) newReplyRun(settings config.Settings, session *Session) *replyRun {
	r := &replyRun{o: o, settings: settings, session: session}

	classifier := commands.NewClassifier(settings.Permissions.CommandPermissions(), o.registry)
	r.segmenter = newSegmenter(classifier, settings.Display.ShowProse, r.dropped)
	r.queue = newDispatchQueue(o.clock, settings.Dispatch.Queued, settings.Dispatch.TaskTimeout, r.settled)
	return r
}

func (r *replyRun) dispatch(ctx context.Context, segments []Segment) {
	if len(segments) == 0 {
		return
	}

	downloads := r.prefetch(ctx, segments)
	for i, segment := range segments {
		if !r.o.canExecute(segment) {
			logger.Info("no handler for command", "reply_id", r.session.ID, "kind", segment.Action.Kind, "tag", segment.Action.Command.Tag)
			r.dropped(segment.Action.Command, segment.Action.Kind, events.DropNoHandler)
			continue
		}
		if segment.Kind != SegmentText {
			commandsTotal.WithLabelValues(string(segment.Action.Kind), outcomeDispatched).Inc()
		}
		r.queue.enqueue(r.o.segmentTask(r.settings, r.segments, segment, downloads[i]))
		r.segments++
	}
	r.queue.drainAsync(ctx)
}

// prefetch starts the audio downloads of a batch of segments. It returns one
// handle per segment, nil for segments that are not voiced.
func (r *replyRun) prefetch(ctx context.Context, segments []Segment) []*speech.Handle {
	downloads := make([]*speech.Handle, len(segments))
	if !r.settings.TTS.Enabled || r.o.audio == nil {
		return downloads
	}

	var (
		texts   []string
		indices []int
	)
	for i, segment := range segments {
		if segment.voiced() && !(segment.Kind == SegmentSpeak && r.o.handlers[commands.CapabilitySay] != nil) {
			texts = append(texts, segment.SpeechText())
			indices = append(indices, i)
		}
	}
	if len(texts) == 0 {
		return downloads
	}

	var handles []*speech.Handle
	if r.settings.TTS.QueuedDownload {
		handles = r.o.audio.PrefetchAfter(ctx, r.lastDownload, texts)
		r.lastDownload = handles[len(handles)-1]
	} else {
		handles = r.o.audio.PrefetchAll(ctx, texts, r.settings.TTS.MaxConcurrentDownloads)
	}
	for i, handle := range handles {
		downloads[indices[i]] = handle
	}
	return downloads
}

func (r *replyRun) dropped(command commands.Command, kind commands.Kind, reason string) {
	outcome := outcomeUnrecognized
	switch reason {
	case events.DropDisabled:
		outcome = outcomeDroppedDisabled
	case events.DropNoHandler:
		outcome = outcomeNoHandler
	}
	commandsTotal.WithLabelValues(string(kind), outcome).Inc()
	r.o.emit(events.NewCommandDropped(r.session.ID, command.Tag, reason))
}

func (r *replyRun) settled(task commandTask, err error) {
	kind := task.segment.Kind.String()
	if err != nil {
		r.failed.Add(1)
		logger.Warn("segment failed", "reply_id", r.session.ID, "index", task.index, "kind", kind, "error", err)
		segmentsTotal.WithLabelValues(kind, "failed").Inc()
		r.o.emit(events.NewSegmentFailed(r.session.ID, task.index, kind, err.Error()))
		return
	}
	segmentsTotal.WithLabelValues(kind, "completed").Inc()
	r.o.emit(events.NewSegmentCompleted(r.session.ID, task.index, kind))
}
