package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/koscakluka/ema-vpet/core/config"
	"github.com/koscakluka/ema-vpet/core/events"
	"github.com/koscakluka/ema-vpet/core/speech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// present shows one speech segment. Voiced segments are queued on the
// serializer before present returns, so lines keep source order even when
// the returned wait runs in the background. The serializer tries prefetched
// audio first, then the external speaker; when neither can voice the line
// it is shown as a bubble on its own. Each step down is reported as a
// speech fallback.
func (o *Orchestrator) present(ctx context.Context, settings config.Settings, segment Segment, prefetch *speech.Handle) (wait func() error) {
	text := segment.SpeechText()
	animation := ""
	if segment.Kind == SegmentSpeak {
		animation = segment.Action.Speak.Animation
	}

	ctx, span := tracer.Start(ctx, "present speech")
	span.SetAttributes(
		attribute.Int("speech.text_length", len(text)),
		attribute.Bool("speech.voiced", segment.voiced()),
		attribute.Bool("speech.prefetched", prefetch != nil),
	)

	if !segment.voiced() || !settings.TTS.Enabled || (prefetch == nil && o.speaker == nil) {
		return func() error {
			defer span.End()
			return o.showBubble(ctx, settings, text, animation)
		}
	}

	future := o.speak(ctx, span, settings, text, animation, prefetch)
	return func() error {
		defer span.End()

		ok, err := future.Wait(ctx)
		if err == nil {
			if !ok {
				logger.WarnContext(ctx, "external playback did not finish in time, continuing")
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.fallback(ctx, span, text, events.FallbackBubbleOnly, err)
		return o.showBubble(ctx, settings, text, animation)
	}
}

func (o *Orchestrator) fallback(ctx context.Context, span trace.Span, text, target string, err error) {
	logger.WarnContext(ctx, "speech fallback", "target", target, "error", err)
	span.AddEvent("speech fallback", trace.WithAttributes(attribute.String("speech.fallback_target", target)))
	span.RecordError(err)
	o.emit(events.NewSpeechFallback(replyIDFromContext(ctx), text, target, err.Error()))
}

// speak queues the line on the serializer. Playback that outlives the
// safety ceiling resolves as incomplete and is treated as done.
func (o *Orchestrator) speak(ctx context.Context, span trace.Span, settings config.Settings, text, animation string, prefetch *speech.Handle) *speech.Future {
	opts := []speech.RequestOption{
		speech.WithDownloadTimeout(settings.TTS.DownloadTimeout),
		speech.WithSpeakTimeout(settings.TTS.SpeakTimeout),
		// Nothing reports when a bare speaker is done; the reading estimate
		// stands in for it.
		speech.WithEstimatedDuration(settings.Display.BubbleDuration(text)),
	}
	if prefetch != nil {
		o.audio.Take(text)
		opts = append(opts,
			speech.WithPrefetchedAudio(prefetch),
			speech.WithFallbackNotifier(func(err error) {
				o.fallback(ctx, span, text, events.FallbackExternalSpeaker, err)
			}),
		)
	}
	return o.serializer.ProcessRequest(ctx, text, animation, opts...)
}

// showBubble displays text without audio and waits until it has been
// printed: the longer of the renderer's hint and the reading estimate.
func (o *Orchestrator) showBubble(ctx context.Context, settings config.Settings, text, animation string) error {
	var hint time.Duration
	if o.renderer != nil {
		var err error
		if hint, err = o.renderer.Say(ctx, text, animation, nil); err != nil {
			err = fmt.Errorf("failed to show bubble: %w", err)
			trace.SpanFromContext(ctx).SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return sleepContext(ctx, o.clock, max(hint, settings.Display.BubbleDuration(text)))
}
