package orchestration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koscakluka/ema-vpet/core/commands"
	"github.com/koscakluka/ema-vpet/core/events"
	"github.com/koscakluka/ema-vpet/core/playback"
	"github.com/koscakluka/ema-vpet/core/plugins"
	"github.com/koscakluka/ema-vpet/core/speech"
)

const helloReply = `Hi <|say_begin|> say("hello", happy) <|say_end|> bye`

func TestSpeakWithoutTTSWaitsForBubbleEstimate(t *testing.T) {
	settings := instantSettings()
	settings.Display.PerCharacter = 80 * time.Millisecond
	settings.Display.MinDuration = time.Second
	settings.Display.MaxDuration = 10 * time.Second

	clock := clockwork.NewFakeClock()
	renderer := &rendererRecorder{}
	recorder := &eventRecorder{}
	o := NewOrchestrator(WithClock(clock), WithSettings(settings), WithRenderer(renderer), WithEventHandler(recorder.handle))
	defer o.Close()

	done := make(chan error, 1)
	go func() { done <- o.HandleReply(context.Background(), helloReply) }()

	clock.BlockUntil(1)
	clock.Advance(999 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("expected reply to wait for the bubble estimate")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reply")
	}

	calls := renderer.calls()
	if len(calls) != 1 || calls[0].text != "hello" || calls[0].animation != "happy" || calls[0].audio != nil {
		t.Fatalf("expected exactly one bubble for hello/happy, got %#v", calls)
	}
	if completed := recorder.replyCompleted(t); completed.Segments != 1 || completed.Failed != 0 {
		t.Fatalf("expected one successful segment, got %#v", completed)
	}
}

func TestDeprecatedStatChangeIsLimited(t *testing.T) {
	testCases := []struct {
		name     string
		reply    string
		expected int
	}{
		{name: "within limit", reply: `[:happy(10)]`, expected: 60},
		{name: "clamped", reply: `[:happy(30)]`, expected: 60},
		{name: "negative clamped", reply: `<|mood_begin|> mood(-25) <|mood_end|>`, expected: 40},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			stats := newStatsRecorder(map[commands.Stat]int{commands.StatMood: 50})
			o := NewOrchestrator(WithSettings(instantSettings()), WithPetStats(stats))
			defer o.Close()

			if err := o.HandleReply(context.Background(), testCase.reply); err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if got := stats.Stat(commands.StatMood); got != testCase.expected {
				t.Fatalf("expected mood %d, got %d", testCase.expected, got)
			}
		})
	}
}

func newWeatherRegistry(calls *atomic.Int32) *plugins.Registry {
	registry := plugins.NewRegistry()
	registry.RegisterPlugin(plugins.NewFunc("weather", "Reports the weather",
		func(_ context.Context, args string) (string, error) {
			calls.Add(1)
			return "sunny in " + args, nil
		}))
	registry.RegisterTool(plugins.NewFunc("calculator", "Adds numbers",
		func(_ context.Context, args string) (string, error) {
			return "42", nil
		}))
	return registry
}

func TestPluginCallsWithinOneReplyAreExempt(t *testing.T) {
	var calls atomic.Int32
	recorder := &eventRecorder{}
	o := NewOrchestrator(WithSettings(instantSettings()), WithPlugins(newWeatherRegistry(&calls)), WithEventHandler(recorder.handle))
	defer o.Close()

	reply := `<|plugin_begin|> weather(Tokyo) <|plugin_end|> <|plugin_begin|> weather(Oslo) <|plugin_end|>`
	if err := o.HandleReply(context.Background(), reply); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	if calls.Load() != 2 {
		t.Fatalf("expected both calls to run, got %d", calls.Load())
	}
	if reasons := recorder.dropReasons(); len(reasons) != 0 {
		t.Fatalf("expected no dropped commands, got %v", reasons)
	}
}

func TestPluginCallsAcrossRepliesAreRateLimited(t *testing.T) {
	var calls atomic.Int32
	recorder := &eventRecorder{}
	o := NewOrchestrator(WithSettings(instantSettings()), WithPlugins(newWeatherRegistry(&calls)), WithEventHandler(recorder.handle))
	defer o.Close()

	for _, city := range []string{"Tokyo", "Oslo"} {
		if err := o.HandleReply(context.Background(), `<|plugin_begin|> weather(`+city+`) <|plugin_end|>`); err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	}

	if calls.Load() != 1 {
		t.Fatalf("expected second reply's call to be dropped, got %d calls", calls.Load())
	}
	if reasons := recorder.dropReasons(); len(reasons) != 1 || reasons[0] != events.DropRateLimited {
		t.Fatalf("expected one rate limited drop, got %v", reasons)
	}
}

func TestCallPluginOutsideReplyIsAlwaysLimited(t *testing.T) {
	var calls atomic.Int32
	o := NewOrchestrator(WithSettings(instantSettings()), WithPlugins(newWeatherRegistry(&calls)))
	defer o.Close()

	response, err := o.CallPlugin(context.Background(), "Weather", "Tokyo")
	if err != nil || response != "sunny in Tokyo" {
		t.Fatalf("unexpected first call result %q %v", response, err)
	}
	if _, err := o.CallPlugin(context.Background(), "weather", "Oslo"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if _, err := o.CallPlugin(context.Background(), "radar", ""); !errors.Is(err, plugins.ErrNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestToolResultsAreFlushedOnce(t *testing.T) {
	var (
		calls     atomic.Int32
		mu        sync.Mutex
		flushes   int
		collected []ToolResult
	)
	o := NewOrchestrator(
		WithSettings(instantSettings()),
		WithPlugins(newWeatherRegistry(&calls)),
		WithToolResultsCallback(func(results []ToolResult) {
			mu.Lock()
			defer mu.Unlock()
			flushes++
			collected = append(collected, results...)
		}),
	)
	defer o.Close()

	reply := `<|tool_begin|> calculator(40+2) <|tool_end|> <|plugin_begin|> weather(Tokyo) <|plugin_end|>`
	if err := o.HandleReply(context.Background(), reply); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if flushes != 1 {
		t.Fatalf("expected one flush, got %d", flushes)
	}
	if len(collected) != 2 || collected[0].Name != "calculator" || collected[0].Response != "42" || collected[1].Response != "sunny in Tokyo" {
		t.Fatalf("unexpected tool results %#v", collected)
	}
}

type panickingHandler struct{}

func (panickingHandler) Execute(context.Context, commands.Argument) *Completion {
	panic("handler exploded")
}

func TestFailingSegmentsDoNotAbortReply(t *testing.T) {
	renderer := &rendererRecorder{}
	recorder := &eventRecorder{}
	o := NewOrchestrator(
		WithSettings(instantSettings()),
		WithRenderer(renderer),
		WithEventHandler(recorder.handle),
		WithHandler(commands.CapabilityMove, HandlerFunc(func(context.Context, commands.Argument) (time.Duration, error) {
			return 0, errors.New("blocked by a wall")
		})),
		WithHandler(commands.CapabilityBuy, panickingHandler{}),
	)
	defer o.Close()

	reply := `<|move_begin|>left<|move_end|><|buy_begin|>cake<|buy_end|><|say_begin|> say("still here") <|say_end|>`
	if err := o.HandleReply(context.Background(), reply); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	if calls := renderer.calls(); len(calls) != 1 || calls[0].text != "still here" {
		t.Fatalf("expected last segment to run, got %#v", calls)
	}
	if completed := recorder.replyCompleted(t); completed.Segments != 3 || completed.Failed != 2 {
		t.Fatalf("expected 3 segments with 2 failures, got %#v", completed)
	}
	if failed := recorder.ofKind(events.KindSegmentFailed); len(failed) != 2 {
		t.Fatalf("expected two segment failed events, got %d", len(failed))
	}
}

type moverFunc func(ctx context.Context, target string) error

func (f moverFunc) Move(ctx context.Context, target string) error { return f(ctx, target) }

func TestDroppedCommandsAreReported(t *testing.T) {
	settings := instantSettings()
	settings.Permissions.Move = false

	var moves atomic.Int32
	recorder := &eventRecorder{}
	o := NewOrchestrator(
		WithSettings(settings),
		WithEventHandler(recorder.handle),
		WithMover(moverFunc(func(context.Context, string) error {
			moves.Add(1)
			return nil
		})),
	)
	defer o.Close()

	reply := `<|move_begin|>left<|move_end|> <|dance_begin|>x<|dance_end|> <|buy_begin|>cake<|buy_end|>`
	if err := o.HandleReply(context.Background(), reply); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	if moves.Load() != 0 {
		t.Fatalf("expected disabled move not to run")
	}
	reasons := recorder.dropReasons()
	expected := []string{events.DropDisabled, events.DropUnrecognized, events.DropNoHandler}
	if len(reasons) != len(expected) {
		t.Fatalf("expected drops %v, got %v", expected, reasons)
	}
	for i := range expected {
		if reasons[i] != expected[i] {
			t.Fatalf("expected drops %v, got %v", expected, reasons)
		}
	}
	if completed := recorder.replyCompleted(t); completed.Segments != 0 {
		t.Fatalf("expected no segments, got %d", completed.Segments)
	}
}

func TestReplyWithoutCommandsIsSpokenAsText(t *testing.T) {
	renderer := &rendererRecorder{}
	o := NewOrchestrator(WithSettings(instantSettings()), WithRenderer(renderer))
	defer o.Close()

	if err := o.HandleReply(context.Background(), "  Just chatting. "); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	if calls := renderer.calls(); len(calls) != 1 || calls[0].text != "Just chatting." || calls[0].animation != "" {
		t.Fatalf("expected prose to be shown once, got %#v", calls)
	}
}

func TestProseIsShownWhenConfigured(t *testing.T) {
	settings := instantSettings()
	settings.Display.ShowProse = true
	renderer := &rendererRecorder{}
	o := NewOrchestrator(WithSettings(settings), WithRenderer(renderer))
	defer o.Close()

	if err := o.HandleReply(context.Background(), helloReply); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	calls := renderer.calls()
	var texts []string
	for _, call := range calls {
		texts = append(texts, call.text)
	}
	if len(texts) != 3 || texts[0] != "Hi" || texts[1] != "hello" || texts[2] != "bye" {
		t.Fatalf("expected prose around the speak line, got %v", texts)
	}
}

func TestStreamingReplyDispatchesBeforeItCompletes(t *testing.T) {
	renderer := &rendererRecorder{}
	o := NewOrchestrator(WithSettings(instantSettings()), WithRenderer(renderer))
	defer o.Close()

	reply := o.NewReply()
	done := make(chan error, 1)
	go func() { done <- o.Respond(context.Background(), reply) }()

	reply.AddChunk(`<|say_begin|> say("one") <|say_end|> <|say_be`)
	waitFor(t, func() bool { return len(renderer.calls()) == 1 })

	reply.AddChunk(`gin|> say("two") <|say_end|>`)
	reply.Complete()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	calls := renderer.calls()
	if len(calls) != 2 || calls[0].text != "one" || calls[1].text != "two" {
		t.Fatalf("unexpected bubbles %#v", calls)
	}
}

func TestBufferedReplyWaitsForCompletion(t *testing.T) {
	settings := instantSettings()
	settings.TTS.Streaming = false
	renderer := &rendererRecorder{}
	o := NewOrchestrator(WithSettings(settings), WithRenderer(renderer))
	defer o.Close()

	reply := o.NewReply()
	done := make(chan error, 1)
	go func() { done <- o.Respond(context.Background(), reply) }()

	reply.AddChunk(`<|say_begin|> say("one") <|say_end|>`)
	time.Sleep(20 * time.Millisecond)
	if calls := renderer.calls(); len(calls) != 0 {
		t.Fatalf("expected nothing to run before the reply completes, got %#v", calls)
	}

	reply.Complete()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if calls := renderer.calls(); len(calls) != 1 {
		t.Fatalf("expected one bubble after completion, got %#v", calls)
	}
}

func TestSpeakPlaysPrefetchedAudio(t *testing.T) {
	settings := instantSettings()
	settings.TTS.Enabled = true
	renderer := &rendererRecorder{}
	o := NewOrchestrator(
		WithSettings(settings),
		WithRenderer(renderer),
		WithAudioSource(speech.AudioSourceFunc(func(_ context.Context, text string) ([]byte, error) {
			return []byte("audio:" + text), nil
		})),
	)
	defer o.Close()

	if err := o.HandleReply(context.Background(), helloReply); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	calls := renderer.calls()
	if len(calls) != 1 || string(calls[0].audio) != "audio:hello" {
		t.Fatalf("expected prefetched audio to be played, got %#v", calls)
	}
	if report := o.SpeechReport(); report.Completed != 1 || report.Failed != 0 {
		t.Fatalf("unexpected speech report %#v", report)
	}
}

func TestSpeakFallsBackToBubbleWhenDownloadFails(t *testing.T) {
	settings := instantSettings()
	settings.TTS.Enabled = true
	settings.TTS.QueuedDownload = false
	renderer := &rendererRecorder{}
	recorder := &eventRecorder{}
	o := NewOrchestrator(
		WithSettings(settings),
		WithRenderer(renderer),
		WithEventHandler(recorder.handle),
		WithAudioSource(speech.AudioSourceFunc(func(context.Context, string) ([]byte, error) {
			return nil, errors.New("synthesis unavailable")
		})),
	)
	defer o.Close()

	if err := o.HandleReply(context.Background(), helloReply); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	calls := renderer.calls()
	if len(calls) != 1 || calls[0].audio != nil || calls[0].text != "hello" {
		t.Fatalf("expected bubble only, got %#v", calls)
	}
	fallbacks := recorder.ofKind(events.KindSpeechFallback)
	if len(fallbacks) != 1 || fallbacks[0].(events.SpeechFallback).Target != events.FallbackBubbleOnly {
		t.Fatalf("expected one bubble fallback, got %#v", fallbacks)
	}
}

func TestSpeakUsesExternalSpeakerAndWaitsForPlayback(t *testing.T) {
	settings := instantSettings()
	settings.TTS.Enabled = true
	settings.Playback.PollInterval = 5 * time.Millisecond
	settings.Playback.StartTimeout = 20 * time.Millisecond

	var spoken []string
	var mu sync.Mutex
	renderer := &rendererRecorder{}
	o := NewOrchestrator(
		WithSettings(settings),
		WithRenderer(renderer),
		WithSpeaker(speech.SpeakerFunc(func(_ context.Context, text string) error {
			mu.Lock()
			defer mu.Unlock()
			spoken = append(spoken, text)
			return nil
		})),
		WithPlayer(playback.PlayerFunc(func(context.Context) (bool, error) { return false, nil })),
	)
	defer o.Close()

	if err := o.HandleReply(context.Background(), helloReply); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(spoken) != 1 || spoken[0] != "hello" {
		t.Fatalf("expected external speaker to say hello, got %v", spoken)
	}
	if calls := renderer.calls(); len(calls) != 1 || calls[0].animation != "happy" {
		t.Fatalf("expected bubble alongside external speech, got %#v", calls)
	}
	if report := o.SpeechReport(); report.Completed != 1 {
		t.Fatalf("expected one completed speech request, got %#v", report)
	}
}

func TestSpeakFallsBackWhenExternalSpeakerFails(t *testing.T) {
	settings := instantSettings()
	settings.TTS.Enabled = true
	renderer := &rendererRecorder{}
	recorder := &eventRecorder{}
	o := NewOrchestrator(
		WithSettings(settings),
		WithRenderer(renderer),
		WithEventHandler(recorder.handle),
		WithSpeaker(speech.SpeakerFunc(func(context.Context, string) error {
			return errors.New("speaker offline")
		})),
	)
	defer o.Close()

	if err := o.HandleReply(context.Background(), helloReply); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	if calls := renderer.calls(); len(calls) != 1 || calls[0].text != "hello" {
		t.Fatalf("expected bubble fallback, got %#v", calls)
	}
	fallbacks := recorder.ofKind(events.KindSpeechFallback)
	if len(fallbacks) != 1 || fallbacks[0].(events.SpeechFallback).Target != events.FallbackBubbleOnly {
		t.Fatalf("expected one bubble fallback, got %#v", fallbacks)
	}
}

func TestStateSegmentRunsThroughTransitionQueue(t *testing.T) {
	controller := &controllerStub{state: commands.StateNormal}
	o := NewOrchestrator(WithSettings(instantSettings()), WithPetController(controller))
	defer o.Close()

	reply := `<|action_begin|> sleep <|action_end|> <|action_begin|> work(copywriting) <|action_end|>`
	if err := o.HandleReply(context.Background(), reply); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	if !o.WaitForStateTransitions(time.Second) {
		t.Fatalf("expected transitions to drain")
	}
	controller.mu.Lock()
	defer controller.mu.Unlock()
	if len(controller.transitions) != 2 || controller.transitions[0] != commands.StateSleep || controller.state != commands.StateWork {
		t.Fatalf("unexpected transitions %v", controller.transitions)
	}
}

func TestRecordsArePersisted(t *testing.T) {
	settings := instantSettings()
	settings.Memory.Path = filepath.Join(t.TempDir(), "memory.db")
	o := NewOrchestrator(WithSettings(settings))
	defer o.Close()

	reply := `<|record_begin|> text("likes tea"), weight(7) <|record_end|> <|record_begin|> text("hates rain") <|record_end|>`
	if err := o.HandleReply(context.Background(), reply); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	records, err := o.Memory().List()
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(records) != 2 || records[0].Text != "likes tea" || records[0].Weight != 7 || records[1].Weight != 5 {
		t.Fatalf("unexpected records %#v", records)
	}
}

func TestRespondAfterCloseFails(t *testing.T) {
	o := NewOrchestrator(WithSettings(instantSettings()))
	o.Close()

	if err := o.HandleReply(context.Background(), "hi"); !errors.Is(err, ErrOrchestratorClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestLiveModePlaysPrefetchedAudioOneLineAtATime(t *testing.T) {
	settings := instantSettings()
	settings.TTS.Enabled = true
	settings.TTS.QueuedDownload = false
	settings.Dispatch.Queued = false

	var active, peak atomic.Int32
	renderer := &rendererRecorder{onSay: func(string) {
		current := active.Add(1)
		for {
			highest := peak.Load()
			if current <= highest || peak.CompareAndSwap(highest, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
	}}
	o := NewOrchestrator(
		WithSettings(settings),
		WithRenderer(renderer),
		WithAudioSource(speech.AudioSourceFunc(func(_ context.Context, text string) ([]byte, error) {
			if text == "one" {
				time.Sleep(30 * time.Millisecond)
			}
			return []byte("audio:" + text), nil
		})),
	)
	defer o.Close()

	reply := `<|say_begin|> say("one") <|say_end|><|say_begin|> say("two") <|say_end|><|say_begin|> say("three") <|say_end|>`
	if err := o.HandleReply(context.Background(), reply); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	calls := renderer.calls()
	if len(calls) != 3 {
		t.Fatalf("expected three lines of audio, got %#v", calls)
	}
	for i, want := range []string{"audio:one", "audio:two", "audio:three"} {
		if string(calls[i].audio) != want {
			t.Fatalf("expected audio in source order, got %q at %d", calls[i].audio, i)
		}
	}
	if peak.Load() != 1 {
		t.Fatalf("expected one line of audio at a time, peak was %d", peak.Load())
	}
}

func TestHangingDownloadFallsBackToBubble(t *testing.T) {
	settings := instantSettings()
	settings.TTS.Enabled = true
	settings.TTS.DownloadTimeout = 30 * time.Millisecond

	stuck := make(chan struct{})
	defer close(stuck)
	renderer := &rendererRecorder{}
	recorder := &eventRecorder{}
	o := NewOrchestrator(
		WithSettings(settings),
		WithRenderer(renderer),
		WithEventHandler(recorder.handle),
		WithAudioSource(speech.AudioSourceFunc(func(context.Context, string) ([]byte, error) {
			<-stuck
			return nil, nil
		})),
	)
	defer o.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.HandleReply(ctx, helloReply); err != nil {
		t.Fatalf("expected the reply to finish despite the hung download, got %v", err)
	}

	if calls := renderer.calls(); len(calls) != 1 || calls[0].audio != nil || calls[0].text != "hello" {
		t.Fatalf("expected bubble only, got %#v", calls)
	}
	fallbacks := recorder.ofKind(events.KindSpeechFallback)
	if len(fallbacks) != 1 || fallbacks[0].(events.SpeechFallback).Target != events.FallbackBubbleOnly {
		t.Fatalf("expected one bubble fallback, got %#v", fallbacks)
	}
}

func TestHangingSpeakerFallsBackToBubble(t *testing.T) {
	settings := instantSettings()
	settings.TTS.Enabled = true
	settings.TTS.SpeakTimeout = 30 * time.Millisecond

	stuck := make(chan struct{})
	defer close(stuck)
	renderer := &rendererRecorder{}
	recorder := &eventRecorder{}
	o := NewOrchestrator(
		WithSettings(settings),
		WithRenderer(renderer),
		WithEventHandler(recorder.handle),
		WithSpeaker(speech.SpeakerFunc(func(context.Context, string) error {
			<-stuck
			return nil
		})),
	)
	defer o.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.HandleReply(ctx, helloReply); err != nil {
		t.Fatalf("expected the reply to finish despite the hung speaker, got %v", err)
	}

	if calls := renderer.calls(); len(calls) != 1 || calls[0].text != "hello" {
		t.Fatalf("expected bubble fallback, got %#v", calls)
	}
	if report := o.SpeechReport(); report.Failed != 1 {
		t.Fatalf("expected the timed out request to be reported as failed, got %#v", report)
	}
}
