package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-vpet/core/commands"
	"github.com/koscakluka/ema-vpet/core/config"
	"github.com/koscakluka/ema-vpet/core/events"
)

// instantSettings disables TTS and every display wait so replies finish as
// soon as their handlers do.
func instantSettings() config.Settings {
	settings := config.Defaults()
	settings.TTS.Enabled = false
	settings.Display.PerCharacter = 0
	settings.Display.MinDuration = 0
	settings.Display.MaxDuration = 0
	return settings
}

type sayCall struct {
	text      string
	animation string
	audio     []byte
}

type rendererRecorder struct {
	mu         sync.Mutex
	said       []sayCall
	animations []string
	hint       time.Duration
	sayErr     error
	onSay      func(text string)
}

func (r *rendererRecorder) Say(_ context.Context, text, animation string, audio []byte) (time.Duration, error) {
	r.mu.Lock()
	r.said = append(r.said, sayCall{text: text, animation: animation, audio: audio})
	onSay := r.onSay
	r.mu.Unlock()

	if onSay != nil {
		onSay(text)
	}
	return r.hint, r.sayErr
}

func (r *rendererRecorder) PlayAnimation(_ context.Context, name string) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.animations = append(r.animations, name)
	return 0, nil
}

func (r *rendererRecorder) calls() []sayCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sayCall(nil), r.said...)
}

type statsRecorder struct {
	mu     sync.Mutex
	values map[commands.Stat]int
}

func newStatsRecorder(values map[commands.Stat]int) *statsRecorder {
	return &statsRecorder{values: values}
}

func (s *statsRecorder) Stat(stat commands.Stat) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[stat]
}

func (s *statsRecorder) ChangeStat(_ context.Context, stat commands.Stat, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[stat] += delta
	return nil
}

type controllerStub struct {
	mu          sync.Mutex
	state       string
	transitions []string
}

func (c *controllerStub) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *controllerStub) set(state string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.transitions = append(c.transitions, state)
	return nil
}

func (c *controllerStub) Sleep(context.Context) error                { return c.set(commands.StateSleep) }
func (c *controllerStub) Work(context.Context, string) error         { return c.set(commands.StateWork) }
func (c *controllerStub) Study(context.Context, string) error        { return c.set(commands.StateStudy) }
func (c *controllerStub) Normal(context.Context) error               { return c.set(commands.StateNormal) }
func (c *controllerStub) SetState(_ context.Context, s string) error { return c.set(s) }

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) handle(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) ofKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matching []events.Event
	for _, event := range r.events {
		if event.Kind() == kind {
			matching = append(matching, event)
		}
	}
	return matching
}

func (r *eventRecorder) replyCompleted(t *testing.T) events.ReplyCompleted {
	t.Helper()
	completed := r.ofKind(events.KindReplyCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected one reply completed event, got %d", len(completed))
	}
	return completed[0].(events.ReplyCompleted)
}

func (r *eventRecorder) dropReasons() []string {
	var reasons []string
	for _, event := range r.ofKind(events.KindCommandDropped) {
		reasons = append(reasons, event.(events.CommandDropped).Reason)
	}
	return reasons
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}
