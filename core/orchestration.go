package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koscakluka/ema-vpet/core/config"
	"github.com/koscakluka/ema-vpet/core/events"
	"github.com/koscakluka/ema-vpet/core/memory"
	"github.com/koscakluka/ema-vpet/core/petstate"
	"github.com/koscakluka/ema-vpet/core/playback"
	"github.com/koscakluka/ema-vpet/core/plugins"
	"github.com/koscakluka/ema-vpet/core/ratelimit"
	"github.com/koscakluka/ema-vpet/core/speech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrOrchestratorClosed = errors.New("orchestrator closed")
)

// Orchestrator turns agent replies into ordered pet behaviour: speech
// bubbles, TTS playback, stat changes, mode changes and plugin calls.
type Orchestrator struct {
	clock clockwork.Clock

	settingsMu  sync.RWMutex
	settings    config.Settings
	settingsSet bool

	renderer      Renderer
	stats         PetStats
	mover         Mover
	shop          Shop
	settingWriter SettingWriter
	petController petstate.Controller
	speaker       speech.Speaker
	player        playback.Player
	audioSource   speech.AudioSource
	registry      *plugins.Registry
	memory        *memory.Store
	ownsMemory    bool
	limiter       *ratelimit.Limiter

	overrides     map[string]Handler
	handlers      map[string]Handler
	eventHandler  func(events.Event)
	onToolResults func([]ToolResult)
	emit          eventEmitter

	tracker    *speech.Tracker
	audio      *speech.Cache
	detector   *playback.Detector
	serializer *speech.Serializer
	states     *petstate.Queue

	// replyMu serializes replies; a new reply never preempts one in flight.
	replyMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{clock: clockwork.NewRealClock()}

	for _, opt := range opts {
		opt(o)
	}

	if !o.settingsSet {
		o.settings = config.Defaults()
	}
	if err := o.settings.Validate(); err != nil {
		logger.Warn("invalid settings, falling back to defaults", "error", err)
		o.settings = config.Defaults()
	}
	settings := o.settings

	o.emit = newCallbackEventEmitter(o.eventHandler)

	if o.memory == nil && settings.Memory.Path != "" {
		store, err := memory.Open(settings.Memory.Path)
		if err != nil {
			logger.Warn("failed to open memory store, records disabled", "path", settings.Memory.Path, "error", err)
		} else {
			o.memory = store
			o.ownsMemory = true
		}
	}

	if o.limiter == nil {
		o.limiter = ratelimit.New(o.clock)
	}
	if o.registry == nil {
		o.registry = plugins.NewRegistry()
	}

	o.tracker = speech.NewTracker(o.clock)

	if o.audioSource != nil {
		o.audio = speech.NewCache(o.audioSource, speech.WithFetchTimeout(settings.TTS.DownloadTimeout))
	}

	if o.player != nil {
		o.detector = playback.NewDetector(o.player,
			playback.WithClock(o.clock),
			playback.WithConfig(playback.Config{
				PollInterval:   settings.Playback.PollInterval,
				StartTimeout:   settings.Playback.StartTimeout,
				StallThreshold: settings.Playback.StallThreshold,
				SafetyCeiling:  settings.Playback.SafetyCeiling,
			}),
		)
	}

	// Every voiced line goes through the serializer, prefetched audio and
	// external speech alike, so at most one line plays at a time.
	serializerOpts := []speech.SerializerOption{
		speech.WithTracker(o.tracker),
		speech.WithSerializerClock(o.clock),
	}
	if o.renderer != nil {
		serializerOpts = append(serializerOpts,
			speech.WithAction(func(ctx context.Context, text, animation string) error {
				_, err := o.renderer.Say(ctx, text, animation, nil)
				return err
			}),
			speech.WithAudioPlayer(o.renderer.Say),
		)
	}
	if o.detector != nil {
		serializerOpts = append(serializerOpts, speech.WithCompletionWaiter(o.detector))
	}
	o.serializer = speech.NewSerializer(o.speaker, serializerOpts...)

	if o.petController != nil {
		o.states = petstate.NewQueue(o.petController,
			petstate.WithClock(o.clock),
			petstate.WithTransitionTimeout(settings.State.TransitionTimeout),
			petstate.WithFailureCallback(func(failure petstate.Failure) {
				o.emit(events.NewStateTransitionFailed(failure.Request.Target, failure.Previous, failure.Err.Error()))
			}),
		)
	}

	o.handlers = o.defaultHandlers()
	for capability, handler := range o.overrides {
		if handler == nil {
			delete(o.handlers, capability)
			continue
		}
		o.handlers[capability] = handler
	}

	return o
}

// Close stops accepting replies, waits for the one in flight and releases
// owned resources.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.closed.Store(true)

		o.replyMu.Lock()
		defer o.replyMu.Unlock()

		o.serializer.Close()
		o.states.Close()
		o.audio.Clear()

		if o.ownsMemory {
			if err := o.memory.Close(); err != nil {
				logger.Error("failed to close memory store", "error", err)
			}
		}
	})
}

// Settings returns a copy of the current settings.
func (o *Orchestrator) Settings() config.Settings {
	o.settingsMu.RLock()
	defer o.settingsMu.RUnlock()
	return o.settings
}

// SetSettings replaces the settings used by replies started afterwards. A
// reply in flight keeps the snapshot it started with.
func (o *Orchestrator) SetSettings(settings config.Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	o.settingsMu.Lock()
	defer o.settingsMu.Unlock()
	o.settings = settings
	return nil
}

// SpeechReport summarizes spoken lines so far.
func (o *Orchestrator) SpeechReport() speech.Report {
	return o.tracker.Report()
}

// Memory returns the record store, or nil when records are not persisted.
func (o *Orchestrator) Memory() *memory.Store {
	return o.memory
}

// CallPlugin invokes a plugin outside any reply. Such calls are always
// checked against the rate limiter.
func (o *Orchestrator) CallPlugin(ctx context.Context, name, args string) (string, error) {
	if o.closed.Load() {
		return "", ErrOrchestratorClosed
	}

	ctx, span := tracer.Start(ctx, "call plugin")
	defer span.End()
	span.SetAttributes(attribute.String("plugin.name", name))

	resolved, ok := o.registry.ResolvePlugin(name)
	if !ok {
		err := fmt.Errorf("%w: %s", plugins.ErrNotFound, name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	limits := o.Settings().RateLimits.Plugin
	if !o.limiter.Acquire(pluginBucket(resolved), limits.Max, limits.Window) {
		logger.InfoContext(ctx, "plugin call rate limited", "plugin", resolved)
		o.emit(events.NewCommandDropped("", resolved, events.DropRateLimited))
		return "", ErrRateLimited
	}

	return o.registry.InvokePlugin(ctx, resolved, args)
}

// WaitForStateTransitions reports whether every requested mode change
// finished within timeout.
func (o *Orchestrator) WaitForStateTransitions(timeout time.Duration) bool {
	return o.states.WaitForDrain(timeout)
}

func pluginBucket(name string) string { return "plugin:" + name }
func toolBucket(name string) string   { return "tool:" + name }
