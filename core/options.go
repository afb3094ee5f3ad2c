package orchestration

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koscakluka/ema-vpet/core/commands"
	"github.com/koscakluka/ema-vpet/core/config"
	"github.com/koscakluka/ema-vpet/core/events"
	"github.com/koscakluka/ema-vpet/core/memory"
	"github.com/koscakluka/ema-vpet/core/petstate"
	"github.com/koscakluka/ema-vpet/core/playback"
	"github.com/koscakluka/ema-vpet/core/plugins"
	"github.com/koscakluka/ema-vpet/core/ratelimit"
	"github.com/koscakluka/ema-vpet/core/speech"
)

type OrchestratorOption func(*Orchestrator)

// Renderer is the avatar's display capability.
type Renderer interface {
	// Say shows text in a speech bubble with an optional animation. audio is
	// nil when there is nothing to play. The returned duration is how long
	// the bubble (or the audio) keeps going after Say returns.
	Say(ctx context.Context, text, animation string, audio []byte) (time.Duration, error)
	PlayAnimation(ctx context.Context, name string) (time.Duration, error)
}

// PetStats reads and changes the pet's numeric stats.
type PetStats interface {
	Stat(stat commands.Stat) int
	ChangeStat(ctx context.Context, stat commands.Stat, delta int) error
}

type Mover interface {
	Move(ctx context.Context, target string) error
}

type Shop interface {
	Buy(ctx context.Context, item string) error
}

// SettingWriter applies `vpet_setting` commands.
type SettingWriter interface {
	ApplySetting(ctx context.Context, key, value string) error
}

func WithRenderer(renderer Renderer) OrchestratorOption {
	return func(o *Orchestrator) { o.renderer = renderer }
}

func WithPetStats(stats PetStats) OrchestratorOption {
	return func(o *Orchestrator) { o.stats = stats }
}

func WithMover(mover Mover) OrchestratorOption {
	return func(o *Orchestrator) { o.mover = mover }
}

func WithShop(shop Shop) OrchestratorOption {
	return func(o *Orchestrator) { o.shop = shop }
}

func WithSettingWriter(writer SettingWriter) OrchestratorOption {
	return func(o *Orchestrator) { o.settingWriter = writer }
}

// WithPetController enables State segments through a transition queue.
func WithPetController(controller petstate.Controller) OrchestratorOption {
	return func(o *Orchestrator) { o.petController = controller }
}

// WithSpeaker configures an external TTS engine used when no prefetched
// audio is available.
func WithSpeaker(speaker speech.Speaker) OrchestratorOption {
	return func(o *Orchestrator) { o.speaker = speaker }
}

// WithPlayer configures the external player watched after the speaker was
// asked to speak. A player that also implements playback.StatusProvider
// enables stall detection.
func WithPlayer(player playback.Player) OrchestratorOption {
	return func(o *Orchestrator) { o.player = player }
}

// WithAudioSource configures where speak lines are downloaded from.
func WithAudioSource(source speech.AudioSource) OrchestratorOption {
	return func(o *Orchestrator) { o.audioSource = source }
}

func WithPlugins(registry *plugins.Registry) OrchestratorOption {
	return func(o *Orchestrator) { o.registry = registry }
}

// WithMemoryStore overrides the store opened from memory.path.
func WithMemoryStore(store *memory.Store) OrchestratorOption {
	return func(o *Orchestrator) { o.memory = store }
}

func WithRateLimiter(limiter *ratelimit.Limiter) OrchestratorOption {
	return func(o *Orchestrator) { o.limiter = limiter }
}

func WithSettings(settings config.Settings) OrchestratorOption {
	return func(o *Orchestrator) {
		o.settings = settings
		o.settingsSet = true
	}
}

func WithClock(clock clockwork.Clock) OrchestratorOption {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithHandler replaces the handler for a capability key such as
// commands.CapabilityMove.
func WithHandler(capability string, handler Handler) OrchestratorOption {
	return func(o *Orchestrator) {
		if o.overrides == nil {
			o.overrides = make(map[string]Handler)
		}
		o.overrides[capability] = handler
	}
}

func WithEventHandler(handler func(events.Event)) OrchestratorOption {
	return func(o *Orchestrator) { o.eventHandler = handler }
}

// WithToolResultsCallback receives the plugin and tool results of a reply
// once, after its last segment.
func WithToolResultsCallback(callback func(results []ToolResult)) OrchestratorOption {
	return func(o *Orchestrator) { o.onToolResults = callback }
}
