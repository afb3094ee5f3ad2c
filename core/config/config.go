// Package config loads the settings the orchestrator consumes.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/koscakluka/ema-vpet/core/commands"
	"github.com/spf13/viper"
)

const envPrefix = "VPET"

type TTS struct {
	Enabled bool
	// Streaming processes a reply while it arrives. Otherwise the reply is
	// buffered until complete.
	Streaming bool
	// QueuedDownload pipelines audio downloads one at a time instead of
	// starting them all at once.
	QueuedDownload         bool
	MaxConcurrentDownloads int
	// DownloadTimeout bounds how long a line waits for its audio before
	// falling back to the external speaker or a bubble.
	DownloadTimeout time.Duration
	// SpeakTimeout bounds each call handing a line to the speaker or the
	// renderer.
	SpeakTimeout time.Duration
}

type Dispatch struct {
	// Queued waits for every command to finish before starting the next.
	Queued      bool
	TaskTimeout time.Duration
}

type Permissions struct {
	Move     bool
	Buy      bool
	State    bool
	Stats    bool
	Plugins  bool
	Tools    bool
	Settings bool
	Records  bool
}

type Bucket struct {
	Max    int
	Window time.Duration
}

type RateLimits struct {
	Plugin Bucket
	Tool   Bucket
}

type Playback struct {
	PollInterval   time.Duration
	StartTimeout   time.Duration
	StallThreshold time.Duration
	SafetyCeiling  time.Duration
}

// Display controls how long a speech bubble stays up when there is no audio
// to wait for.
type Display struct {
	PerCharacter time.Duration
	MinDuration  time.Duration
	MaxDuration  time.Duration
	ShowProse    bool
}

type Stats struct {
	MaxChangeRatio float64
	MinStep        int
}

type State struct {
	TransitionTimeout time.Duration
}

type Memory struct {
	Path string
}

type Settings struct {
	TTS         TTS
	Dispatch    Dispatch
	Permissions Permissions
	RateLimits  RateLimits
	Playback    Playback
	Display     Display
	Stats       Stats
	State       State
	Memory      Memory
}

var defaults = map[string]any{
	"tts.enabled":                  true,
	"tts.streaming":                true,
	"tts.queued_download":          true,
	"tts.max_concurrent_downloads": 4,
	"tts.download_timeout":         "15s",
	"tts.speak_timeout":            "10s",

	"dispatch.queued":       true,
	"dispatch.task_timeout": "30s",

	"permissions.move":     true,
	"permissions.buy":      true,
	"permissions.state":    true,
	"permissions.stats":    true,
	"permissions.plugins":  true,
	"permissions.tools":    true,
	"permissions.settings": true,
	"permissions.records":  true,

	"rate_limits.plugin.max":    1,
	"rate_limits.plugin.window": "30s",
	"rate_limits.tool.max":      3,
	"rate_limits.tool.window":   "1m",

	"playback.poll_interval":   "100ms",
	"playback.start_timeout":   "2s",
	"playback.stall_threshold": "3s",
	"playback.safety_ceiling":  "5m",

	"display.per_character": "80ms",
	"display.min_duration":  "1s",
	"display.max_duration":  "10s",
	"display.show_prose":    false,

	"stats.max_change_ratio": 0.2,
	"stats.min_step":         1,

	"state.transition_timeout": "10s",

	"memory.path": "",
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	settings, _ := fromViper(newViper())
	return settings
}

// Load reads settings from an optional file (YAML, JSON or TOML) and
// VPET_ prefixed environment variables, e.g. VPET_TTS_ENABLED=false.
func Load(path string) (Settings, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

func fromViper(v *viper.Viper) (Settings, error) {
	var s Settings

	s.TTS.Enabled = v.GetBool("tts.enabled")
	s.TTS.Streaming = v.GetBool("tts.streaming")
	s.TTS.QueuedDownload = v.GetBool("tts.queued_download")
	s.TTS.MaxConcurrentDownloads = v.GetInt("tts.max_concurrent_downloads")
	s.TTS.DownloadTimeout = v.GetDuration("tts.download_timeout")
	s.TTS.SpeakTimeout = v.GetDuration("tts.speak_timeout")

	s.Dispatch.Queued = v.GetBool("dispatch.queued")
	s.Dispatch.TaskTimeout = v.GetDuration("dispatch.task_timeout")

	s.Permissions.Move = v.GetBool("permissions.move")
	s.Permissions.Buy = v.GetBool("permissions.buy")
	s.Permissions.State = v.GetBool("permissions.state")
	s.Permissions.Stats = v.GetBool("permissions.stats")
	s.Permissions.Plugins = v.GetBool("permissions.plugins")
	s.Permissions.Tools = v.GetBool("permissions.tools")
	s.Permissions.Settings = v.GetBool("permissions.settings")
	s.Permissions.Records = v.GetBool("permissions.records")

	s.RateLimits.Plugin.Max = v.GetInt("rate_limits.plugin.max")
	s.RateLimits.Plugin.Window = v.GetDuration("rate_limits.plugin.window")
	s.RateLimits.Tool.Max = v.GetInt("rate_limits.tool.max")
	s.RateLimits.Tool.Window = v.GetDuration("rate_limits.tool.window")

	s.Playback.PollInterval = v.GetDuration("playback.poll_interval")
	s.Playback.StartTimeout = v.GetDuration("playback.start_timeout")
	s.Playback.StallThreshold = v.GetDuration("playback.stall_threshold")
	s.Playback.SafetyCeiling = v.GetDuration("playback.safety_ceiling")

	s.Display.PerCharacter = v.GetDuration("display.per_character")
	s.Display.MinDuration = v.GetDuration("display.min_duration")
	s.Display.MaxDuration = v.GetDuration("display.max_duration")
	s.Display.ShowProse = v.GetBool("display.show_prose")

	s.Stats.MaxChangeRatio = v.GetFloat64("stats.max_change_ratio")
	s.Stats.MinStep = v.GetInt("stats.min_step")

	s.State.TransitionTimeout = v.GetDuration("state.transition_timeout")

	s.Memory.Path = v.GetString("memory.path")

	return s, s.Validate()
}

// Validate rejects settings the orchestrator cannot work with.
func (s Settings) Validate() error {
	switch {
	case s.Display.MinDuration > s.Display.MaxDuration:
		return fmt.Errorf("display.min_duration (%s) exceeds display.max_duration (%s)", s.Display.MinDuration, s.Display.MaxDuration)
	case s.Stats.MaxChangeRatio < 0:
		return fmt.Errorf("stats.max_change_ratio must not be negative, got %v", s.Stats.MaxChangeRatio)
	case s.TTS.MaxConcurrentDownloads < 0:
		return fmt.Errorf("tts.max_concurrent_downloads must not be negative, got %d", s.TTS.MaxConcurrentDownloads)
	case s.TTS.DownloadTimeout <= 0:
		return fmt.Errorf("tts.download_timeout must be positive, got %s", s.TTS.DownloadTimeout)
	case s.TTS.SpeakTimeout <= 0:
		return fmt.Errorf("tts.speak_timeout must be positive, got %s", s.TTS.SpeakTimeout)
	}
	return nil
}

// CommandPermissions converts the enable flags for the classifier.
func (p Permissions) CommandPermissions() commands.Permissions {
	return commands.Permissions{
		Move:     p.Move,
		Buy:      p.Buy,
		State:    p.State,
		Stats:    p.Stats,
		Plugins:  p.Plugins,
		Tools:    p.Tools,
		Settings: p.Settings,
		Records:  p.Records,
	}
}

// BubbleDuration estimates how long text takes to print in a speech bubble.
func (d Display) BubbleDuration(text string) time.Duration {
	estimate := time.Duration(len([]rune(text))) * d.PerCharacter
	return min(max(estimate, d.MinDuration), d.MaxDuration)
}
