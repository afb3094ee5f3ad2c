package playback

import (
	"context"
	"time"
)

// Player is the minimal view of an external speech player: it only reports
// whether something is currently playing. Calls should return once ctx is
// done; a call that does not is abandoned when the wait ends.
type Player interface {
	IsPlaying(ctx context.Context) (bool, error)
}

// StatusProvider is an optional capability for players that expose more
// than a playing flag. When a Player also implements it the detector uses
// Status exclusively and enables the stall rule.
type StatusProvider interface {
	Player
	Status(ctx context.Context) (Status, error)
}

type Status struct {
	Playing bool
	// Complete is an explicit "playback finished" flag.
	Complete bool
	Sample   ProgressSample
}

// ProgressSample is a snapshot of the player's progress. Samples are only
// compared across polls, never modified.
type ProgressSample struct {
	Progress      float64
	Position      time.Duration
	Duration      time.Duration
	LastHeartbeat time.Time
}

// unchanged reports whether neither progress nor heartbeat moved. Duration is
// ignored since some players refine it while playing.
func (s ProgressSample) unchanged(other ProgressSample) bool {
	return s.Progress == other.Progress &&
		s.Position == other.Position &&
		s.LastHeartbeat.Equal(other.LastHeartbeat)
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context) (bool, error)

func (f PlayerFunc) IsPlaying(ctx context.Context) (bool, error) { return f(ctx) }
