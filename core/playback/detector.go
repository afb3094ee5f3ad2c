package playback

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Reason string

const (
	ReasonNeverStarted Reason = "never_started"
	ReasonCompleteFlag Reason = "complete_flag"
	ReasonStopped      Reason = "stopped"
	ReasonStalled      Reason = "stalled"
	ReasonTimeout      Reason = "timeout"
	ReasonCancelled    Reason = "cancelled"
)

// Config holds the detector timings. The stall threshold and safety ceiling
// depend on how quickly a given player reports its status, so they are
// configuration rather than constants.
type Config struct {
	PollInterval   time.Duration
	StartTimeout   time.Duration
	StallThreshold time.Duration
	SafetyCeiling  time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   100 * time.Millisecond,
		StartTimeout:   2 * time.Second,
		StallThreshold: 3 * time.Second,
		SafetyCeiling:  5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaults.StartTimeout
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = defaults.StallThreshold
	}
	if c.SafetyCeiling <= 0 {
		c.SafetyCeiling = defaults.SafetyCeiling
	}
	return c
}

// Result describes how a wait ended. Completed is false only when the
// safety ceiling was reached or the context was cancelled.
type Result struct {
	Completed bool
	Reason    Reason
	Elapsed   time.Duration
}

// Detector decides when an external player has finished playing.
type Detector struct {
	player Player
	status StatusProvider
	clock  clockwork.Clock
	config Config
}

type DetectorOption func(*Detector)

func WithClock(clock clockwork.Clock) DetectorOption {
	return func(d *Detector) {
		if clock != nil {
			d.clock = clock
		}
	}
}

func WithConfig(config Config) DetectorOption {
	return func(d *Detector) {
		d.config = config.withDefaults()
	}
}

func NewDetector(player Player, opts ...DetectorOption) *Detector {
	d := &Detector{
		player: player,
		clock:  clockwork.NewRealClock(),
		config: DefaultConfig(),
	}
	if provider, ok := player.(StatusProvider); ok {
		d.status = provider
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WaitForCompletion blocks until playback is considered done and reports
// whether it completed. A timeout of zero uses the configured safety ceiling.
func (d *Detector) WaitForCompletion(ctx context.Context, timeout time.Duration) bool {
	return d.Wait(ctx, timeout).Completed
}

func (d *Detector) Wait(ctx context.Context, timeout time.Duration) Result {
	if d == nil || d.player == nil {
		return Result{Completed: true, Reason: ReasonNeverStarted}
	}

	ctx, span := tracer.Start(ctx, "wait for playback completion")
	defer span.End()

	ceiling := d.config.SafetyCeiling
	if timeout > 0 {
		ceiling = timeout
	}

	started := d.clock.Now()
	m := newMachine(d.config, ceiling, started)
	ticker := d.clock.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	result := func(out outcome, now time.Time) Result {
		r := Result{Completed: out.completed, Reason: out.reason, Elapsed: now.Sub(started)}
		span.SetAttributes(
			attribute.String("playback.reason", string(r.Reason)),
			attribute.Int64("playback.elapsed_ms", r.Elapsed.Milliseconds()),
		)
		if !r.Completed {
			span.SetStatus(codes.Error, "playback did not complete")
			logger.WarnContext(ctx, "playback did not complete", "reason", r.Reason, "elapsed", r.Elapsed)
		}
		playbackWaitsTotal.WithLabelValues(string(r.Reason)).Inc()
		playbackWaitDurationMS.Observe(float64(r.Elapsed.Milliseconds()))
		return r
	}

	// Polls run one at a time off the wait loop, so a player that never
	// answers still lets the time based rules fire on the following ticks.
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	polls := make(chan polled, 1)
	polling := false
	var pollAt time.Time
	startPoll := func(now time.Time) {
		polling, pollAt = true, now
		go func() {
			obs, err := d.poll(pollCtx)
			polls <- polled{obs: obs, err: err}
		}()
	}

	startPoll(started)
	for {
		select {
		case <-ctx.Done():
			return result(outcome{done: true, reason: ReasonCancelled}, d.clock.Now())
		case p := <-polls:
			polling = false
			if out := d.step(ctx, m, pollAt, p); out.done {
				return result(out, pollAt)
			}
		case now := <-ticker.Chan():
			if !polling {
				startPoll(now)
				continue
			}
			logger.DebugContext(ctx, "playback status poll still running", "phase", m.phase.String())
			if out := m.expire(now); out.done {
				return result(out, now)
			}
		}
	}
}

type polled struct {
	obs observation
	err error
}

func (d *Detector) step(ctx context.Context, m *machine, now time.Time, p polled) outcome {
	if p.err != nil {
		logger.DebugContext(ctx, "playback status poll failed", "error", p.err, "phase", m.phase.String())
		return m.expire(now)
	}
	return m.observe(now, p.obs)
}

func (d *Detector) poll(ctx context.Context) (observation, error) {
	if d.status != nil {
		status, err := d.status.Status(ctx)
		if err != nil {
			return observation{}, err
		}
		return observation{
			Playing:     status.Playing,
			Complete:    status.Complete,
			Sample:      status.Sample,
			HasProgress: true,
		}, nil
	}

	playing, err := d.player.IsPlaying(ctx)
	if err != nil {
		return observation{}, err
	}
	return observation{Playing: playing}, nil
}
