package playback

import "time"

type phase int

const (
	phaseWaitingForStart phase = iota
	phasePlaying
	phaseComplete
)

func (p phase) String() string {
	switch p {
	case phaseWaitingForStart:
		return "waiting_for_start"
	case phasePlaying:
		return "playing"
	case phaseComplete:
		return "complete"
	}
	return "unknown"
}

type observation struct {
	Playing  bool
	Complete bool
	Sample   ProgressSample
	// HasProgress is set when the sample comes from a StatusProvider.
	HasProgress bool
}

type outcome struct {
	done      bool
	completed bool
	reason    Reason
}

// machine is the completion state machine. It holds no clock: every step is
// given the time of the poll that produced it.
type machine struct {
	config   Config
	ceiling  time.Duration
	started  time.Time
	phase    phase
	last     ProgressSample
	lastMove time.Time
}

func newMachine(config Config, ceiling time.Duration, started time.Time) *machine {
	return &machine{config: config, ceiling: ceiling, started: started}
}

func (m *machine) observe(now time.Time, obs observation) outcome {
	if m.phase == phaseComplete {
		return outcome{done: true, completed: true}
	}

	if obs.Complete {
		return m.finish(true, ReasonCompleteFlag)
	}

	switch m.phase {
	case phaseWaitingForStart:
		if obs.Playing {
			m.phase = phasePlaying
			m.last = obs.Sample
			m.lastMove = now
			break
		}
		if now.Sub(m.started) >= m.config.StartTimeout {
			return m.finish(true, ReasonNeverStarted)
		}

	case phasePlaying:
		if !obs.Playing {
			return m.finish(true, ReasonStopped)
		}
		if obs.HasProgress {
			if !obs.Sample.unchanged(m.last) {
				m.last = obs.Sample
				m.lastMove = now
			} else if now.Sub(m.lastMove) >= m.config.StallThreshold {
				return m.finish(true, ReasonStalled)
			}
		}
	}

	return m.expire(now)
}

// expire applies only the time based rules. It is used for polls that
// failed to produce an observation.
func (m *machine) expire(now time.Time) outcome {
	if m.phase == phaseWaitingForStart && now.Sub(m.started) >= m.config.StartTimeout {
		return m.finish(true, ReasonNeverStarted)
	}
	if now.Sub(m.started) >= m.ceiling {
		return m.finish(false, ReasonTimeout)
	}
	return outcome{}
}

func (m *machine) finish(completed bool, reason Reason) outcome {
	m.phase = phaseComplete
	return outcome{done: true, completed: completed, reason: reason}
}
