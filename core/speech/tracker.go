package speech

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Report is a snapshot of the tracked operations. It is informational only.
type Report struct {
	Started   int
	Completed int
	Failed    int
	InFlight  int

	TotalDuration   time.Duration
	AverageDuration time.Duration
	MaxDuration     time.Duration

	// Errors tallies failures by error message.
	Errors map[string]int
	Since  time.Time
}

// Tracker records start and finish times of operations by id.
type Tracker struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	inFlight map[string]time.Time
	report   Report
}

func NewTracker(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		clock:    clock,
		inFlight: make(map[string]time.Time),
		report:   Report{Errors: make(map[string]int), Since: clock.Now()},
	}
}

func (t *Tracker) Start(id string) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inFlight[id]; ok {
		return
	}
	t.inFlight[id] = t.clock.Now()
	t.report.Started++
}

func (t *Tracker) Complete(id string) {
	t.finish(id, nil)
}

func (t *Tracker) Fail(id string, err error) {
	t.finish(id, err)
}

func (t *Tracker) finish(id string, err error) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	started, ok := t.inFlight[id]
	if !ok {
		return
	}
	delete(t.inFlight, id)

	elapsed := t.clock.Since(started)
	t.report.TotalDuration += elapsed
	t.report.MaxDuration = max(t.report.MaxDuration, elapsed)

	if err != nil {
		t.report.Failed++
		t.report.Errors[err.Error()]++
		return
	}
	t.report.Completed++
}

// Report returns a copy of the current statistics.
func (t *Tracker) Report() Report {
	if t == nil {
		return Report{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	report := t.report
	report.InFlight = len(t.inFlight)
	if finished := report.Completed + report.Failed; finished > 0 {
		report.AverageDuration = report.TotalDuration / time.Duration(finished)
	}
	report.Errors = make(map[string]int, len(t.report.Errors))
	for message, count := range t.report.Errors {
		report.Errors[message] = count
	}
	return report
}

// Reset zeroes the counters. Operations still in flight are forgotten.
func (t *Tracker) Reset() {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.inFlight = make(map[string]time.Time)
	t.report = Report{Errors: make(map[string]int), Since: t.clock.Now()}
}
