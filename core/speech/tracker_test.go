package speech

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestTrackerReport(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tracker := NewTracker(clock)

	tracker.Start("a")
	tracker.Start("b")
	tracker.Start("c")
	clock.Advance(2 * time.Second)
	tracker.Complete("a")
	clock.Advance(2 * time.Second)
	tracker.Fail("b", errors.New("boom"))

	report := tracker.Report()
	if report.Started != 3 || report.Completed != 1 || report.Failed != 1 || report.InFlight != 1 {
		t.Fatalf("unexpected counts %#v", report)
	}
	if report.MaxDuration != 4*time.Second {
		t.Fatalf("expected max duration 4s, got %v", report.MaxDuration)
	}
	if report.AverageDuration != 3*time.Second {
		t.Fatalf("expected average duration 3s, got %v", report.AverageDuration)
	}
	if report.Errors["boom"] != 1 {
		t.Fatalf("expected error tally for boom, got %#v", report.Errors)
	}
}

func TestTrackerIgnoresUnknownAndDuplicateIDs(t *testing.T) {
	tracker := NewTracker(clockwork.NewFakeClock())

	tracker.Complete("missing")
	tracker.Start("a")
	tracker.Start("a")

	report := tracker.Report()
	if report.Started != 1 || report.Completed != 0 {
		t.Fatalf("unexpected counts %#v", report)
	}

	report.Errors["mutated"] = 1
	if _, ok := tracker.Report().Errors["mutated"]; ok {
		t.Fatalf("expected report to be a copy")
	}
}
