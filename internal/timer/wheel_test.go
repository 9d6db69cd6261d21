package timer

import (
	"testing"
	"time"
)

func TestHighPriorityRunsBeforeNormalWithinSameTick(t *testing.T) {
	w := NewWheel()
	now := time.Unix(1000, 0)
	var order []string

	w.Schedule(now, time.Second, Normal, func(time.Time) bool {
		order = append(order, "normal")
		return false
	})
	w.Schedule(now, time.Second, High, func(time.Time) bool {
		order = append(order, "high")
		return false
	})

	tick := now.Add(time.Second)
	w.RunDue(tick, High)
	w.RunDue(tick, Normal)

	if len(order) != 2 || order[0] != "high" || order[1] != "normal" {
		t.Fatalf("order = %v, want [high normal]", order)
	}
}

func TestRearmReschedulesFromOriginalDue(t *testing.T) {
	w := NewWheel()
	now := time.Unix(1000, 0)
	fires := 0

	w.Schedule(now, 10*time.Second, Normal, func(time.Time) bool {
		fires++
		return fires < 2
	})

	w.RunDue(now.Add(10*time.Second), Normal)
	if fires != 1 {
		t.Fatalf("fires = %d, want 1", fires)
	}

	next, ok := w.NextDeadline()
	if !ok {
		t.Fatalf("expected rearm to leave a scheduled timer")
	}
	want := now.Add(20 * time.Second)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	w.RunDue(now.Add(20*time.Second), Normal)
	if fires != 2 {
		t.Fatalf("fires = %d, want 2", fires)
	}
	if _, ok := w.NextDeadline(); ok {
		t.Fatalf("expected no timer left after second (non-rearming) fire")
	}
}

func TestCancelRemovesTimer(t *testing.T) {
	w := NewWheel()
	now := time.Unix(1000, 0)
	fired := false

	h := w.Schedule(now, time.Second, Normal, func(time.Time) bool {
		fired = true
		return false
	})
	w.Cancel(h)
	w.RunDue(now.Add(time.Hour), Normal)

	if fired {
		t.Fatalf("cancelled timer fired")
	}
}

func TestNextDeadlinePicksEarliestAcrossBuckets(t *testing.T) {
	w := NewWheel()
	now := time.Unix(1000, 0)

	w.Schedule(now, 30*time.Second, Normal, func(time.Time) bool { return false })
	w.Schedule(now, 5*time.Second, High, func(time.Time) bool { return false })

	next, ok := w.NextDeadline()
	if !ok {
		t.Fatalf("expected a deadline")
	}
	if !next.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("next = %v, want %v", next, now.Add(5*time.Second))
	}
}
