package progress

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSelfieStagesFireInScheduleOrder(t *testing.T) {
	e := NewEstimator(discardLogger())
	defer e.Stop()

	var mu sync.Mutex
	var got []Update
	e.StartSelfieStages(
		[]string{"Analysing", "Blending", "Final touches"},
		[]time.Duration{10 * time.Millisecond, 30 * time.Millisecond, 60 * time.Millisecond},
		func(u Update) {
			mu.Lock()
			got = append(got, u)
			mu.Unlock()
		},
	)

	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("got %d updates, want 3: %+v", len(got), got)
	}
	for i, u := range got {
		if u.Stage != i+1 {
			t.Errorf("update %d stage = %d, want %d", i, u.Stage, i+1)
		}
	}
	if got[0].Label != "Analysing" || got[2].Label != "Final touches" {
		t.Errorf("labels out of order: %+v", got)
	}
}

func TestStopCancelsPendingStages(t *testing.T) {
	e := NewEstimator(discardLogger())

	var mu sync.Mutex
	var got []Update
	e.StartSelfieStages(
		[]string{"first", "second"},
		[]time.Duration{10 * time.Millisecond, 500 * time.Millisecond},
		func(u Update) {
			mu.Lock()
			got = append(got, u)
			mu.Unlock()
		},
	)

	time.Sleep(40 * time.Millisecond)
	e.Stop()
	time.Sleep(550 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d updates after stop, want 1 (the second timer must be cancelled): %+v", len(got), got)
	}
}

func TestNoUpdateAfterStopReturns(t *testing.T) {
	e := NewEstimator(discardLogger())

	var mu sync.Mutex
	stopped := false
	e.StartSelfieStages(
		[]string{"a", "b", "c", "d"},
		[]time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond, 4 * time.Millisecond},
		func(u Update) {
			mu.Lock()
			if stopped {
				t.Error("update delivered after Stop returned")
			}
			mu.Unlock()
		},
	)

	time.Sleep(2 * time.Millisecond)
	e.Stop()
	mu.Lock()
	stopped = true
	mu.Unlock()

	time.Sleep(20 * time.Millisecond)
}

func TestStoryTickerPercentAndRotation(t *testing.T) {
	e := NewEstimator(discardLogger())
	defer e.Stop()

	var mu sync.Mutex
	var got []Update
	e.StartStoryTicker(
		15*time.Millisecond,
		[]string{"plotting", "writing"},
		300*time.Millisecond,
		func(u Update) {
			mu.Lock()
			got = append(got, u)
			mu.Unlock()
		},
	)

	time.Sleep(100 * time.Millisecond)
	e.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) < 3 {
		t.Fatalf("got %d ticks, want several", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Percent < got[i-1].Percent {
			t.Errorf("percent regressed: %+v", got)
		}
	}
	for _, u := range got {
		if u.Percent > 99 {
			t.Errorf("fabricated percent reached %d, must stay below 100", u.Percent)
		}
	}
	if got[0].Label != "plotting" || got[1].Label != "writing" || got[2].Label != "plotting" {
		t.Errorf("messages should rotate: %q %q %q", got[0].Label, got[1].Label, got[2].Label)
	}
}

func TestStoryTickerZeroETADoesNotPanic(t *testing.T) {
	e := NewEstimator(discardLogger())
	defer e.Stop()

	var mu sync.Mutex
	var got []Update
	e.StartStoryTicker(5*time.Millisecond, []string{"m"}, 0, func(u Update) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})

	time.Sleep(30 * time.Millisecond)
	e.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("no ticks delivered with a clamped ETA")
	}
	for _, u := range got {
		if u.Percent > 99 {
			t.Errorf("percent reached %d with zero ETA, must stay below 100", u.Percent)
		}
	}
}

func TestStoryTickerStopsDelivering(t *testing.T) {
	e := NewEstimator(discardLogger())

	var mu sync.Mutex
	count := 0
	e.StartStoryTicker(5*time.Millisecond, []string{"m"}, time.Second, func(u Update) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	time.Sleep(30 * time.Millisecond)
	e.Stop()

	mu.Lock()
	after := count
	mu.Unlock()

	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != after {
		t.Errorf("ticks continued after Stop: %d -> %d", after, count)
	}
}

func TestStopIsIdempotentAndBlocksLateStarts(t *testing.T) {
	e := NewEstimator(discardLogger())
	e.Stop()
	e.Stop()

	fired := false
	e.StartSelfieStages([]string{"late"}, []time.Duration{time.Millisecond}, func(Update) { fired = true })
	e.StartStoryTicker(time.Millisecond, []string{"late"}, time.Second, func(Update) { fired = true })

	time.Sleep(20 * time.Millisecond)
	if fired {
		t.Error("start after Stop must be a no-op")
	}
}
