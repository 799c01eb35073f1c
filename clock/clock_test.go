package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	clk := NewFake(epoch)

	var fired []string
	clk.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	clk.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	clk.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	clk.AfterFunc(2*time.Second, func() { fired = append(fired, "b2") })

	clk.Advance(2 * time.Second)
	if got := len(fired); got != 3 {
		t.Fatalf("expected 3 timers to fire, got %d (%v)", got, fired)
	}
	want := []string{"a", "b", "b2"}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("expected fired[%d] = %q, got %q", i, want[i], fired[i])
		}
	}

	if clk.Pending() != 1 {
		t.Errorf("expected 1 pending timer, got %d", clk.Pending())
	}

	clk.Advance(time.Second)
	if len(fired) != 4 || fired[3] != "c" {
		t.Errorf("expected c to fire last, got %v", fired)
	}
	if !clk.Now().Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("expected now to be epoch+3s, got %v", clk.Now())
	}
}

func TestFake_TimerScheduledDuringAdvance(t *testing.T) {
	clk := NewFake(epoch)

	var at []time.Duration
	clk.AfterFunc(time.Second, func() {
		at = append(at, clk.Since(epoch))
		clk.AfterFunc(time.Second, func() {
			at = append(at, clk.Since(epoch))
		})
	})

	clk.Advance(5 * time.Second)
	if len(at) != 2 {
		t.Fatalf("expected nested timer to fire within the same advance, got %v", at)
	}
	if at[0] != time.Second || at[1] != 2*time.Second {
		t.Errorf("expected firings at 1s and 2s, got %v", at)
	}
}

func TestFake_StopRemovesTimer(t *testing.T) {
	clk := NewFake(epoch)

	called := false
	timer := clk.AfterFunc(time.Second, func() { called = true })

	if !timer.Stop() {
		t.Error("expected first Stop to report true")
	}
	if timer.Stop() {
		t.Error("expected second Stop to report false")
	}

	clk.Advance(time.Minute)
	if called {
		t.Error("expected stopped timer not to fire")
	}
}

func TestFake_TickerIsNotCountedAsPending(t *testing.T) {
	clk := NewFake(epoch)

	ch, stop := clk.NewTicker(time.Second)
	defer stop()

	if clk.Pending() != 0 {
		t.Errorf("expected tickers to be excluded from Pending, got %d", clk.Pending())
	}

	clk.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Error("expected ticker to deliver a tick")
	}
}

func TestFake_WaitForTimers(t *testing.T) {
	clk := NewFake(epoch)

	go func() {
		clk.AfterFunc(time.Second, func() {})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := clk.WaitForTimers(ctx, 1); err != nil {
		t.Fatalf("expected timer to be observed, got %v", err)
	}
}

func TestSleep(t *testing.T) {
	clk := NewFake(epoch)

	done := make(chan error, 1)
	go func() {
		done <- Sleep(context.Background(), clk, time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.WaitForTimers(ctx, 1); err != nil {
		t.Fatalf("sleep never scheduled: %v", err)
	}
	clk.Advance(time.Second)

	if err := <-done; err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestWithTimeout(t *testing.T) {
	clk := NewFake(epoch)

	ctx, cancel := WithTimeout(context.Background(), clk, time.Second)
	defer cancel()

	clk.Advance(time.Second)

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context to be cancelled")
	}
	if !TimedOut(ctx) {
		t.Error("expected TimedOut to report true")
	}
	if !errors.Is(context.Cause(ctx), ErrTimeout) {
		t.Errorf("expected ErrTimeout cause, got %v", context.Cause(ctx))
	}
}

func TestWithTimeout_CancelIsNotTimeout(t *testing.T) {
	clk := NewFake(epoch)

	ctx, cancel := WithTimeout(context.Background(), clk, time.Second)
	cancel()

	if TimedOut(ctx) {
		t.Error("expected manual cancel not to count as timeout")
	}
	if clk.Pending() != 0 {
		t.Errorf("expected cancel to stop the timeout timer, got %d pending", clk.Pending())
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 10 * time.Second},
		{attempt: 12, want: 10 * time.Second},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d): expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}

func TestBackoff_SequenceWithoutJitterMatchesDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: time.Second}
	seq := b.Sequence()

	prev := time.Duration(0)
	for i := 1; i <= 6; i++ {
		got := seq.Next()
		if got != b.Delay(i) {
			t.Errorf("attempt %d: expected %v, got %v", i, b.Delay(i), got)
		}
		if got < prev {
			t.Errorf("attempt %d: delay decreased from %v to %v", i, prev, got)
		}
		prev = got
	}
	if seq.Attempts() != 6 {
		t.Errorf("expected 6 attempts, got %d", seq.Attempts())
	}
}

func TestBackoff_SequenceJitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 8 * time.Second, Jitter: 0.25}

	for run := 0; run < 50; run++ {
		seq := b.Sequence()
		for i := 1; i <= 5; i++ {
			got := seq.Next()
			nominal := b.Delay(i)
			low := time.Duration(float64(nominal) * 0.75)
			high := time.Duration(float64(nominal)*1.25) + 1
			if got < low || got > high {
				t.Fatalf("attempt %d: %v outside [%v, %v]", i, got, low, high)
			}
		}
	}
}

func TestBackoff_Clamp(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second}

	if got := b.Clamp(100 * time.Millisecond); got != time.Second {
		t.Errorf("expected clamp to base, got %v", got)
	}
	if got := b.Clamp(time.Minute); got != 30*time.Second {
		t.Errorf("expected clamp to cap, got %v", got)
	}
	if got := b.Clamp(5 * time.Second); got != 5*time.Second {
		t.Errorf("expected value inside range to pass through, got %v", got)
	}
}
