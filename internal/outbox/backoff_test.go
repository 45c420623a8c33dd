package outbox

import (
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 5}
	prev := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		d := p.Delay(attempt)
		floor := time.Duration(float64(p.Base) * float64(int(1)<<attempt))
		if d < floor {
			t.Errorf("attempt %d delay %v below floor %v", attempt, d, floor)
		}
		// Jitter is at most half the base on top of the exponential floor.
		if d > floor+p.Base/2 {
			t.Errorf("attempt %d delay %v above jitter ceiling", attempt, d)
		}
		if d < prev {
			t.Errorf("attempt %d delay %v shrank from %v", attempt, d, prev)
		}
		prev = floor
	}
}

func TestDelayIsCapped(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 5}
	for attempt := 5; attempt < 20; attempt++ {
		if d := p.Delay(attempt); d > p.Max {
			t.Errorf("attempt %d delay %v exceeds cap %v", attempt, d, p.Max)
		}
	}
}

func TestExhausted(t *testing.T) {
	p := DefaultPolicy()
	if p.Exhausted(4) {
		t.Error("budget exhausted one attempt early")
	}
	if !p.Exhausted(5) {
		t.Error("budget not exhausted at max attempts")
	}
}
