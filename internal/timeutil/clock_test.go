package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Sleep(500 * time.Millisecond)
	clock.Sleep(250 * time.Millisecond)

	assert.Equal(t, start.Add(750*time.Millisecond), clock.Now())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 250 * time.Millisecond}, clock.Sleeps())
	assert.Equal(t, 750*time.Millisecond, clock.Since(start))
}

func TestMockTicker_FiresOnAdvance(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC))
	ticker := clock.NewTicker(time.Second)

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire at interval")
	}

	ticker.Stop()
	clock.Advance(2 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestMockTicker_Trigger(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(time.Hour).(*MockTicker)

	ticker.Trigger(clock.Now())
	ticker.Trigger(clock.Now()) // dropped, channel already holds a tick

	<-ticker.C()
	select {
	case <-ticker.C():
		t.Fatal("duplicate tick delivered")
	default:
	}
}
