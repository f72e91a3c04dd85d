package relay

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestHeartbeat_FiresOnInterval(t *testing.T) {
	h := NewHeartbeat(HeartbeatConfig{
		Enabled:  true,
		Interval: 20 * time.Millisecond,
		Cooldown: time.Hour,
		Logger:   testLogger(),
	})

	var beats atomic.Int32
	h.Start(func(payload string) error {
		if payload != KeepalivePayload {
			t.Errorf("payload %q", payload)
		}
		beats.Add(1)
		return nil
	})
	defer h.Disable()

	if got := h.Status().Phase; got != PhaseScheduled {
		t.Fatalf("phase after start: %v", got)
	}

	waitFor(t, time.Second, func() bool { return beats.Load() >= 2 })
}

func TestHeartbeat_PauseSuppressesUntilCooldown(t *testing.T) {
	h := NewHeartbeat(HeartbeatConfig{
		Enabled:  true,
		Interval: 30 * time.Millisecond,
		Cooldown: 60 * time.Millisecond,
		Logger:   testLogger(),
	})

	var beats atomic.Int32
	h.Start(func(payload string) error {
		beats.Add(1)
		return nil
	})
	defer h.Disable()

	h.PauseAfterRealMessage()
	if got := h.Status().Phase; got != PhasePaused {
		t.Fatalf("phase after pause: %v", got)
	}

	// No keepalive fires during the cooldown window.
	time.Sleep(45 * time.Millisecond)
	if beats.Load() != 0 {
		t.Fatalf("keepalive fired while paused: %d", beats.Load())
	}

	// Cooldown elapses, the schedule resumes, and the next interval fires.
	waitFor(t, time.Second, func() bool { return h.Status().Phase == PhaseScheduled })
	waitFor(t, time.Second, func() bool { return beats.Load() >= 1 })
}

func TestHeartbeat_PauseOnlyWhenScheduled(t *testing.T) {
	h := NewHeartbeat(HeartbeatConfig{
		Enabled:  true,
		Interval: time.Hour,
		Cooldown: time.Hour,
		Logger:   testLogger(),
	})
	h.Start(func(string) error { return nil })
	defer h.Disable()

	h.PauseAfterRealMessage()
	first := h.Status().NextFire

	// A second pause while already Paused must not extend the cooldown.
	time.Sleep(10 * time.Millisecond)
	h.PauseAfterRealMessage()
	if got := h.Status().NextFire; !got.Equal(first) {
		t.Errorf("pause from Paused rescheduled the timer: %v -> %v", first, got)
	}
}

func TestHeartbeat_DisabledIgnoresStartAndPause(t *testing.T) {
	h := NewHeartbeat(HeartbeatConfig{
		Enabled:  false,
		Interval: 10 * time.Millisecond,
		Cooldown: 10 * time.Millisecond,
		Logger:   testLogger(),
	})

	var beats atomic.Int32
	h.Start(func(string) error { beats.Add(1); return nil })

	time.Sleep(40 * time.Millisecond)
	if beats.Load() != 0 {
		t.Errorf("disabled scheduler fired %d times", beats.Load())
	}
	if got := h.Status().Phase; got != PhaseStopped {
		t.Errorf("phase %v, want stopped", got)
	}

	h.PauseAfterRealMessage()
	if got := h.Status().Phase; got != PhaseStopped {
		t.Errorf("pause moved a stopped scheduler to %v", got)
	}
}

func TestHeartbeat_EnableArmsRememberedCallback(t *testing.T) {
	h := NewHeartbeat(HeartbeatConfig{
		Enabled:  false,
		Interval: 15 * time.Millisecond,
		Cooldown: time.Hour,
		Logger:   testLogger(),
	})

	var beats atomic.Int32
	h.Start(func(string) error { beats.Add(1); return nil })

	h.Enable()
	defer h.Disable()

	if got := h.Status().Phase; got != PhaseScheduled {
		t.Fatalf("phase after enable: %v", got)
	}
	waitFor(t, time.Second, func() bool { return beats.Load() >= 1 })
}

func TestHeartbeat_DisableStopsTimers(t *testing.T) {
	h := NewHeartbeat(HeartbeatConfig{
		Enabled:  true,
		Interval: 10 * time.Millisecond,
		Cooldown: time.Hour,
		Logger:   testLogger(),
	})

	var beats atomic.Int32
	h.Start(func(string) error { beats.Add(1); return nil })

	h.Disable()
	settled := beats.Load()

	time.Sleep(50 * time.Millisecond)
	if beats.Load() != settled {
		t.Errorf("keepalives continued after disable")
	}
	st := h.Status()
	if st.Enabled || st.Phase != PhaseStopped || st.TimerActive {
		t.Errorf("status after disable: %+v", st)
	}
}

func TestHeartbeat_CallbackErrorKeepsSchedule(t *testing.T) {
	h := NewHeartbeat(HeartbeatConfig{
		Enabled:  true,
		Interval: 15 * time.Millisecond,
		Cooldown: time.Hour,
		Logger:   testLogger(),
	})

	var beats atomic.Int32
	h.Start(func(string) error {
		beats.Add(1)
		return errors.New("callback down")
	})
	defer h.Disable()

	// Failures are logged and the schedule keeps going.
	waitFor(t, time.Second, func() bool { return beats.Load() >= 2 })
}
