package relay

import (
	"log/slog"
	"sync"
	"time"
)

// HeartbeatPhase is the scheduler's current state.
type HeartbeatPhase int

const (
	PhaseStopped HeartbeatPhase = iota
	PhaseScheduled
	PhasePaused
)

func (p HeartbeatPhase) String() string {
	switch p {
	case PhaseScheduled:
		return "scheduled"
	case PhasePaused:
		return "paused"
	}
	return "stopped"
}

// KeepalivePayload is the synthetic message sent on each heartbeat to keep
// the agent's external usage cycle warm.
const KeepalivePayload = "heartbeat keepalive"

// HeartbeatFunc delivers one keepalive. Errors are logged, never fatal.
type HeartbeatFunc func(payload string) error

// HeartbeatConfig tunes the scheduler.
type HeartbeatConfig struct {
	Enabled  bool
	Interval time.Duration // time between keepalives
	Cooldown time.Duration // quiet period after real user traffic
	Logger   *slog.Logger
}

// Heartbeat periodically invokes a callback, pausing when real traffic
// shows up. Exactly one phase holds at a time: Stopped (disabled or never
// started), Scheduled (a timer is armed for the next keepalive), or Paused
// (real activity suppressed the schedule until the cooldown elapses).
type Heartbeat struct {
	mu       sync.Mutex
	enabled  bool
	phase    HeartbeatPhase
	interval time.Duration
	cooldown time.Duration
	callback HeartbeatFunc
	timer    *time.Timer
	gen      uint64 // invalidates stale timer fires after cancel
	nextFire time.Time
	logger   *slog.Logger
}

// HeartbeatStatus is a read-only snapshot.
type HeartbeatStatus struct {
	Enabled     bool
	Phase       HeartbeatPhase
	TimerActive bool
	Paused      bool
	NextFire    time.Time
	Interval    time.Duration
	Cooldown    time.Duration
}

// NewHeartbeat creates a scheduler in the Stopped phase.
func NewHeartbeat(cfg HeartbeatConfig) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Heartbeat{
		enabled:  cfg.Enabled,
		phase:    PhaseStopped,
		interval: cfg.Interval,
		cooldown: cfg.Cooldown,
		logger:   cfg.Logger,
	}
}

// Start records the callback and, if enabled, arms the first keepalive.
// Disabled schedulers remember the callback so Enable can arm later.
func (h *Heartbeat) Start(cb HeartbeatFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callback = cb
	if !h.enabled {
		return
	}
	h.arm(h.interval, PhaseScheduled)
	h.logger.Info("heartbeat scheduled", "interval", h.interval)
}

// PauseAfterRealMessage suspends the schedule for the cooldown. Only
// effective while Scheduled; Paused and Stopped schedulers ignore it.
func (h *Heartbeat) PauseAfterRealMessage() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.enabled || h.phase != PhaseScheduled {
		return
	}
	h.arm(h.cooldown, PhasePaused)
	h.logger.Debug("heartbeat paused", "cooldown", h.cooldown)
}

// Enable flips a disabled scheduler on, re-arming if Start already supplied
// a callback.
func (h *Heartbeat) Enable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.enabled {
		return
	}
	h.enabled = true
	if h.callback != nil {
		h.arm(h.interval, PhaseScheduled)
		h.logger.Info("heartbeat enabled", "interval", h.interval)
	}
}

// Disable cancels all pending timers and stops the scheduler.
func (h *Heartbeat) Disable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = false
	h.cancelTimer()
	h.phase = PhaseStopped
	h.nextFire = time.Time{}
	h.logger.Info("heartbeat disabled")
}

// Status reports the scheduler state without side effects.
func (h *Heartbeat) Status() HeartbeatStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HeartbeatStatus{
		Enabled:     h.enabled,
		Phase:       h.phase,
		TimerActive: h.timer != nil,
		Paused:      h.phase == PhasePaused,
		NextFire:    h.nextFire,
		Interval:    h.interval,
		Cooldown:    h.cooldown,
	}
}

// arm replaces the pending timer with one firing after d and records the
// phase the fire should be interpreted in. Caller holds h.mu.
func (h *Heartbeat) arm(d time.Duration, phase HeartbeatPhase) {
	h.cancelTimer()
	h.phase = phase
	h.nextFire = time.Now().Add(d)
	gen := h.gen
	h.timer = time.AfterFunc(d, func() { h.onTimer(gen) })
}

// cancelTimer stops the pending timer and bumps the generation so a fire
// racing with the cancel becomes a no-op. Caller holds h.mu.
func (h *Heartbeat) cancelTimer() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.gen++
}

func (h *Heartbeat) onTimer(gen uint64) {
	h.mu.Lock()
	if gen != h.gen || !h.enabled {
		h.mu.Unlock()
		return
	}

	switch h.phase {
	case PhasePaused:
		// Cooldown elapsed: back to the regular schedule.
		h.arm(h.interval, PhaseScheduled)
		h.mu.Unlock()
		return
	case PhaseScheduled:
		cb := h.callback
		h.arm(h.interval, PhaseScheduled)
		h.mu.Unlock()
		if cb != nil {
			if err := cb(KeepalivePayload); err != nil {
				h.logger.Warn("heartbeat callback failed", "err", err)
			} else {
				h.logger.Debug("heartbeat sent")
			}
		}
		return
	}
	h.mu.Unlock()
}
