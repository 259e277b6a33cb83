package power

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cjeanneret/CamCore/internal/debug"
	"github.com/cjeanneret/CamCore/internal/logic/capture"
)

// DefaultPoll is how often the controller re-checks the pipeline.
const DefaultPoll = 10 * time.Millisecond

// ErrWoken is returned by EnterDeepSleep when Wake was called before the
// platform went to sleep.
var ErrWoken = errors.New("power: woken before deep sleep")

// CaptureControl is the part of the capture task the controller drives.
type CaptureControl interface {
	RequestSleep(sleep bool)
	SleepRequested() bool
	State() capture.State
	Running() bool
}

// WorkTracker reports in-flight detection work.
type WorkTracker interface {
	HasPendingOrInFlightWork() bool
}

// SleepFunc enters the platform deep-sleep state. It returns when the
// platform is awake again, or with an error if sleep was refused.
type SleepFunc func(ctx context.Context) error

// WakeFunc brings the platform back before capture resumes.
type WakeFunc func() error

// Controller orchestrates deep sleep on top of the capture state machine.
// It sits between the power policy (timers, HTTP, signals) and the pipeline.
type Controller struct {
	capture CaptureControl
	work    WorkTracker
	sleep   SleepFunc
	poll    time.Duration

	// hookMu serializes the sleep hook against Wake.
	hookMu sync.Mutex
	wake   WakeFunc

	mu     sync.Mutex
	asleep bool
	gen    uint64 // bumped by every EnterDeepSleep and Wake
}

// NewController creates a controller. sleep may be nil when the platform
// has no deep-sleep state; the pipeline is then only drained.
func NewController(c CaptureControl, w WorkTracker, sleep SleepFunc, poll time.Duration) *Controller {
	if poll <= 0 {
		poll = DefaultPoll
	}
	return &Controller{
		capture: c,
		work:    w,
		sleep:   sleep,
		poll:    poll,
	}
}

// SetWakeHook installs fn, run by Wake before the sleep request is cleared.
func (c *Controller) SetWakeHook(fn WakeFunc) {
	c.hookMu.Lock()
	c.wake = fn
	c.hookMu.Unlock()
}

// Asleep reports whether the last EnterDeepSleep completed and no Wake
// followed.
func (c *Controller) Asleep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asleep
}

// Quiescent reports whether sleep is still requested, capture is stopped
// and no frame is in flight.
func (c *Controller) Quiescent() bool {
	if !c.capture.SleepRequested() {
		return false
	}
	stopped := c.capture.State() == capture.Stop || !c.capture.Running()
	return stopped && !c.work.HasPendingOrInFlightWork()
}

// current reports whether gen is still the latest sleep or wake request.
func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// EnterDeepSleep stops capture, waits for the detection stage to drain,
// then calls the platform sleep hook. If ctx ends first the sleep request
// is withdrawn and capture resumes. A Wake that arrives before the hook
// runs cancels the sleep with ErrWoken.
func (c *Controller) EnterDeepSleep(ctx context.Context) error {
	debug.Info("Power: deep sleep requested")
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	c.capture.RequestSleep(true)

	err := c.waitFor(ctx, func() (bool, error) {
		if !c.current(gen) {
			return false, ErrWoken
		}
		return c.Quiescent(), nil
	})

	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	if !c.current(gen) {
		// A later Wake or sleep request owns the capture flag now.
		debug.Info("Power: deep sleep cancelled by wake")
		return ErrWoken
	}
	if err != nil {
		c.capture.RequestSleep(false)
		return err
	}

	debug.Info("Power: pipeline drained, entering deep sleep")
	if c.sleep != nil {
		if err := c.sleep(ctx); err != nil {
			c.capture.RequestSleep(false)
			return err
		}
	}

	c.mu.Lock()
	c.asleep = true
	c.mu.Unlock()
	return nil
}

// Wake cancels a pending EnterDeepSleep, runs the wake hook and clears the
// sleep request. Capture resumes on its next iteration.
func (c *Controller) Wake() {
	debug.Info("Power: wake")
	c.hookMu.Lock()
	defer c.hookMu.Unlock()

	c.mu.Lock()
	c.gen++
	c.asleep = false
	c.mu.Unlock()

	if c.wake != nil {
		if err := c.wake(); err != nil {
			debug.Errorf("Power: wake hook: %v", err)
		}
	}
	c.capture.RequestSleep(false)
}

func (c *Controller) waitFor(ctx context.Context, cond func() (bool, error)) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
