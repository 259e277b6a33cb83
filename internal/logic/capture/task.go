package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/CamCore/internal/debug"
	"github.com/cjeanneret/CamCore/internal/hw/sensor"
	"github.com/cjeanneret/CamCore/internal/logic/geometry"
	"github.com/cjeanneret/CamCore/internal/logic/queue"
)

// Default loop timings.
const (
	DefaultIdleDelay = 100 * time.Millisecond
	DefaultStopPoll  = 10 * time.Millisecond
)

// ErrAlreadyRunning is returned when Run is called on a task that is looping.
var ErrAlreadyRunning = errors.New("capture: task already running")

// State is the power mode of the capture loop.
type State int32

const (
	Running State = iota
	Stop
)

func (s State) String() string {
	if s == Stop {
		return "STOP"
	}
	return "RUNNING"
}

// Source is the part of the sensor driver the loop needs.
type Source interface {
	Acquire() (*sensor.FrameBuffer, error)
	Release(fb *sensor.FrameBuffer)
}

// Options configures the loop.
type Options struct {
	Format    geometry.PixelFormat // configured pixel format, used for length checks
	IdleDelay time.Duration        // applied once per iteration in every state
	StopPoll  time.Duration        // wait in STOP before re-checking the sleep flag
}

// Stats counts what the loop has done so far.
type Stats struct {
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
	Empty       uint64 `json:"empty"`
	Transitions uint64 `json:"transitions"`
}

// Task is the continuous capture loop.
//
// It acquires frames while RUNNING, drops frames whose length does not match
// their geometry, and hands the rest to the output queue with a blocking send.
// Other goroutines only request sleep; the loop itself performs every
// state change, one iteration later at most.
type Task struct {
	src  Source
	out  *queue.Queue[*sensor.FrameBuffer]
	opts Options

	state   atomic.Int32
	sleep   atomic.Bool
	holds   atomic.Int32
	running atomic.Bool

	mu      sync.Mutex
	changed chan struct{}

	accepted    atomic.Uint64
	rejected    atomic.Uint64
	empty       atomic.Uint64
	transitions atomic.Uint64
}

// NewTask creates a task in the RUNNING state. It does not start the loop.
func NewTask(src Source, out *queue.Queue[*sensor.FrameBuffer], opts Options) *Task {
	if opts.IdleDelay <= 0 {
		opts.IdleDelay = DefaultIdleDelay
	}
	if opts.StopPoll <= 0 {
		opts.StopPoll = DefaultStopPoll
	}
	return &Task{
		src:     src,
		out:     out,
		opts:    opts,
		changed: make(chan struct{}),
	}
}

// State returns the state last set by the loop.
func (t *Task) State() State {
	return State(t.state.Load())
}

// RequestSleep asks the loop to enter (true) or leave (false) STOP.
// The change is observed on the loop's next iteration.
func (t *Task) RequestSleep(sleep bool) {
	t.sleep.Store(sleep)
}

// SleepRequested returns the external sleep flag.
func (t *Task) SleepRequested() bool {
	return t.sleep.Load()
}

// Running reports whether Run is currently looping.
func (t *Task) Running() bool {
	return t.running.Load()
}

// Stats returns a snapshot of the loop counters.
func (t *Task) Stats() Stats {
	return Stats{
		Accepted:    t.accepted.Load(),
		Rejected:    t.rejected.Load(),
		Empty:       t.empty.Load(),
		Transitions: t.transitions.Load(),
	}
}

func (t *Task) sleepEffective() bool {
	return t.sleep.Load() || t.holds.Load() > 0
}

// watch returns the current state, whether the loop runs, and a channel
// closed on the next change.
func (t *Task) watch() (State, bool, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State(), t.running.Load(), t.changed
}

// notify wakes watchers. Caller holds mu.
func (t *Task) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// transition moves the loop to a new state. Caller holds mu.
func (t *Task) transition(to State) {
	from := t.State()
	t.state.Store(int32(to))
	t.transitions.Add(1)
	debug.State(from.String(), to.String())
	t.notify()
}

// enterStop is called by the loop after a RUNNING iteration.
func (t *Task) enterStop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sleepEffective() {
		t.transition(Stop)
	}
}

// leaveStop is called by the loop in STOP. The check and the transition
// share mu with Pause, so a hold taken before it is always honoured.
func (t *Task) leaveStop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.sleepEffective() {
		t.transition(Running)
	}
}

// Pause keeps the loop in STOP until resume is called, regardless of the
// sleep flag. It returns once the loop has reached STOP, so the sensor is
// no longer being read. If the loop is not running it returns at once.
func (t *Task) Pause(ctx context.Context) (func(), error) {
	t.mu.Lock()
	t.holds.Add(1)
	t.mu.Unlock()
	var once sync.Once
	resume := func() {
		once.Do(func() { t.holds.Add(-1) })
	}

	for {
		st, running, changed := t.watch()
		if st == Stop || !running {
			return resume, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			resume()
			return nil, ctx.Err()
		}
	}
}

// Run executes the loop until ctx is done. The loop has no other exit:
// errors from the sensor or the frame check are handled inside an iteration.
func (t *Task) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		t.mu.Lock()
		t.running.Store(false)
		t.notify()
		t.mu.Unlock()
	}()

	debug.Info("Starting camera task process (queue %s, cap %d)", t.out.Name(), t.out.Cap())
	for {
		switch t.State() {
		case Stop:
			if err := wait(ctx, t.opts.StopPoll); err != nil {
				return err
			}
			t.leaveStop()

		case Running:
			if err := t.step(ctx); err != nil {
				return err
			}
			t.enterStop()
		}

		if err := wait(ctx, t.opts.IdleDelay); err != nil {
			return err
		}
	}
}

// step acquires one frame and either forwards or releases it.
// It only returns an error when ctx ends during the send.
func (t *Task) step(ctx context.Context) error {
	fb, err := t.src.Acquire()
	if err != nil || fb == nil {
		t.empty.Add(1)
		debug.Live("Cant get frame! (%v)", err)
		return nil
	}

	if err := geometry.CheckLength(t.opts.Format, fb.Width, fb.Height, fb.Len()); err != nil {
		t.rejected.Add(1)
		var lerr *geometry.LengthError
		if errors.As(err, &lerr) {
			debug.Reject(fb.Seq, lerr.Expected, lerr.Got)
		} else {
			debug.Errorf("frame #%d rejected: %v", fb.Seq, err)
		}
		t.src.Release(fb)
		return nil
	}

	seq, w, h, n := fb.Seq, fb.Width, fb.Height, fb.Len()
	if err := t.out.Send(ctx, fb); err != nil {
		// Still ours: the send never happened.
		t.src.Release(fb)
		return err
	}
	t.accepted.Add(1)
	debug.Frame(seq, w, h, n)
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
