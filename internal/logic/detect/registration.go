package detect

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/CamCore/internal/hw/sensor"
	"github.com/cjeanneret/CamCore/internal/logic/queue"
	"github.com/google/uuid"
)

var (
	ErrAlreadyRegistered = errors.New("detect: stage already registered")
	ErrNotRegistered     = errors.New("detect: stage not registered")
	ErrMissingQueue      = errors.New("detect: frame, event and result queues are required")
)

// Callback receives every scored frame. It runs on the stage goroutine and
// must not keep fb after returning.
type Callback func(fb *sensor.FrameBuffer, score float32)

// Kind classifies a detection event.
type Kind int

const (
	KindNone Kind = iota
	KindFace
)

func (k Kind) String() string {
	if k == KindFace {
		return "face"
	}
	return "none"
}

// MarshalText encodes the kind by name, so events read "kind":"face" in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is published when a frame scores at or above the threshold.
type Event struct {
	ID    uuid.UUID `json:"id"`
	Kind  Kind      `json:"kind"`
	Score float32   `json:"score"`
	Seq   uint64    `json:"seq"`
	At    time.Time `json:"at"`
}

// Result is published for every processed frame.
type Result struct {
	Seq      uint64    `json:"seq"`
	Score    float32   `json:"score"`
	Detected bool      `json:"detected"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	At       time.Time `json:"at"`
}

// Descriptor wires one detection stage into the pipeline.
type Descriptor struct {
	FrameIn  *queue.Queue[*sensor.FrameBuffer]
	Events   *queue.Queue[Event]
	Results  *queue.Queue[Result]
	FrameOut *queue.Queue[*sensor.FrameBuffer] // optional pass-through

	// ReturnFrames makes the stage release every frame to the sensor itself
	// instead of handing it to FrameOut.
	ReturnFrames bool
}

// Registration is the contract between the pipeline, a detection stage and
// the power controller. It is set up once and lives for the process.
type Registration struct {
	mu         sync.RWMutex
	desc       Descriptor
	registered bool
	callback   Callback

	pending atomic.Int64
}

// NewRegistration returns an empty registration.
func NewRegistration() *Registration {
	return &Registration{}
}

// Register attaches the stage queues. It may only be called once.
// Every frame admitted to d.FrameIn from then on counts as pending work.
func (r *Registration) Register(d Descriptor) error {
	if d.FrameIn == nil || d.Events == nil || d.Results == nil {
		return ErrMissingQueue
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		return ErrAlreadyRegistered
	}
	r.desc = d
	r.registered = true
	d.FrameIn.Watch(r.admit, r.complete)
	return nil
}

// Descriptor returns the registered queues.
func (r *Registration) Descriptor() (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.desc, r.registered
}

// SetCallback replaces the detection callback. Frames already being
// processed keep the callback they started with.
func (r *Registration) SetCallback(cb Callback) {
	r.mu.Lock()
	r.callback = cb
	r.mu.Unlock()
}

// Callback returns the current detection callback (may be nil).
func (r *Registration) Callback() Callback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callback
}

// Pending returns the number of frames queued or being scored.
func (r *Registration) Pending() int64 {
	return r.pending.Load()
}

// HasPendingOrInFlightWork reports whether a frame is queued or being
// processed. Deep sleep must not be entered while it returns true.
func (r *Registration) HasPendingOrInFlightWork() bool {
	return r.pending.Load() != 0
}

func (r *Registration) admit() {
	r.pending.Add(1)
}

func (r *Registration) complete() {
	r.pending.Add(-1)
}
