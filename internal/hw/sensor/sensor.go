package sensor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cjeanneret/CamCore/internal/logic/geometry"
)

var (
	// ErrNoFrame is the transient "no frame available" result of Acquire.
	ErrNoFrame = errors.New("sensor: no frame available")
	// ErrNotInitialized is returned when the driver is used before Init.
	ErrNotInitialized = errors.New("sensor: not initialized")
	// ErrAlreadyInitialized is returned by a second Init without Deinit.
	ErrAlreadyInitialized = errors.New("sensor: already initialized")
)

// GrabMode selects what the driver does when every buffer is in use.
type GrabMode int

const (
	// GrabWhenEmpty blocks until a buffer is returned.
	GrabWhenEmpty GrabMode = iota
	// GrabLatest overwrites the oldest filled buffer.
	GrabLatest
)

func (m GrabMode) String() string {
	if m == GrabLatest {
		return "latest"
	}
	return "when-empty"
}

// ParseGrabMode parses "when-empty" or "latest".
func ParseGrabMode(s string) (GrabMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "when-empty", "when_empty":
		return GrabWhenEmpty, nil
	case "latest":
		return GrabLatest, nil
	default:
		return 0, fmt.Errorf("unknown grab mode: %q", s)
	}
}

// Config is the sensor bring-up configuration.
type Config struct {
	PixelFormat geometry.PixelFormat
	FrameSize   geometry.FrameSize
	BufferCount int
	GrabMode    GrabMode
	XCLKFreqHz  int
	JPEGQuality int
}

// FrameBuffer references driver-owned image memory.
//
// The driver owns a buffer until Acquire hands it out. From then on exactly one
// holder owns it and must either pass it on or give it back with Release.
// After a successful send the sender must not touch it again.
type FrameBuffer struct {
	Width     int
	Height    int
	Format    geometry.PixelFormat
	Data      []byte
	Timestamp time.Time
	Seq       uint64

	// slot identifies the driver buffer this frame occupies.
	slot int
}

// Len returns the byte length of the pixel data.
func (fb *FrameBuffer) Len() int {
	return len(fb.Data)
}

// Slot returns the driver buffer index.
func (fb *FrameBuffer) Slot() int {
	return fb.slot
}

// Releaser gives a frame buffer back to its driver.
type Releaser interface {
	Release(fb *FrameBuffer)
}

// Driver is the sensor adapter consumed by the capture core.
type Driver interface {
	Releaser
	Init(cfg Config) error
	// Acquire blocks for one sensor read cycle. It returns ErrNoFrame
	// (or another error) when no frame could be produced.
	Acquire() (*FrameBuffer, error)
	Reconfigure(size geometry.FrameSize) error
	SetQuality(quality int) error
	Deinit() error
}

// deviceJPEGQuality maps a sensor quality (lower is better, 0-63) onto a
// device control range where higher is better.
func deviceJPEGQuality(sensorQuality int, lo, hi int32) int32 {
	q := int32(JPEGQuality(sensorQuality))
	if hi > lo {
		q = lo + (q*(hi-lo)+50)/100
	}
	if q < lo {
		q = lo
	}
	if q > hi {
		q = hi
	}
	return q
}
