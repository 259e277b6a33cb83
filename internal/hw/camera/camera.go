package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"

	"github.com/cjeanneret/CamCore/internal/debug"
	"github.com/cjeanneret/CamCore/internal/hw/gpio"
	"github.com/cjeanneret/CamCore/internal/hw/sensor"
	"github.com/cjeanneret/CamCore/internal/logic/geometry"
)

// Quality bounds accepted by CaptureSingle (sensor scale, lower is better).
const (
	MinQuality = 5
	MaxQuality = 60
)

var (
	ErrAlreadyInitialized = errors.New("camera: already initialized")
	ErrNotInitialized     = errors.New("camera: not initialized")
)

// Pauser holds the continuous capture loop away from the sensor.
// resume must be called exactly once.
type Pauser interface {
	Pause(ctx context.Context) (resume func(), err error)
}

// Camera owns sensor bring-up and reconfiguration.
// It represents the sensor module as a whole: board pins plus driver.
type Camera struct {
	driver sensor.Driver
	gpio   gpio.Driver
	pins   BoardPins

	mu          sync.Mutex
	cfg         sensor.Config
	initialized bool
	pauser      Pauser
}

// New creates a camera around a sensor driver and the board GPIO.
func New(d sensor.Driver, g gpio.Driver, pins BoardPins) *Camera {
	return &Camera{
		driver: d,
		gpio:   g,
		pins:   pins,
	}
}

// Driver returns the underlying sensor driver.
func (c *Camera) Driver() sensor.Driver {
	return c.driver
}

// Attach registers the capture loop that Reconfigure must pause.
func (c *Camera) Attach(p Pauser) {
	c.mu.Lock()
	c.pauser = p
	c.mu.Unlock()
}

// Config returns the active sensor configuration.
func (c *Camera) Config() sensor.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Initialize powers the board and brings the sensor up once.
// Calling it again without Close is a programming error and fails.
func (c *Camera) Initialize(cfg sensor.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return ErrAlreadyInitialized
	}

	debug.Info("Camera init: %s %s, %d buffers, grab=%s", cfg.PixelFormat, cfg.FrameSize, cfg.BufferCount, cfg.GrabMode)
	if err := powerUp(c.gpio, c.pins); err != nil {
		return fmt.Errorf("board power-up: %w", err)
	}
	if err := c.driver.Init(cfg); err != nil {
		_ = powerDown(c.gpio, c.pins)
		return fmt.Errorf("camera init failed: %w", err)
	}

	c.cfg = cfg
	c.initialized = true
	return nil
}

// Reconfigure switches the sensor to a new frame geometry, keeping the pixel
// format and buffer policy. The attached capture loop is paused for the
// duration. On failure the previous sensor state is not restored.
func (c *Camera) Reconfigure(ctx context.Context, size geometry.FrameSize) error {
	if !size.Valid() {
		return fmt.Errorf("camera: unsupported frame size %v", size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return ErrNotInitialized
	}

	if c.pauser != nil {
		resume, err := c.pauser.Pause(ctx)
		if err != nil {
			return fmt.Errorf("pause capture: %w", err)
		}
		defer resume()
	}

	debug.Info("Camera reconfigure: %s -> %s", c.cfg.FrameSize, size)
	if err := c.driver.Reconfigure(size); err != nil {
		return fmt.Errorf("camera reconfigure to %s: %w", size, err)
	}
	c.cfg.FrameSize = size
	return nil
}

// ClampQuality bounds q to [MinQuality, MaxQuality].
func ClampQuality(q int) int {
	if q > MaxQuality {
		return MaxQuality
	}
	if q < MinQuality {
		return MinQuality
	}
	return q
}

// CaptureSingle takes one encoded picture outside the continuous pipeline.
// The first frame is thrown away since it may predate the quality change.
// The returned bytes are owned by the caller.
//
// Raw formats are encoded here at the requested quality. JPEG frames are
// returned as the driver delivers them: a V4L2 device without a JPEG
// quality control keeps its own compression whatever quality is asked.
func (c *Camera) CaptureSingle(quality int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, ErrNotInitialized
	}

	quality = ClampQuality(quality)
	debug.Info("Taking picture... (quality: %d)", quality)
	if err := c.driver.SetQuality(quality); err != nil {
		return nil, fmt.Errorf("set quality: %w", err)
	}

	fb, err := c.driver.Acquire()
	if err != nil {
		return nil, fmt.Errorf("camera capture failed: %w", err)
	}
	c.driver.Release(fb)

	fb, err = c.driver.Acquire()
	if err != nil {
		return nil, fmt.Errorf("camera capture failed: %w", err)
	}
	defer c.driver.Release(fb)

	if fb.Format == geometry.JPEG {
		out := make([]byte, fb.Len())
		copy(out, fb.Data)
		return out, nil
	}

	img, err := geometry.Decode(fb.Format, fb.Width, fb.Height, fb.Data)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: sensor.JPEGQuality(quality)}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Standby asserts (true) or clears (false) the sensor power-down line.
// The driver stays initialized.
func (c *Camera) Standby(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return ErrNotInitialized
	}
	return setPowerDown(c.gpio, c.pins, on)
}

// Close de-initializes the sensor and powers the board down.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return ErrNotInitialized
	}
	c.initialized = false
	err := c.driver.Deinit()
	if perr := powerDown(c.gpio, c.pins); perr != nil && err == nil {
		err = perr
	}
	return err
}
