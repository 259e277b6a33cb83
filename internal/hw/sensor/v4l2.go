//go:build linux

package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/CamCore/internal/debug"
	"github.com/cjeanneret/CamCore/internal/logic/geometry"
	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

// V4L2 drives a Video4Linux capture device (e.g. /dev/video0) through go4vl.
// Frames are copied out of the mmap ring, so Release only settles accounting.
type V4L2 struct {
	path string

	mu          sync.Mutex
	cfg         Config
	dev         *device.Device
	cancel      context.CancelFunc
	seq         uint64
	outstanding map[uint64]struct{}
}

// NewV4L2 creates an adapter for the device at path.
func NewV4L2(path string) *V4L2 {
	return &V4L2{
		path:        path,
		outstanding: make(map[uint64]struct{}),
	}
}

// fourCC maps a pixel format to its V4L2 code.
func fourCC(f geometry.PixelFormat) (v4l2.FourCCType, error) {
	switch f {
	case geometry.RGB565:
		return v4l2.FourCCType('R' | 'G'<<8 | 'B'<<16 | 'P'<<24), nil
	case geometry.YUV422:
		return v4l2.PixelFmtYUYV, nil
	case geometry.Grayscale:
		return v4l2.FourCCType('G' | 'R'<<8 | 'E'<<16 | 'Y'<<24), nil
	case geometry.RGB888:
		return v4l2.PixelFmtRGB24, nil
	case geometry.JPEG:
		return v4l2.PixelFmtMJPEG, nil
	}
	return 0, fmt.Errorf("sensor: no V4L2 format for %s", f)
}

func (v *V4L2) Init(cfg Config) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dev != nil {
		return ErrAlreadyInitialized
	}
	if err := v.open(cfg); err != nil {
		return err
	}
	v.cfg = cfg
	if err := v.applyQuality(); err != nil {
		debug.Error(err)
	}
	return nil
}

// open starts streaming with cfg. Caller holds mu.
func (v *V4L2) open(cfg Config) error {
	code, err := fourCC(cfg.PixelFormat)
	if err != nil {
		return err
	}
	if !cfg.FrameSize.Valid() {
		return fmt.Errorf("sensor: unsupported frame size %v", cfg.FrameSize)
	}
	dim := cfg.FrameSize.Dimensions()

	dev, err := device.Open(
		v.path,
		device.WithBufferSize(uint32(cfg.BufferCount)),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: code,
			Width:       uint32(dim.Width),
			Height:      uint32(dim.Height),
			Field:       v4l2.FieldNone,
		}),
	)
	if err != nil {
		return fmt.Errorf("open %s (%s %s): %w", v.path, cfg.PixelFormat, dim, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := dev.Start(ctx); err != nil {
		cancel()
		_ = dev.Close()
		return fmt.Errorf("start stream: %w", err)
	}

	debug.Trace("v4l2 %s streaming %s %s x%d", v.path, cfg.PixelFormat, dim, cfg.BufferCount)
	v.dev = dev
	v.cancel = cancel
	return nil
}

// close stops streaming. Caller holds mu.
func (v *V4L2) close() error {
	if v.dev == nil {
		return ErrNotInitialized
	}
	v.cancel()
	err := v.dev.Close()
	v.dev = nil
	v.cancel = nil
	return err
}

func (v *V4L2) Acquire() (*FrameBuffer, error) {
	v.mu.Lock()
	dev, cfg := v.dev, v.cfg
	v.mu.Unlock()
	if dev == nil {
		return nil, ErrNotInitialized
	}

	raw, ok := <-dev.GetOutput()
	if !ok || len(raw) == 0 {
		return nil, ErrNoFrame
	}

	data := make([]byte, len(raw))
	copy(data, raw)
	dim := cfg.FrameSize.Dimensions()

	v.mu.Lock()
	v.seq++
	seq := v.seq
	v.outstanding[seq] = struct{}{}
	v.mu.Unlock()

	return &FrameBuffer{
		Width:     dim.Width,
		Height:    dim.Height,
		Format:    cfg.PixelFormat,
		Data:      data,
		Timestamp: time.Now(),
		Seq:       seq,
		slot:      int(seq % uint64(max(cfg.BufferCount, 1))),
	}, nil
}

func (v *V4L2) Release(fb *FrameBuffer) {
	if fb == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.outstanding[fb.Seq]; !ok {
		debug.Errorf("v4l2: frame #%d released but not outstanding", fb.Seq)
		return
	}
	delete(v.outstanding, fb.Seq)
}

// Reconfigure restarts the stream with a new geometry, keeping format and buffers.
func (v *V4L2) Reconfigure(size geometry.FrameSize) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dev == nil {
		return ErrNotInitialized
	}
	if err := v.close(); err != nil {
		debug.Errorf("v4l2: close before reconfigure: %v", err)
	}
	cfg := v.cfg
	cfg.FrameSize = size
	if err := v.open(cfg); err != nil {
		return fmt.Errorf("reconfigure to %s: %w", size, err)
	}
	v.cfg = cfg
	if err := v.applyQuality(); err != nil {
		debug.Error(err)
	}
	return nil
}

// ctrlJPEGQuality is V4L2_CID_JPEG_COMPRESSION_QUALITY, which go4vl does
// not name. It follows V4L2_CID_JPEG_CLASS by two in the JPEG class.
const ctrlJPEGQuality = v4l2.CtrlJPEGClass + 2

// SetQuality sets the JPEG compression quality on devices that expose the
// control. Elsewhere the value is only recorded and frames keep the
// device's own compression.
func (v *V4L2) SetQuality(quality int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dev == nil {
		return ErrNotInitialized
	}
	v.cfg.JPEGQuality = quality
	return v.applyQuality()
}

// applyQuality pushes cfg.JPEGQuality to the device. Caller holds mu.
func (v *V4L2) applyQuality() error {
	if v.cfg.PixelFormat != geometry.JPEG {
		return nil
	}
	ctrl, err := v.dev.GetControl(ctrlJPEGQuality)
	if err != nil {
		debug.Trace("v4l2 %s: no JPEG quality control (%v)", v.path, err)
		return nil
	}
	val := deviceJPEGQuality(v.cfg.JPEGQuality, ctrl.Minimum, ctrl.Maximum)
	if err := v.dev.SetControlValue(ctrlJPEGQuality, val); err != nil {
		return fmt.Errorf("set JPEG quality %d: %w", val, err)
	}
	debug.Trace("v4l2 %s: JPEG quality %d", v.path, val)
	return nil
}

func (v *V4L2) Deinit() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.close()
}
