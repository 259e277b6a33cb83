package sensor

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"sync"
	"time"

	"github.com/cjeanneret/CamCore/internal/debug"
	"github.com/cjeanneret/CamCore/internal/logic/geometry"
)

// SimConfig shapes the synthetic frame stream.
type SimConfig struct {
	FramePeriod   time.Duration // simulated exposure/read time per Acquire
	DropEvery     int           // every Nth Acquire returns ErrNoFrame (0 = never)
	TruncateEvery int           // every Nth frame is emitted one row short (0 = never)
}

// SimStats is a snapshot of buffer accounting.
type SimStats struct {
	Acquired       uint64
	Released       uint64
	Outstanding    int
	DoubleReleases uint64
}

// Sim is a software sensor producing a moving gradient.
// It tracks every buffer it hands out and flags buffers released twice.
type Sim struct {
	sim SimConfig

	mu          sync.Mutex
	cond        *sync.Cond
	cfg         Config
	initialized bool
	quality     int
	seq         uint64
	outstanding map[uint64]struct{}
	stats       SimStats
}

// NewSim creates an uninitialized simulated sensor.
func NewSim(sc SimConfig) *Sim {
	s := &Sim{
		sim:         sc,
		outstanding: make(map[uint64]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Sim) Init(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return ErrAlreadyInitialized
	}
	if !cfg.FrameSize.Valid() {
		return fmt.Errorf("sensor: unsupported frame size %v", cfg.FrameSize)
	}
	if cfg.BufferCount < 1 {
		return fmt.Errorf("sensor: buffer count must be >= 1, got %d", cfg.BufferCount)
	}
	s.cfg = cfg
	s.quality = cfg.JPEGQuality
	s.initialized = true
	debug.Trace("sim sensor init: %s %s x%d (%s)", cfg.PixelFormat, cfg.FrameSize, cfg.BufferCount, cfg.GrabMode)
	return nil
}

func (s *Sim) Acquire() (*FrameBuffer, error) {
	if s.sim.FramePeriod > 0 {
		time.Sleep(s.sim.FramePeriod)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	for len(s.outstanding) >= s.cfg.BufferCount {
		if s.cfg.GrabMode == GrabLatest {
			return nil, ErrNoFrame
		}
		s.cond.Wait()
		if !s.initialized {
			return nil, ErrNotInitialized
		}
	}

	s.seq++
	seq := s.seq
	if s.sim.DropEvery > 0 && seq%uint64(s.sim.DropEvery) == 0 {
		return nil, ErrNoFrame
	}

	dim := s.cfg.FrameSize.Dimensions()
	data, err := s.render(seq, dim)
	if err != nil {
		return nil, err
	}
	if s.sim.TruncateEvery > 0 && seq%uint64(s.sim.TruncateEvery) == 0 {
		cut := dim.Width * s.cfg.PixelFormat.BytesPerPixel()
		if cut == 0 || cut >= len(data) {
			cut = 1
		}
		data = data[:len(data)-cut]
	}

	s.outstanding[seq] = struct{}{}
	s.stats.Acquired++
	return &FrameBuffer{
		Width:     dim.Width,
		Height:    dim.Height,
		Format:    s.cfg.PixelFormat,
		Data:      data,
		Timestamp: time.Now(),
		Seq:       seq,
		slot:      int(seq % uint64(s.cfg.BufferCount)),
	}, nil
}

func (s *Sim) render(seq uint64, dim geometry.Dimensions) ([]byte, error) {
	format := s.cfg.PixelFormat
	if format.Compressed() {
		raw := gradient(geometry.RGB888, dim, seq)
		img, err := geometry.Decode(geometry.RGB888, dim.Width, dim.Height, raw)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality(s.quality)}); err != nil {
			return nil, fmt.Errorf("sensor: encode jpeg: %w", err)
		}
		return buf.Bytes(), nil
	}
	return gradient(format, dim, seq), nil
}

// gradient fills a buffer with a diagonal ramp shifted by seq.
func gradient(format geometry.PixelFormat, dim geometry.Dimensions, seq uint64) []byte {
	bpp := format.BytesPerPixel()
	data := make([]byte, dim.Pixels()*bpp)
	for y := 0; y < dim.Height; y++ {
		for x := 0; x < dim.Width; x++ {
			v := byte(x + y + int(seq))
			for k := 0; k < bpp; k++ {
				data[(y*dim.Width+x)*bpp+k] = v
			}
		}
	}
	return data
}

// Release returns fb to the pool. A buffer released twice is counted and logged.
func (s *Sim) Release(fb *FrameBuffer) {
	if fb == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outstanding[fb.Seq]; !ok {
		s.stats.DoubleReleases++
		debug.Errorf("sim sensor: frame #%d released but not outstanding", fb.Seq)
		return
	}
	delete(s.outstanding, fb.Seq)
	s.stats.Released++
	s.cond.Signal()
}

func (s *Sim) Reconfigure(size geometry.FrameSize) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	if !size.Valid() {
		return fmt.Errorf("sensor: unsupported frame size %v", size)
	}
	debug.Trace("sim sensor reconfigure: %s -> %s", s.cfg.FrameSize, size)
	s.cfg.FrameSize = size
	return nil
}

func (s *Sim) SetQuality(quality int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.quality = quality
	return nil
}

func (s *Sim) Deinit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.initialized = false
	s.cond.Broadcast()
	return nil
}

// Stats returns the buffer accounting counters.
func (s *Sim) Stats() SimStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Outstanding = len(s.outstanding)
	return st
}

// JPEGQuality maps a sensor quality (lower is better, 0-63) to an
// image/jpeg quality (1-100, higher is better).
func JPEGQuality(sensorQuality int) int {
	q := 100 - sensorQuality
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}
	return q
}
