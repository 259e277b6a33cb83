package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/CamCore/internal/hw/gpio"
	"github.com/cjeanneret/CamCore/internal/hw/sensor"
	"github.com/cjeanneret/CamCore/internal/logic/geometry"
)

// recordingGPIO records every pin operation in order.
type recordingGPIO struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingGPIO) record(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *recordingGPIO) SetupPin(pin int, mode gpio.PinMode) error {
	r.record(fmt.Sprintf("setup %d %s", pin, mode))
	return nil
}

func (r *recordingGPIO) WritePin(pin int, level gpio.Level) error {
	lvl := "low"
	if level == gpio.High {
		lvl = "high"
	}
	r.record(fmt.Sprintf("write %d %s", pin, lvl))
	return nil
}

func (r *recordingGPIO) ReadPin(int) (gpio.Level, error) { return gpio.Low, nil }
func (r *recordingGPIO) Close() error                    { return nil }

// fakeDriver is a sensor driver that records calls and hands out
// fixed-size grayscale frames.
type fakeDriver struct {
	mu        sync.Mutex
	initErr   error
	cfg       sensor.Config
	quality   int
	acquired  int
	released  []uint64
	reconfigs []geometry.FrameSize
	deinits   int
}

func (f *fakeDriver) Init(cfg sensor.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.cfg = cfg
	return nil
}

func (f *fakeDriver) Acquire() (*sensor.FrameBuffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	dim := f.cfg.FrameSize.Dimensions()
	return &sensor.FrameBuffer{
		Width:  dim.Width,
		Height: dim.Height,
		Format: f.cfg.PixelFormat,
		Data:   bytes.Repeat([]byte{byte(f.acquired * 40)}, dim.Pixels()),
		Seq:    uint64(f.acquired),
	}, nil
}

func (f *fakeDriver) Release(fb *sensor.FrameBuffer) {
	f.mu.Lock()
	f.released = append(f.released, fb.Seq)
	f.mu.Unlock()
}

func (f *fakeDriver) Reconfigure(size geometry.FrameSize) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconfigs = append(f.reconfigs, size)
	f.cfg.FrameSize = size
	return nil
}

func (f *fakeDriver) SetQuality(q int) error {
	f.mu.Lock()
	f.quality = q
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Deinit() error {
	f.mu.Lock()
	f.deinits++
	f.mu.Unlock()
	return nil
}

// fakePauser counts Pause/resume pairs.
type fakePauser struct {
	mu      sync.Mutex
	paused  int
	resumed int
	held    bool
	err     error
}

func (p *fakePauser) Pause(ctx context.Context) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.paused++
	p.held = true
	return func() {
		p.mu.Lock()
		p.resumed++
		p.held = false
		p.mu.Unlock()
	}, nil
}

func (p *fakePauser) isHeld() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

func grayConfig() sensor.Config {
	return sensor.Config{
		PixelFormat: geometry.Grayscale,
		FrameSize:   geometry.Size96x96,
		BufferCount: 2,
	}
}

func newTestCamera(t *testing.T) (*Camera, *fakeDriver, *recordingGPIO) {
	t.Helper()
	d := &fakeDriver{}
	g := &recordingGPIO{}
	cam := New(d, g, BoardPins{PullUps: []int{12, 13}, PowerDown: 32, Reset: 33, ResetPulse: time.Millisecond})
	if err := cam.Initialize(grayConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return cam, d, g
}

// ---------- Initialize ----------

func TestInitialize_BoardSequence(t *testing.T) {
	_, _, g := newTestCamera(t)
	want := []string{
		"setup 12 input-pullup",
		"setup 13 input-pullup",
		"setup 32 output",
		"write 32 low",
		"setup 33 output",
		"write 33 low",
		"write 33 high",
	}
	if len(g.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", g.ops, want)
	}
	for i := range want {
		if g.ops[i] != want[i] {
			t.Errorf("op %d = %q, want %q", i, g.ops[i], want[i])
		}
	}
}

func TestInitialize_Twice(t *testing.T) {
	cam, _, _ := newTestCamera(t)
	if err := cam.Initialize(grayConfig()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Initialize err = %v, want ErrAlreadyInitialized", err)
	}
}

func TestInitialize_DriverFailurePowersDown(t *testing.T) {
	d := &fakeDriver{initErr: errors.New("no ack on SCCB")}
	g := &recordingGPIO{}
	cam := New(d, g, BoardPins{PowerDown: 32})
	err := cam.Initialize(grayConfig())
	if err == nil {
		t.Fatal("expected init error")
	}
	if last := g.ops[len(g.ops)-1]; last != "write 32 high" {
		t.Errorf("last op = %q, want PWDN high", last)
	}
	if _, err := cam.CaptureSingle(10); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("CaptureSingle after failed init err = %v, want ErrNotInitialized", err)
	}
}

func TestInitialize_UnwiredPinsSkipped(t *testing.T) {
	g := &recordingGPIO{}
	cam := New(&fakeDriver{}, g, BoardPins{})
	if err := cam.Initialize(grayConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(g.ops) != 0 {
		t.Errorf("ops = %v, want none", g.ops)
	}
}

// ---------- Reconfigure ----------

func TestReconfigure_PausesCapture(t *testing.T) {
	cam, d, _ := newTestCamera(t)
	p := &fakePauser{}
	cam.Attach(p)

	sizes := []geometry.FrameSize{geometry.SizeQVGA, geometry.SizeVGA, geometry.Size96x96}
	for _, size := range sizes {
		if err := cam.Reconfigure(context.Background(), size); err != nil {
			t.Fatalf("Reconfigure(%s): %v", size, err)
		}
		if cam.Config().FrameSize != size {
			t.Errorf("Config().FrameSize = %s, want %s", cam.Config().FrameSize, size)
		}
	}
	if p.paused != len(sizes) || p.resumed != len(sizes) {
		t.Errorf("paused %d resumed %d, want %d each", p.paused, p.resumed, len(sizes))
	}
	if p.isHeld() {
		t.Error("capture left paused")
	}
	if len(d.reconfigs) != len(sizes) {
		t.Errorf("driver reconfigured %d times, want %d", len(d.reconfigs), len(sizes))
	}
	if cam.Config().PixelFormat != geometry.Grayscale {
		t.Error("pixel format must survive a reconfigure")
	}
}

func TestReconfigure_InvalidSize(t *testing.T) {
	cam, d, _ := newTestCamera(t)
	if err := cam.Reconfigure(context.Background(), geometry.FrameSize(42)); err == nil {
		t.Error("expected error for invalid size")
	}
	if len(d.reconfigs) != 0 {
		t.Error("driver must not see an invalid size")
	}
}

func TestReconfigure_PauseFails(t *testing.T) {
	cam, d, _ := newTestCamera(t)
	cam.Attach(&fakePauser{err: context.DeadlineExceeded})
	if err := cam.Reconfigure(context.Background(), geometry.SizeQVGA); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if len(d.reconfigs) != 0 {
		t.Error("driver reconfigured without a paused loop")
	}
}

func TestReconfigure_NotInitialized(t *testing.T) {
	cam := New(&fakeDriver{}, gpio.NewMockDriver(), BoardPins{})
	if err := cam.Reconfigure(context.Background(), geometry.SizeQVGA); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

// ---------- CaptureSingle ----------

func TestClampQuality(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, MinQuality},
		{4, MinQuality},
		{5, 5},
		{30, 30},
		{60, 60},
		{61, MaxQuality},
		{100, MaxQuality},
	}
	for _, tc := range cases {
		if got := ClampQuality(tc.in); got != tc.want {
			t.Errorf("ClampQuality(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestCaptureSingle_ThrowawayAndRelease(t *testing.T) {
	cam, d, _ := newTestCamera(t)

	img, err := cam.CaptureSingle(100)
	if err != nil {
		t.Fatalf("CaptureSingle: %v", err)
	}
	if d.quality != MaxQuality {
		t.Errorf("driver quality = %d, want clamped %d", d.quality, MaxQuality)
	}
	if d.acquired != 2 {
		t.Errorf("acquired %d frames, want 2 (one thrown away)", d.acquired)
	}
	if len(d.released) != 2 || d.released[0] != 1 || d.released[1] != 2 {
		t.Errorf("released = %v, want [1 2]", d.released)
	}

	decoded, err := jpeg.Decode(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("result is not a JPEG: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 96 || b.Dy() != 96 {
		t.Errorf("bounds = %v, want 96x96", b)
	}
}

func TestCaptureSingle_JPEGCopiedOut(t *testing.T) {
	d := &fakeDriver{}
	cam := New(d, gpio.NewMockDriver(), BoardPins{})
	cfg := grayConfig()
	cfg.PixelFormat = geometry.JPEG
	if err := cam.Initialize(cfg); err != nil {
		t.Fatal(err)
	}

	img, err := cam.CaptureSingle(1)
	if err != nil {
		t.Fatalf("CaptureSingle: %v", err)
	}
	if d.quality != MinQuality {
		t.Errorf("driver quality = %d, want clamped %d", d.quality, MinQuality)
	}
	if len(img) != 96*96 {
		t.Errorf("len = %d, want %d", len(img), 96*96)
	}
	if len(d.released) != 2 {
		t.Errorf("released %d frames, want 2", len(d.released))
	}
}

// ---------- Standby / Close ----------

func TestStandby(t *testing.T) {
	cam, _, g := newTestCamera(t)
	g.ops = nil
	if err := cam.Standby(true); err != nil {
		t.Fatalf("Standby(true): %v", err)
	}
	if err := cam.Standby(false); err != nil {
		t.Fatalf("Standby(false): %v", err)
	}
	want := []string{"write 32 high", "write 32 low"}
	if len(g.ops) != 2 || g.ops[0] != want[0] || g.ops[1] != want[1] {
		t.Errorf("ops = %v, want %v", g.ops, want)
	}
}

func TestClose(t *testing.T) {
	cam, d, _ := newTestCamera(t)
	if err := cam.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d.deinits != 1 {
		t.Errorf("Deinit called %d times, want 1", d.deinits)
	}
	if err := cam.Close(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("second Close err = %v, want ErrNotInitialized", err)
	}
	if err := cam.Initialize(grayConfig()); err != nil {
		t.Errorf("Initialize after Close: %v", err)
	}
}
