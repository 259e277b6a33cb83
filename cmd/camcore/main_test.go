package main

import (
	"context"
	"testing"
	"time"

	"github.com/cjeanneret/CamCore/internal/config"
	"github.com/cjeanneret/CamCore/internal/hw/camera"
	"github.com/cjeanneret/CamCore/internal/hw/gpio"
	"github.com/cjeanneret/CamCore/internal/hw/sensor"
	"github.com/cjeanneret/CamCore/internal/logic/capture"
	"github.com/cjeanneret/CamCore/internal/logic/geometry"
	"golang.org/x/sync/errgroup"
)

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	for _, input := range []string{"0", "65536", "-1", "abc", "8080.5"} {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}

// ---------- applyFrameSize ----------

func TestApplyFrameSize_EmptyLeavesUnchanged(t *testing.T) {
	cfg := &config.Config{Sensor: config.SensorConfig{FrameSize: "96X96"}}
	if err := applyFrameSize(cfg, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sensor.FrameSize != "96X96" {
		t.Errorf("FrameSize = %q, want \"96X96\"", cfg.Sensor.FrameSize)
	}
}

func TestApplyFrameSize_Normalizes(t *testing.T) {
	cfg := &config.Config{Sensor: config.SensorConfig{FrameSize: "96X96"}}
	if err := applyFrameSize(cfg, "qvga"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sensor.FrameSize != "QVGA" {
		t.Errorf("FrameSize = %q, want \"QVGA\"", cfg.Sensor.FrameSize)
	}
}

func TestApplyFrameSize_Invalid(t *testing.T) {
	cfg := &config.Config{Sensor: config.SensorConfig{FrameSize: "96X96"}}
	if err := applyFrameSize(cfg, "8K"); err == nil {
		t.Error("expected error for unknown frame size, got nil")
	}
	if cfg.Sensor.FrameSize != "96X96" {
		t.Errorf("FrameSize changed on error: %q", cfg.Sensor.FrameSize)
	}
}

// ---------- newSensorFromConfig ----------

func TestNewSensorFromConfig(t *testing.T) {
	cfg := &config.Config{Sensor: config.SensorConfig{Type: "sim"}}
	d, err := newSensorFromConfig(cfg)
	if err != nil {
		t.Fatalf("sim: %v", err)
	}
	if _, ok := d.(*sensor.Sim); !ok {
		t.Errorf("sim: got %T, want *sensor.Sim", d)
	}

	cfg.Sensor.Type = "v4l2"
	if _, err := newSensorFromConfig(cfg); err != nil {
		t.Errorf("v4l2: %v", err)
	}

	cfg.Sensor.Type = "esp32"
	if _, err := newSensorFromConfig(cfg); err == nil {
		t.Error("expected error for unsupported sensor type")
	}
}

// ---------- pipeline ----------

const pipelineYAML = `
sensor:
  type: sim
  pixel_format: RGB565
  frame_size: 96X96
  buffer_count: 2
capture:
  idle_delay_ms: 1
  stop_poll_ms: 1
detection:
  enabled: true
  frame_queue: 2
  pass_through: true
  power_poll_ms: 1
defaults:
  mock_gpio: true
`

func newTestPipeline(t *testing.T) (*pipeline, *sensor.Sim) {
	t.Helper()
	cfg, err := config.Parse([]byte(pipelineYAML))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	sim := sensor.NewSim(sensor.SimConfig{})
	cam := camera.New(sim, gpio.NewMockDriver(), cfg.BoardPins())
	if err := cam.Initialize(cfg.SensorSettings()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	p, err := newPipeline(cfg, cam)
	if err != nil {
		t.Fatalf("newPipeline: %v", err)
	}
	return p, sim
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPipeline_FramesFlowAndSleepDrains(t *testing.T) {
	p, sim := newTestPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p.start(gctx, g, nil)

	waitUntil(t, "frames to be processed", func() bool { return p.stage.Processed() >= 3 })

	sleepCtx, sleepCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer sleepCancel()
	if err := p.power.EnterDeepSleep(sleepCtx); err != nil {
		t.Fatalf("EnterDeepSleep: %v", err)
	}
	if p.task.State() != capture.Stop {
		t.Errorf("state = %v, want STOP", p.task.State())
	}
	if p.reg.HasPendingOrInFlightWork() {
		t.Errorf("pending = %d after sleep, want 0", p.reg.Pending())
	}
	st := p.status()
	if !st.Asleep || st.State != "STOP" {
		t.Errorf("status = %+v, want asleep in STOP", st)
	}

	p.controls(12, time.Second).Wake()
	waitUntil(t, "capture to resume", func() bool { return p.task.State() == capture.Running })

	cancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		t.Fatalf("Wait: %v", err)
	}
	if s := sim.Stats(); s.DoubleReleases != 0 {
		t.Errorf("double releases = %d, want 0", s.DoubleReleases)
	}
}

func TestPipeline_ReconfigureAndSnapshot(t *testing.T) {
	p, sim := newTestPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p.start(gctx, g, nil)

	ctl := p.controls(12, time.Second)
	if err := ctl.Reconfigure(context.Background(), geometry.SizeQQVGA); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if got := p.status().FrameSize; got != "QQVGA" {
		t.Errorf("frame size = %q, want QQVGA", got)
	}

	img, err := ctl.Snapshot(ctl.DefaultQuality)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(img) < 2 || img[0] != 0xFF || img[1] != 0xD8 {
		t.Error("snapshot is not a JPEG")
	}

	cancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		t.Fatalf("Wait: %v", err)
	}
	if s := sim.Stats(); s.DoubleReleases != 0 {
		t.Errorf("double releases = %d, want 0", s.DoubleReleases)
	}
}

func TestPipeline_DetectionDisabledReleasesFrames(t *testing.T) {
	cfg, err := config.Parse([]byte(`
capture:
  idle_delay_ms: 1
detection:
  enabled: false
`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	sim := sensor.NewSim(sensor.SimConfig{})
	cam := camera.New(sim, gpio.NewMockDriver(), cfg.BoardPins())
	if err := cam.Initialize(cfg.SensorSettings()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	p, err := newPipeline(cfg, cam)
	if err != nil {
		t.Fatalf("newPipeline: %v", err)
	}
	if _, ok := p.reg.Descriptor(); ok {
		t.Error("registration should stay empty when detection is disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p.start(gctx, g, nil)

	waitUntil(t, "frames to be recycled", func() bool { return sim.Stats().Released >= 5 })

	cancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		t.Fatalf("Wait: %v", err)
	}
}
