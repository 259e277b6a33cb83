package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/CamCore/internal/config"
	"github.com/cjeanneret/CamCore/internal/debug"
	"github.com/cjeanneret/CamCore/internal/hw/camera"
	"github.com/cjeanneret/CamCore/internal/hw/gpio"
	"github.com/cjeanneret/CamCore/internal/hw/sensor"
	"github.com/cjeanneret/CamCore/internal/logic/capture"
	"github.com/cjeanneret/CamCore/internal/logic/detect"
	"github.com/cjeanneret/CamCore/internal/logic/geometry"
	"github.com/cjeanneret/CamCore/internal/logic/power"
	"github.com/cjeanneret/CamCore/internal/logic/queue"
	"github.com/cjeanneret/CamCore/internal/web"
	"golang.org/x/sync/errgroup"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	frameSize := flag.String("frame_size", "", "override sensor frame size (e.g. 96X96, QVGA)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := applyFrameSize(cfg, *frameSize); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	if webPort.port() == 0 {
		webPort.val = cfg.Defaults.WebPort
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	debug.Step(2, "Initializing camera")
	driver, err := newSensorFromConfig(cfg)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	cam := camera.New(driver, gpioDriver, cfg.BoardPins())
	settings := cfg.SensorSettings()
	debug.PrintStruct("Sensor config", cfg.Sensor)
	if err := cam.Initialize(settings); err != nil {
		// Nothing to capture from; this is the only fatal path.
		log.Fatalf("Camera init failed: %v", err)
	}
	defer func() {
		if err := cam.Close(); err != nil {
			log.Printf("closing camera failed: %v", err)
		}
	}()

	debug.Step(3, "Wiring pipeline")
	p, err := newPipeline(cfg, cam)
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}

	var broadcaster *web.StatusBroadcaster
	if port := webPort.port(); port > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	g, gctx := errgroup.WithContext(ctx)
	p.start(gctx, g, broadcaster)

	if port := webPort.port(); port > 0 {
		srv := web.NewServer(fmt.Sprintf(":%d", port), broadcaster, p.controls(cfg.Detection.SnapshotQuality, cfg.SleepTimeout()))
		g.Go(func() error { return srv.Run(gctx) })
	}

	debug.Section("Running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("pipeline stopped: %v", err)
	}
	debug.Info("Shutdown complete")
}

// pipeline holds the wired capture, detection and power components.
type pipeline struct {
	cam   *camera.Camera
	task  *capture.Task
	reg   *detect.Registration
	stage *detect.Stage
	power *power.Controller

	frames  *queue.Queue[*sensor.FrameBuffer]
	events  *queue.Queue[detect.Event]
	results *queue.Queue[detect.Result]
	out     *queue.Queue[*sensor.FrameBuffer]
	enabled bool
}

// newPipeline builds the queues, registers the detection stage and
// attaches the capture task to the camera.
func newPipeline(cfg *config.Config, cam *camera.Camera) (*pipeline, error) {
	det := cfg.Detection
	p := &pipeline{
		cam:     cam,
		reg:     detect.NewRegistration(),
		frames:  queue.New[*sensor.FrameBuffer]("frames", det.FrameQueue),
		events:  queue.New[detect.Event]("events", det.EventQueue),
		results: queue.New[detect.Result]("results", det.ResultQueue),
		enabled: det.Enabled,
	}
	if det.PassThrough {
		p.out = queue.New[*sensor.FrameBuffer]("frames-out", det.OutputQueue)
	}

	if p.enabled {
		if err := p.reg.Register(detect.Descriptor{
			FrameIn:      p.frames,
			Events:       p.events,
			Results:      p.results,
			FrameOut:     p.out,
			ReturnFrames: det.ReturnFrames,
		}); err != nil {
			return nil, fmt.Errorf("register detection: %w", err)
		}
		p.reg.SetCallback(func(fb *sensor.FrameBuffer, score float32) {
			debug.Trace("frame #%d scored %.3f", fb.Seq, score)
		})
		p.stage = detect.NewStage(p.reg, detect.LumaScorer{}, cam.Driver(), float32(det.Threshold))
	}

	p.task = capture.NewTask(cam.Driver(), p.frames, capture.Options{
		Format:    cam.Config().PixelFormat,
		IdleDelay: cfg.IdleDelay(),
		StopPoll:  cfg.StopPoll(),
	})
	cam.Attach(p.task)

	p.power = power.NewController(p.task, p.reg, func(ctx context.Context) error {
		return cam.Standby(true)
	}, cfg.PowerPoll())
	p.power.SetWakeHook(func() error { return cam.Standby(false) })
	return p, nil
}

// start launches every pipeline goroutine in g.
func (p *pipeline) start(ctx context.Context, g *errgroup.Group, b *web.StatusBroadcaster) {
	g.Go(func() error { return p.task.Run(ctx) })
	g.Go(func() error { return p.drain(ctx) })

	if !p.enabled {
		// No stage registered: frames go straight back to the driver.
		g.Go(func() error { return releaseAll(ctx, p.frames, p.cam.Driver()) })
		return
	}

	g.Go(func() error { return p.stage.Run(ctx) })
	g.Go(func() error {
		for {
			evt, err := p.events.Recv(ctx)
			if err != nil {
				return err
			}
			debug.Info("Detection %s: frame #%d score %.2f (%s)", evt.Kind, evt.Seq, evt.Score, evt.ID)
			if b != nil {
				b.BroadcastData("event", "Detection "+evt.Kind.String(), evt)
			}
		}
	})
	g.Go(func() error {
		for {
			res, err := p.results.Recv(ctx)
			if err != nil {
				return err
			}
			debug.Verbose("Result frame #%d: score %.3f detected=%v", res.Seq, res.Score, res.Detected)
		}
	})
	if p.out != nil {
		g.Go(func() error { return releaseAll(ctx, p.out, p.cam.Driver()) })
	}
}

// releaseAll is the downstream consumer for frames nobody else keeps.
func releaseAll(ctx context.Context, q *queue.Queue[*sensor.FrameBuffer], r sensor.Releaser) error {
	for {
		fb, err := q.Recv(ctx)
		if err != nil {
			return err
		}
		r.Release(fb)
	}
}

// drain waits for shutdown, then returns queued frames to the driver until
// the capture loop has exited. A loop blocked in Acquire on a full pool
// needs those buffers back to see the cancellation.
func (p *pipeline) drain(ctx context.Context) error {
	<-ctx.Done()
	r := p.cam.Driver()
	release := func(q *queue.Queue[*sensor.FrameBuffer]) {
		if q == nil {
			return
		}
		for {
			fb, ok := q.TryRecv()
			if !ok {
				return
			}
			r.Release(fb)
		}
	}
	for p.task.Running() {
		release(p.frames)
		release(p.out)
		time.Sleep(time.Millisecond)
	}
	release(p.frames)
	release(p.out)
	return nil
}

func (p *pipeline) status() web.Status {
	cfg := p.cam.Config()
	return web.Status{
		State:          p.task.State().String(),
		SleepRequested: p.task.SleepRequested(),
		Asleep:         p.power.Asleep(),
		Pending:        p.reg.Pending(),
		PixelFormat:    cfg.PixelFormat.String(),
		FrameSize:      cfg.FrameSize.String(),
		Capture:        p.task.Stats(),
	}
}

func (p *pipeline) controls(defaultQuality int, sleepTimeout time.Duration) web.Controls {
	return web.Controls{
		Status:         p.status,
		Sleep:          p.power.EnterDeepSleep,
		SleepTimeout:   sleepTimeout,
		Wake:           p.power.Wake,
		Reconfigure:    p.cam.Reconfigure,
		Snapshot:       p.cam.CaptureSingle,
		DefaultQuality: defaultQuality,
	}
}

// applyFrameSize overrides the configured frame size when s is non-empty.
func applyFrameSize(cfg *config.Config, s string) error {
	if s == "" {
		return nil
	}
	size, err := geometry.ParseFrameSize(s)
	if err != nil {
		return fmt.Errorf("frame_size: %w", err)
	}
	cfg.Sensor.FrameSize = size.String()
	return nil
}

// newSensorFromConfig selects a sensor driver based on configuration.
func newSensorFromConfig(cfg *config.Config) (sensor.Driver, error) {
	switch cfg.Sensor.Type {
	case "sim":
		return sensor.NewSim(sensor.SimConfig{FramePeriod: cfg.SimPeriod()}), nil
	case "v4l2":
		return sensor.NewV4L2(cfg.Sensor.Device), nil
	default:
		return nil, fmt.Errorf("unsupported sensor type: %s", cfg.Sensor.Type)
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
