package detect

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/CamCore/internal/debug"
	"github.com/cjeanneret/CamCore/internal/hw/sensor"
	"github.com/google/uuid"
)

// DefaultThreshold is the score at which a frame counts as a detection.
const DefaultThreshold = 0.5

// Scorer rates a frame. The detection model lives behind this interface.
type Scorer interface {
	Score(fb *sensor.FrameBuffer) (float32, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(fb *sensor.FrameBuffer) (float32, error)

func (f ScorerFunc) Score(fb *sensor.FrameBuffer) (float32, error) { return f(fb) }

// Stage is the consumption loop of a registered detection stage.
type Stage struct {
	reg       *Registration
	scorer    Scorer
	releaser  sensor.Releaser
	threshold float32

	processed atomic.Uint64
	detected  atomic.Uint64
}

// NewStage creates a stage reading from reg's queues. Frames that are not
// forwarded go back to releaser.
func NewStage(reg *Registration, scorer Scorer, releaser sensor.Releaser, threshold float32) *Stage {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Stage{
		reg:       reg,
		scorer:    scorer,
		releaser:  releaser,
		threshold: threshold,
	}
}

// Processed returns the number of frames fully handled.
func (s *Stage) Processed() uint64 { return s.processed.Load() }

// Detected returns the number of frames at or above the threshold.
func (s *Stage) Detected() uint64 { return s.detected.Load() }

// Run consumes frames until ctx is done.
func (s *Stage) Run(ctx context.Context) error {
	d, ok := s.reg.Descriptor()
	if !ok {
		return ErrNotRegistered
	}
	debug.Info("Detection stage running (in=%s, threshold=%.2f, return=%v)", d.FrameIn.Name(), s.threshold, d.ReturnFrames)

	for {
		fb, err := d.FrameIn.Recv(ctx)
		if err != nil {
			return err
		}
		if err := s.process(ctx, d, fb); err != nil {
			return err
		}
	}
}

// process scores one frame, reports it and disposes of it. The frame stays
// pending until it has been released or forwarded.
func (s *Stage) process(ctx context.Context, d Descriptor, fb *sensor.FrameBuffer) error {
	defer s.reg.complete()

	score, err := s.scorer.Score(fb)
	if err != nil {
		debug.Errorf("frame #%d: score: %v", fb.Seq, err)
		score = 0
	}

	if cb := s.reg.Callback(); cb != nil {
		cb(fb, score)
	}

	now := time.Now()
	hit := score >= s.threshold
	res := Result{
		Seq:      fb.Seq,
		Score:    score,
		Detected: hit,
		Width:    fb.Width,
		Height:   fb.Height,
		At:       now,
	}
	s.processed.Add(1)

	if hit {
		s.detected.Add(1)
		debug.Live("Face detected in frame #%d (score %.2f)", fb.Seq, score)
		evt := Event{ID: uuid.New(), Kind: KindFace, Score: score, Seq: fb.Seq, At: now}
		if err := d.Events.Send(ctx, evt); err != nil {
			s.releaser.Release(fb)
			return err
		}
	}
	if err := d.Results.Send(ctx, res); err != nil {
		s.releaser.Release(fb)
		return err
	}

	if d.ReturnFrames || d.FrameOut == nil {
		s.releaser.Release(fb)
		return nil
	}
	if err := d.FrameOut.Send(ctx, fb); err != nil {
		s.releaser.Release(fb)
		return err
	}
	return nil
}
