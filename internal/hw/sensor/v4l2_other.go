//go:build !linux

package sensor

import (
	"errors"

	"github.com/cjeanneret/CamCore/internal/logic/geometry"
)

var errNoV4L2 = errors.New("sensor: V4L2 is only available on linux")

// V4L2 is unavailable off linux; every call fails.
type V4L2 struct{}

// NewV4L2 returns an adapter whose Init always fails.
func NewV4L2(path string) *V4L2 { return &V4L2{} }

func (v *V4L2) Init(Config) error { return errNoV4L2 }
func (v *V4L2) Acquire() (*FrameBuffer, error) { return nil, errNoV4L2 }
func (v *V4L2) Release(*FrameBuffer) {}
func (v *V4L2) Reconfigure(geometry.FrameSize) error { return errNoV4L2 }
func (v *V4L2) SetQuality(int) error { return errNoV4L2 }
func (v *V4L2) Deinit() error { return errNoV4L2 }
