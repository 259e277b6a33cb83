package camera

import (
	"time"

	"github.com/cjeanneret/CamCore/internal/debug"
	"github.com/cjeanneret/CamCore/internal/hw/gpio"
)

// BoardPins describes the GPIO lines around the sensor module.
// Pin 0 means "not wired".
type BoardPins struct {
	// PullUps are strap/JTAG pins that must read as pulled-up inputs
	// before the sensor bus is used.
	PullUps    []int
	PowerDown  int           // PWDN, active HIGH
	Reset      int           // RESET, active LOW
	ResetPulse time.Duration // how long RESET is held LOW
}

// powerUp runs the board sequence:
// 1. strap pins as pulled-up inputs
// 2. PWDN LOW (sensor powered)
// 3. RESET LOW, hold, then HIGH
func powerUp(g gpio.Driver, pins BoardPins) error {
	for _, pin := range pins.PullUps {
		if pin <= 0 {
			continue
		}
		if err := g.SetupPin(pin, gpio.InputPullUp); err != nil {
			return err
		}
	}

	if pins.PowerDown > 0 {
		debug.Verbose("Board: PWDN (pin %d -> LOW)", pins.PowerDown)
		if err := g.SetupPin(pins.PowerDown, gpio.Output); err != nil {
			return err
		}
		if err := g.WritePin(pins.PowerDown, gpio.Low); err != nil {
			return err
		}
	}

	if pins.Reset > 0 {
		debug.Verbose("Board: RESET pulse on pin %d (%v)", pins.Reset, pins.ResetPulse)
		if err := g.SetupPin(pins.Reset, gpio.Output); err != nil {
			return err
		}
		if err := g.WritePin(pins.Reset, gpio.Low); err != nil {
			return err
		}
		time.Sleep(pins.ResetPulse)
		if err := g.WritePin(pins.Reset, gpio.High); err != nil {
			return err
		}
	}
	return nil
}

// powerDown puts the sensor back into power-down.
func powerDown(g gpio.Driver, pins BoardPins) error {
	return setPowerDown(g, pins, true)
}

// setPowerDown drives PWDN without touching RESET, so register state
// survives a standby cycle.
func setPowerDown(g gpio.Driver, pins BoardPins, on bool) error {
	if pins.PowerDown <= 0 {
		return nil
	}
	level := gpio.Low
	if on {
		level = gpio.High
	}
	debug.GPIO("PWDN", pins.PowerDown, level)
	return g.WritePin(pins.PowerDown, level)
}
