package gpio

import "testing"

func TestMockDriver_SetupAndWrite(t *testing.T) {
	m := NewMockDriver()
	if err := m.SetupPin(32, Output); err != nil {
		t.Fatalf("SetupPin: %v", err)
	}
	if err := m.WritePin(32, High); err != nil {
		t.Fatalf("WritePin: %v", err)
	}
	lvl, err := m.ReadPin(32)
	if err != nil {
		t.Fatalf("ReadPin: %v", err)
	}
	if lvl != High {
		t.Errorf("level = %v, want High", lvl)
	}
	if mode, ok := m.Mode(32); !ok || mode != Output {
		t.Errorf("Mode(32) = %v, %v; want output", mode, ok)
	}
}

func TestMockDriver_PullUpReadsHigh(t *testing.T) {
	m := NewMockDriver()
	m.SetupPin(14, InputPullUp)
	if lvl, _ := m.ReadPin(14); lvl != High {
		t.Errorf("pulled-up pin reads %v, want High", lvl)
	}
	if _, ok := m.Mode(15); ok {
		t.Error("unconfigured pin should have no mode")
	}
}

func TestPinMode_String(t *testing.T) {
	cases := map[PinMode]string{
		Input:       "input",
		Output:      "output",
		InputPullUp: "input-pullup",
		PinMode(9):  "unknown",
	}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Errorf("PinMode(%d).String() = %q, want %q", int(mode), got, want)
		}
	}
}

func TestNewDriver_Mock(t *testing.T) {
	d, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver(true): %v", err)
	}
	if _, ok := d.(*MockDriver); !ok {
		t.Errorf("NewDriver(true) = %T, want *MockDriver", d)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
