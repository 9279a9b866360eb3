package relmove

import (
	"errors"
	"testing"

	"ptzhead/internal/limits"
	"ptzhead/internal/ptz"
)

func TestPanTiltDelta_WideUpAmountOne(t *testing.T) {
	c := New(limits.Optics{DigitalZoom: true, MaxOpticalRatio: 20})
	pan, tilt, err := c.PanTiltDelta(ptz.DirUp, 1, 0x0000)
	if err != nil {
		t.Fatalf("PanTiltDelta: %v", err)
	}
	if pan != 0 || tilt != 214 {
		t.Errorf("got (%d, %d), want (0, 214)", pan, tilt)
	}
}

func TestPanTiltDelta_Directions(t *testing.T) {
	c := New(limits.Optics{MaxOpticalRatio: 20})
	tests := []struct {
		dir       ptz.Direction
		pan, tilt int
	}{
		{ptz.DirUp, 0, 428},
		{ptz.DirDown, 0, -428},
		{ptz.DirLeft, -760, 0},
		{ptz.DirRight, 760, 0},
		{ptz.DirUpLeft, -760, 428},
		{ptz.DirUpRight, 760, 428},
		{ptz.DirDownLeft, -760, -428},
		{ptz.DirDownRight, 760, -428},
	}
	for _, tt := range tests {
		t.Run(tt.dir.String(), func(t *testing.T) {
			pan, tilt, err := c.PanTiltDelta(tt.dir, 2, 0x0100)
			if err != nil {
				t.Fatal(err)
			}
			if pan != tt.pan || tilt != tt.tilt {
				t.Errorf("got (%d, %d), want (%d, %d)", pan, tilt, tt.pan, tt.tilt)
			}
		})
	}
}

func TestPanTiltDelta_StopRejected(t *testing.T) {
	c := New(limits.Optics{})
	_, _, err := c.PanTiltDelta(ptz.DirStop, 1, 0)
	if !errors.Is(err, ptz.ErrExec) {
		t.Fatalf("err = %v, want ErrExec", err)
	}
	if _, err := c.PanTiltRelative(ptz.DirStop, 5, 0x2000); ptz.CodeOf(err) != ptz.CodeExec {
		t.Errorf("PanTiltRelative code = %v, want exec", ptz.CodeOf(err))
	}
}

func TestPanTiltDelta_AmountOutOfRange(t *testing.T) {
	c := New(limits.Optics{})
	for _, amount := range []int{0, 11, -1} {
		if _, _, err := c.PanTiltDelta(ptz.DirUp, amount, 0); !errors.Is(err, ptz.ErrOutOfRange) {
			t.Errorf("amount %d: err = %v, want ErrOutOfRange", amount, err)
		}
	}
}

func TestPanTiltDelta_BoundaryLastRowWins(t *testing.T) {
	c := New(limits.Optics{MaxOpticalRatio: 20})
	// 0x0E6D closes the first band and opens the second.
	for i := 0; i < 5; i++ {
		_, tilt, err := c.PanTiltDelta(ptz.DirUp, 1, 0x0E6D)
		if err != nil {
			t.Fatal(err)
		}
		if tilt != 135 {
			t.Fatalf("call %d: tilt = %d, want 135 from the later band", i, tilt)
		}
	}
	_, tilt, _ := c.PanTiltDelta(ptz.DirUp, 1, 0x0E6C)
	if tilt != 214 {
		t.Errorf("just below boundary tilt = %d, want 214", tilt)
	}
}

func TestPanTiltRelative_BoundsOverZoomRange(t *testing.T) {
	for _, optics := range []limits.Optics{
		{DigitalZoom: true, MaxOpticalRatio: 20},
		{DigitalZoom: true, MaxOpticalRatio: 30},
	} {
		c := New(optics)
		panMin, panMax := ToDevice(limits.PanRelativeRange.Min), ToDevice(limits.PanRelativeRange.Max)
		tiltMin, tiltMax := ToDevice(limits.TiltRelativeRange.Min), ToDevice(limits.TiltRelativeRange.Max)
		for zoom := limits.ZoomMin; zoom <= limits.ZoomFullMax; zoom += 0x40 {
			for amount := limits.AmountMin; amount <= limits.AmountMax; amount++ {
				for dir := ptz.DirUp; dir <= ptz.DirDownRight; dir++ {
					m, err := c.PanTiltRelative(dir, amount, zoom)
					if err != nil {
						t.Fatalf("zoom %#x amount %d dir %v: %v", zoom, amount, dir, err)
					}
					if m.Pan < panMin || m.Pan > panMax || m.Tilt < tiltMin || m.Tilt > tiltMax {
						t.Fatalf("zoom %#x amount %d dir %v: move %+v out of range", zoom, amount, dir, m)
					}
				}
			}
		}
		if _, err := c.PanTiltRelative(ptz.DirUp, 10, limits.ZoomFullMax); err != nil {
			t.Errorf("top of zoom range: %v", err)
		}
	}
}

func TestPanTiltDelta_ZoomOutsideTable(t *testing.T) {
	c := New(limits.Optics{})
	if _, _, err := c.PanTiltDelta(ptz.DirUp, 1, limits.ZoomFullMax+1); !errors.Is(err, ptz.ErrOutOfRange) {
		t.Errorf("err = %v, want ErrOutOfRange", err)
	}
}

func TestToDeviceMonotonic(t *testing.T) {
	prev := ToDevice(-40000)
	for v := -40000; v <= 40000; v += 7 {
		got := ToDevice(v)
		if got < prev {
			t.Fatalf("ToDevice(%d) = %d < %d", v, got, prev)
		}
		prev = got
	}
	if ToDevice(214) != 34 {
		t.Errorf("ToDevice(214) = %d, want 34", ToDevice(214))
	}
}

func TestZoomDelta(t *testing.T) {
	if v, err := ZoomDelta(ptz.ZoomTele, 1); err != nil || v != 0x0080 {
		t.Errorf("tele 1 = %d, %v", v, err)
	}
	if v, err := ZoomDelta(ptz.ZoomWide, 10); err != nil || v != -0x3000 {
		t.Errorf("wide 10 = %d, %v", v, err)
	}
	if _, err := ZoomDelta(ptz.ZoomStop, 3); !errors.Is(err, ptz.ErrExec) {
		t.Errorf("stop err = %v", err)
	}
	if _, err := ZoomDelta(ptz.ZoomTele, 11); !errors.Is(err, ptz.ErrOutOfRange) {
		t.Errorf("amount 11 err = %v", err)
	}
}

func TestFocusDelta(t *testing.T) {
	if v, _ := FocusDelta(ptz.FocusNear, 2); v != 0x0080 {
		t.Errorf("near 2 = %d", v)
	}
	if v, _ := FocusDelta(ptz.FocusFar, 2); v != -0x0080 {
		t.Errorf("far 2 = %d", v)
	}
	if _, err := FocusDelta(ptz.FocusStop, 2); !errors.Is(err, ptz.ErrExec) {
		t.Errorf("stop err = %v", err)
	}
}

func TestAbsoluteZoomClampsPerSubmode(t *testing.T) {
	c := New(limits.Optics{DigitalZoom: true, MaxOpticalRatio: 20})
	tests := []struct {
		name           string
		current, delta int
		mode           ptz.ZoomMode
		want           int
	}{
		{"optical ceiling", 0x3F00, 0x1000, ptz.ZoomModeOptical, limits.ZoomOpticalMax},
		{"clear image ceiling", 0x5F00, 0x1000, ptz.ZoomModeClearImage, limits.ZoomClearImageMax},
		{"full ceiling", 0x7A00, 0x1000, ptz.ZoomModeFull, limits.ZoomFullMax},
		{"floor", 0x0040, -0x0080, ptz.ZoomModeFull, 0},
		{"inside", 0x1000, 0x0100, ptz.ZoomModeOptical, 0x1100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.AbsoluteZoom(tt.current, tt.delta, tt.mode); got != tt.want {
				t.Errorf("got %#x, want %#x", got, tt.want)
			}
		})
	}

	opticalOnly := New(limits.Optics{MaxOpticalRatio: 20})
	if got := opticalOnly.AbsoluteZoom(0x3000, 0x3000, ptz.ZoomModeFull); got != limits.ZoomOpticalMax {
		t.Errorf("no digital zoom: got %#x, want optical max", got)
	}
}

func TestAbsoluteFocus(t *testing.T) {
	if got := AbsoluteFocus(limits.FocusMax-1, 0x100); got != limits.FocusMax {
		t.Errorf("got %#x", got)
	}
	if got := AbsoluteFocus(0x10, -0x100); got != 0 {
		t.Errorf("got %#x", got)
	}
}
