// Package relmove converts qualitative direction/amount requests into
// signed, clamped device moves.
package relmove

import (
	"fmt"
	"math"

	"ptzhead/internal/limits"
	"ptzhead/internal/ptz"
)

// Move is a relative pan-tilt move in device units.
type Move struct {
	Pan, Tilt int32
}

// Calculator computes relative moves for one optics variant.
type Calculator struct {
	tables limits.Tables
}

// New selects the movement tables for the given optics.
func New(optics limits.Optics) *Calculator {
	return &Calculator{tables: limits.Select(optics)}
}

// ZoomMax is the top of the zoom range under a digital-zoom submode.
func (c *Calculator) ZoomMax(mode ptz.ZoomMode) int {
	if v, ok := c.tables.ZoomMax[mode]; ok {
		return v
	}
	return limits.ZoomOpticalMax
}

// base returns the angular base for a zoom position. The last matching band
// wins.
func (c *Calculator) base(zoom int) (pan, tilt int, ok bool) {
	for _, b := range c.tables.Bands {
		if zoom >= b.ZoomLower && zoom <= b.ZoomUpper {
			pan, tilt, ok = b.PanBase, b.TiltBase, true
		}
	}
	return pan, tilt, ok
}

// PanTiltDelta returns the signed pan and tilt delta in application units,
// before rounding and device mapping.
func (c *Calculator) PanTiltDelta(dir ptz.Direction, amount, zoom int) (pan, tilt int, err error) {
	if err := checkAmount(amount); err != nil {
		return 0, 0, err
	}
	if dir == ptz.DirStop {
		return 0, 0, fmt.Errorf("%w: relative pan-tilt with direction stop", ptz.ErrExec)
	}
	ps, ts := dir.Signs()
	if ps == 0 && ts == 0 {
		return 0, 0, fmt.Errorf("%w: unknown direction %v", ptz.ErrExec, dir)
	}
	pb, tb, ok := c.base(zoom)
	if !ok {
		return 0, 0, ptz.OutOfRange("zoom position", zoom, limits.ZoomMin, limits.ZoomFullMax)
	}
	pct := limits.AmountPercent[amount-1]
	return ps * pb * pct / 100, ts * tb * pct / 100, nil
}

// PanTiltRelative returns the device move for a relative pan-tilt request.
func (c *Calculator) PanTiltRelative(dir ptz.Direction, amount, zoom int) (Move, error) {
	pan, tilt, err := c.PanTiltDelta(dir, amount, zoom)
	if err != nil {
		return Move{}, err
	}
	return Move{
		Pan:  ToDevice(limits.PanRelativeRange.Clamp(pan)),
		Tilt: ToDevice(limits.TiltRelativeRange.Clamp(tilt)),
	}, nil
}

// ToDevice maps a signed application angle onto device units, rounding half
// away from zero.
func ToDevice(v int) int32 {
	return int32(math.Round(float64(v) * limits.DeviceUnitsPerDegree / 100))
}

// ZoomDelta returns the signed zoom step for a relative zoom request.
func ZoomDelta(dir ptz.ZoomDirection, amount int) (int, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}
	v := limits.ZoomSteps[amount-1]
	switch dir {
	case ptz.ZoomWide:
		return -v, nil
	case ptz.ZoomTele:
		return v, nil
	}
	return 0, fmt.Errorf("%w: relative zoom with direction %v", ptz.ErrExec, dir)
}

// FocusDelta returns the signed focus step for a relative focus request.
func FocusDelta(dir ptz.FocusDirection, amount int) (int, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}
	v := limits.FocusSteps[amount-1]
	switch dir {
	case ptz.FocusNear:
		return v, nil
	case ptz.FocusFar:
		return -v, nil
	}
	return 0, fmt.Errorf("%w: relative focus with direction %v", ptz.ErrExec, dir)
}

// AbsoluteZoom adds delta to the current position and clamps to the zoom
// range permitted by the digital-zoom submode.
func (c *Calculator) AbsoluteZoom(current, delta int, mode ptz.ZoomMode) int {
	return clamp(current+delta, limits.ZoomMin, c.ZoomMax(mode))
}

// AbsoluteFocus adds delta to the current position and clamps to the focus
// range.
func AbsoluteFocus(current, delta int) int {
	return clamp(current+delta, limits.FocusMin, limits.FocusMax)
}

func checkAmount(amount int) error {
	if amount < limits.AmountMin || amount > limits.AmountMax {
		return ptz.OutOfRange("amount", amount, limits.AmountMin, limits.AmountMax)
	}
	return nil
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
