// Package limits holds the static movement tables of the camera head and
// selects the variant matching the fitted optics.
//
// Angular values are in application units of 0.01 degree. Zoom and focus
// positions are raw lens positions.
package limits

import "ptzhead/internal/ptz"

// Zoom and focus ranges.
const (
	ZoomMin           = 0x0000
	ZoomOpticalMax    = 0x4000
	ZoomClearImageMax = 0x6000
	ZoomFullMax       = 0x7AC0

	FocusMin = 0x0000
	FocusMax = 0xF000
)

// Preset and amount ranges.
const (
	PresetMin = 0
	PresetMax = 99

	AmountMin = 1
	AmountMax = 10
)

// Absolute pan-tilt range in device units.
const (
	PanAbsMin  = -0x0990
	PanAbsMax  = 0x0990
	TiltAbsMin = -0x0510
	TiltAbsMax = 0x0510
)

// Drive speed steps accepted from callers, and the device's native maxima.
const (
	PanSpeedSteps   = 24
	TiltSpeedSteps  = 20
	LensSpeedSteps  = 8
	DevicePanSpeed  = 0x18
	DeviceTiltSpeed = 0x14
	DeviceLensSpeed = 0x07
)

// DeviceUnitsPerDegree converts application angles into device units.
const DeviceUnitsPerDegree = 16

// RoundRange is the valid span of a relative move in application units.
type RoundRange struct {
	Min, Max int
}

// Clamp rounds v into the range.
func (r RoundRange) Clamp(v int) int {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Contains reports whether v lies in the range.
func (r RoundRange) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// Relative-move round ranges.
var (
	PanRelativeRange  = RoundRange{Min: -34000, Max: 34000}
	TiltRelativeRange = RoundRange{Min: -12000, Max: 12000}
)

// PanTiltBand maps an inclusive zoom interval to the angular base of a
// relative move at amount 1.
type PanTiltBand struct {
	ZoomLower, ZoomUpper int
	PanBase, TiltBase    int
}

// Neighbouring bands share their boundary value. Lookups scan the whole
// table and keep the last match, so a boundary belongs to the later band.
var bands20x = []PanTiltBand{
	{0x0000, 0x0E6D, 380, 214},
	{0x0E6D, 0x188E, 240, 135},
	{0x188E, 0x2507, 142, 80},
	{0x2507, 0x2B6D, 89, 50},
	{0x2B6D, 0x3191, 56, 32},
	{0x3191, 0x3568, 36, 20},
	{0x3568, 0x3B33, 24, 14},
	{0x3B33, 0x4000, 19, 11},
	{0x4000, 0x6000, 12, 7},
	{0x6000, 0x7AC0, 6, 4},
}

var bands30x = []PanTiltBand{
	{0x0000, 0x0DC1, 380, 214},
	{0x0DC1, 0x186C, 226, 127},
	{0x186C, 0x2208, 128, 72},
	{0x2208, 0x2A1F, 77, 43},
	{0x2A1F, 0x2FC5, 47, 27},
	{0x2FC5, 0x3481, 29, 16},
	{0x3481, 0x3A3C, 19, 11},
	{0x3A3C, 0x4000, 13, 7},
	{0x4000, 0x6000, 8, 5},
	{0x6000, 0x7AC0, 4, 2},
}

// AmountPercent is the scale applied per amount step, indexed by amount-1.
var AmountPercent = [AmountMax]int{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}

// ZoomSteps is the relative zoom magnitude per amount, indexed by amount-1.
var ZoomSteps = [AmountMax]int{0x0080, 0x0100, 0x0200, 0x0400, 0x0800, 0x0C00, 0x1000, 0x1800, 0x2000, 0x3000}

// FocusSteps is the relative focus magnitude per amount, indexed by amount-1.
var FocusSteps = [AmountMax]int{0x0040, 0x0080, 0x0100, 0x0200, 0x0400, 0x0600, 0x0800, 0x0C00, 0x1000, 0x1800}

// Optics describes the fitted lens block.
type Optics struct {
	DigitalZoom     bool
	MaxOpticalRatio int
}

// Tables is the movement table variant for one optics fit.
type Tables struct {
	Bands   []PanTiltBand
	ZoomMax map[ptz.ZoomMode]int
}

// Select returns the table variant for the given optics.
func Select(o Optics) Tables {
	bands := bands20x
	if o.MaxOpticalRatio >= 30 {
		bands = bands30x
	}
	zmax := map[ptz.ZoomMode]int{
		ptz.ZoomModeOptical:    ZoomOpticalMax,
		ptz.ZoomModeClearImage: ZoomOpticalMax,
		ptz.ZoomModeFull:       ZoomOpticalMax,
	}
	if o.DigitalZoom {
		zmax[ptz.ZoomModeClearImage] = ZoomClearImageMax
		zmax[ptz.ZoomModeFull] = ZoomFullMax
	}
	return Tables{Bands: bands, ZoomMax: zmax}
}

// ScaleSpeed maps a caller speed step in [1, steps] onto [1, deviceMax].
func ScaleSpeed(step, steps, deviceMax int) int {
	if step < 1 {
		step = 1
	}
	if step > steps {
		step = steps
	}
	v := (step*deviceMax + steps - 1) / steps
	if v < 1 {
		v = 1
	}
	return v
}
