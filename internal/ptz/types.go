// Package ptz holds the types and device capabilities shared by the
// pan/tilt/zoom/focus control plane.
package ptz

import "fmt"

// PowerStatus is the system power state owned by the power sequencer.
type PowerStatus int

const (
	PowerOff PowerStatus = iota
	PowerProcessingOn
	PowerOn
	PowerProcessingOff
)

func (p PowerStatus) String() string {
	switch p {
	case PowerOff:
		return "off"
	case PowerProcessingOn:
		return "processing_on"
	case PowerOn:
		return "on"
	case PowerProcessingOff:
		return "processing_off"
	}
	return fmt.Sprintf("power(%d)", int(p))
}

// MarshalText encodes the power status by name.
func (p PowerStatus) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a power status name.
func (p *PowerStatus) UnmarshalText(b []byte) error {
	for v := PowerOff; v <= PowerProcessingOff; v++ {
		if v.String() == string(b) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("unknown power status %q", b)
}

// LockControlStatus is the software's belief about the pan-tilt mechanical lock.
type LockControlStatus int

const (
	LockNone LockControlStatus = iota
	LockUnlocked
	LockLocked
	LockUnlockedAfterBooting
)

func (s LockControlStatus) String() string {
	switch s {
	case LockNone:
		return "none"
	case LockUnlocked:
		return "unlocked"
	case LockLocked:
		return "locked"
	case LockUnlockedAfterBooting:
		return "unlocked_after_booting"
	}
	return fmt.Sprintf("lock(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s LockControlStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *LockControlStatus) UnmarshalText(b []byte) error {
	v, err := ParseLockControlStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseLockControlStatus is the inverse of LockControlStatus.String.
func ParseLockControlStatus(s string) (LockControlStatus, error) {
	for v := LockNone; v <= LockUnlockedAfterBooting; v++ {
		if v.String() == s {
			return v, nil
		}
	}
	return LockNone, fmt.Errorf("unknown lock control status %q", s)
}

// Direction is a pan-tilt drive direction.
type Direction int

const (
	DirStop Direction = iota
	DirUp
	DirDown
	DirLeft
	DirRight
	DirUpLeft
	DirUpRight
	DirDownLeft
	DirDownRight
)

var directionNames = [...]string{"stop", "up", "down", "left", "right", "up_left", "up_right", "down_left", "down_right"}

func (d Direction) String() string {
	if d >= 0 && int(d) < len(directionNames) {
		return directionNames[d]
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// ParseDirection maps a wire name ("up", "down_left", ...) to a Direction.
func ParseDirection(s string) (Direction, error) {
	for i, n := range directionNames {
		if n == s {
			return Direction(i), nil
		}
	}
	return DirStop, fmt.Errorf("unknown direction %q", s)
}

// Signs returns the pan and tilt sign of d: -1, 0 or +1.
// Right and up are positive.
func (d Direction) Signs() (pan, tilt int) {
	switch d {
	case DirUp:
		return 0, 1
	case DirDown:
		return 0, -1
	case DirLeft:
		return -1, 0
	case DirRight:
		return 1, 0
	case DirUpLeft:
		return -1, 1
	case DirUpRight:
		return 1, 1
	case DirDownLeft:
		return -1, -1
	case DirDownRight:
		return 1, -1
	}
	return 0, 0
}

// ZoomDirection is a zoom drive direction.
type ZoomDirection int

const (
	ZoomStop ZoomDirection = iota
	ZoomWide
	ZoomTele
)

func (d ZoomDirection) String() string {
	switch d {
	case ZoomStop:
		return "stop"
	case ZoomWide:
		return "wide"
	case ZoomTele:
		return "tele"
	}
	return fmt.Sprintf("zoom_direction(%d)", int(d))
}

// ParseZoomDirection maps "stop", "wide" or "tele" to a ZoomDirection.
func ParseZoomDirection(s string) (ZoomDirection, error) {
	for d := ZoomStop; d <= ZoomTele; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return ZoomStop, fmt.Errorf("unknown zoom direction %q", s)
}

// FocusDirection is a focus drive direction.
type FocusDirection int

const (
	FocusStop FocusDirection = iota
	FocusNear
	FocusFar
)

func (d FocusDirection) String() string {
	switch d {
	case FocusStop:
		return "stop"
	case FocusNear:
		return "near"
	case FocusFar:
		return "far"
	}
	return fmt.Sprintf("focus_direction(%d)", int(d))
}

// ParseFocusDirection maps "stop", "near" or "far" to a FocusDirection.
func ParseFocusDirection(s string) (FocusDirection, error) {
	for d := FocusStop; d <= FocusFar; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return FocusStop, fmt.Errorf("unknown focus direction %q", s)
}

// ZoomMode is the digital-zoom submode, which bounds the zoom range.
type ZoomMode int

const (
	ZoomModeOptical ZoomMode = iota
	ZoomModeClearImage
	ZoomModeFull
)

func (m ZoomMode) String() string {
	switch m {
	case ZoomModeOptical:
		return "optical"
	case ZoomModeClearImage:
		return "clear_image"
	case ZoomModeFull:
		return "full"
	}
	return fmt.Sprintf("zoom_mode(%d)", int(m))
}

// MarshalText encodes the submode by name.
func (m ZoomMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Condition names a busy predicate held by some other subsystem.
type Condition string

const (
	CondZoomDirect       Condition = "zoom_direct"
	CondFocusDirect      Condition = "focus_direct"
	CondPTDirection      Condition = "pan_tilt_direction"
	CondPTAbsolute       Condition = "pan_tilt_absolute"
	CondPTRelative       Condition = "pan_tilt_relative"
	CondPTHome           Condition = "pan_tilt_home"
	CondPTReset          Condition = "pan_tilt_reset"
	CondHDMIFormat       Condition = "hdmi_format_configuring"
	CondPTLimit          Condition = "pan_tilt_limit_configuring"
	CondExclusiveMove    Condition = "exclusive_move"
	CondPresetRecall     Condition = "preset_recall"
	CondRecallExclusive  Condition = "recall_exclusive"
	CondTraceActive      Condition = "trace_active"
	CondMenuDisplay      Condition = "menu_display"
	CondOSDDisplay       Condition = "osd_display"
	CondPowerOnSequence  Condition = "power_on_sequence"
	CondPowerOffSequence Condition = "power_off_sequence"
	CondPowerNotOn       Condition = "power_not_on"
	CondPanTiltLocked    Condition = "pan_tilt_locked"
)
