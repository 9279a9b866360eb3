package ptz

import "ptzhead/internal/seq"

// Every device call below is asynchronous. It returns as soon as the request
// is on its way and reports the outcome later as a Completion carrying the
// same id. A non-nil return means the request never left and no Completion
// will follow.

// PanTilt drives the pan-tilt mechanism.
type PanTilt interface {
	// PanTiltDrive starts a continuous move. Speeds are device units.
	PanTiltDrive(id seq.ID, dir Direction, panSpeed, tiltSpeed int) error

	// PanTiltStop stops pan-tilt movement.
	PanTiltStop(id seq.ID) error

	// PanTiltAbsolute moves to an absolute position in device units.
	PanTiltAbsolute(id seq.ID, pan, tilt int32, speed int) error

	// PanTiltRelative moves by a signed offset in device units.
	PanTiltRelative(id seq.ID, pan, tilt int32, speed int) error

	// PanTiltHome moves to the home position.
	PanTiltHome(id seq.ID) error

	// PanTiltReset runs the mechanical reset (re-homing the encoders).
	PanTiltReset(id seq.ID) error
}

// PanTiltPower runs the steps of the lock-driven power sequences.
type PanTiltPower interface {
	// PanTiltFinalize parks the mechanism ahead of a power-down.
	PanTiltFinalize(id seq.ID) error

	// PanTiltPower switches the pan-tilt drive power.
	PanTiltPower(id seq.ID, on bool) error
}

// Lens drives zoom and focus.
type Lens interface {
	ZoomDrive(id seq.ID, dir ZoomDirection, speed int) error
	ZoomStop(id seq.ID) error
	ZoomAbsolute(id seq.ID, pos int) error

	// ZoomPosition queries the zoom position; the Completion carries it in Value.
	ZoomPosition(id seq.ID) error

	FocusDrive(id seq.ID, dir FocusDirection, speed int) error
	FocusStop(id seq.ID) error
	FocusAbsolute(id seq.ID, pos int) error
	FocusPosition(id seq.ID) error
}

// Presets recalls stored positions. Storage itself lives in the device.
type Presets interface {
	RecallPreset(id seq.ID, preset int) error
}

// Actuator is everything the control plane asks of the camera head.
type Actuator interface {
	PanTilt
	PanTiltPower
	Lens
	Presets

	// Completions delivers device completions in arrival order.
	Completions() <-chan Completion

	// Close closes the device connection.
	Close() error
}

// Completion is the asynchronous outcome of one device call.
type Completion struct {
	ID    seq.ID
	Value int // inquiry result, zero otherwise
	Err   error
}
