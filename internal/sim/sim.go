// Package sim is a simulated camera head. It answers every device call after
// a fixed delay, tracks the positions it was driven to and answers position
// inquiries from them.
package sim

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ptzhead/internal/limits"
	"ptzhead/internal/ptz"
	"ptzhead/internal/seq"
)

// Config for the simulated device.
type Config struct {
	Delay  time.Duration // per call, zero for 20ms
	Logger *slog.Logger
}

// Position is the simulated mechanism state.
type Position struct {
	Pan   int32 `json:"pan"`
	Tilt  int32 `json:"tilt"`
	Zoom  int   `json:"zoom"`
	Focus int   `json:"focus"`
	Power bool  `json:"power"`
}

type job struct {
	id    seq.ID
	op    string
	apply func(p *Position) int
}

// Device implements ptz.Actuator in memory. Calls complete in issue order.
type Device struct {
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pos     Position
	presets map[int]Position
	fail    map[string]error

	jobs        chan job
	completions chan ptz.Completion
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// New starts a simulated device with its power on.
func New(cfg Config) *Device {
	if cfg.Delay <= 0 {
		cfg.Delay = 20 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		delay:       cfg.Delay,
		logger:      logger.With("component", "sim"),
		pos:         Position{Power: true},
		presets:     make(map[int]Position),
		fail:        make(map[string]error),
		jobs:        make(chan job, 64),
		completions: make(chan ptz.Completion, 64),
		stopCh:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Fail makes every later call of op ("zoom_absolute", "pan_tilt_power", ...)
// complete with err. A nil err clears it.
func (d *Device) Fail(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, op)
		return
	}
	d.fail[op] = err
}

// StorePreset saves the current position under n.
func (d *Device) StorePreset(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presets[n] = d.pos
}

// Position returns the current simulated position.
func (d *Device) Position() Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos
}

// Completions delivers device completions in arrival order.
func (d *Device) Completions() <-chan ptz.Completion {
	return d.completions
}

// Close stops the device. Pending calls never complete.
func (d *Device) Close() error {
	d.closeOnce.Do(func() { close(d.stopCh) })
	return nil
}

func (d *Device) run() {
	for {
		select {
		case j := <-d.jobs:
			select {
			case <-time.After(d.delay):
			case <-d.stopCh:
				return
			}
			comp := d.execute(j)
			select {
			case d.completions <- comp:
			case <-d.stopCh:
				return
			}
		case <-d.stopCh:
			return
		}
	}
}

func (d *Device) execute(j job) ptz.Completion {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[j.op]; err != nil {
		return ptz.Completion{ID: j.id, Err: err}
	}
	if !d.pos.Power && j.op != "pan_tilt_power" {
		return ptz.Completion{ID: j.id, Err: fmt.Errorf("%w: %s while powered off", ptz.ErrExec, j.op)}
	}
	comp := ptz.Completion{ID: j.id}
	if j.apply != nil {
		comp.Value = j.apply(&d.pos)
	}
	d.logger.Debug("call completed", "op", j.op, "id", j.id)
	return comp
}

func (d *Device) submit(id seq.ID, op string, apply func(p *Position) int) error {
	select {
	case <-d.stopCh:
		return fmt.Errorf("%w: device closed", ptz.ErrExec)
	default:
	}
	select {
	case d.jobs <- job{id: id, op: op, apply: apply}:
		return nil
	default:
		return fmt.Errorf("%w: command buffer full", ptz.ErrExec)
	}
}

func (d *Device) PanTiltDrive(id seq.ID, dir ptz.Direction, panSpeed, tiltSpeed int) error {
	return d.submit(id, "pan_tilt_drive", nil)
}

func (d *Device) PanTiltStop(id seq.ID) error {
	return d.submit(id, "pan_tilt_stop", nil)
}

func (d *Device) PanTiltAbsolute(id seq.ID, pan, tilt int32, speed int) error {
	return d.submit(id, "pan_tilt_absolute", func(p *Position) int {
		p.Pan, p.Tilt = clampPan(pan), clampTilt(tilt)
		return 0
	})
}

func (d *Device) PanTiltRelative(id seq.ID, pan, tilt int32, speed int) error {
	return d.submit(id, "pan_tilt_relative", func(p *Position) int {
		p.Pan, p.Tilt = clampPan(p.Pan+pan), clampTilt(p.Tilt+tilt)
		return 0
	})
}

func (d *Device) PanTiltHome(id seq.ID) error {
	return d.submit(id, "pan_tilt_home", func(p *Position) int {
		p.Pan, p.Tilt = 0, 0
		return 0
	})
}

func (d *Device) PanTiltReset(id seq.ID) error {
	return d.submit(id, "pan_tilt_reset", func(p *Position) int {
		p.Pan, p.Tilt = 0, 0
		return 0
	})
}

func (d *Device) PanTiltFinalize(id seq.ID) error {
	return d.submit(id, "pan_tilt_finalize", nil)
}

func (d *Device) PanTiltPower(id seq.ID, on bool) error {
	return d.submit(id, "pan_tilt_power", func(p *Position) int {
		p.Power = on
		return 0
	})
}

func (d *Device) ZoomDrive(id seq.ID, dir ptz.ZoomDirection, speed int) error {
	return d.submit(id, "zoom_drive", nil)
}

func (d *Device) ZoomStop(id seq.ID) error {
	return d.submit(id, "zoom_stop", nil)
}

func (d *Device) ZoomAbsolute(id seq.ID, pos int) error {
	return d.submit(id, "zoom_absolute", func(p *Position) int {
		p.Zoom = clamp(pos, limits.ZoomMin, limits.ZoomFullMax)
		return 0
	})
}

func (d *Device) ZoomPosition(id seq.ID) error {
	return d.submit(id, "zoom_position", func(p *Position) int { return p.Zoom })
}

func (d *Device) FocusDrive(id seq.ID, dir ptz.FocusDirection, speed int) error {
	return d.submit(id, "focus_drive", nil)
}

func (d *Device) FocusStop(id seq.ID) error {
	return d.submit(id, "focus_stop", nil)
}

func (d *Device) FocusAbsolute(id seq.ID, pos int) error {
	return d.submit(id, "focus_absolute", func(p *Position) int {
		p.Focus = clamp(pos, limits.FocusMin, limits.FocusMax)
		return 0
	})
}

func (d *Device) FocusPosition(id seq.ID) error {
	return d.submit(id, "focus_position", func(p *Position) int { return p.Focus })
}

// RecallPreset moves to a stored preset. Unknown presets leave the
// mechanism where it is.
func (d *Device) RecallPreset(id seq.ID, preset int) error {
	return d.submit(id, "preset_recall", func(p *Position) int {
		if stored, ok := d.presets[preset]; ok {
			power := p.Power
			*p = stored
			p.Power = power
		}
		return 0
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampPan(v int32) int32 {
	return int32(clamp(int(v), limits.PanAbsMin, limits.PanAbsMax))
}

func clampTilt(v int32) int32 {
	return int32(clamp(int(v), limits.TiltAbsMin, limits.TiltAbsMax))
}
