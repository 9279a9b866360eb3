// Package dispatch is the entry point for camera-head commands. Each request
// is admitted, translated into device calls and answered in the convention
// of its origin.
//
// A Dispatcher is driven by a single goroutine. Device completions come back
// through Complete with the Op that was tracked for them.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ptzhead/internal/admission"
	"ptzhead/internal/limits"
	"ptzhead/internal/ptz"
	"ptzhead/internal/relmove"
	"ptzhead/internal/seq"
	"ptzhead/internal/status"
)

// Device is the part of the actuator the dispatcher drives.
type Device interface {
	ptz.PanTilt
	ptz.Lens
	ptz.Presets
}

// Tracker registers in-flight device calls. Release discards an id whose
// call never left.
type Tracker interface {
	Track(fam seq.Family, op *Op) seq.ID
	Release(id seq.ID)
}

// Flags raises the busy predicates owned by the dispatcher.
type Flags interface {
	SetBusy(c ptz.Condition, v bool)
}

// Observer is told about admission and completion outcomes.
type Observer interface {
	CommandRejected(command string, code ptz.Code)
	CommandFinished(command string, code ptz.Code, took time.Duration)
}

type stage int

const (
	stageMove stage = iota
	stageInquiry
)

// Op is an admitted request waiting on the device.
type Op struct {
	req     Request
	stage   stage
	busy    ptz.Condition
	started time.Time
}

// Command names the request the op belongs to.
func (op *Op) Command() string { return op.req.Payload.Command() }

// Config wires a Dispatcher.
type Config struct {
	Gate     *admission.Gate
	Calc     *relmove.Calculator
	Store    status.Store
	Flags    Flags
	Device   Device
	Tracker  Tracker
	Observer Observer
	Logger   *slog.Logger
}

// Dispatcher routes requests to the device.
type Dispatcher struct {
	gate     *admission.Gate
	calc     *relmove.Calculator
	store    status.Store
	flags    Flags
	dev      Device
	tracker  Tracker
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a dispatcher. Flags and Observer are optional.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Dispatcher{
		gate:     cfg.Gate,
		calc:     cfg.Calc,
		store:    cfg.Store,
		flags:    cfg.Flags,
		dev:      cfg.Device,
		tracker:  cfg.Tracker,
		observer: obs,
		logger:   logger.With("component", "dispatch"),
		now:      time.Now,
	}
}

// Dispatch admits req and issues its first device call. Rejections are
// answered immediately and never reach the device.
func (d *Dispatcher) Dispatch(req Request) {
	if req.Payload == nil {
		d.logger.Error("request without payload")
		return
	}
	fam, bounds, invalid := d.rule(req.Payload)
	err := d.gate.Admit(fam, bounds...)
	if invalid != nil && !errors.Is(err, ptz.ErrOutOfRange) {
		err = invalid
	}
	if err != nil {
		d.reject(req, err)
		return
	}

	d.ack(req)
	op := &Op{req: req, started: d.now()}
	if err := d.start(op); err != nil {
		d.finish(op, err)
	}
}

// Complete resumes op with the device completion c.
func (d *Dispatcher) Complete(op *Op, c ptz.Completion) {
	if c.Err != nil {
		d.finish(op, c.Err)
		return
	}
	if op.stage == stageInquiry {
		op.stage = stageMove
		if err := d.resume(op, c.Value); err != nil {
			d.finish(op, err)
		}
		return
	}
	d.finish(op, nil)
}

// rule maps a payload to its admission family and range checks. invalid is
// a request error that is not a range violation.
func (d *Dispatcher) rule(p Payload) (fam admission.Family, bounds []admission.Bound, invalid error) {
	switch p := p.(type) {
	case PanTiltDrive:
		if p.Direction == ptz.DirStop {
			return admission.FamilyStop, nil, nil
		}
		return admission.FamilyPanTiltMove, []admission.Bound{
			{What: "pan speed", Value: p.PanSpeed, Min: 1, Max: limits.PanSpeedSteps},
			{What: "tilt speed", Value: p.TiltSpeed, Min: 1, Max: limits.TiltSpeedSteps},
		}, nil
	case PanTiltStop, ZoomStop, FocusStop:
		return admission.FamilyStop, nil, nil
	case PanTiltAbsolute:
		return admission.FamilyPanTiltMove, []admission.Bound{
			{What: "pan position", Value: int(p.Pan), Min: limits.PanAbsMin, Max: limits.PanAbsMax},
			{What: "tilt position", Value: int(p.Tilt), Min: limits.TiltAbsMin, Max: limits.TiltAbsMax},
			{What: "speed", Value: p.Speed, Min: 1, Max: limits.PanSpeedSteps},
		}, nil
	case PanTiltRelative:
		if p.Direction == ptz.DirStop {
			invalid = fmt.Errorf("%w: relative pan-tilt with direction stop", ptz.ErrExec)
		}
		return admission.FamilyPanTiltMove, []admission.Bound{amountBound(p.Amount)}, invalid
	case PanTiltHome:
		return admission.FamilyPanTiltMove, nil, nil
	case PanTiltReset:
		return admission.FamilyPanTiltReset, nil, nil
	case ZoomDrive:
		if p.Direction == ptz.ZoomStop {
			return admission.FamilyStop, nil, nil
		}
		return admission.FamilyZoomMove, []admission.Bound{speedBound(p.Speed)}, nil
	case ZoomAbsolute:
		zmax := d.calc.ZoomMax(d.store.ZoomMode())
		return admission.FamilyZoomMove, []admission.Bound{
			{What: "zoom position", Value: p.Position, Min: limits.ZoomMin, Max: zmax},
		}, nil
	case ZoomRelative:
		if p.Direction == ptz.ZoomStop {
			invalid = fmt.Errorf("%w: relative zoom with direction stop", ptz.ErrExec)
		}
		return admission.FamilyZoomMove, []admission.Bound{amountBound(p.Amount)}, invalid
	case FocusDrive:
		if p.Direction == ptz.FocusStop {
			return admission.FamilyStop, nil, nil
		}
		return admission.FamilyFocusMove, []admission.Bound{speedBound(p.Speed)}, nil
	case FocusAbsolute:
		return admission.FamilyFocusMove, []admission.Bound{
			{What: "focus position", Value: p.Position, Min: limits.FocusMin, Max: limits.FocusMax},
		}, nil
	case FocusRelative:
		if p.Direction == ptz.FocusStop {
			invalid = fmt.Errorf("%w: relative focus with direction stop", ptz.ErrExec)
		}
		return admission.FamilyFocusMove, []admission.Bound{amountBound(p.Amount)}, invalid
	case PresetRecall:
		return admission.FamilyPresetRecall, []admission.Bound{
			{What: "preset", Value: p.Preset, Min: limits.PresetMin, Max: limits.PresetMax},
		}, nil
	}
	return -1, nil, nil
}

func amountBound(v int) admission.Bound {
	return admission.Bound{What: "amount", Value: v, Min: limits.AmountMin, Max: limits.AmountMax}
}

func speedBound(v int) admission.Bound {
	return admission.Bound{What: "speed", Value: v, Min: 1, Max: limits.LensSpeedSteps}
}

// start issues the first device call of op.
func (d *Dispatcher) start(op *Op) error {
	switch p := op.req.Payload.(type) {
	case PanTiltDrive:
		if p.Direction == ptz.DirStop {
			return d.send(op, seq.FamilyPanTilt, d.dev.PanTiltStop)
		}
		d.raise(op, ptz.CondPTDirection)
		pan := limits.ScaleSpeed(p.PanSpeed, limits.PanSpeedSteps, limits.DevicePanSpeed)
		tilt := limits.ScaleSpeed(p.TiltSpeed, limits.TiltSpeedSteps, limits.DeviceTiltSpeed)
		return d.send(op, seq.FamilyPanTilt, func(id seq.ID) error {
			return d.dev.PanTiltDrive(id, p.Direction, pan, tilt)
		})
	case PanTiltStop:
		return d.send(op, seq.FamilyPanTilt, d.dev.PanTiltStop)
	case PanTiltAbsolute:
		d.raise(op, ptz.CondPTAbsolute)
		speed := limits.ScaleSpeed(p.Speed, limits.PanSpeedSteps, limits.DevicePanSpeed)
		return d.send(op, seq.FamilyPanTilt, func(id seq.ID) error {
			return d.dev.PanTiltAbsolute(id, p.Pan, p.Tilt, speed)
		})
	case PanTiltRelative:
		d.raise(op, ptz.CondPTRelative)
		return d.inquire(op, seq.FamilyZoom, d.dev.ZoomPosition)
	case PanTiltHome:
		d.raise(op, ptz.CondPTHome)
		return d.send(op, seq.FamilyPanTilt, d.dev.PanTiltHome)
	case PanTiltReset:
		d.raise(op, ptz.CondPTReset)
		return d.send(op, seq.FamilyPanTilt, d.dev.PanTiltReset)
	case ZoomDrive:
		if p.Direction == ptz.ZoomStop {
			return d.send(op, seq.FamilyZoom, d.dev.ZoomStop)
		}
		speed := limits.ScaleSpeed(p.Speed, limits.LensSpeedSteps, limits.DeviceLensSpeed)
		return d.send(op, seq.FamilyZoom, func(id seq.ID) error {
			return d.dev.ZoomDrive(id, p.Direction, speed)
		})
	case ZoomStop:
		return d.send(op, seq.FamilyZoom, d.dev.ZoomStop)
	case ZoomAbsolute:
		d.raise(op, ptz.CondZoomDirect)
		return d.send(op, seq.FamilyZoom, func(id seq.ID) error {
			return d.dev.ZoomAbsolute(id, p.Position)
		})
	case ZoomRelative:
		d.raise(op, ptz.CondZoomDirect)
		return d.inquire(op, seq.FamilyZoom, d.dev.ZoomPosition)
	case FocusDrive:
		if p.Direction == ptz.FocusStop {
			return d.send(op, seq.FamilyFocus, d.dev.FocusStop)
		}
		speed := limits.ScaleSpeed(p.Speed, limits.LensSpeedSteps, limits.DeviceLensSpeed)
		return d.send(op, seq.FamilyFocus, func(id seq.ID) error {
			return d.dev.FocusDrive(id, p.Direction, speed)
		})
	case FocusStop:
		return d.send(op, seq.FamilyFocus, d.dev.FocusStop)
	case FocusAbsolute:
		d.raise(op, ptz.CondFocusDirect)
		return d.send(op, seq.FamilyFocus, func(id seq.ID) error {
			return d.dev.FocusAbsolute(id, p.Position)
		})
	case FocusRelative:
		d.raise(op, ptz.CondFocusDirect)
		return d.inquire(op, seq.FamilyFocus, d.dev.FocusPosition)
	case PresetRecall:
		d.raise(op, ptz.CondPresetRecall)
		return d.send(op, seq.FamilyPreset, func(id seq.ID) error {
			return d.dev.RecallPreset(id, p.Preset)
		})
	}
	return fmt.Errorf("%w: no device call for %T", ptz.ErrBug, op.req.Payload)
}

// resume issues the move of a relative request once the position inquiry
// returned pos.
func (d *Dispatcher) resume(op *Op, pos int) error {
	switch p := op.req.Payload.(type) {
	case PanTiltRelative:
		mv, err := d.calc.PanTiltRelative(p.Direction, p.Amount, pos)
		if err != nil {
			return err
		}
		return d.send(op, seq.FamilyPanTilt, func(id seq.ID) error {
			return d.dev.PanTiltRelative(id, mv.Pan, mv.Tilt, limits.DevicePanSpeed)
		})
	case ZoomRelative:
		delta, err := relmove.ZoomDelta(p.Direction, p.Amount)
		if err != nil {
			return err
		}
		target := d.calc.AbsoluteZoom(pos, delta, d.store.ZoomMode())
		return d.send(op, seq.FamilyZoom, func(id seq.ID) error {
			return d.dev.ZoomAbsolute(id, target)
		})
	case FocusRelative:
		delta, err := relmove.FocusDelta(p.Direction, p.Amount)
		if err != nil {
			return err
		}
		target := relmove.AbsoluteFocus(pos, delta)
		return d.send(op, seq.FamilyFocus, func(id seq.ID) error {
			return d.dev.FocusAbsolute(id, target)
		})
	}
	return fmt.Errorf("%w: position inquiry completed for %s", ptz.ErrBug, op.Command())
}

func (d *Dispatcher) inquire(op *Op, fam seq.Family, call func(seq.ID) error) error {
	op.stage = stageInquiry
	return d.send(op, fam, call)
}

func (d *Dispatcher) send(op *Op, fam seq.Family, call func(seq.ID) error) error {
	id := d.tracker.Track(fam, op)
	if err := call(id); err != nil {
		d.tracker.Release(id)
		return fmt.Errorf("send %s: %w", op.Command(), err)
	}
	d.logger.Debug("device call issued", "command", op.Command(), "id", id, "family", fam.String())
	return nil
}

func (d *Dispatcher) raise(op *Op, c ptz.Condition) {
	if d.flags == nil {
		return
	}
	op.busy = c
	d.flags.SetBusy(c, true)
}

// finish clears what op holds and sends the final reply.
func (d *Dispatcher) finish(op *Op, err error) {
	if op.busy != "" {
		d.flags.SetBusy(op.busy, false)
		op.busy = ""
	}
	code := ptz.CodeOf(err)
	d.observer.CommandFinished(op.Command(), code, d.now().Sub(op.started))
	if err != nil {
		d.logger.Warn("command failed", "command", op.Command(), "code", code.String(), "error", err)
	}

	switch o := op.req.Origin.(type) {
	case ProtocolBridge:
		deliver(o.ReplyTo, Reply{Kind: ReplyCompletion, ID: o.CorrelationID, Command: op.Command(), Code: code, Message: message(err)})
	case RemoteTwoWay:
		deliver(o.ReplyTo, Reply{Kind: ReplyCompletion, ID: o.SeqID, Command: op.Command(), Code: code, Message: message(err)})
	}
}

func (d *Dispatcher) ack(req Request) {
	if o, ok := req.Origin.(ProtocolBridge); ok && o.AckSupported {
		deliver(o.ReplyTo, Reply{Kind: ReplyAck, ID: o.CorrelationID, Command: req.Payload.Command()})
	}
}

func (d *Dispatcher) reject(req Request, err error) {
	cmd := req.Payload.Command()
	code := ptz.CodeOf(err)
	d.observer.CommandRejected(cmd, code)
	d.logger.Debug("command rejected", "command", cmd, "code", code.String(), "error", err)

	switch o := req.Origin.(type) {
	case ProtocolBridge:
		kind := ReplyCompletion
		if o.AckSupported {
			kind = ReplyNack
		}
		deliver(o.ReplyTo, Reply{Kind: kind, ID: o.CorrelationID, Command: cmd, Code: code, Message: err.Error()})
	case RemoteTwoWay:
		deliver(o.ReplyTo, Reply{Kind: ReplyCompletion, ID: o.SeqID, Command: cmd, Code: code, Message: err.Error()})
	}
}

func deliver(s Sink, r Reply) {
	if s != nil {
		s.Deliver(r)
	}
}

func message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type nopObserver struct{}

func (nopObserver) CommandRejected(string, ptz.Code)                {}
func (nopObserver) CommandFinished(string, ptz.Code, time.Duration) {}
