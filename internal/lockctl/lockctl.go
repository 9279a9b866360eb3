// Package lockctl owns the pan-tilt lock control status and runs the power
// sequences that follow the mechanical lock.
//
// Engaging the lock (Unlock→Lock) runs Finalize then PowerOff and ends in
// Locked. Releasing it (Lock→Unlock) runs PowerOn and ends in
// UnlockedAfterBooting. Lock events are suppressed from the first step of a
// sequence until its terminal step, and every decision taken at a completion
// re-reads the live lock line, so a sensor that flips back mid-sequence
// steers the sequence to the other outcome without ever reporting it.
//
// An Orchestrator is not safe for concurrent use. It is driven by a single
// goroutine through Handle.
package lockctl

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ptzhead/internal/ptz"
	"ptzhead/internal/seq"
	"ptzhead/internal/status"
)

// Sensor is the lock sensor polling control.
type Sensor interface {
	Suppress(on bool)
	Locked() (bool, error)
}

// Issuer allocates correlation ids for sequence steps. Release discards an
// id whose request never left.
type Issuer interface {
	Issue(fam seq.Family) seq.ID
	Release(id seq.ID)
}

// Observer receives sequence outcomes, typically for metrics.
type Observer interface {
	SequenceStarted(kind string)
	SequenceFinished(kind, result string, took time.Duration)
	LockStatusChanged(s ptz.LockControlStatus)
}

// Event is an input to the orchestrator.
type Event interface {
	lockEvent()
}

// LockSensorChanged is an edge of the lock line.
type LockSensorChanged struct {
	PrevLocked bool
	NewLocked  bool
}

// StepCompleted is the device completion of a sequence step.
type StepCompleted struct {
	ID  seq.ID
	Err error
}

// PowerChanged reports a new system power status.
type PowerChanged struct {
	Status ptz.PowerStatus
}

func (LockSensorChanged) lockEvent() {}
func (StepCompleted) lockEvent()     {}
func (PowerChanged) lockEvent()      {}

// phase is the sequence in flight. Only one exists at a time.
type phase interface {
	String() string
}

type idle struct{}

type finalizing struct {
	id seq.ID
}

type poweringOff struct {
	id seq.ID
}

type initializing struct {
	id            seq.ID
	cancelPending bool
}

func (idle) String() string         { return "idle" }
func (finalizing) String() string   { return "finalizing" }
func (poweringOff) String() string  { return "powering_off" }
func (initializing) String() string { return "initializing" }

const (
	kindFinalize   = "finalize"
	kindInitialize = "initialize"
)

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Store    status.Store
	Sensor   Sensor
	Device   ptz.PanTiltPower
	IDs      Issuer
	Observer Observer
	Logger   *slog.Logger
}

// Orchestrator is the lock/power state machine.
type Orchestrator struct {
	store    status.Store
	sensor   Sensor
	dev      ptz.PanTiltPower
	ids      Issuer
	observer Observer
	logger   *slog.Logger

	phase      phase
	suppressed bool
	kind       string
	started    time.Time
	lastErr    error
}

// New creates an idle orchestrator. The initial lock control status is
// whatever the store holds.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Orchestrator{
		store:    cfg.Store,
		sensor:   cfg.Sensor,
		dev:      cfg.Device,
		ids:      cfg.IDs,
		observer: obs,
		logger:   logger.With("component", "lockctl"),
		phase:    idle{},
	}
}

// State is a read-only view of the orchestrator.
type State struct {
	Phase         string                `json:"phase"`
	PendingID     seq.ID                `json:"pending_id,omitempty"`
	CancelPending bool                  `json:"cancel_pending,omitempty"`
	Lock          ptz.LockControlStatus `json:"lock_control_status"`
	LastError     string                `json:"last_error,omitempty"`
}

// State returns the current phase and lock control status.
func (o *Orchestrator) State() State {
	s := State{Phase: o.phase.String(), Lock: o.store.LockControlStatus()}
	switch p := o.phase.(type) {
	case finalizing:
		s.PendingID = p.id
	case poweringOff:
		s.PendingID = p.id
	case initializing:
		s.PendingID = p.id
		s.CancelPending = p.cancelPending
	}
	if o.lastErr != nil {
		s.LastError = o.lastErr.Error()
	}
	return s
}

// Busy reports whether a sequence is in flight.
func (o *Orchestrator) Busy() bool {
	_, ok := o.phase.(idle)
	return !ok
}

// LastError is the failure of the most recent sequence that failed.
func (o *Orchestrator) LastError() error {
	return o.lastErr
}

// Handle processes one event.
func (o *Orchestrator) Handle(ev Event) {
	switch e := ev.(type) {
	case LockSensorChanged:
		o.onSensor(e)
	case StepCompleted:
		o.onStep(e)
	case PowerChanged:
		o.onPower(e)
	default:
		o.logger.Error("unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (o *Orchestrator) onSensor(e LockSensorChanged) {
	if e.PrevLocked == e.NewLocked {
		return
	}

	switch power := o.store.PowerStatus(); power {
	case ptz.PowerOff:
		s := ptz.LockUnlocked
		if e.NewLocked {
			s = ptz.LockLocked
		}
		o.setLock(s)
		o.store.SetCameraFunctionLimit(e.NewLocked)
		return
	case ptz.PowerOn:
	default:
		o.logger.Debug("lock edge ignored during power transition", "power", power.String(), "locked", e.NewLocked)
		return
	}

	switch p := o.phase.(type) {
	case idle:
		if e.NewLocked {
			o.startFinalize()
		} else {
			o.startInitialize()
		}
	case initializing:
		// The outcome is decided at completion from the live line;
		// cancelPending only records the latest edge.
		if p.cancelPending != e.NewLocked {
			p.cancelPending = e.NewLocked
			o.phase = p
			o.logger.Info("lock edge during power on", "id", p.id, "locked", e.NewLocked)
		}
	default:
		o.logger.Debug("lock edge ignored, sequence in flight", "phase", o.phase.String(), "locked", e.NewLocked)
	}
}

func (o *Orchestrator) onStep(e StepCompleted) {
	switch p := o.phase.(type) {
	case finalizing:
		if e.ID != p.id {
			o.stale(e)
			return
		}
		if e.Err != nil {
			o.fail(fmt.Errorf("finalize: %w", e.Err))
			return
		}
		o.store.SetPowerOffSequence(true)
		o.powerOff()

	case poweringOff:
		if e.ID != p.id {
			o.stale(e)
			return
		}
		if e.Err != nil {
			o.fail(fmt.Errorf("power off: %w", e.Err))
			return
		}
		o.store.SetPowerOffSequence(false)
		if !o.liveLocked(true) {
			o.logger.Info("lock released during power off, powering on again")
			o.finishMetrics("reversed")
			o.startInitialize()
			return
		}
		o.setLock(ptz.LockLocked)
		o.store.SetCameraFunctionLimit(true)
		o.finish("ok")

	case initializing:
		if e.ID != p.id {
			o.stale(e)
			return
		}
		if e.Err != nil {
			o.fail(fmt.Errorf("power on: %w", e.Err))
			return
		}
		o.store.SetPowerOnSequence(false)
		if o.liveLocked(true) {
			o.logger.Info("power on superseded by lock, powering off", "cancel_pending", p.cancelPending)
			o.finishMetrics("cancelled")
			o.kind, o.started = kindFinalize, time.Now()
			o.observer.SequenceStarted(kindFinalize)
			o.store.SetPowerOffSequence(true)
			o.powerOff()
			return
		}
		o.setLock(ptz.LockUnlockedAfterBooting)
		o.store.SetCameraFunctionLimit(false)
		o.finish("ok")

	default:
		o.stale(e)
	}
}

func (o *Orchestrator) onPower(e PowerChanged) {
	if e.Status != ptz.PowerOn || o.Busy() {
		return
	}
	locked, err := o.sensor.Locked()
	if err != nil {
		o.logger.Warn("read lock line after power on", "error", err)
		return
	}
	if locked {
		if o.store.LockControlStatus() != ptz.LockLocked {
			o.setLock(ptz.LockLocked)
		}
		o.store.SetCameraFunctionLimit(true)
		return
	}
	o.startInitialize()
}

func (o *Orchestrator) startFinalize() {
	o.hold()
	o.kind, o.started = kindFinalize, time.Now()
	o.observer.SequenceStarted(kindFinalize)

	id := o.ids.Issue(seq.FamilyPower)
	if err := o.dev.PanTiltFinalize(id); err != nil {
		o.ids.Release(id)
		o.fail(fmt.Errorf("send finalize: %w", err))
		return
	}
	o.phase = finalizing{id: id}
	o.logger.Info("finalize issued", "id", id)
}

// startInitialize issues PowerOn. Suppression already held by a chained
// sequence stays held.
func (o *Orchestrator) startInitialize() {
	o.hold()
	o.kind, o.started = kindInitialize, time.Now()
	o.observer.SequenceStarted(kindInitialize)
	o.store.SetPowerOnSequence(true)

	id := o.ids.Issue(seq.FamilyPower)
	if err := o.dev.PanTiltPower(id, true); err != nil {
		o.ids.Release(id)
		o.fail(fmt.Errorf("send power on: %w", err))
		return
	}
	o.phase = initializing{id: id}
	o.logger.Info("power on issued", "id", id)
}

func (o *Orchestrator) powerOff() {
	id := o.ids.Issue(seq.FamilyPower)
	if err := o.dev.PanTiltPower(id, false); err != nil {
		o.ids.Release(id)
		o.fail(fmt.Errorf("send power off: %w", err))
		return
	}
	o.phase = poweringOff{id: id}
	o.logger.Info("power off issued", "id", id)
}

// liveLocked reads the lock line, falling back to def when it cannot.
func (o *Orchestrator) liveLocked(def bool) bool {
	locked, err := o.sensor.Locked()
	if err != nil {
		o.logger.Warn("read lock line", "error", err, "assume_locked", def)
		return def
	}
	return locked
}

func (o *Orchestrator) setLock(s ptz.LockControlStatus) {
	o.store.SetLockControlStatus(s)
	o.observer.LockStatusChanged(s)
	o.logger.Info("lock control status", "status", s.String())
}

func (o *Orchestrator) hold() {
	if !o.suppressed {
		o.sensor.Suppress(true)
		o.suppressed = true
	}
}

func (o *Orchestrator) release() {
	if o.suppressed {
		o.sensor.Suppress(false)
		o.suppressed = false
	}
}

func (o *Orchestrator) finish(result string) {
	o.finishMetrics(result)
	o.release()
	o.phase = idle{}
}

func (o *Orchestrator) finishMetrics(result string) {
	if o.kind == "" {
		return
	}
	o.observer.SequenceFinished(o.kind, result, time.Since(o.started))
	o.kind = ""
}

// fail ends the sequence in flight and releases flags and suppression. Edges
// absorbed during the sequence are not replayed, so a line that reads locked
// now is recorded as Locked; otherwise the status is left as it was.
func (o *Orchestrator) fail(err error) {
	o.lastErr = err
	result := "error"
	if errors.Is(err, ptz.ErrTimeout) {
		result = "timeout"
	}
	o.logger.Error("lock sequence failed", "phase", o.phase.String(), "error", err)
	o.store.SetPowerOnSequence(false)
	o.store.SetPowerOffSequence(false)
	if o.liveLocked(true) && o.store.LockControlStatus() != ptz.LockLocked {
		o.setLock(ptz.LockLocked)
		o.store.SetCameraFunctionLimit(true)
	}
	o.finish(result)
}

func (o *Orchestrator) stale(e StepCompleted) {
	o.logger.Debug("stale completion dropped", "id", e.ID, "phase", o.phase.String())
}

type nopObserver struct{}

func (nopObserver) SequenceStarted(string)                         {}
func (nopObserver) SequenceFinished(string, string, time.Duration) {}
func (nopObserver) LockStatusChanged(ptz.LockControlStatus)        {}
