// Package engine runs the control plane of one camera head on a single
// goroutine. It owns the correlation table, the dispatcher and the lock
// orchestrator, and feeds them requests, device completions, lock events,
// power changes and deadline sweeps one at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ptzhead/internal/admission"
	"ptzhead/internal/dispatch"
	"ptzhead/internal/limits"
	"ptzhead/internal/lockctl"
	"ptzhead/internal/ptz"
	"ptzhead/internal/relmove"
	"ptzhead/internal/seq"
	"ptzhead/internal/status"
)

// ErrStopped is returned once Run has returned.
var ErrStopped = errors.New("engine stopped")

// Store is the status store the engine writes to.
type Store interface {
	status.Store
	SetBusy(c ptz.Condition, v bool)
	SetPowerStatus(p ptz.PowerStatus)
}

// Observer receives everything the engine and its components report.
type Observer interface {
	dispatch.Observer
	lockctl.Observer
	CallTimedOut(fam seq.Family)
	StaleCompletion()
	InFlight(n int)
}

// Config wires an Engine.
type Config struct {
	Device   ptz.Actuator
	Store    Store
	Sensor   lockctl.Sensor
	Optics   limits.Optics
	Timeout  time.Duration // per device call, zero for 5s
	Sweep    time.Duration // deadline sweep interval, zero for 100ms
	Observer Observer
	Logger   *slog.Logger
}

// route is what a correlation id belongs to. A nil op is a lock sequence
// step.
type route struct {
	op *dispatch.Op
}

// State is a point-in-time view of the engine.
type State struct {
	Lock     lockctl.State `json:"lock"`
	InFlight int           `json:"in_flight"`
}

// Engine is the control plane actor.
type Engine struct {
	dev    ptz.Actuator
	store  Store
	table  *seq.Table[route]
	disp   *dispatch.Dispatcher
	orch   *lockctl.Orchestrator
	obs    Observer
	logger *slog.Logger

	timeout time.Duration
	sweep   time.Duration

	requests chan dispatch.Request
	events   chan lockctl.Event
	queries  chan func()
	done     chan struct{}
}

// New builds an engine. Run must be called for it to do anything.
func New(cfg Config) (*Engine, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("engine: device is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: status store is required")
	}
	if cfg.Sensor == nil {
		return nil, fmt.Errorf("engine: lock sensor is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Sweep <= 0 {
		cfg.Sweep = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	e := &Engine{
		dev:      cfg.Device,
		store:    cfg.Store,
		table:    seq.NewTable[route](),
		obs:      obs,
		logger:   logger.With("component", "engine"),
		timeout:  cfg.Timeout,
		sweep:    cfg.Sweep,
		requests: make(chan dispatch.Request, 64),
		events:   make(chan lockctl.Event),
		queries:  make(chan func()),
		done:     make(chan struct{}),
	}
	ids := correlator{e}
	e.disp = dispatch.New(dispatch.Config{
		Gate:     admission.New(cfg.Store),
		Calc:     relmove.New(cfg.Optics),
		Store:    cfg.Store,
		Flags:    cfg.Store,
		Device:   cfg.Device,
		Tracker:  ids,
		Observer: obs,
		Logger:   logger,
	})
	e.orch = lockctl.New(lockctl.Config{
		Store:    cfg.Store,
		Sensor:   cfg.Sensor,
		Device:   cfg.Device,
		IDs:      ids,
		Observer: obs,
		Logger:   logger,
	})
	return e, nil
}

// Run processes inputs until ctx is cancelled. Requests still waiting on the
// device when it returns are answered with an execution error.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.sweep)
	defer ticker.Stop()
	defer close(e.done)

	completions := e.dev.Completions()
	e.logger.Info("engine started", "timeout", e.timeout)
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case req := <-e.requests:
			e.disp.Dispatch(req)
		case c, ok := <-completions:
			if !ok {
				e.logger.Warn("device completion channel closed")
				completions = nil
				continue
			}
			e.complete(c)
		case ev := <-e.events:
			if p, ok := ev.(lockctl.PowerChanged); ok {
				e.store.SetPowerStatus(p.Status)
			}
			e.orch.Handle(ev)
		case fn := <-e.queries:
			fn()
		case <-ticker.C:
			e.expire()
		}
		e.obs.InFlight(e.table.Len())
	}
}

// Submit queues a request for dispatch.
func (e *Engine) Submit(ctx context.Context, req dispatch.Request) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

// LockChanged reports a lock line edge. It is the emit callback of the lock
// sensor poller.
func (e *Engine) LockChanged(prevLocked, newLocked bool) {
	e.post(lockctl.LockSensorChanged{PrevLocked: prevLocked, NewLocked: newLocked})
}

// SetPower records a new system power status and lets the orchestrator
// reconcile the lock state against it.
func (e *Engine) SetPower(p ptz.PowerStatus) {
	e.post(lockctl.PowerChanged{Status: p})
}

func (e *Engine) post(ev lockctl.Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// State returns the orchestrator state and the number of in-flight calls.
func (e *Engine) State(ctx context.Context) (State, error) {
	ch := make(chan State, 1)
	fn := func() {
		ch <- State{Lock: e.orch.State(), InFlight: e.table.Len()}
	}
	select {
	case e.queries <- fn:
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-e.done:
		return State{}, ErrStopped
	}
	return <-ch, nil
}

func (e *Engine) complete(c ptz.Completion) {
	ent, ok := e.table.Resolve(c.ID)
	if !ok {
		e.obs.StaleCompletion()
		e.logger.Debug("stale device completion dropped", "id", c.ID)
		return
	}
	e.route(ent, c)
}

func (e *Engine) expire() {
	for _, ent := range e.table.Expire() {
		e.obs.CallTimedOut(ent.Family)
		e.logger.Warn("device call timed out", "id", ent.ID, "family", ent.Family.String())
		err := fmt.Errorf("%w: %s call %d", ptz.ErrTimeout, ent.Family, ent.ID)
		e.route(ent, ptz.Completion{ID: ent.ID, Err: err})
	}
}

func (e *Engine) route(ent seq.Entry[route], c ptz.Completion) {
	if ent.Value.op != nil {
		e.disp.Complete(ent.Value.op, c)
		return
	}
	e.orch.Handle(lockctl.StepCompleted{ID: c.ID, Err: c.Err})
}

func (e *Engine) shutdown() {
	pending := e.table.Drain()
	if len(pending) > 0 {
		e.logger.Info("failing in-flight calls on shutdown", "count", len(pending))
	}
	for _, ent := range pending {
		err := fmt.Errorf("%w: engine stopped", ptz.ErrExec)
		e.route(ent, ptz.Completion{ID: ent.ID, Err: err})
	}
}

// correlator hands out correlation ids for the dispatcher and the
// orchestrator. It is only used from the engine goroutine.
type correlator struct {
	e *Engine
}

func (c correlator) Track(fam seq.Family, op *dispatch.Op) seq.ID {
	return c.e.table.Issue(fam, route{op: op}, c.e.timeout)
}

func (c correlator) Issue(fam seq.Family) seq.ID {
	return c.e.table.Issue(fam, route{}, c.e.timeout)
}

func (c correlator) Release(id seq.ID) {
	c.e.table.Resolve(id)
}

type nopObserver struct{}

func (nopObserver) CommandRejected(string, ptz.Code)                {}
func (nopObserver) CommandFinished(string, ptz.Code, time.Duration) {}
func (nopObserver) SequenceStarted(string)                          {}
func (nopObserver) SequenceFinished(string, string, time.Duration)  {}
func (nopObserver) LockStatusChanged(ptz.LockControlStatus)         {}
func (nopObserver) CallTimedOut(seq.Family)                         {}
func (nopObserver) StaleCompletion()                                {}
func (nopObserver) InFlight(int)                                    {}
