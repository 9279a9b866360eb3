package lockctl

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"ptzhead/internal/ptz"
	"ptzhead/internal/seq"
	"ptzhead/internal/status"
)

type fakeSensor struct {
	locked   bool
	err      error
	suppress []bool
}

func (s *fakeSensor) Suppress(on bool)      { s.suppress = append(s.suppress, on) }
func (s *fakeSensor) Locked() (bool, error) { return s.locked, s.err }

func (s *fakeSensor) balance() (on, off int) {
	for _, v := range s.suppress {
		if v {
			on++
		} else {
			off++
		}
	}
	return on, off
}

type deviceCall struct {
	op string // "finalize", "power_on", "power_off"
	id seq.ID
}

type fakeDevice struct {
	calls   []deviceCall
	sendErr error
}

func (d *fakeDevice) PanTiltFinalize(id seq.ID) error {
	if d.sendErr != nil {
		return d.sendErr
	}
	d.calls = append(d.calls, deviceCall{"finalize", id})
	return nil
}

func (d *fakeDevice) PanTiltPower(id seq.ID, on bool) error {
	if d.sendErr != nil {
		return d.sendErr
	}
	op := "power_off"
	if on {
		op = "power_on"
	}
	d.calls = append(d.calls, deviceCall{op, id})
	return nil
}

func (d *fakeDevice) last() deviceCall {
	if len(d.calls) == 0 {
		return deviceCall{}
	}
	return d.calls[len(d.calls)-1]
}

func (d *fakeDevice) count(op string) int {
	n := 0
	for _, c := range d.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

type fakeIDs struct {
	next     seq.ID
	released []seq.ID
}

func (f *fakeIDs) Issue(seq.Family) seq.ID {
	f.next++
	return f.next
}

func (f *fakeIDs) Release(id seq.ID) { f.released = append(f.released, id) }

type fakeObserver struct {
	finished []string
}

func (o *fakeObserver) SequenceStarted(string) {}
func (o *fakeObserver) SequenceFinished(kind, result string, _ time.Duration) {
	o.finished = append(o.finished, kind+":"+result)
}
func (o *fakeObserver) LockStatusChanged(ptz.LockControlStatus) {}

type harness struct {
	store  *status.Memory
	sensor *fakeSensor
	dev    *fakeDevice
	ids    *fakeIDs
	obs    *fakeObserver
	o      *Orchestrator
}

func newHarness(initial ptz.LockControlStatus, power ptz.PowerStatus, locked bool) *harness {
	h := &harness{
		store:  status.NewMemory(initial, nil, nil),
		sensor: &fakeSensor{locked: locked},
		dev:    &fakeDevice{},
		ids:    &fakeIDs{},
		obs:    &fakeObserver{},
	}
	h.store.SetPowerStatus(power)
	h.o = New(Config{Store: h.store, Sensor: h.sensor, Device: h.dev, IDs: h.ids, Observer: h.obs})
	return h
}

// lock flips the line to locked and delivers the edge.
func (h *harness) lock() {
	prev := h.sensor.locked
	h.sensor.locked = true
	h.o.Handle(LockSensorChanged{PrevLocked: prev, NewLocked: true})
}

// unlock flips the line to unlocked and delivers the edge.
func (h *harness) unlock() {
	prev := h.sensor.locked
	h.sensor.locked = false
	h.o.Handle(LockSensorChanged{PrevLocked: prev, NewLocked: false})
}

// complete acknowledges the most recent device call.
func (h *harness) complete(err error) {
	h.o.Handle(StepCompleted{ID: h.dev.last().id, Err: err})
}

func (h *harness) requireBalanced(t *testing.T) {
	t.Helper()
	on, off := h.sensor.balance()
	if on != off {
		t.Fatalf("suppress(true) x%d, suppress(false) x%d: %v", on, off, h.sensor.suppress)
	}
}

func (h *harness) requireIdleAndClear(t *testing.T) {
	t.Helper()
	if h.o.Busy() {
		t.Fatalf("still busy in phase %s", h.o.State().Phase)
	}
	if h.store.PowerOnSequence() || h.store.PowerOffSequence() {
		t.Fatalf("sequence flags left set: on=%v off=%v", h.store.PowerOnSequence(), h.store.PowerOffSequence())
	}
	h.requireBalanced(t)
}

func TestLockWhileIdle_FinalizeThenPowerOff(t *testing.T) {
	h := newHarness(ptz.LockUnlockedAfterBooting, ptz.PowerOn, false)

	h.lock()
	if got := h.dev.last(); got.op != "finalize" {
		t.Fatalf("first call = %+v, want finalize", got)
	}
	if len(h.sensor.suppress) != 1 || !h.sensor.suppress[0] {
		t.Fatalf("suppress calls = %v, want [true]", h.sensor.suppress)
	}
	if h.store.PowerOffSequence() {
		t.Error("power-off sequence flag set before finalize completed")
	}
	finalizeID := h.dev.last().id

	h.complete(nil)
	if got := h.dev.last(); got.op != "power_off" || got.id == finalizeID {
		t.Fatalf("second call = %+v, want power_off with a fresh id", got)
	}
	if !h.store.PowerOffSequence() {
		t.Error("power-off sequence flag not set during power off")
	}
	if len(h.sensor.suppress) != 1 {
		t.Errorf("suppress toggled mid-sequence: %v", h.sensor.suppress)
	}

	h.complete(nil)
	if s := h.store.LockControlStatus(); s != ptz.LockLocked {
		t.Fatalf("status = %v, want locked", s)
	}
	if !h.store.CameraFunctionLimit() {
		t.Error("camera function limit not applied")
	}
	if len(h.sensor.suppress) != 2 || h.sensor.suppress[1] {
		t.Errorf("suppress calls = %v, want [true false]", h.sensor.suppress)
	}
	h.requireIdleAndClear(t)
	if len(h.dev.calls) != 2 {
		t.Errorf("device calls = %v", h.dev.calls)
	}
}

func TestUnlockWhileIdle_PowerOn(t *testing.T) {
	h := newHarness(ptz.LockLocked, ptz.PowerOn, true)

	h.unlock()
	if got := h.dev.last(); got.op != "power_on" {
		t.Fatalf("call = %+v, want power_on", got)
	}
	if !h.store.PowerOnSequence() {
		t.Error("power-on sequence flag not set")
	}

	h.complete(nil)
	if s := h.store.LockControlStatus(); s != ptz.LockUnlockedAfterBooting {
		t.Fatalf("status = %v, want unlocked_after_booting", s)
	}
	if h.store.CameraFunctionLimit() {
		t.Error("camera function limit still applied")
	}
	h.requireIdleAndClear(t)
}

func TestUnlockThenLockBeforePowerOnCompletes_EndsLocked(t *testing.T) {
	h := newHarness(ptz.LockLocked, ptz.PowerOn, true)

	h.unlock()
	h.lock()
	if !h.o.State().CancelPending {
		t.Fatal("reversal did not mark cancel pending")
	}
	if h.dev.count("power_on") != 1 {
		t.Fatalf("power on issued %d times", h.dev.count("power_on"))
	}

	h.complete(nil) // power on
	if s := h.store.LockControlStatus(); s == ptz.LockUnlockedAfterBooting {
		t.Fatal("reported unlocked after booting during a cancelled power on")
	}
	if got := h.dev.last(); got.op != "power_off" {
		t.Fatalf("call after cancelled power on = %+v, want power_off", got)
	}
	if h.store.PowerOnSequence() {
		t.Error("power-on sequence flag not cleared at cancellation")
	}

	h.complete(nil) // power off
	if s := h.store.LockControlStatus(); s != ptz.LockLocked {
		t.Fatalf("status = %v, want locked", s)
	}
	h.requireIdleAndClear(t)
}

func TestSensorFlipsBackWithoutEvent_LiveReadCancels(t *testing.T) {
	h := newHarness(ptz.LockLocked, ptz.PowerOn, true)

	h.unlock()
	h.sensor.locked = true // edge absorbed by suppression
	h.complete(nil)

	if got := h.dev.last(); got.op != "power_off" {
		t.Fatalf("call = %+v, want power_off", got)
	}
	h.complete(nil)
	if s := h.store.LockControlStatus(); s != ptz.LockLocked {
		t.Fatalf("status = %v", s)
	}
	h.requireIdleAndClear(t)
}

func TestLockFlickerDuringPowerOn_EndsUnlocked(t *testing.T) {
	h := newHarness(ptz.LockLocked, ptz.PowerOn, true)

	h.unlock()
	h.lock()
	h.unlock() // line back to unlocked before power on completes
	if h.dev.count("power_on") != 1 {
		t.Fatalf("duplicate power on issued")
	}
	if h.o.State().CancelPending {
		t.Error("cancel pending after the line returned to unlocked")
	}

	h.complete(nil)
	if n := h.dev.count("power_off"); n != 0 {
		t.Fatalf("power off issued %d times for a flicker: %v", n, h.dev.calls)
	}
	if s := h.store.LockControlStatus(); s != ptz.LockUnlockedAfterBooting {
		t.Fatalf("status = %v, want unlocked_after_booting", s)
	}
	h.requireIdleAndClear(t)
}

func TestCancelThenLineReleased_ChainsToPowerOn(t *testing.T) {
	h := newHarness(ptz.LockLocked, ptz.PowerOn, true)

	h.unlock()
	h.lock()
	h.complete(nil) // power on, line locked: cancelled
	if got := h.dev.last(); got.op != "power_off" {
		t.Fatalf("call = %+v, want power_off", got)
	}
	h.sensor.locked = false // edge absorbed by suppression
	h.complete(nil)         // power off, live line unlocked
	if got := h.dev.last(); got.op != "power_on" {
		t.Fatalf("call = %+v, want a fresh power_on", got)
	}
	if len(h.sensor.suppress) != 1 {
		t.Fatalf("suppression released between chained sequences: %v", h.sensor.suppress)
	}

	h.complete(nil)
	if s := h.store.LockControlStatus(); s != ptz.LockUnlockedAfterBooting {
		t.Fatalf("status = %v", s)
	}
	h.requireIdleAndClear(t)
}

func TestLockReleasedDuringFinalize_ReevaluatedAtPowerOff(t *testing.T) {
	h := newHarness(ptz.LockUnlockedAfterBooting, ptz.PowerOn, false)

	h.lock()
	h.unlock() // ignored while finalizing
	if len(h.dev.calls) != 1 {
		t.Fatalf("calls = %v", h.dev.calls)
	}
	h.complete(nil) // finalize
	if got := h.dev.last(); got.op != "power_off" {
		t.Fatalf("call = %+v", got)
	}
	h.complete(nil) // power off, line reads unlocked
	if got := h.dev.last(); got.op != "power_on" {
		t.Fatalf("call = %+v, want power_on", got)
	}
	if h.store.LockControlStatus() == ptz.LockLocked {
		t.Error("reported locked while the line is unlocked")
	}
	h.complete(nil)
	if s := h.store.LockControlStatus(); s != ptz.LockUnlockedAfterBooting {
		t.Fatalf("status = %v", s)
	}
	h.requireIdleAndClear(t)
}

func TestNoDuplicateSequences(t *testing.T) {
	t.Run("finalize", func(t *testing.T) {
		h := newHarness(ptz.LockUnlockedAfterBooting, ptz.PowerOn, false)
		h.lock()
		h.o.Handle(LockSensorChanged{PrevLocked: false, NewLocked: true})
		h.o.Handle(LockSensorChanged{PrevLocked: false, NewLocked: true})
		if h.dev.count("finalize") != 1 {
			t.Fatalf("finalize issued %d times", h.dev.count("finalize"))
		}
		h.complete(nil)
		h.o.Handle(LockSensorChanged{PrevLocked: false, NewLocked: true})
		if h.dev.count("power_off") != 1 || h.dev.count("finalize") != 1 {
			t.Fatalf("calls = %v", h.dev.calls)
		}
	})
	t.Run("initialize", func(t *testing.T) {
		h := newHarness(ptz.LockLocked, ptz.PowerOn, true)
		h.unlock()
		h.o.Handle(LockSensorChanged{PrevLocked: true, NewLocked: false})
		if h.dev.count("power_on") != 1 {
			t.Fatalf("power on issued %d times", h.dev.count("power_on"))
		}
		if h.o.State().CancelPending {
			t.Error("same-direction edge marked cancel pending")
		}
	})
}

func TestStaleCompletionsDropped(t *testing.T) {
	h := newHarness(ptz.LockUnlockedAfterBooting, ptz.PowerOn, false)

	h.o.Handle(StepCompleted{ID: 42})
	if h.o.Busy() || len(h.dev.calls) != 0 {
		t.Fatal("completion while idle had an effect")
	}

	h.lock()
	id := h.dev.last().id
	h.o.Handle(StepCompleted{ID: id + 100})
	if h.o.State().Phase != "finalizing" {
		t.Fatalf("phase = %s after stale completion", h.o.State().Phase)
	}
	h.o.Handle(StepCompleted{ID: id})
	h.o.Handle(StepCompleted{ID: id}) // duplicate of the finalize completion
	if h.o.State().Phase != "powering_off" || h.dev.count("power_off") != 1 {
		t.Fatalf("duplicate completion advanced the sequence: %v", h.dev.calls)
	}
}

func TestPowerOffUpdatesStatusDirectly(t *testing.T) {
	h := newHarness(ptz.LockNone, ptz.PowerOff, false)

	h.lock()
	if s := h.store.LockControlStatus(); s != ptz.LockLocked {
		t.Errorf("after lock: %v", s)
	}
	h.unlock()
	if s := h.store.LockControlStatus(); s != ptz.LockUnlocked {
		t.Errorf("after unlock: %v", s)
	}
	h.lock()

	if len(h.dev.calls) != 0 {
		t.Errorf("device calls while power off: %v", h.dev.calls)
	}
	if len(h.sensor.suppress) != 0 {
		t.Errorf("suppress calls while power off: %v", h.sensor.suppress)
	}
	if h.o.Busy() {
		t.Error("busy while power off")
	}
}

func TestPowerTransitionIgnoresEdges(t *testing.T) {
	for _, p := range []ptz.PowerStatus{ptz.PowerProcessingOn, ptz.PowerProcessingOff} {
		t.Run(p.String(), func(t *testing.T) {
			h := newHarness(ptz.LockUnlocked, p, false)
			h.lock()
			h.unlock()
			h.lock()
			if s := h.store.LockControlStatus(); s != ptz.LockUnlocked {
				t.Errorf("status changed to %v", s)
			}
			if len(h.dev.calls) != 0 || len(h.sensor.suppress) != 0 {
				t.Errorf("calls = %v, suppress = %v", h.dev.calls, h.sensor.suppress)
			}
		})
	}
}

func TestPowerOnReconciles(t *testing.T) {
	t.Run("locked", func(t *testing.T) {
		h := newHarness(ptz.LockUnlocked, ptz.PowerOn, true)
		h.o.Handle(PowerChanged{Status: ptz.PowerOn})
		if s := h.store.LockControlStatus(); s != ptz.LockLocked {
			t.Errorf("status = %v", s)
		}
		if len(h.dev.calls) != 0 {
			t.Errorf("calls = %v", h.dev.calls)
		}
	})
	t.Run("unlocked", func(t *testing.T) {
		h := newHarness(ptz.LockUnlocked, ptz.PowerOn, false)
		h.o.Handle(PowerChanged{Status: ptz.PowerOn})
		if got := h.dev.last(); got.op != "power_on" {
			t.Fatalf("call = %+v", got)
		}
		h.complete(nil)
		if s := h.store.LockControlStatus(); s != ptz.LockUnlockedAfterBooting {
			t.Errorf("status = %v", s)
		}
		h.requireIdleAndClear(t)
	})
	t.Run("not on", func(t *testing.T) {
		h := newHarness(ptz.LockUnlocked, ptz.PowerProcessingOn, false)
		h.o.Handle(PowerChanged{Status: ptz.PowerProcessingOn})
		if len(h.dev.calls) != 0 {
			t.Errorf("calls = %v", h.dev.calls)
		}
	})
}

func TestFailuresReleaseEverything(t *testing.T) {
	boom := fmt.Errorf("%w: motor fault", ptz.ErrExec)
	tests := []struct {
		name    string
		initial ptz.LockControlStatus
		locked  bool
		run     func(h *harness)
		result  string
		want    ptz.LockControlStatus
	}{
		// The line reads locked after these failures, so the safe status
		// is recorded even though power off never completed.
		{"finalize fails", ptz.LockUnlockedAfterBooting, false, func(h *harness) {
			h.lock()
			h.complete(boom)
		}, "finalize:error", ptz.LockLocked},
		{"power off fails", ptz.LockUnlockedAfterBooting, false, func(h *harness) {
			h.lock()
			h.complete(nil)
			h.complete(boom)
		}, "finalize:error", ptz.LockLocked},
		{"finalize fails after release", ptz.LockUnlockedAfterBooting, false, func(h *harness) {
			h.lock()
			h.unlock()
			h.complete(boom)
		}, "finalize:error", ptz.LockUnlockedAfterBooting},
		{"power on times out", ptz.LockLocked, true, func(h *harness) {
			h.unlock()
			h.complete(ptz.ErrTimeout)
		}, "initialize:timeout", ptz.LockLocked},
		{"cancel path power off fails", ptz.LockLocked, true, func(h *harness) {
			h.unlock()
			h.lock()
			h.complete(nil)
			h.complete(boom)
		}, "finalize:error", ptz.LockLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(tt.initial, ptz.PowerOn, tt.locked)
			tt.run(h)
			h.requireIdleAndClear(t)
			if h.o.LastError() == nil {
				t.Error("failure not recorded")
			}
			if s := h.store.LockControlStatus(); s != tt.want {
				t.Errorf("status = %v, want %v", s, tt.want)
			}
			if tt.want == ptz.LockLocked && tt.initial != ptz.LockLocked && !h.store.CameraFunctionLimit() {
				t.Error("camera function limit not applied")
			}
			if n := len(h.obs.finished); n == 0 || h.obs.finished[n-1] != tt.result {
				t.Errorf("observer = %v, want last %s", h.obs.finished, tt.result)
			}
		})
	}
}

func TestSendFailureReleasesID(t *testing.T) {
	h := newHarness(ptz.LockUnlockedAfterBooting, ptz.PowerOn, false)
	h.dev.sendErr = errors.New("socket closed")

	h.lock()
	h.requireIdleAndClear(t)
	if len(h.ids.released) != 1 || h.ids.released[0] != 1 {
		t.Errorf("released = %v", h.ids.released)
	}
	if !errors.Is(h.o.LastError(), h.dev.sendErr) {
		t.Errorf("last error = %v", h.o.LastError())
	}
}

func TestLineReadFailureAssumesLocked(t *testing.T) {
	h := newHarness(ptz.LockLocked, ptz.PowerOn, true)
	h.unlock()
	h.sensor.err = errors.New("gpio")
	h.complete(nil)
	if got := h.dev.last(); got.op != "power_off" {
		t.Fatalf("call = %+v, want power_off", got)
	}
	h.complete(nil)
	if s := h.store.LockControlStatus(); s != ptz.LockLocked {
		t.Errorf("status = %v", s)
	}
	h.requireIdleAndClear(t)
}

// TestRandomInterleavings drives random edge and completion orders and checks
// that every sequence releases what it holds and, without failures, ends in
// agreement with the line.
func TestRandomInterleavings(t *testing.T) {
	for seed := int64(1); seed <= 300; seed++ {
		rng := rand.New(rand.NewSource(seed))
		withFailures := seed%3 == 0
		h := newHarness(ptz.LockUnlockedAfterBooting, ptz.PowerOn, false)

		for step := 0; step < 40; step++ {
			switch rng.Intn(4) {
			case 0, 1:
				prev := h.sensor.locked
				h.sensor.locked = !prev
				// suppressed edges are only sometimes delivered
				if !h.o.Busy() || rng.Intn(2) == 0 {
					h.o.Handle(LockSensorChanged{PrevLocked: prev, NewLocked: h.sensor.locked})
				}
			case 2:
				if st := h.o.State(); st.PendingID != 0 {
					var err error
					if withFailures && rng.Intn(4) == 0 {
						err = ptz.ErrExec
					}
					h.o.Handle(StepCompleted{ID: st.PendingID, Err: err})
				}
			case 3:
				h.o.Handle(StepCompleted{ID: seq.ID(rng.Intn(1000) + 5000)})
			}
			if h.store.PowerOnSequence() && h.store.PowerOffSequence() {
				t.Fatalf("seed %d: both sequence flags set", seed)
			}
		}

		for i := 0; h.o.Busy(); i++ {
			if i > 20 {
				t.Fatalf("seed %d: sequence did not settle", seed)
			}
			h.o.Handle(StepCompleted{ID: h.o.State().PendingID})
		}

		h.requireIdleAndClear(t)
		if !withFailures {
			want := ptz.LockUnlockedAfterBooting
			if h.sensor.locked {
				want = ptz.LockLocked
			}
			if s := h.store.LockControlStatus(); s != want {
				t.Fatalf("seed %d: status %v with line locked=%v", seed, s, h.sensor.locked)
			}
		}
	}
}
