// Package admission decides whether a command may run given the current
// system conditions.
//
// Each command family has a fixed conjunction of predicates. Every predicate
// is evaluated against live status reads; nothing is cached between calls.
// Range checks run before any busy check so that an invalid identifier is
// always reported as out of range.
package admission

import (
	"fmt"

	"ptzhead/internal/ptz"
	"ptzhead/internal/status"
)

// Family is a group of commands sharing one admission rule.
type Family int

const (
	FamilyPanTiltMove Family = iota
	FamilyPanTiltReset
	FamilyZoomMove
	FamilyFocusMove
	FamilyStop
	FamilyPresetRecall
)

func (f Family) String() string {
	switch f {
	case FamilyPanTiltMove:
		return "pan_tilt_move"
	case FamilyPanTiltReset:
		return "pan_tilt_reset"
	case FamilyZoomMove:
		return "zoom_move"
	case FamilyFocusMove:
		return "focus_move"
	case FamilyStop:
		return "stop"
	case FamilyPresetRecall:
		return "preset_recall"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// predicate blocks a command while holds returns true.
type predicate struct {
	cond  ptz.Condition
	holds func(status.Store) bool
}

func busy(c ptz.Condition) predicate {
	return predicate{cond: c, holds: func(s status.Store) bool { return s.Busy(c) }}
}

var (
	powerNotOn = predicate{ptz.CondPowerNotOn, func(s status.Store) bool {
		return s.PowerStatus() != ptz.PowerOn
	}}
	powerOnSequence = predicate{ptz.CondPowerOnSequence, func(s status.Store) bool {
		return s.PowerOnSequence()
	}}
	powerOffSequence = predicate{ptz.CondPowerOffSequence, func(s status.Store) bool {
		return s.PowerOffSequence()
	}}
	panTiltLocked = predicate{ptz.CondPanTiltLocked, func(s status.Store) bool {
		return s.LockControlStatus() == ptz.LockLocked
	}}
	recalling = predicate{ptz.CondPresetRecall, func(s status.Store) bool {
		return s.DoingPresetRecall()
	}}
)

func join(sets ...[]predicate) []predicate {
	var out []predicate
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

var motion = []predicate{
	powerNotOn,
	busy(ptz.CondZoomDirect),
	busy(ptz.CondFocusDirect),
	busy(ptz.CondPTDirection),
	busy(ptz.CondPTAbsolute),
	busy(ptz.CondPTRelative),
	busy(ptz.CondPTHome),
	busy(ptz.CondPTReset),
	busy(ptz.CondExclusiveMove),
	busy(ptz.CondHDMIFormat),
	busy(ptz.CondPTLimit),
}

var panTiltMotion = join(motion, []predicate{powerOnSequence, powerOffSequence, panTiltLocked})

var rules = map[Family][]predicate{
	FamilyPanTiltMove:  panTiltMotion,
	FamilyPanTiltReset: join(panTiltMotion, []predicate{recalling}),
	FamilyZoomMove:     motion,
	FamilyFocusMove:    motion,
	FamilyStop:         {powerNotOn, busy(ptz.CondPTLimit)},
	FamilyPresetRecall: join(panTiltMotion, []predicate{
		busy(ptz.CondTraceActive),
		busy(ptz.CondMenuDisplay),
		busy(ptz.CondOSDDisplay),
		busy(ptz.CondRecallExclusive),
		recalling,
	}),
}

// Bound is a value that must lie in [Min, Max].
type Bound struct {
	What     string
	Value    int
	Min, Max int
}

// Gate evaluates admission rules against a status store.
type Gate struct {
	store status.Store
}

// New creates a gate reading from store.
func New(store status.Store) *Gate {
	return &Gate{store: store}
}

// Admit returns nil when a command of family f may run. Otherwise it returns
// an error wrapping ptz.ErrOutOfRange for a bound violation or ptz.ErrExec
// naming the first blocking condition.
func (g *Gate) Admit(f Family, bounds ...Bound) error {
	for _, b := range bounds {
		if b.Value < b.Min || b.Value > b.Max {
			return ptz.OutOfRange(b.What, b.Value, b.Min, b.Max)
		}
	}
	preds, ok := rules[f]
	if !ok {
		return fmt.Errorf("%w: no admission rule for %v", ptz.ErrBug, f)
	}
	for _, p := range preds {
		if p.holds(g.store) {
			return ptz.Busy(p.cond)
		}
	}
	return nil
}
