// Package status is the status store the control plane reads and writes:
// power state, the pan-tilt lock control status, power sequence flags and the
// busy predicates owned by other subsystems.
package status

import (
	"context"
	"log/slog"
	"sync"

	"ptzhead/internal/ptz"
)

// Store is the status capability consumed by the gate, the dispatcher and
// the orchestrator. Reads are always live.
type Store interface {
	PowerStatus() ptz.PowerStatus
	LockControlStatus() ptz.LockControlStatus
	SetLockControlStatus(ptz.LockControlStatus)
	PowerOnSequence() bool
	SetPowerOnSequence(bool)
	PowerOffSequence() bool
	SetPowerOffSequence(bool)
	Busy(ptz.Condition) bool
	DoingPresetRecall() bool
	ZoomMode() ptz.ZoomMode
	SetCameraFunctionLimit(bool)
}

// Persister saves the lock control status so it survives a reboot.
type Persister interface {
	SaveLockControlStatus(ctx context.Context, s ptz.LockControlStatus) error
}

// Snapshot is a copy of the store at one instant.
type Snapshot struct {
	Power               ptz.PowerStatus        `json:"power"`
	Lock                ptz.LockControlStatus  `json:"lock_control_status"`
	PowerOnSequence     bool                   `json:"power_on_sequence"`
	PowerOffSequence    bool                   `json:"power_off_sequence"`
	CameraFunctionLimit bool                   `json:"camera_function_limit"`
	ZoomMode            ptz.ZoomMode           `json:"zoom_mode"`
	Busy                map[ptz.Condition]bool `json:"busy"`
}

// Memory is an in-process Store. It is safe for concurrent use; the busy
// predicates are written by the subsystems that own them.
type Memory struct {
	mu            sync.RWMutex
	power         ptz.PowerStatus
	lock          ptz.LockControlStatus
	powerOnSeq    bool
	powerOffSeq   bool
	functionLimit bool
	zoomMode      ptz.ZoomMode
	busy          map[ptz.Condition]bool

	persist Persister
	logger  *slog.Logger
}

// NewMemory creates a store starting from the given lock control status.
// persist may be nil.
func NewMemory(initial ptz.LockControlStatus, persist Persister, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		lock:    initial,
		busy:    make(map[ptz.Condition]bool),
		persist: persist,
		logger:  logger.With("component", "status"),
	}
}

func (m *Memory) PowerStatus() ptz.PowerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.power
}

// SetPowerStatus is called by the power sequencer.
func (m *Memory) SetPowerStatus(p ptz.PowerStatus) {
	m.mu.Lock()
	m.power = p
	m.mu.Unlock()
}

func (m *Memory) LockControlStatus() ptz.LockControlStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lock
}

func (m *Memory) SetLockControlStatus(s ptz.LockControlStatus) {
	m.mu.Lock()
	changed := m.lock != s
	m.lock = s
	m.mu.Unlock()

	if !changed || m.persist == nil {
		return
	}
	if err := m.persist.SaveLockControlStatus(context.Background(), s); err != nil {
		m.logger.Error("persist lock control status", "status", s.String(), "error", err)
	}
}

func (m *Memory) PowerOnSequence() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.powerOnSeq
}

func (m *Memory) SetPowerOnSequence(v bool) {
	m.mu.Lock()
	m.powerOnSeq = v
	m.mu.Unlock()
}

func (m *Memory) PowerOffSequence() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.powerOffSeq
}

func (m *Memory) SetPowerOffSequence(v bool) {
	m.mu.Lock()
	m.powerOffSeq = v
	m.mu.Unlock()
}

func (m *Memory) Busy(c ptz.Condition) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.busy[c]
}

// SetBusy raises or clears a busy predicate.
func (m *Memory) SetBusy(c ptz.Condition, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v {
		m.busy[c] = true
	} else {
		delete(m.busy, c)
	}
}

func (m *Memory) DoingPresetRecall() bool {
	return m.Busy(ptz.CondPresetRecall)
}

func (m *Memory) ZoomMode() ptz.ZoomMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.zoomMode
}

// SetZoomMode changes the digital-zoom submode.
func (m *Memory) SetZoomMode(z ptz.ZoomMode) {
	m.mu.Lock()
	m.zoomMode = z
	m.mu.Unlock()
}

func (m *Memory) SetCameraFunctionLimit(v bool) {
	m.mu.Lock()
	m.functionLimit = v
	m.mu.Unlock()
}

// CameraFunctionLimit reports whether camera functions are limited because
// the pan-tilt is locked.
func (m *Memory) CameraFunctionLimit() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.functionLimit
}

// Snapshot returns a query-only copy of the store.
func (m *Memory) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	busy := make(map[ptz.Condition]bool, len(m.busy))
	for k, v := range m.busy {
		busy[k] = v
	}
	return Snapshot{
		Power:               m.power,
		Lock:                m.lock,
		PowerOnSequence:     m.powerOnSeq,
		PowerOffSequence:    m.powerOffSeq,
		CameraFunctionLimit: m.functionLimit,
		ZoomMode:            m.zoomMode,
		Busy:                busy,
	}
}
