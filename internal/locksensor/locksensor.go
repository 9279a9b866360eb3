// Package locksensor polls the pan-tilt mechanical lock line and reports
// edges.
package locksensor

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Line is the raw lock line.
type Line interface {
	Locked() (bool, error)
}

// Changed is a lock line edge.
type Changed struct {
	PrevLocked bool
	NewLocked  bool
}

// Poller samples a Line at a fixed interval and emits Changed on every edge
// unless suppressed. Edges seen while suppressed are absorbed: the baseline
// still moves, so nothing is replayed on un-suppress.
type Poller struct {
	line     Line
	interval time.Duration
	emit     func(Changed)
	logger   *slog.Logger

	mu         sync.Mutex
	suppressed bool
	last       bool
	primed     bool
	stopCh     chan struct{}
	done       chan struct{}
}

// New creates a poller. emit is called from the polling goroutine.
func New(line Line, interval time.Duration, emit func(Changed), logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		line:     line,
		interval: interval,
		emit:     emit,
		logger:   logger.With("component", "locksensor"),
	}
}

// Start begins polling. The first sample only sets the baseline.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return errors.New("lock sensor already polling")
	}
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(p.stopCh, p.done)
	return nil
}

// Stop ends polling and waits for the goroutine to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	stopCh, done := p.stopCh, p.done
	p.stopCh, p.done = nil, nil
	p.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-done
}

// Suppress disables (true) or re-enables (false) event emission.
func (p *Poller) Suppress(on bool) {
	p.mu.Lock()
	p.suppressed = on
	p.mu.Unlock()
	p.logger.Debug("lock events suppressed", "on", on)
}

// Suppressed reports whether emission is disabled.
func (p *Poller) Suppressed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suppressed
}

// Locked reads the raw line.
func (p *Poller) Locked() (bool, error) {
	return p.line.Locked()
}

func (p *Poller) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sample()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.sample()
		}
	}
}

func (p *Poller) sample() {
	locked, err := p.line.Locked()
	if err != nil {
		p.logger.Warn("read lock line", "error", err)
		return
	}

	p.mu.Lock()
	if !p.primed {
		p.primed = true
		p.last = locked
		p.mu.Unlock()
		return
	}
	if locked == p.last {
		p.mu.Unlock()
		return
	}
	ev := Changed{PrevLocked: p.last, NewLocked: locked}
	p.last = locked
	suppressed := p.suppressed
	p.mu.Unlock()

	if suppressed {
		p.logger.Debug("lock edge absorbed", "locked", locked)
		return
	}
	p.emit(ev)
}

// Switch is a Line whose state is set in software, for simulation and for
// installations that report the lock through another service.
type Switch struct {
	mu     sync.Mutex
	locked bool
	err    error
}

// NewSwitch creates a switch in the given state.
func NewSwitch(locked bool) *Switch {
	return &Switch{locked: locked}
}

func (s *Switch) Locked() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked, s.err
}

// Set changes the line state.
func (s *Switch) Set(locked bool) {
	s.mu.Lock()
	s.locked = locked
	s.mu.Unlock()
}

// Fail makes subsequent reads return err. A nil err clears the fault.
func (s *Switch) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
