package module

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// phase of a frame load handshake. Ready and failed are terminal.
type phase int

const (
	phaseRequested phase = iota
	phaseAttached
	phaseReady
	phaseFailed
)

func (p phase) String() string {
	switch p {
	case phaseRequested:
		return "requested"
	case phaseAttached:
		return "attached"
	case phaseReady:
		return "ready"
	default:
		return "failed"
	}
}

// handshake resolves exactly once: on a ready signal, when the grace period
// after attachment elapses, or with an error (hard timeout, frame failure,
// cancellation). Timers firing after resolution are no-ops.
type handshake struct {
	mu      sync.Mutex
	phase   phase
	err     error
	assumed bool
	done    chan struct{}
	grace   *clock.Timer
	hard    *clock.Timer
}

func newHandshake() *handshake {
	return &handshake{done: make(chan struct{})}
}

// startHardTimeout arms the overall load ceiling.
func (h *handshake) startHardTimeout(clk clock.Clock, d time.Duration) {
	t := clk.AfterFunc(d, func() { h.fail(ErrLoadTimeout) })
	h.mu.Lock()
	h.hard = t
	h.mu.Unlock()
}

// attach records the frame's native load and starts the grace period.
func (h *handshake) attach(clk clock.Clock, grace time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phase != phaseRequested {
		return
	}
	h.phase = phaseAttached
	h.grace = clk.AfterFunc(grace, func() { h.resolve(true) })
}

// signalReady records an explicit ready message from the module.
func (h *handshake) signalReady() bool {
	return h.resolve(false)
}

func (h *handshake) resolve(assumed bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal() {
		return false
	}
	h.phase = phaseReady
	h.assumed = assumed
	h.finish()
	return true
}

func (h *handshake) fail(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal() {
		return false
	}
	h.phase = phaseFailed
	h.err = err
	h.finish()
	return true
}

// finish stops pending timers and releases waiters. Caller holds h.mu.
func (h *handshake) finish() {
	if h.grace != nil {
		h.grace.Stop()
	}
	if h.hard != nil {
		h.hard.Stop()
	}
	close(h.done)
}

func (h *handshake) terminal() bool {
	return h.phase == phaseReady || h.phase == phaseFailed
}

func (h *handshake) current() phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

func (h *handshake) result() (assumed bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.assumed, h.err
}
