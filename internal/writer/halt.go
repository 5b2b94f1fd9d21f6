package writer

import (
	"sync"

	"go.uber.org/zap"
)

// HaltState is the process-wide write kill switch. It is consulted
// synchronously at the top of every mutating operation; once set it stays set
// until the recovery ceremony clears it. It is always injected explicitly,
// never reached through a package-level singleton, so every read and write of
// it is traceable.
//
// Halting stops writes only — read paths ignore it entirely.
type HaltState struct {
	mu     sync.RWMutex
	halted bool
	reason string

	logger  *zap.Logger
	onHalt  func(reason string)
	onClear func()
}

// NewHaltState creates a HaltState in the NORMAL (not halted) position.
func NewHaltState(logger *zap.Logger) *HaltState {
	return &HaltState{logger: logger}
}

// SetCallbacks registers optional observers for halt transitions, typically
// metrics recorders. Must be called before the state is shared.
func (h *HaltState) SetCallbacks(onHalt func(reason string), onClear func()) {
	h.onHalt = onHalt
	h.onClear = onClear
}

// Halt flips the state to HALTED with the given reason. Subsequent calls keep
// the original reason; the first detected inconsistency is the one operators
// need to see.
func (h *HaltState) Halt(reason string) {
	h.mu.Lock()
	if h.halted {
		h.mu.Unlock()
		return
	}
	h.halted = true
	h.reason = reason
	onHalt := h.onHalt
	h.mu.Unlock()

	h.logger.Error("SYSTEM HALTED — writes refused until recovery ceremony",
		zap.String("reason", reason),
	)
	if onHalt != nil {
		onHalt(reason)
	}
}

// Halted returns the current state and, when halted, the reason.
func (h *HaltState) Halted() (bool, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.halted, h.reason
}

// Check returns a HaltedError when the system is halted, nil otherwise.
func (h *HaltState) Check() error {
	if halted, reason := h.Halted(); halted {
		return &HaltedError{Reason: reason}
	}
	return nil
}

// clear resets the state to NORMAL. Unexported on purpose: only the ceremony
// attendant (internal/ceremony) may clear a halt, and only after the ceremony
// token and passphrase have been verified.
func (h *HaltState) clear() {
	h.mu.Lock()
	wasHalted := h.halted
	h.halted = false
	h.reason = ""
	onClear := h.onClear
	h.mu.Unlock()

	if wasHalted {
		h.logger.Warn("halt cleared by recovery ceremony")
		if onClear != nil {
			onClear()
		}
	}
}

// CeremonyClear is the single entry point for clearing a halt. The caller
// must have completed ceremony verification; this type performs no checks of
// its own.
type CeremonyClear struct{ State *HaltState }

// Clear resets the halt state to NORMAL.
func (c CeremonyClear) Clear() { c.State.clear() }
