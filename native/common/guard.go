package common

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrModulePaused is returned when a guarded module is paused.
	ErrModulePaused = errors.New("module paused")
	// ErrReentrantCall is returned when a guarded entry point is re-entered
	// while an outer call is still executing.
	ErrReentrantCall = errors.New("reentrant call")
)

// PauseView reports whether a named module is currently paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the module is paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// CallGuard is a non-blocking mutual-exclusion gate shared by every
// value-moving entry point of an engine. A nested call observes the busy flag
// and fails immediately instead of queueing.
type CallGuard struct {
	busy atomic.Bool
}

// Enter acquires the guard or fails with ErrReentrantCall.
func (g *CallGuard) Enter() error {
	if g == nil {
		return nil
	}
	if !g.busy.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

// Exit releases the guard. Safe to defer immediately after a successful Enter.
func (g *CallGuard) Exit() {
	if g == nil {
		return
	}
	g.busy.Store(false)
}
