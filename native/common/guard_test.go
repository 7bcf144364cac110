package common

import (
	"errors"
	"testing"
)

type stubPauses map[string]bool

func (p stubPauses) IsPaused(module string) bool { return p[module] }

func TestCallGuardRejectsNestedEnter(t *testing.T) {
	var g CallGuard
	if err := g.Enter(); err != nil {
		t.Fatalf("first enter: %v", err)
	}
	if err := g.Enter(); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("nested enter: %v, want %v", err, ErrReentrantCall)
	}
	g.Exit()
	if err := g.Enter(); err != nil {
		t.Fatalf("enter after exit: %v", err)
	}
	g.Exit()
}

func TestNilCallGuardIsInert(t *testing.T) {
	var g *CallGuard
	if err := g.Enter(); err != nil {
		t.Fatalf("nil guard enter: %v", err)
	}
	g.Exit()
}

func TestGuardChecksPauseView(t *testing.T) {
	pauses := stubPauses{"sale": true}
	if err := Guard(pauses, "sale"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("paused module: %v, want %v", err, ErrModulePaused)
	}
	if err := Guard(pauses, "escrow"); err != nil {
		t.Fatalf("unpaused module: %v", err)
	}
	if err := Guard(nil, "sale"); err != nil {
		t.Fatalf("nil view: %v", err)
	}
	if err := Guard(pauses, ""); err != nil {
		t.Fatalf("empty module name: %v", err)
	}
}
