package common

import "sync"

// Capabilities checked by the native engines. The engines never hard-code
// "caller is owner"; they ask the authorizer so a richer role system can be
// swapped in without touching transition logic.
const (
	CapEscrowAdmin = "escrow.admin"
	CapSaleAdmin   = "sale.admin"
	CapSaleSweep   = "sale.sweep"
)

// Authorizer answers capability checks for a principal address.
type Authorizer interface {
	Allow(addr [20]byte, capability string) bool
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(addr [20]byte, capability string) bool

// Allow implements Authorizer.
func (f AuthorizerFunc) Allow(addr [20]byte, capability string) bool {
	return f(addr, capability)
}

// StaticAuthorizer keeps an in-memory capability grant table. It is the
// default wiring for the daemon and for tests; production deployments can
// substitute a directory-backed implementation.
type StaticAuthorizer struct {
	mu     sync.RWMutex
	grants map[string]map[[20]byte]struct{}
}

// NewStaticAuthorizer returns an empty grant table.
func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{grants: make(map[string]map[[20]byte]struct{})}
}

// Grant adds the capability for the address.
func (a *StaticAuthorizer) Grant(addr [20]byte, capability string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.grants[capability]
	if !ok {
		set = make(map[[20]byte]struct{})
		a.grants[capability] = set
	}
	set[addr] = struct{}{}
}

// Revoke removes the capability for the address.
func (a *StaticAuthorizer) Revoke(addr [20]byte, capability string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.grants[capability]; ok {
		delete(set, addr)
	}
}

// Allow implements Authorizer.
func (a *StaticAuthorizer) Allow(addr [20]byte, capability string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	set, ok := a.grants[capability]
	if !ok {
		return false
	}
	_, ok = set[addr]
	return ok
}
