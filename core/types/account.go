package types

import "math/big"

// Account tracks the balances held by a single address across every payment
// currency known to the platform. Balances are keyed by the canonical currency
// identifier (a native symbol such as "USD6" or a token identifier).
type Account struct {
	Nonce    uint64              `json:"nonce"`
	Balances map[string]*big.Int `json:"balances"`
}

// NewAccount returns an account with an allocated balance map.
func NewAccount() *Account {
	return &Account{Balances: make(map[string]*big.Int)}
}

// Balance returns the balance recorded for the given currency. The returned
// value is never nil; missing entries read as zero.
func (a *Account) Balance(currency string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	bal, ok := a.Balances[currency]
	if !ok || bal == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

// SetBalance records the balance for the given currency, allocating the map if
// needed. Negative balances are clamped to zero by the caller's checks; the
// account itself stores whatever it is given.
func (a *Account) SetBalance(currency string, amount *big.Int) {
	if a == nil {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	a.Balances[currency] = new(big.Int).Set(amount)
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := &Account{Nonce: a.Nonce, Balances: make(map[string]*big.Int, len(a.Balances))}
	for currency, bal := range a.Balances {
		if bal == nil {
			clone.Balances[currency] = big.NewInt(0)
			continue
		}
		clone.Balances[currency] = new(big.Int).Set(bal)
	}
	return clone
}
