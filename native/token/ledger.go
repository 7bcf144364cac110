package token

import (
	"errors"
	"fmt"
	"math/big"

	"investchain/core/types"
)

var (
	errNilState = errors.New("token ledger: state not configured")
	// ErrMintForbidden is returned when a caller without the minter role
	// attempts to mint. The sale engine checks the role before calling so
	// the failure is attributable, never silent.
	ErrMintForbidden = errors.New("token ledger: caller lacks minter role")
)

// State is the subset of platform state the token ledger mutates. Balances
// live on the shared account objects keyed by token identifier.
type State interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	TokenMinterSet(token string, addr [20]byte, allowed bool) error
	TokenIsMinter(token string, addr [20]byte) (bool, error)
	TokenSupplyGet(token string) (*big.Int, error)
	TokenSupplyPut(token string, supply *big.Int) error
}

// Ledger implements the mintable fungible token collaborator the sale engine
// distributes against.
type Ledger struct {
	state State
}

// NewLedger constructs a ledger bound to the provided state backend.
func NewLedger(state State) *Ledger {
	return &Ledger{state: state}
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return types.NewAccount()
	}
	if acc.Balances == nil {
		acc.Balances = make(map[string]*big.Int)
	}
	return acc
}

// BalanceOf reports the token balance held by the address.
func (l *Ledger) BalanceOf(token string, addr [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	acc, err := l.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return ensureAccount(acc).Balance(token), nil
}

// Transfer moves tokens between two addresses.
func (l *Ledger) Transfer(token string, from, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token ledger: negative transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromAcc, err := l.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := l.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	balance := fromAcc.Balance(token)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("token ledger: insufficient balance for %s", token)
	}
	fromAcc.SetBalance(token, new(big.Int).Sub(balance, amount))
	toAcc.SetBalance(token, new(big.Int).Add(toAcc.Balance(token), amount))
	if err := l.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return l.state.PutAccount(to[:], toAcc)
}

// HasMinter reports whether the address holds the minter role for the token.
func (l *Ledger) HasMinter(token string, addr [20]byte) (bool, error) {
	if l == nil || l.state == nil {
		return false, errNilState
	}
	return l.state.TokenIsMinter(token, addr)
}

// SetMinter grants or revokes the minter role.
func (l *Ledger) SetMinter(token string, addr [20]byte, allowed bool) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	return l.state.TokenMinterSet(token, addr, allowed)
}

// Mint issues new supply to the recipient on behalf of the caller. The caller
// must hold the minter role; callers are expected to check first via HasMinter
// so a missing capability surfaces as an explicit precondition failure.
func (l *Ledger) Mint(token string, caller, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("token ledger: mint amount must be positive")
	}
	allowed, err := l.state.TokenIsMinter(token, caller)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrMintForbidden
	}
	acc, err := l.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	acc = ensureAccount(acc)
	acc.SetBalance(token, new(big.Int).Add(acc.Balance(token), amount))
	if err := l.state.PutAccount(to[:], acc); err != nil {
		return err
	}
	supply, err := l.state.TokenSupplyGet(token)
	if err != nil {
		return err
	}
	if supply == nil {
		supply = big.NewInt(0)
	}
	return l.state.TokenSupplyPut(token, new(big.Int).Add(supply, amount))
}
