package token

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"investchain/core/types"
)

type mockState struct {
	accounts map[[20]byte]*types.Account
	minters  map[string]map[[20]byte]bool
	supply   map[string]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		accounts: make(map[[20]byte]*types.Account),
		minters:  make(map[string]map[[20]byte]bool),
		supply:   make(map[string]*big.Int),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	acc, ok := m.accounts[key]
	if !ok {
		return types.NewAccount(), nil
	}
	return acc.Clone(), nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = account.Clone()
	return nil
}

func (m *mockState) TokenMinterSet(token string, addr [20]byte, allowed bool) error {
	set, ok := m.minters[token]
	if !ok {
		set = make(map[[20]byte]bool)
		m.minters[token] = set
	}
	if allowed {
		set[addr] = true
	} else {
		delete(set, addr)
	}
	return nil
}

func (m *mockState) TokenIsMinter(token string, addr [20]byte) (bool, error) {
	return m.minters[token][addr], nil
}

func (m *mockState) TokenSupplyGet(token string) (*big.Int, error) {
	supply := m.supply[token]
	if supply == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(supply), nil
}

func (m *mockState) TokenSupplyPut(token string, supply *big.Int) error {
	m.supply[token] = new(big.Int).Set(supply)
	return nil
}

func (m *mockState) fund(addr [20]byte, token string, amount int64) {
	acc, ok := m.accounts[addr]
	if !ok {
		acc = types.NewAccount()
		m.accounts[addr] = acc
	}
	acc.SetBalance(token, big.NewInt(amount))
}

func TestTransferMovesBalance(t *testing.T) {
	state := newMockState()
	ledger := NewLedger(state)
	from := newTestAddress(0x01)
	to := newTestAddress(0x02)
	state.fund(from, "tok:deal", 100)

	if err := ledger.Transfer("tok:deal", from, to, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	fromBal, err := ledger.BalanceOf("tok:deal", from)
	if err != nil {
		t.Fatalf("balance of sender: %v", err)
	}
	if fromBal.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("sender balance = %s, want 60", fromBal)
	}
	toBal, err := ledger.BalanceOf("tok:deal", to)
	if err != nil {
		t.Fatalf("balance of recipient: %v", err)
	}
	if toBal.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("recipient balance = %s, want 40", toBal)
	}
}

func TestTransferRejectsOverdraft(t *testing.T) {
	state := newMockState()
	ledger := NewLedger(state)
	from := newTestAddress(0x01)
	state.fund(from, "tok:deal", 10)

	if err := ledger.Transfer("tok:deal", from, newTestAddress(0x02), big.NewInt(11)); err == nil {
		t.Fatal("expected insufficient balance error")
	}
}

func TestTransferZeroAmountIsNoop(t *testing.T) {
	state := newMockState()
	ledger := NewLedger(state)
	from := newTestAddress(0x01)
	if err := ledger.Transfer("tok:deal", from, newTestAddress(0x02), big.NewInt(0)); err != nil {
		t.Fatalf("zero transfer: %v", err)
	}
}

func TestTransferRejectsNegativeAmount(t *testing.T) {
	ledger := NewLedger(newMockState())
	if err := ledger.Transfer("tok:deal", newTestAddress(0x01), newTestAddress(0x02), big.NewInt(-1)); err == nil {
		t.Fatal("expected negative amount error")
	}
}

func TestMintRequiresMinterRole(t *testing.T) {
	state := newMockState()
	ledger := NewLedger(state)
	caller := newTestAddress(0x03)
	recipient := newTestAddress(0x04)

	err := ledger.Mint("tok:deal", caller, recipient, big.NewInt(500))
	if !errors.Is(err, ErrMintForbidden) {
		t.Fatalf("mint without role: got %v, want ErrMintForbidden", err)
	}

	if err := ledger.SetMinter("tok:deal", caller, true); err != nil {
		t.Fatalf("set minter: %v", err)
	}
	if err := ledger.Mint("tok:deal", caller, recipient, big.NewInt(500)); err != nil {
		t.Fatalf("mint with role: %v", err)
	}
	balance, err := ledger.BalanceOf("tok:deal", recipient)
	if err != nil {
		t.Fatalf("balance of recipient: %v", err)
	}
	if balance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("recipient balance = %s, want 500", balance)
	}
}

func TestMintTracksSupply(t *testing.T) {
	state := newMockState()
	ledger := NewLedger(state)
	caller := newTestAddress(0x03)
	if err := ledger.SetMinter("tok:deal", caller, true); err != nil {
		t.Fatalf("set minter: %v", err)
	}
	if err := ledger.Mint("tok:deal", caller, newTestAddress(0x04), big.NewInt(300)); err != nil {
		t.Fatalf("first mint: %v", err)
	}
	if err := ledger.Mint("tok:deal", caller, newTestAddress(0x05), big.NewInt(200)); err != nil {
		t.Fatalf("second mint: %v", err)
	}
	supply, err := state.TokenSupplyGet("tok:deal")
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("supply = %s, want 500", supply)
	}
}

func TestMintRejectsNonPositiveAmount(t *testing.T) {
	state := newMockState()
	ledger := NewLedger(state)
	caller := newTestAddress(0x03)
	if err := ledger.SetMinter("tok:deal", caller, true); err != nil {
		t.Fatalf("set minter: %v", err)
	}
	if err := ledger.Mint("tok:deal", caller, newTestAddress(0x04), big.NewInt(0)); err == nil {
		t.Fatal("expected error for zero mint")
	}
	if err := ledger.Mint("tok:deal", caller, newTestAddress(0x04), nil); err == nil {
		t.Fatal("expected error for nil amount")
	}
}

func TestRevokedMinterCannotMint(t *testing.T) {
	state := newMockState()
	ledger := NewLedger(state)
	caller := newTestAddress(0x03)
	if err := ledger.SetMinter("tok:deal", caller, true); err != nil {
		t.Fatalf("set minter: %v", err)
	}
	if err := ledger.SetMinter("tok:deal", caller, false); err != nil {
		t.Fatalf("revoke minter: %v", err)
	}
	if err := ledger.Mint("tok:deal", caller, newTestAddress(0x04), big.NewInt(1)); !errors.Is(err, ErrMintForbidden) {
		t.Fatalf("mint after revoke: got %v, want ErrMintForbidden", err)
	}
}

func TestUnconfiguredLedgerErrors(t *testing.T) {
	var ledger *Ledger
	if _, err := ledger.BalanceOf("tok:deal", newTestAddress(0x01)); err == nil {
		t.Fatal("expected error from nil ledger")
	}
	empty := &Ledger{}
	if err := empty.Transfer("tok:deal", newTestAddress(0x01), newTestAddress(0x02), big.NewInt(1)); err == nil {
		t.Fatal("expected error from ledger without state")
	}
}
