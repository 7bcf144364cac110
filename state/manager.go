package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"investchain/core/types"
	"investchain/native/escrow"
	"investchain/native/sale"
	"investchain/storage"
)

// Manager persists platform state in the underlying key-value store and
// implements the state interfaces of the escrow, sale, and token engines.
// Records are RLP-encoded via stored-record mirrors so layouts stay stable
// across refactors of the in-memory types.
type Manager struct {
	mu sync.RWMutex
	db storage.Database

	paused map[string]bool
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, paused: make(map[string]bool)}
}

func accountKey(addr []byte) []byte {
	return append([]byte("acct/"), addr...)
}

func escrowKey(id [32]byte) []byte {
	return append([]byte("escrow/"), id[:]...)
}

func escrowBalanceKey(id [32]byte, currency string) []byte {
	key := append([]byte("escrow/bal/"), id[:]...)
	return append(key, []byte("/"+currency)...)
}

func saleKey(id [32]byte) []byte {
	return append([]byte("sale/"), id[:]...)
}

func saleScopedKey(prefix string, id [32]byte, suffix []byte) []byte {
	key := append([]byte(prefix), id[:]...)
	key = append(key, '/')
	return append(key, suffix...)
}

func tokenMinterKey(token string, addr [20]byte) []byte {
	return append([]byte("token/minter/"+token+"/"), addr[:]...)
}

func tokenSupplyKey(token string) []byte {
	return []byte("token/supply/" + token)
}

// --- RLP stored records ---

type storedBalance struct {
	Currency string
	Amount   *big.Int
}

type storedAccount struct {
	Nonce    uint64
	Balances []storedBalance
}

type storedEscrow struct {
	ID             [32]byte
	Investor       [20]byte
	SaleID         [32]byte
	Currency       string
	Amount         *big.Int
	ApprovedAmount *big.Int
	RefundedAmount *big.Int
	TokenAmount    *big.Int
	RejectReason   string
	CreatedAt      uint64
	ExpiresAt      uint64
	AdminDeadline  uint64
	Status         uint8
}

type storedSale struct {
	ID                 [32]byte
	Owner              [20]byte
	Token              string
	DealType           string
	Tenant             uint64
	PriceWad           *big.Int
	Hardcap            *big.Int
	Softcap            *big.Int
	MinPurchase        *big.Int
	MaxPurchase        *big.Int
	LockupBps          uint32
	LockupDuration     uint64
	Duration           uint64
	LockupTVLThreshold *big.Int
	ReservedBps        uint32
	ImmediateTransfer  bool
	CreatedAt          uint64
	TotalPurchased     *big.Int
	ParticipantCount   uint64
	LockupTVLReached   bool
	Paused             bool
	Initialized        bool
}

func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

func (m *Manager) put(key []byte, value interface{}) error {
	raw, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return m.db.Put(key, raw)
}

// --- accounts ---

// GetAccount loads the account, returning an empty account when absent.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stored storedAccount
	ok, err := m.get(accountKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	acc := types.NewAccount()
	if !ok {
		return acc, nil
	}
	acc.Nonce = stored.Nonce
	for _, bal := range stored.Balances {
		acc.SetBalance(bal.Currency, bal.Amount)
	}
	return acc, nil
}

// PutAccount stores the account with balances in deterministic order.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account == nil {
		account = types.NewAccount()
	}
	stored := storedAccount{Nonce: account.Nonce}
	currencies := make([]string, 0, len(account.Balances))
	for currency := range account.Balances {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)
	for _, currency := range currencies {
		stored.Balances = append(stored.Balances, storedBalance{
			Currency: currency,
			Amount:   account.Balance(currency),
		})
	}
	return m.put(accountKey(addr), stored)
}

// --- escrows ---

// EscrowPut validates and persists the escrow record.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.Sanitize(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := storedEscrow{
		ID:             sanitized.ID,
		Investor:       sanitized.Investor,
		SaleID:         sanitized.SaleID,
		Currency:       sanitized.Currency,
		Amount:         sanitized.Amount,
		ApprovedAmount: sanitized.ApprovedAmount,
		RefundedAmount: sanitized.RefundedAmount,
		TokenAmount:    sanitized.TokenAmount,
		RejectReason:   sanitized.RejectReason,
		CreatedAt:      uint64(sanitized.CreatedAt),
		ExpiresAt:      uint64(sanitized.ExpiresAt),
		AdminDeadline:  uint64(sanitized.AdminDeadline),
		Status:         uint8(sanitized.Status),
	}
	return m.put(escrowKey(sanitized.ID), stored)
}

// EscrowGet loads the escrow by identifier.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Escrow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stored storedEscrow
	ok, err := m.get(escrowKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	return &escrow.Escrow{
		ID:             stored.ID,
		Investor:       stored.Investor,
		SaleID:         stored.SaleID,
		Currency:       stored.Currency,
		Amount:         stored.Amount,
		ApprovedAmount: stored.ApprovedAmount,
		RefundedAmount: stored.RefundedAmount,
		TokenAmount:    stored.TokenAmount,
		RejectReason:   stored.RejectReason,
		CreatedAt:      int64(stored.CreatedAt),
		ExpiresAt:      int64(stored.ExpiresAt),
		AdminDeadline:  int64(stored.AdminDeadline),
		Status:         escrow.Status(stored.Status),
	}, true
}

// EscrowCredit increases the vault sub-balance tracked for the escrow.
func (m *Manager) EscrowCredit(id [32]byte, currency string, amt *big.Int) error {
	return m.adjustBalance(escrowBalanceKey(id, currency), amt, false)
}

// EscrowDebit decreases the vault sub-balance tracked for the escrow.
func (m *Manager) EscrowDebit(id [32]byte, currency string, amt *big.Int) error {
	return m.adjustBalance(escrowBalanceKey(id, currency), amt, true)
}

// EscrowBalance reports the vault sub-balance tracked for the escrow.
func (m *Manager) EscrowBalance(id [32]byte, currency string) (*big.Int, error) {
	return m.readBalance(escrowBalanceKey(id, currency))
}

// EscrowVaultAddress derives the shared vault address for a payment currency.
func (m *Manager) EscrowVaultAddress(currency string) ([20]byte, error) {
	var addr [20]byte
	hash := ethcrypto.Keccak256([]byte("investchain/escrow-vault/" + currency))
	copy(addr[:], hash[12:])
	return addr, nil
}

// IsValidEscrow certifies escrow identifiers for the sale engine: only
// escrows this manager created and persisted are valid callers.
func (m *Manager) IsValidEscrow(id [32]byte) bool {
	_, ok := m.EscrowGet(id)
	return ok
}

// --- sales ---

// SalePut persists the sale record.
func (m *Manager) SalePut(s *sale.Sale) error {
	if s == nil {
		return fmt.Errorf("state: nil sale")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := s.Clone()
	stored := storedSale{
		ID:                 clone.ID,
		Owner:              clone.Owner,
		Token:              clone.Token,
		DealType:           clone.DealType,
		Tenant:             clone.Tenant,
		PriceWad:           clone.PriceWad,
		Hardcap:            clone.Hardcap,
		Softcap:            clone.Softcap,
		MinPurchase:        clone.MinPurchase,
		MaxPurchase:        clone.MaxPurchase,
		LockupBps:          clone.LockupBps,
		LockupDuration:     uint64(clone.LockupDuration),
		Duration:           uint64(clone.Duration),
		LockupTVLThreshold: clone.LockupTVLThreshold,
		ReservedBps:        clone.ReservedBps,
		ImmediateTransfer:  clone.ImmediateTransfer,
		CreatedAt:          uint64(clone.CreatedAt),
		TotalPurchased:     clone.TotalPurchased,
		ParticipantCount:   clone.ParticipantCount,
		LockupTVLReached:   clone.LockupTVLReached,
		Paused:             clone.Paused,
		Initialized:        clone.Initialized,
	}
	return m.put(saleKey(clone.ID), stored)
}

// SaleGet loads the sale by identifier.
func (m *Manager) SaleGet(id [32]byte) (*sale.Sale, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stored storedSale
	ok, err := m.get(saleKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	return &sale.Sale{
		ID:                 stored.ID,
		Owner:              stored.Owner,
		Token:              stored.Token,
		DealType:           stored.DealType,
		Tenant:             stored.Tenant,
		PriceWad:           stored.PriceWad,
		Hardcap:            stored.Hardcap,
		Softcap:            stored.Softcap,
		MinPurchase:        stored.MinPurchase,
		MaxPurchase:        stored.MaxPurchase,
		LockupBps:          stored.LockupBps,
		LockupDuration:     int64(stored.LockupDuration),
		Duration:           int64(stored.Duration),
		LockupTVLThreshold: stored.LockupTVLThreshold,
		ReservedBps:        stored.ReservedBps,
		ImmediateTransfer:  stored.ImmediateTransfer,
		CreatedAt:          int64(stored.CreatedAt),
		TotalPurchased:     stored.TotalPurchased,
		ParticipantCount:   stored.ParticipantCount,
		LockupTVLReached:   stored.LockupTVLReached,
		Paused:             stored.Paused,
		Initialized:        stored.Initialized,
	}, true
}

// SalePurchaseOf reads the cumulative token purchase for the address.
func (m *Manager) SalePurchaseOf(id [32]byte, addr [20]byte) (*big.Int, error) {
	return m.readBalance(saleScopedKey("sale/purchase/", id, addr[:]))
}

// SaleSetPurchaseOf records the cumulative token purchase for the address.
func (m *Manager) SaleSetPurchaseOf(id [32]byte, addr [20]byte, amount *big.Int) error {
	return m.writeBalance(saleScopedKey("sale/purchase/", id, addr[:]), amount)
}

// SaleLockedOf reads the locked token balance for the address.
func (m *Manager) SaleLockedOf(id [32]byte, addr [20]byte) (*big.Int, error) {
	return m.readBalance(saleScopedKey("sale/locked/", id, addr[:]))
}

// SaleSetLockedOf records the locked token balance for the address.
func (m *Manager) SaleSetLockedOf(id [32]byte, addr [20]byte, amount *big.Int) error {
	return m.writeBalance(saleScopedKey("sale/locked/", id, addr[:]), amount)
}

// SalePaidAmount reads the vault-mode payment record for (address, currency).
func (m *Manager) SalePaidAmount(id [32]byte, addr [20]byte, currency string) (*big.Int, error) {
	return m.readBalance(saleScopedKey("sale/paid/", id, append(addr[:], []byte("/"+currency)...)))
}

// SaleSetPaidAmount records the vault-mode payment for (address, currency).
func (m *Manager) SaleSetPaidAmount(id [32]byte, addr [20]byte, currency string, amount *big.Int) error {
	return m.writeBalance(saleScopedKey("sale/paid/", id, append(addr[:], []byte("/"+currency)...)), amount)
}

// SaleCurrencyTotal reads the cumulative net payment total for the currency.
func (m *Manager) SaleCurrencyTotal(id [32]byte, currency string) (*big.Int, error) {
	return m.readBalance(saleScopedKey("sale/curtotal/", id, []byte(currency)))
}

// SaleSetCurrencyTotal records the cumulative net payment total.
func (m *Manager) SaleSetCurrencyTotal(id [32]byte, currency string, amount *big.Int) error {
	return m.writeBalance(saleScopedKey("sale/curtotal/", id, []byte(currency)), amount)
}

// SaleIsParticipant reports whether the address already bought into the sale.
func (m *Manager) SaleIsParticipant(id [32]byte, addr [20]byte) (bool, error) {
	return m.readFlag(saleScopedKey("sale/participant/", id, addr[:]))
}

// SaleSetParticipant marks the address as a participant.
func (m *Manager) SaleSetParticipant(id [32]byte, addr [20]byte) error {
	return m.writeFlag(saleScopedKey("sale/participant/", id, addr[:]), true)
}

// SaleUserAllowed reports user-whitelist membership.
func (m *Manager) SaleUserAllowed(id [32]byte, addr [20]byte) (bool, error) {
	return m.readFlag(saleScopedKey("sale/wl/user/", id, addr[:]))
}

// SaleSetUserAllowed updates user-whitelist membership.
func (m *Manager) SaleSetUserAllowed(id [32]byte, addr [20]byte, allowed bool) error {
	return m.writeFlag(saleScopedKey("sale/wl/user/", id, addr[:]), allowed)
}

// SaleCurrencyAllowed reports currency-whitelist membership.
func (m *Manager) SaleCurrencyAllowed(id [32]byte, currency string) (bool, error) {
	return m.readFlag(saleScopedKey("sale/wl/currency/", id, []byte(currency)))
}

// SaleSetCurrencyAllowed updates currency-whitelist membership.
func (m *Manager) SaleSetCurrencyAllowed(id [32]byte, currency string, allowed bool) error {
	return m.writeFlag(saleScopedKey("sale/wl/currency/", id, []byte(currency)), allowed)
}

// SaleCredit increases the held balance recorded for the sale vault.
func (m *Manager) SaleCredit(id [32]byte, currency string, amt *big.Int) error {
	return m.adjustBalance(saleScopedKey("sale/held/", id, []byte(currency)), amt, false)
}

// SaleDebit decreases the held balance recorded for the sale vault.
func (m *Manager) SaleDebit(id [32]byte, currency string, amt *big.Int) error {
	return m.adjustBalance(saleScopedKey("sale/held/", id, []byte(currency)), amt, true)
}

// SaleHeldBalance reports the held balance recorded for the sale vault.
func (m *Manager) SaleHeldBalance(id [32]byte, currency string) (*big.Int, error) {
	return m.readBalance(saleScopedKey("sale/held/", id, []byte(currency)))
}

// SaleVaultAddress derives the vault address owned by the sale instance.
func (m *Manager) SaleVaultAddress(id [32]byte) ([20]byte, error) {
	var addr [20]byte
	hash := ethcrypto.Keccak256(append([]byte("investchain/sale-vault/"), id[:]...))
	copy(addr[:], hash[12:])
	return addr, nil
}

// --- token ledger ---

// TokenMinterSet grants or revokes the minter role for the token.
func (m *Manager) TokenMinterSet(token string, addr [20]byte, allowed bool) error {
	return m.writeFlag(tokenMinterKey(token, addr), allowed)
}

// TokenIsMinter reports whether the address holds the minter role.
func (m *Manager) TokenIsMinter(token string, addr [20]byte) (bool, error) {
	return m.readFlag(tokenMinterKey(token, addr))
}

// TokenSupplyGet reads the recorded total supply for the token.
func (m *Manager) TokenSupplyGet(token string) (*big.Int, error) {
	return m.readBalance(tokenSupplyKey(token))
}

// TokenSupplyPut records the total supply for the token.
func (m *Manager) TokenSupplyPut(token string, supply *big.Int) error {
	return m.writeBalance(tokenSupplyKey(token), supply)
}

// --- pause view ---

// SetPaused toggles the pause flag for a module name.
func (m *Manager) SetPaused(module string, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[module] = paused
}

// IsPaused implements common.PauseView.
func (m *Manager) IsPaused(module string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused[module]
}

// --- shared helpers ---

func (m *Manager) readBalance(key []byte) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value := new(big.Int)
	ok, err := m.get(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return value, nil
}

func (m *Manager) writeBalance(key []byte, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative balance write")
	}
	return m.put(key, amount)
}

func (m *Manager) adjustBalance(key []byte, amt *big.Int, debit bool) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: adjustment must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := new(big.Int)
	ok, err := m.get(key, current)
	if err != nil {
		return err
	}
	if !ok {
		current = big.NewInt(0)
	}
	if debit {
		if current.Cmp(amt) < 0 {
			return fmt.Errorf("state: insufficient tracked balance")
		}
		current.Sub(current, amt)
	} else {
		current.Add(current, amt)
	}
	return m.put(key, current)
}

func (m *Manager) readFlag(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var value bool
	ok, err := m.get(key, &value)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return value, nil
}

func (m *Manager) writeFlag(key []byte, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !value {
		return m.db.Delete(key)
	}
	return m.put(key, value)
}
