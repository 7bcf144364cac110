package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"investchain/core/events"
	"investchain/core/types"
	"investchain/native/common"
)

// PauseModule is the module name checked against the pause view before any
// escrow mutation.
const PauseModule = "escrow"

var (
	errNilState       = errors.New("escrow engine: state not configured")
	errNilSale        = errors.New("escrow engine: sale executor not configured")
	errEscrowNotFound = errors.New("escrow engine: escrow not found")
	// ErrNotRefundable is returned by Refund when no refund predicate holds.
	ErrNotRefundable = errors.New("escrow engine: escrow is not refundable")
)

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	EscrowCredit(id [32]byte, currency string, amt *big.Int) error
	EscrowDebit(id [32]byte, currency string, amt *big.Int) error
	EscrowBalance(id [32]byte, currency string) (*big.Int, error)
	EscrowVaultAddress(currency string) ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// SaleExecutor is the narrow call surface the escrow uses to execute an
// approved purchase. The payment source is the escrow vault; the grant covers
// exactly the approved sub-amount and a failed call leaves the escrow
// untouched.
type SaleExecutor interface {
	PurchaseWithEscrow(saleID, escrowID [32]byte, investor, source [20]byte, payment *big.Int, currency string) (*big.Int, error)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the per-investor escrow state machine with external state, the
// sale executor, the authorizer, and event emission.
type Engine struct {
	state      engineState
	emitter    events.Emitter
	sale       SaleExecutor
	authorizer common.Authorizer
	pauses     common.PauseView
	guard      common.CallGuard
	nowFn      func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetSaleExecutor configures the sale the engine executes approved purchases
// against.
func (e *Engine) SetSaleExecutor(sale SaleExecutor) { e.sale = sale }

// SetAuthorizer configures the capability checker gating admin operations.
func (e *Engine) SetAuthorizer(auth common.Authorizer) { e.authorizer = auth }

// SetPauses configures the pause view consulted before mutations.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) requireAdmin(caller [20]byte) error {
	if e == nil || e.authorizer == nil || !e.authorizer.Allow(caller, common.CapEscrowAdmin) {
		return fmt.Errorf("escrow: caller is not an escrow admin")
	}
	return nil
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, errEscrowNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
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

func (e *Engine) transferCurrency(from, to [20]byte, currency string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneOrZero(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	balance := fromAcc.Balance(currency)
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("escrow: insufficient %s balance", currency)
	}
	fromAcc.SetBalance(currency, new(big.Int).Sub(balance, amt))
	toAcc.SetBalance(currency, new(big.Int).Add(toAcc.Balance(currency), amt))
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// EscrowID derives the deterministic identifier for an escrow instance.
func EscrowID(investor [20]byte, saleID [32]byte, currency string) [32]byte {
	return ethcrypto.Keccak256Hash(investor[:], saleID[:], []byte(currency))
}

// Create initialises and persists a new empty escrow. The operation is
// idempotent: re-creating with an identical definition returns the existing
// instance.
func (e *Engine) Create(investor [20]byte, saleID [32]byte, currency string, expiresAt, adminDeadline int64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if expiresAt <= now {
		return nil, fmt.Errorf("escrow: expiration before creation time")
	}
	if adminDeadline <= now || adminDeadline > expiresAt {
		return nil, fmt.Errorf("escrow: admin deadline must fall between creation and expiration")
	}
	id := EscrowID(investor, saleID, normalized)
	if existing, ok := e.state.EscrowGet(id); ok {
		if existing.Investor != investor || existing.SaleID != saleID || existing.Currency != normalized ||
			existing.ExpiresAt != expiresAt || existing.AdminDeadline != adminDeadline {
			return nil, fmt.Errorf("escrow: identifier already exists with different definition")
		}
		return existing, nil
	}
	esc := &Escrow{
		ID:             id,
		Investor:       investor,
		SaleID:         saleID,
		Currency:       normalized,
		Amount:         big.NewInt(0),
		ApprovedAmount: big.NewInt(0),
		RefundedAmount: big.NewInt(0),
		TokenAmount:    big.NewInt(0),
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
		AdminDeadline:  adminDeadline,
		Status:         StatusActive,
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Deposit funds the escrow. Only the designated investor may deposit, only
// once, only while Active and before the hard expiration.
func (e *Engine) Deposit(id [32]byte, from [20]byte, amount *big.Int) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := common.Guard(e.pauses, PauseModule); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusActive {
		return fmt.Errorf("escrow: cannot deposit in status %s", esc.Status)
	}
	if esc.Investor != from {
		return fmt.Errorf("escrow: unauthorized depositor")
	}
	if esc.Amount != nil && esc.Amount.Sign() != 0 {
		return fmt.Errorf("escrow: already funded")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrow: deposit amount must be positive")
	}
	if e.now() >= esc.ExpiresAt {
		return fmt.Errorf("escrow: expired")
	}
	vault, err := e.state.EscrowVaultAddress(esc.Currency)
	if err != nil {
		return err
	}
	if err := e.transferCurrency(esc.Investor, vault, esc.Currency, amount); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(id, esc.Currency, amount); err != nil {
		return err
	}
	esc.Amount = cloneOrZero(amount)
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(esc))
	return nil
}

// ApproveAndExecute approves the full deposit and executes the purchase
// against the sale. A sale failure aborts the whole operation and leaves the
// escrow Active for a retry or the time-based refund paths.
func (e *Engine) ApproveAndExecute(id [32]byte, caller [20]byte) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := common.Guard(e.pauses, PauseModule); err != nil {
		return err
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.checkApprovable(esc); err != nil {
		return err
	}
	return e.executePurchase(esc, StatusApproved, cloneOrZero(esc.Amount))
}

// PartialApproveAndExecute approves a strict sub-amount, executes the purchase
// for it, and refunds the remainder to the investor in the same operation.
func (e *Engine) PartialApproveAndExecute(id [32]byte, caller [20]byte, approved *big.Int) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := common.Guard(e.pauses, PauseModule); err != nil {
		return err
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.checkApprovable(esc); err != nil {
		return err
	}
	if approved == nil || approved.Sign() <= 0 || approved.Cmp(esc.Amount) >= 0 {
		return fmt.Errorf("escrow: partial approval must be positive and below the deposit")
	}
	return e.executePurchase(esc, StatusPartiallyApproved, cloneOrZero(approved))
}

func (e *Engine) checkApprovable(esc *Escrow) error {
	if esc.Status != StatusActive {
		return fmt.Errorf("escrow: cannot approve in status %s", esc.Status)
	}
	if esc.Amount == nil || esc.Amount.Sign() <= 0 {
		return fmt.Errorf("escrow: not funded")
	}
	if e.now() >= esc.ExpiresAt {
		return fmt.Errorf("escrow: expired")
	}
	return nil
}

// executePurchase runs the shared approval tail. The sale call happens before
// any escrow mutation so a sale revert leaves the escrow in its pre-approval
// state.
func (e *Engine) executePurchase(esc *Escrow, via Status, approved *big.Int) error {
	if e.sale == nil {
		return errNilSale
	}
	vault, err := e.state.EscrowVaultAddress(esc.Currency)
	if err != nil {
		return err
	}
	tokenAmount, err := e.sale.PurchaseWithEscrow(esc.SaleID, esc.ID, esc.Investor, vault, approved, esc.Currency)
	if err != nil {
		return fmt.Errorf("escrow: sale purchase failed: %w", err)
	}
	if err := e.state.EscrowDebit(esc.ID, esc.Currency, approved); err != nil {
		return err
	}
	esc.ApprovedAmount = cloneOrZero(approved)
	esc.TokenAmount = cloneOrZero(tokenAmount)
	if via == StatusPartiallyApproved {
		e.emit(NewPartiallyApprovedEvent(esc))
	} else {
		e.emit(NewApprovedEvent(esc))
	}
	remainder := new(big.Int).Sub(esc.Amount, approved)
	if via == StatusPartiallyApproved && remainder.Sign() > 0 {
		if err := e.transferCurrency(vault, esc.Investor, esc.Currency, remainder); err != nil {
			return err
		}
		if err := e.state.EscrowDebit(esc.ID, esc.Currency, remainder); err != nil {
			return err
		}
		esc.RefundedAmount = remainder
	}
	esc.Status = StatusExecuted
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewExecutedEvent(esc))
	return nil
}

// RejectAndRefund records the rejection reason and refunds the full deposit
// immediately. The Rejected status is persisted before the transfer so a
// failed refund remains claimable through Refund.
func (e *Engine) RejectAndRefund(id [32]byte, caller [20]byte, reason string) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := common.Guard(e.pauses, PauseModule); err != nil {
		return err
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusActive {
		return fmt.Errorf("escrow: cannot reject in status %s", esc.Status)
	}
	if esc.Amount == nil || esc.Amount.Sign() <= 0 {
		return fmt.Errorf("escrow: not funded")
	}
	esc.Status = StatusRejected
	esc.RejectReason = strings.TrimSpace(reason)
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewRejectedEvent(esc))
	return e.refundOutstanding(esc, StatusRefunded, NewRefundedEvent)
}

// CanRefund reports whether the permissionless refund path is currently open.
func (e *Engine) CanRefund(id [32]byte) bool {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return false
	}
	return e.canRefund(esc)
}

func (e *Engine) canRefund(esc *Escrow) bool {
	switch esc.Status {
	case StatusRejected:
		return true
	case StatusActive:
		if esc.Amount == nil || esc.Amount.Sign() <= 0 {
			return false
		}
		now := e.now()
		return now >= esc.ExpiresAt || now >= esc.AdminDeadline
	default:
		return false
	}
}

// Refund returns outstanding funds to the investor. Callable by anyone; funds
// always flow to the investor. Active escrows move to Expired, Rejected
// escrows move to Refunded.
func (e *Engine) Refund(id [32]byte) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := common.Guard(e.pauses, PauseModule); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if !e.canRefund(esc) {
		return ErrNotRefundable
	}
	if esc.Status == StatusRejected {
		return e.refundOutstanding(esc, StatusRefunded, NewRefundedEvent)
	}
	return e.refundOutstanding(esc, StatusExpired, NewExpiredEvent)
}

func (e *Engine) refundOutstanding(esc *Escrow, status Status, eventFn func(*Escrow) *types.Event) error {
	outstanding := esc.Outstanding()
	if outstanding.Sign() > 0 {
		vault, err := e.state.EscrowVaultAddress(esc.Currency)
		if err != nil {
			return err
		}
		if err := e.transferCurrency(vault, esc.Investor, esc.Currency, outstanding); err != nil {
			return err
		}
		if err := e.state.EscrowDebit(esc.ID, esc.Currency, outstanding); err != nil {
			return err
		}
		esc.RefundedAmount = new(big.Int).Add(cloneOrZero(esc.RefundedAmount), outstanding)
	}
	esc.Status = status
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(eventFn(esc))
	return nil
}

// EmergencyWithdraw sweeps the escrow's entire vault balance back to the
// investor. Admin-only escape hatch for states the ordinary paths cannot
// reach; unusable once the escrow is Refunded or Executed.
func (e *Engine) EmergencyWithdraw(id [32]byte, caller [20]byte) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status == StatusRefunded || esc.Status == StatusExecuted {
		return fmt.Errorf("escrow: cannot emergency-withdraw in status %s", esc.Status)
	}
	balance, err := e.state.EscrowBalance(id, esc.Currency)
	if err != nil {
		return err
	}
	if balance != nil && balance.Sign() > 0 {
		vault, err := e.state.EscrowVaultAddress(esc.Currency)
		if err != nil {
			return err
		}
		if err := e.transferCurrency(vault, esc.Investor, esc.Currency, balance); err != nil {
			return err
		}
		if err := e.state.EscrowDebit(id, esc.Currency, balance); err != nil {
			return err
		}
		esc.RefundedAmount = new(big.Int).Add(cloneOrZero(esc.RefundedAmount), balance)
	}
	esc.Status = StatusRefunded
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewEmergencyEvent(esc))
	return nil
}

// Get returns a copy of the stored escrow.
func (e *Engine) Get(id [32]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}
