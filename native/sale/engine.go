package sale

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"investchain/core/events"
	"investchain/core/types"
	"investchain/native/common"
	"investchain/native/fees"
)

// PauseModule is the module name checked against the pause view before any
// sale mutation.
const PauseModule = "sale"

// maxWhitelistBatch bounds the number of entries a single whitelist update may
// carry.
const maxWhitelistBatch = 100

var (
	errNilState     = errors.New("sale engine: state not configured")
	errNilTokens    = errors.New("sale engine: token backend not configured")
	errSaleNotFound = errors.New("sale engine: sale not found")
	// ErrSalePaused is returned by purchase entry points while the sale is
	// administratively paused.
	ErrSalePaused = errors.New("sale engine: sale paused")
	// ErrMintingUnavailable is returned when token delivery needs to mint
	// but the sale vault lacks the minter role.
	ErrMintingUnavailable = errors.New("sale engine: vault lacks minting rights")
	// ErrFeeConsumesPayment is returned when the resolved fee would consume
	// the entire escrow payment.
	ErrFeeConsumesPayment = errors.New("sale engine: fee consumes entire payment")
	// ErrNoLockedBalance is returned by Unlock when the address has nothing
	// to claim; a repeated unlock fails here without altering any balance.
	ErrNoLockedBalance = errors.New("sale engine: no locked balance")
)

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type engineState interface {
	SalePut(*Sale) error
	SaleGet(id [32]byte) (*Sale, bool)
	SalePurchaseOf(id [32]byte, addr [20]byte) (*big.Int, error)
	SaleSetPurchaseOf(id [32]byte, addr [20]byte, amount *big.Int) error
	SaleLockedOf(id [32]byte, addr [20]byte) (*big.Int, error)
	SaleSetLockedOf(id [32]byte, addr [20]byte, amount *big.Int) error
	SalePaidAmount(id [32]byte, addr [20]byte, currency string) (*big.Int, error)
	SaleSetPaidAmount(id [32]byte, addr [20]byte, currency string, amount *big.Int) error
	SaleCurrencyTotal(id [32]byte, currency string) (*big.Int, error)
	SaleSetCurrencyTotal(id [32]byte, currency string, amount *big.Int) error
	SaleIsParticipant(id [32]byte, addr [20]byte) (bool, error)
	SaleSetParticipant(id [32]byte, addr [20]byte) error
	SaleUserAllowed(id [32]byte, addr [20]byte) (bool, error)
	SaleSetUserAllowed(id [32]byte, addr [20]byte, allowed bool) error
	SaleCurrencyAllowed(id [32]byte, currency string) (bool, error)
	SaleSetCurrencyAllowed(id [32]byte, currency string, allowed bool) error
	SaleCredit(id [32]byte, currency string, amt *big.Int) error
	SaleDebit(id [32]byte, currency string, amt *big.Int) error
	SaleHeldBalance(id [32]byte, currency string) (*big.Int, error)
	SaleVaultAddress(id [32]byte) ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// TokenBackend is the token collaborator the sale distributes against.
type TokenBackend interface {
	BalanceOf(token string, addr [20]byte) (*big.Int, error)
	Transfer(token string, from, to [20]byte, amount *big.Int) error
	Mint(token string, caller, to [20]byte, amount *big.Int) error
	HasMinter(token string, addr [20]byte) (bool, error)
}

// EscrowFactory certifies escrow instances permitted to call the escrow
// purchase entry point.
type EscrowFactory interface {
	IsValidEscrow(id [32]byte) bool
}

type saleEvent struct {
	evt *types.Event
}

func (e saleEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e saleEvent) Event() *types.Event { return e.evt }

// Engine wires the token-sale state machine with external state, the fee
// resolution chain, the token backend, and the escrow factory.
type Engine struct {
	state      engineState
	emitter    events.Emitter
	tokens     TokenBackend
	factory    EscrowFactory
	feeChain   *fees.Chain
	authorizer common.Authorizer
	pauses     common.PauseView
	guard      common.CallGuard
	nowFn      func() int64
}

// NewEngine creates a sale engine with a no-op emitter and an empty fee chain.
func NewEngine() *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		feeChain: fees.NewChain(),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTokenBackend configures the token collaborator.
func (e *Engine) SetTokenBackend(tokens TokenBackend) { e.tokens = tokens }

// SetEscrowFactory configures the collaborator certifying escrow callers.
func (e *Engine) SetEscrowFactory(factory EscrowFactory) { e.factory = factory }

// SetFeeChain configures the fee resolution chain. Passing nil resets to an
// empty chain which always resolves to no fee.
func (e *Engine) SetFeeChain(chain *fees.Chain) {
	if chain == nil {
		chain = fees.NewChain()
	}
	e.feeChain = chain
}

// SetAuthorizer configures the capability checker gating admin operations.
func (e *Engine) SetAuthorizer(auth common.Authorizer) { e.authorizer = auth }

// SetPauses configures the pause view consulted before mutations.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source used by the engine.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets to no-op.
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
	e.emitter.Emit(saleEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) requireAdmin(caller [20]byte) error {
	if e == nil || e.authorizer == nil || !e.authorizer.Allow(caller, common.CapSaleAdmin) {
		return fmt.Errorf("sale: caller is not a sale admin")
	}
	return nil
}

func (e *Engine) loadSale(id [32]byte) (*Sale, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	s, ok := e.state.SaleGet(id)
	if !ok {
		return nil, errSaleNotFound
	}
	if !s.Initialized {
		return nil, fmt.Errorf("sale: not initialized")
	}
	return s, nil
}

// Initialize creates the sale in a single construct-then-initialize step. It
// is callable exactly once per identifier; the initialized flag is checked and
// set atomically with the store.
func (e *Engine) Initialize(id [32]byte, cfg Config) (*Sale, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, ok := e.state.SaleGet(id); ok {
		return nil, fmt.Errorf("sale: already initialized")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	s := &Sale{
		ID:                 id,
		Owner:              cfg.Owner,
		Token:              cfg.Token,
		DealType:           cfg.DealType,
		Tenant:             cfg.Tenant,
		PriceWad:           cloneOrZero(cfg.PriceWad),
		Hardcap:            cloneOrZero(cfg.Hardcap),
		Softcap:            cloneOrZero(cfg.Softcap),
		MinPurchase:        cloneOrZero(cfg.MinPurchase),
		MaxPurchase:        cloneOrZero(cfg.MaxPurchase),
		LockupBps:          cfg.LockupBps,
		LockupDuration:     cfg.LockupDuration,
		Duration:           cfg.Duration,
		LockupTVLThreshold: cloneOrZero(cfg.LockupTVLThreshold),
		ReservedBps:        cfg.ReservedBps,
		ImmediateTransfer:  cfg.ImmediateTransfer,
		CreatedAt:          e.now(),
		TotalPurchased:     big.NewInt(0),
		Initialized:        true,
	}
	if err := e.state.SalePut(s); err != nil {
		return nil, err
	}
	e.emit(newSaleEvent(EventTypeSaleInitialized, s))
	return s.Clone(), nil
}

// Status derives the sale status at the current instant. Never cached.
func (e *Engine) Status(id [32]byte) (Status, error) {
	s, err := e.loadSale(id)
	if err != nil {
		return StatusActive, err
	}
	return s.StatusAt(e.now()), nil
}

// Get returns a copy of the stored sale record.
func (e *Engine) Get(id [32]byte) (*Sale, error) {
	s, err := e.loadSale(id)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

func (e *Engine) feeQuote(s *Sale) fees.Quote {
	if e.feeChain == nil {
		return fees.Quote{}
	}
	return e.feeChain.Resolve(s.Tenant, s.DealType)
}

// splitLockup divides a token amount into the immediately deliverable part
// and the locked remainder according to the sale's lockup settings.
func (s *Sale) splitLockup(tokenAmount *big.Int) (unlocked, locked *big.Int) {
	if s.LockupTVLReached || s.LockupBps == 0 {
		return cloneOrZero(tokenAmount), big.NewInt(0)
	}
	unlocked = new(big.Int).Mul(tokenAmount, big.NewInt(int64(fees.BpsDenominator-s.LockupBps)))
	unlocked.Div(unlocked, big.NewInt(fees.BpsDenominator))
	locked = new(big.Int).Sub(tokenAmount, unlocked)
	return unlocked, locked
}

// purchaseLedger applies the shared accounting for both purchase paths. All
// ledger writes happen here, before any value transfer, so a reentrant
// observer sees already-updated state; callers pre-validate funds and token
// deliverability first so the transfers that follow cannot fail on caller
// conditions. The net amount feeds per-currency totals on both paths, keeping
// aggregate reporting fee-model-agnostic.
func (e *Engine) purchaseLedger(s *Sale, buyer [20]byte, currency string, net, tokenAmount *big.Int) (unlocked, locked *big.Int, err error) {
	current, err := e.state.SalePurchaseOf(s.ID, buyer)
	if err != nil {
		return nil, nil, err
	}
	newPurchase := new(big.Int).Add(cloneOrZero(current), tokenAmount)
	if s.MinPurchase.Sign() > 0 && newPurchase.Cmp(s.MinPurchase) < 0 {
		return nil, nil, fmt.Errorf("sale: purchase below minimum")
	}
	if newPurchase.Cmp(s.MaxPurchase) > 0 {
		return nil, nil, fmt.Errorf("sale: purchase above maximum")
	}
	newTotal := new(big.Int).Add(cloneOrZero(s.TotalPurchased), tokenAmount)
	if newTotal.Cmp(s.Hardcap) > 0 {
		return nil, nil, fmt.Errorf("sale: hardcap exceeded")
	}

	unlocked, locked = s.splitLockup(tokenAmount)

	if err := e.state.SaleSetPurchaseOf(s.ID, buyer, newPurchase); err != nil {
		return nil, nil, err
	}
	if locked.Sign() > 0 {
		prevLocked, err := e.state.SaleLockedOf(s.ID, buyer)
		if err != nil {
			return nil, nil, err
		}
		if err := e.state.SaleSetLockedOf(s.ID, buyer, new(big.Int).Add(cloneOrZero(prevLocked), locked)); err != nil {
			return nil, nil, err
		}
	}
	currencyTotal, err := e.state.SaleCurrencyTotal(s.ID, currency)
	if err != nil {
		return nil, nil, err
	}
	if err := e.state.SaleSetCurrencyTotal(s.ID, currency, new(big.Int).Add(cloneOrZero(currencyTotal), net)); err != nil {
		return nil, nil, err
	}
	if !s.ImmediateTransfer {
		paid, err := e.state.SalePaidAmount(s.ID, buyer, currency)
		if err != nil {
			return nil, nil, err
		}
		if err := e.state.SaleSetPaidAmount(s.ID, buyer, currency, new(big.Int).Add(cloneOrZero(paid), net)); err != nil {
			return nil, nil, err
		}
	}
	isParticipant, err := e.state.SaleIsParticipant(s.ID, buyer)
	if err != nil {
		return nil, nil, err
	}
	if !isParticipant {
		if err := e.state.SaleSetParticipant(s.ID, buyer); err != nil {
			return nil, nil, err
		}
		s.ParticipantCount++
	}
	s.TotalPurchased = newTotal
	if err := e.state.SalePut(s); err != nil {
		return nil, nil, err
	}
	return unlocked, locked, nil
}

func (e *Engine) transferCurrency(from, to [20]byte, currency string, amount *big.Int) error {
	amt := cloneOrZero(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("sale: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	if fromAcc == nil {
		fromAcc = types.NewAccount()
	}
	if toAcc == nil {
		toAcc = types.NewAccount()
	}
	balance := fromAcc.Balance(currency)
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("sale: insufficient %s balance", currency)
	}
	fromAcc.SetBalance(currency, new(big.Int).Sub(balance, amt))
	toAcc.SetBalance(currency, new(big.Int).Add(toAcc.Balance(currency), amt))
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// ensureFunds verifies the payer covers the full charge. Purchase paths call
// it before the first ledger write so an underfunded caller fails with no
// state change.
func (e *Engine) ensureFunds(payer [20]byte, currency string, amount *big.Int) error {
	amt := cloneOrZero(amount)
	if amt.Sign() == 0 {
		return nil
	}
	acc, err := e.state.GetAccount(payer[:])
	if err != nil {
		return err
	}
	if acc == nil {
		acc = types.NewAccount()
	}
	if acc.Balance(currency).Cmp(amt) < 0 {
		return fmt.Errorf("sale: insufficient %s balance", currency)
	}
	return nil
}

// ensureDeliverable verifies the vault can cover a pending token delivery, by
// reserve balance or by minter role, before any balance is consumed.
func (e *Engine) ensureDeliverable(s *Sale, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if e.tokens == nil {
		return errNilTokens
	}
	vault, err := e.state.SaleVaultAddress(s.ID)
	if err != nil {
		return err
	}
	balance, err := e.tokens.BalanceOf(s.Token, vault)
	if err != nil {
		return err
	}
	if cloneOrZero(balance).Cmp(amount) >= 0 {
		return nil
	}
	canMint, err := e.tokens.HasMinter(s.Token, vault)
	if err != nil {
		return err
	}
	if !canMint {
		return ErrMintingUnavailable
	}
	return nil
}

// routePayment moves the fee to the recipient and the net payment to either
// the owner (immediate mode) or the sale vault (vault mode, recorded against
// the held balance).
func (e *Engine) routePayment(s *Sale, source [20]byte, currency string, net, fee *big.Int, quote fees.Quote) error {
	if fee.Sign() > 0 {
		if err := e.transferCurrency(source, quote.Recipient, currency, fee); err != nil {
			return err
		}
	}
	if net.Sign() == 0 {
		return nil
	}
	if s.ImmediateTransfer {
		return e.transferCurrency(source, s.Owner, currency, net)
	}
	vault, err := e.state.SaleVaultAddress(s.ID)
	if err != nil {
		return err
	}
	if err := e.transferCurrency(source, vault, currency, net); err != nil {
		return err
	}
	return e.state.SaleCredit(s.ID, currency, net)
}

// deliverTokens prefers transferring from the vault's own token balance and
// mints only the shortfall. Minting without the role fails loudly.
func (e *Engine) deliverTokens(s *Sale, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if e.tokens == nil {
		return errNilTokens
	}
	vault, err := e.state.SaleVaultAddress(s.ID)
	if err != nil {
		return err
	}
	balance, err := e.tokens.BalanceOf(s.Token, vault)
	if err != nil {
		return err
	}
	fromBalance := cloneOrZero(balance)
	if fromBalance.Cmp(amount) > 0 {
		fromBalance.Set(amount)
	}
	if fromBalance.Sign() > 0 {
		if err := e.tokens.Transfer(s.Token, vault, to, fromBalance); err != nil {
			return err
		}
	}
	shortfall := new(big.Int).Sub(amount, fromBalance)
	if shortfall.Sign() == 0 {
		return nil
	}
	canMint, err := e.tokens.HasMinter(s.Token, vault)
	if err != nil {
		return err
	}
	if !canMint {
		return ErrMintingUnavailable
	}
	return e.tokens.Mint(s.Token, vault, to, shortfall)
}

func (e *Engine) checkPurchasable(s *Sale) error {
	if s.Paused {
		return ErrSalePaused
	}
	if s.StatusAt(e.now()) != StatusActive {
		return fmt.Errorf("sale: not active")
	}
	return nil
}

// Purchase is the direct entry point: the buyer requests a token amount and
// pays basePayment + fee from their own funds, gated by both whitelists.
func (e *Engine) Purchase(id [32]byte, buyer [20]byte, currency string, tokenAmount *big.Int) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := common.Guard(e.pauses, PauseModule); err != nil {
		return err
	}
	s, err := e.loadSale(id)
	if err != nil {
		return err
	}
	if err := e.checkPurchasable(s); err != nil {
		return err
	}
	normalized, err := NormalizeCurrency(currency)
	if err != nil {
		return err
	}
	allowedUser, err := e.state.SaleUserAllowed(id, buyer)
	if err != nil {
		return err
	}
	if !allowedUser {
		return fmt.Errorf("sale: buyer not whitelisted")
	}
	allowedCurrency, err := e.state.SaleCurrencyAllowed(id, normalized)
	if err != nil {
		return err
	}
	if !allowedCurrency {
		return fmt.Errorf("sale: currency not whitelisted")
	}
	if tokenAmount == nil || tokenAmount.Sign() <= 0 {
		return fmt.Errorf("sale: token amount must be positive")
	}

	basePayment := new(big.Int).Mul(tokenAmount, s.PriceWad)
	basePayment.Div(basePayment, wad)
	if basePayment.Sign() <= 0 {
		return fmt.Errorf("sale: payment rounds to zero")
	}
	quote := e.feeQuote(s)
	fee := quote.Amount(basePayment)

	// Caller-attributable failures surface before the first ledger write so
	// a failed purchase leaves no record behind.
	deliverable, _ := s.splitLockup(tokenAmount)
	if err := e.ensureFunds(buyer, normalized, new(big.Int).Add(basePayment, fee)); err != nil {
		return err
	}
	if err := e.ensureDeliverable(s, deliverable); err != nil {
		return err
	}

	unlocked, _, err := e.purchaseLedger(s, buyer, normalized, basePayment, tokenAmount)
	if err != nil {
		return err
	}
	if err := e.routePayment(s, buyer, normalized, basePayment, fee, quote); err != nil {
		return err
	}
	if err := e.deliverTokens(s, buyer, unlocked); err != nil {
		return err
	}
	e.emit(newPurchaseEvent(EventTypeSalePurchased, s, buyer, normalized, basePayment, tokenAmount, fee))
	return nil
}

// PurchaseWithEscrow is the escrow entry point: the gross payment is fixed by
// the escrow, the fee comes off the top, and the token amount follows from
// the net payment. Only certified escrow instances may call it.
func (e *Engine) PurchaseWithEscrow(id, escrowID [32]byte, investor, source [20]byte, payment *big.Int, currency string) (*big.Int, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()
	if err := common.Guard(e.pauses, PauseModule); err != nil {
		return nil, err
	}
	s, err := e.loadSale(id)
	if err != nil {
		return nil, err
	}
	if e.factory == nil || !e.factory.IsValidEscrow(escrowID) {
		return nil, fmt.Errorf("sale: caller is not a certified escrow")
	}
	if err := e.checkPurchasable(s); err != nil {
		return nil, err
	}
	normalized, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	allowedCurrency, err := e.state.SaleCurrencyAllowed(id, normalized)
	if err != nil {
		return nil, err
	}
	if !allowedCurrency {
		return nil, fmt.Errorf("sale: currency not whitelisted")
	}
	if payment == nil || payment.Sign() <= 0 {
		return nil, fmt.Errorf("sale: payment must be positive")
	}

	quote := e.feeQuote(s)
	fee := quote.Amount(payment)
	net := new(big.Int).Sub(cloneOrZero(payment), fee)
	if net.Sign() <= 0 {
		return nil, ErrFeeConsumesPayment
	}
	tokenAmount := new(big.Int).Mul(net, wad)
	tokenAmount.Div(tokenAmount, s.PriceWad)
	if tokenAmount.Sign() <= 0 {
		return nil, fmt.Errorf("sale: payment buys no tokens")
	}

	// Same precondition ordering as the direct path: an underfunded source
	// or undeliverable lot must not leave partial records.
	deliverable, _ := s.splitLockup(tokenAmount)
	if err := e.ensureFunds(source, normalized, payment); err != nil {
		return nil, err
	}
	if err := e.ensureDeliverable(s, deliverable); err != nil {
		return nil, err
	}

	unlocked, _, err := e.purchaseLedger(s, investor, normalized, net, tokenAmount)
	if err != nil {
		return nil, err
	}
	if err := e.routePayment(s, source, normalized, net, fee, quote); err != nil {
		return nil, err
	}
	if err := e.deliverTokens(s, investor, unlocked); err != nil {
		return nil, err
	}
	e.emit(newPurchaseEvent(EventTypeSaleEscrowPurchase, s, investor, normalized, net, tokenAmount, fee))
	return tokenAmount, nil
}

// Unlock claims the caller's entire locked balance once the global condition
// holds. Each unlock is independent; once the balance is zero a repeat call
// fails without altering state.
func (e *Engine) Unlock(id [32]byte, addr [20]byte) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := common.Guard(e.pauses, PauseModule); err != nil {
		return err
	}
	s, err := e.loadSale(id)
	if err != nil {
		return err
	}
	if !s.LockupTVLReached {
		return fmt.Errorf("sale: lockup threshold not reached")
	}
	if e.now() < s.CreatedAt+s.LockupDuration {
		return fmt.Errorf("sale: lockup period not elapsed")
	}
	locked, err := e.state.SaleLockedOf(id, addr)
	if err != nil {
		return err
	}
	if locked == nil || locked.Sign() == 0 {
		return ErrNoLockedBalance
	}
	// Delivery must be known to succeed before the entitlement is cleared;
	// otherwise a drained vault would destroy the locked balance.
	if err := e.ensureDeliverable(s, locked); err != nil {
		return err
	}
	if err := e.state.SaleSetLockedOf(id, addr, big.NewInt(0)); err != nil {
		return err
	}
	if err := e.deliverTokens(s, addr, locked); err != nil {
		return err
	}
	e.emit(newAmountEvent(EventTypeSaleUnlocked, s, addr, "unlockedAmount", locked))
	return nil
}

// ClaimBack refunds the investor's recorded payment in the given currency
// once the sale has Failed in vault mode. The investor forfeits any pending
// token entitlement: purchase and locked-balance bookkeeping are cleared.
// Already-delivered tokens are not clawed back. Each currency is evaluated
// independently.
func (e *Engine) ClaimBack(id [32]byte, investor [20]byte, currency string) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := common.Guard(e.pauses, PauseModule); err != nil {
		return err
	}
	s, err := e.loadSale(id)
	if err != nil {
		return err
	}
	if s.ImmediateTransfer {
		return fmt.Errorf("sale: refunds unavailable in immediate-transfer mode")
	}
	if s.StatusAt(e.now()) != StatusFailed {
		return fmt.Errorf("sale: refunds require a failed sale")
	}
	normalized, err := NormalizeCurrency(currency)
	if err != nil {
		return err
	}
	paid, err := e.state.SalePaidAmount(id, investor, normalized)
	if err != nil {
		return err
	}
	if paid == nil || paid.Sign() == 0 {
		return fmt.Errorf("sale: nothing to claim back")
	}
	// Verify the vault can honor the refund before clearing any record, so
	// a short vault fails the claim without forfeiting the entitlement.
	held, err := e.state.SaleHeldBalance(id, normalized)
	if err != nil {
		return err
	}
	if cloneOrZero(held).Cmp(paid) < 0 {
		return fmt.Errorf("sale: held balance below recorded payment")
	}
	vault, err := e.state.SaleVaultAddress(id)
	if err != nil {
		return err
	}
	if err := e.ensureFunds(vault, normalized, paid); err != nil {
		return err
	}
	if err := e.state.SaleSetPaidAmount(id, investor, normalized, big.NewInt(0)); err != nil {
		return err
	}
	if err := e.state.SaleSetPurchaseOf(id, investor, big.NewInt(0)); err != nil {
		return err
	}
	if err := e.state.SaleSetLockedOf(id, investor, big.NewInt(0)); err != nil {
		return err
	}
	if err := e.state.SaleDebit(id, normalized, paid); err != nil {
		return err
	}
	if err := e.transferCurrency(vault, investor, normalized, paid); err != nil {
		return err
	}
	e.emit(newAmountEvent(EventTypeSaleClaimedBack, s, investor, "refundedAmount", paid))
	return nil
}

// WhitelistUsers adds or removes a batch of buyer addresses.
func (e *Engine) WhitelistUsers(id [32]byte, caller [20]byte, addrs [][20]byte, allowed bool) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if len(addrs) == 0 || len(addrs) > maxWhitelistBatch {
		return fmt.Errorf("sale: whitelist batch must contain 1..%d entries", maxWhitelistBatch)
	}
	s, err := e.loadSale(id)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := e.state.SaleSetUserAllowed(id, addr, allowed); err != nil {
			return err
		}
	}
	e.emit(newSaleEvent(EventTypeSaleWhitelist, s))
	return nil
}

// WhitelistCurrencies adds or removes a batch of payment currencies.
func (e *Engine) WhitelistCurrencies(id [32]byte, caller [20]byte, currencies []string, allowed bool) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if len(currencies) == 0 || len(currencies) > maxWhitelistBatch {
		return fmt.Errorf("sale: whitelist batch must contain 1..%d entries", maxWhitelistBatch)
	}
	s, err := e.loadSale(id)
	if err != nil {
		return err
	}
	for _, currency := range currencies {
		normalized, err := NormalizeCurrency(currency)
		if err != nil {
			return err
		}
		if err := e.state.SaleSetCurrencyAllowed(id, normalized, allowed); err != nil {
			return err
		}
	}
	e.emit(newSaleEvent(EventTypeSaleWhitelist, s))
	return nil
}

// Pause stops all purchase entry points.
func (e *Engine) Pause(id [32]byte, caller [20]byte) error {
	return e.setPaused(id, caller, true, EventTypeSalePaused)
}

// Resume re-enables purchases.
func (e *Engine) Resume(id [32]byte, caller [20]byte) error {
	return e.setPaused(id, caller, false, EventTypeSaleResumed)
}

func (e *Engine) setPaused(id [32]byte, caller [20]byte, paused bool, eventType string) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	s, err := e.loadSale(id)
	if err != nil {
		return err
	}
	if s.Paused == paused {
		return nil
	}
	s.Paused = paused
	if err := e.state.SalePut(s); err != nil {
		return err
	}
	e.emit(newSaleEvent(eventType, s))
	return nil
}

// SetLockupReached marks the lockup-TVL condition. Forced sets it
// unconditionally; otherwise the configured threshold must be met.
func (e *Engine) SetLockupReached(id [32]byte, caller [20]byte, force bool) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	s, err := e.loadSale(id)
	if err != nil {
		return err
	}
	if s.LockupTVLReached {
		return nil
	}
	if !force {
		if s.LockupTVLThreshold == nil || s.LockupTVLThreshold.Sign() == 0 {
			return fmt.Errorf("sale: lockup threshold not configured")
		}
		if cloneOrZero(s.TotalPurchased).Cmp(s.LockupTVLThreshold) < 0 {
			return fmt.Errorf("sale: lockup threshold not met")
		}
	}
	s.LockupTVLReached = true
	if err := e.state.SalePut(s); err != nil {
		return err
	}
	e.emit(newSaleEvent(EventTypeSaleLockupReached, s))
	return nil
}

// Sweep moves the held balance in the given currency to the sale owner once
// the sale is Successful. Vault mode only; immediate mode retains nothing.
func (e *Engine) Sweep(id [32]byte, caller [20]byte, currency string) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if e.authorizer == nil || !e.authorizer.Allow(caller, common.CapSaleSweep) {
		return fmt.Errorf("sale: caller may not sweep")
	}
	s, err := e.loadSale(id)
	if err != nil {
		return err
	}
	if s.ImmediateTransfer {
		return fmt.Errorf("sale: nothing held in immediate-transfer mode")
	}
	if s.StatusAt(e.now()) != StatusSuccessful {
		return fmt.Errorf("sale: sweep requires a successful sale")
	}
	normalized, err := NormalizeCurrency(currency)
	if err != nil {
		return err
	}
	held, err := e.state.SaleHeldBalance(id, normalized)
	if err != nil {
		return err
	}
	if held == nil || held.Sign() == 0 {
		return fmt.Errorf("sale: nothing to sweep")
	}
	if err := e.state.SaleDebit(id, normalized, held); err != nil {
		return err
	}
	vault, err := e.state.SaleVaultAddress(id)
	if err != nil {
		return err
	}
	if err := e.transferCurrency(vault, s.Owner, normalized, held); err != nil {
		return err
	}
	e.emit(newAmountEvent(EventTypeSaleSwept, s, s.Owner, "sweptAmount", held))
	return nil
}

// PurchaseOf returns the cumulative purchased token amount for the address.
func (e *Engine) PurchaseOf(id [32]byte, addr [20]byte) (*big.Int, error) {
	if _, err := e.loadSale(id); err != nil {
		return nil, err
	}
	amount, err := e.state.SalePurchaseOf(id, addr)
	if err != nil {
		return nil, err
	}
	return cloneOrZero(amount), nil
}

// LockedBalanceOf returns the pending locked token balance for the address.
func (e *Engine) LockedBalanceOf(id [32]byte, addr [20]byte) (*big.Int, error) {
	if _, err := e.loadSale(id); err != nil {
		return nil, err
	}
	amount, err := e.state.SaleLockedOf(id, addr)
	if err != nil {
		return nil, err
	}
	return cloneOrZero(amount), nil
}

// PaidAmountOf returns the recorded vault-mode payment for the address and
// currency.
func (e *Engine) PaidAmountOf(id [32]byte, addr [20]byte, currency string) (*big.Int, error) {
	if _, err := e.loadSale(id); err != nil {
		return nil, err
	}
	normalized, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	amount, err := e.state.SalePaidAmount(id, addr, normalized)
	if err != nil {
		return nil, err
	}
	return cloneOrZero(amount), nil
}
