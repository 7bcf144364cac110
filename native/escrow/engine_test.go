package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"investchain/core/events"
	"investchain/core/types"
	"investchain/native/common"
)

type mockState struct {
	escrows       map[[32]byte]*Escrow
	accounts      map[[20]byte]*types.Account
	vaultBalances map[[32]byte]map[string]*big.Int
	vaultAddrs    map[string][20]byte
}

func newMockState() *mockState {
	return &mockState{
		escrows:       make(map[[32]byte]*Escrow),
		accounts:      make(map[[20]byte]*types.Account),
		vaultBalances: make(map[[32]byte]map[string]*big.Int),
		vaultAddrs: map[string][20]byte{
			"USD": newTestAddress(0xAA),
			"EUR": newTestAddress(0xAB),
		},
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) EscrowPut(e *Escrow) error {
	if e == nil {
		return fmt.Errorf("nil escrow")
	}
	sanitized, err := Sanitize(e)
	if err != nil {
		return err
	}
	m.escrows[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) EscrowGet(id [32]byte) (*Escrow, bool) {
	esc, ok := m.escrows[id]
	if !ok {
		return nil, false
	}
	return esc.Clone(), true
}

func (m *mockState) EscrowCredit(id [32]byte, currency string, amt *big.Int) error {
	buckets, ok := m.vaultBalances[id]
	if !ok {
		buckets = make(map[string]*big.Int)
		m.vaultBalances[id] = buckets
	}
	current := buckets[currency]
	if current == nil {
		current = big.NewInt(0)
	}
	buckets[currency] = new(big.Int).Add(current, amt)
	return nil
}

func (m *mockState) EscrowDebit(id [32]byte, currency string, amt *big.Int) error {
	buckets := m.vaultBalances[id]
	current := buckets[currency]
	if current == nil || current.Cmp(amt) < 0 {
		return fmt.Errorf("insufficient tracked balance")
	}
	buckets[currency] = new(big.Int).Sub(current, amt)
	return nil
}

func (m *mockState) EscrowBalance(id [32]byte, currency string) (*big.Int, error) {
	current := m.vaultBalances[id][currency]
	if current == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(current), nil
}

func (m *mockState) EscrowVaultAddress(currency string) ([20]byte, error) {
	addr, ok := m.vaultAddrs[currency]
	if !ok {
		return [20]byte{}, fmt.Errorf("no vault for %s", currency)
	}
	return addr, nil
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

func (m *mockState) fund(addr [20]byte, currency string, amount int64) {
	acc, ok := m.accounts[addr]
	if !ok {
		acc = types.NewAccount()
		m.accounts[addr] = acc
	}
	acc.SetBalance(currency, big.NewInt(amount))
}

func (m *mockState) balance(addr [20]byte, currency string) *big.Int {
	acc, ok := m.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return acc.Balance(currency)
}

// stubSale converts every unit of payment into two token units so tests can
// distinguish payment amounts from token amounts.
type stubSale struct {
	err       error
	lastSale  [32]byte
	lastPay   *big.Int
	callCount int
}

func (s *stubSale) PurchaseWithEscrow(saleID, escrowID [32]byte, investor, source [20]byte, payment *big.Int, currency string) (*big.Int, error) {
	s.callCount++
	if s.err != nil {
		return nil, s.err
	}
	s.lastSale = saleID
	s.lastPay = new(big.Int).Set(payment)
	return new(big.Int).Mul(payment, big.NewInt(2)), nil
}

type capturingEmitter struct {
	types []string
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.types = append(c.types, evt.EventType())
}

type stubPauses struct{ paused bool }

func (p stubPauses) IsPaused(string) bool { return p.paused }

type testEnv struct {
	engine   *Engine
	state    *mockState
	sale     *stubSale
	emitter  *capturingEmitter
	admin    [20]byte
	investor [20]byte
	saleID   [32]byte
	now      int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		state:    newMockState(),
		sale:     &stubSale{},
		emitter:  &capturingEmitter{},
		admin:    newTestAddress(0x01),
		investor: newTestAddress(0x02),
		now:      1_000,
	}
	env.saleID[0] = 0x5A
	auth := common.NewStaticAuthorizer()
	auth.Grant(env.admin, common.CapEscrowAdmin)
	engine := NewEngine()
	engine.SetState(env.state)
	engine.SetSaleExecutor(env.sale)
	engine.SetAuthorizer(auth)
	engine.SetEmitter(env.emitter)
	engine.SetNowFunc(func() int64 { return env.now })
	env.engine = engine
	return env
}

func (env *testEnv) create(t *testing.T) *Escrow {
	t.Helper()
	esc, err := env.engine.Create(env.investor, env.saleID, "usd", env.now+1_000, env.now+500)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return esc
}

func (env *testEnv) createFunded(t *testing.T, amount int64) *Escrow {
	t.Helper()
	esc := env.create(t)
	env.state.fund(env.investor, "USD", amount)
	if err := env.engine.Deposit(esc.ID, env.investor, big.NewInt(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return esc
}

func (env *testEnv) get(t *testing.T, id [32]byte) *Escrow {
	t.Helper()
	esc, err := env.engine.Get(id)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	return esc
}

func requireConserved(t *testing.T, esc *Escrow) {
	t.Helper()
	sum := new(big.Int).Add(esc.ApprovedAmount, esc.RefundedAmount)
	if sum.Cmp(esc.Amount) != 0 {
		t.Fatalf("approved %s + refunded %s != deposit %s", esc.ApprovedAmount, esc.RefundedAmount, esc.Amount)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t)
	second, err := env.engine.Create(env.investor, env.saleID, "USD", env.now+1_000, env.now+500)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("identifier changed across identical creates")
	}
	if _, err := env.engine.Create(env.investor, env.saleID, "USD", env.now+2_000, env.now+500); err == nil {
		t.Fatalf("expected conflict for differing definition")
	}
}

func TestCreateRejectsBadDeadlines(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Create(env.investor, env.saleID, "USD", env.now-1, env.now+1); err == nil {
		t.Fatalf("expected error for expiration in the past")
	}
	if _, err := env.engine.Create(env.investor, env.saleID, "USD", env.now+100, env.now+200); err == nil {
		t.Fatalf("expected error for admin deadline past expiration")
	}
}

func TestDepositRules(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t)
	env.state.fund(env.investor, "USD", 500)

	stranger := newTestAddress(0x0F)
	if err := env.engine.Deposit(esc.ID, stranger, big.NewInt(100)); err == nil {
		t.Fatalf("expected rejection for non-investor depositor")
	}
	if err := env.engine.Deposit(esc.ID, env.investor, big.NewInt(0)); err == nil {
		t.Fatalf("expected rejection for zero deposit")
	}
	if err := env.engine.Deposit(esc.ID, env.investor, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Deposit(esc.ID, env.investor, big.NewInt(50)); err == nil {
		t.Fatalf("expected rejection for second deposit")
	}
	vault := env.state.vaultAddrs["USD"]
	if got := env.state.balance(vault, "USD"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("vault balance = %s, want 100", got)
	}
	if got := env.state.balance(env.investor, "USD"); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("investor balance = %s, want 400", got)
	}
}

func TestDepositAfterExpiryRejected(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t)
	env.state.fund(env.investor, "USD", 100)
	env.now += 2_000
	if err := env.engine.Deposit(esc.ID, env.investor, big.NewInt(100)); err == nil {
		t.Fatalf("expected rejection past expiration")
	}
}

func TestApproveAndExecuteFull(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createFunded(t, 100)

	if err := env.engine.ApproveAndExecute(esc.ID, env.admin); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got := env.get(t, esc.ID)
	if got.Status != StatusExecuted {
		t.Fatalf("status = %s, want %s", got.Status, StatusExecuted)
	}
	if got.ApprovedAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("approved = %s, want 100", got.ApprovedAmount)
	}
	if got.TokenAmount.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("token amount = %s, want 200", got.TokenAmount)
	}
	requireConserved(t, got)
	if bal, _ := env.state.EscrowBalance(esc.ID, "USD"); bal.Sign() != 0 {
		t.Fatalf("lingering vault sub-balance %s", bal)
	}
}

func TestApproveRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createFunded(t, 100)
	if err := env.engine.ApproveAndExecute(esc.ID, env.investor); err == nil {
		t.Fatalf("expected rejection for non-admin caller")
	}
	if env.sale.callCount != 0 {
		t.Fatalf("sale invoked despite authorization failure")
	}
}

func TestApproveUnfundedRejected(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t)
	if err := env.engine.ApproveAndExecute(esc.ID, env.admin); err == nil {
		t.Fatalf("expected rejection for unfunded escrow")
	}
}

func TestPartialApproveRefundsRemainder(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createFunded(t, 100)

	if err := env.engine.PartialApproveAndExecute(esc.ID, env.admin, big.NewInt(60)); err != nil {
		t.Fatalf("partial approve: %v", err)
	}
	got := env.get(t, esc.ID)
	if got.Status != StatusExecuted {
		t.Fatalf("status = %s, want %s", got.Status, StatusExecuted)
	}
	if got.ApprovedAmount.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("approved = %s, want 60", got.ApprovedAmount)
	}
	if got.RefundedAmount.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("refunded = %s, want 40", got.RefundedAmount)
	}
	if got.TokenAmount.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("token amount = %s, want 120", got.TokenAmount)
	}
	requireConserved(t, got)
	if env.sale.lastPay.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("sale saw payment %s, want 60", env.sale.lastPay)
	}
	if bal := env.state.balance(env.investor, "USD"); bal.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("investor received %s back, want 40", bal)
	}
}

func TestPartialApproveBounds(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createFunded(t, 100)
	for _, approved := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1), big.NewInt(100), big.NewInt(150)} {
		if err := env.engine.PartialApproveAndExecute(esc.ID, env.admin, approved); err == nil {
			t.Fatalf("expected rejection for approved amount %v", approved)
		}
	}
}

func TestSaleFailureLeavesEscrowActive(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createFunded(t, 100)
	env.sale.err = errors.New("sale closed")

	if err := env.engine.ApproveAndExecute(esc.ID, env.admin); err == nil {
		t.Fatalf("expected sale failure to surface")
	}
	got := env.get(t, esc.ID)
	if got.Status != StatusActive {
		t.Fatalf("status = %s, want %s after failed sale call", got.Status, StatusActive)
	}
	if bal, _ := env.state.EscrowBalance(esc.ID, "USD"); bal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("vault sub-balance = %s, want untouched 100", bal)
	}

	// The escrow stays retryable once the sale recovers.
	env.sale.err = nil
	if err := env.engine.ApproveAndExecute(esc.ID, env.admin); err != nil {
		t.Fatalf("retry approve: %v", err)
	}
	if got := env.get(t, esc.ID); got.Status != StatusExecuted {
		t.Fatalf("status = %s after retry, want %s", got.Status, StatusExecuted)
	}
}

func TestRejectAndRefund(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createFunded(t, 100)

	if err := env.engine.RejectAndRefund(esc.ID, env.admin, "  kyc failed  "); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got := env.get(t, esc.ID)
	if got.Status != StatusRefunded {
		t.Fatalf("status = %s, want %s", got.Status, StatusRefunded)
	}
	if got.RejectReason != "kyc failed" {
		t.Fatalf("reason = %q, want trimmed reason", got.RejectReason)
	}
	if got.RefundedAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("refunded = %s, want 100", got.RefundedAmount)
	}
	requireConserved(t, got)
	if bal := env.state.balance(env.investor, "USD"); bal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("investor balance = %s, want full refund", bal)
	}
	if env.sale.callCount != 0 {
		t.Fatalf("sale invoked during rejection")
	}
}

func TestRefundAfterAdminInaction(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createFunded(t, 100)

	if env.engine.CanRefund(esc.ID) {
		t.Fatalf("refund open before admin deadline")
	}
	if err := env.engine.Refund(esc.ID); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("refund before deadline: %v", err)
	}

	env.now += 600 // past the admin deadline, before hard expiration
	if !env.engine.CanRefund(esc.ID) {
		t.Fatalf("refund closed after admin deadline")
	}
	if err := env.engine.Refund(esc.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	got := env.get(t, esc.ID)
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want %s", got.Status, StatusExpired)
	}
	if got.RefundedAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("refunded = %s, want 100", got.RefundedAmount)
	}
	requireConserved(t, got)
	if bal := env.state.balance(env.investor, "USD"); bal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("investor balance = %s, want full deposit back", bal)
	}
	if err := env.engine.Refund(esc.ID); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("second refund: %v, want %v", err, ErrNotRefundable)
	}
}

func TestCanRefundMatrix(t *testing.T) {
	env := newTestEnv(t)
	unfunded := env.create(t)
	env.now += 600
	if env.engine.CanRefund(unfunded.ID) {
		t.Fatalf("unfunded escrow reported refundable")
	}
	env.now -= 600

	funded := env.createFunded(t, 100)
	if err := env.engine.ApproveAndExecute(funded.ID, env.admin); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.now += 2_000
	if env.engine.CanRefund(funded.ID) {
		t.Fatalf("executed escrow reported refundable")
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createFunded(t, 100)

	if err := env.engine.EmergencyWithdraw(esc.ID, env.investor); err == nil {
		t.Fatalf("expected rejection for non-admin caller")
	}
	if err := env.engine.EmergencyWithdraw(esc.ID, env.admin); err != nil {
		t.Fatalf("emergency withdraw: %v", err)
	}
	got := env.get(t, esc.ID)
	if got.Status != StatusRefunded {
		t.Fatalf("status = %s, want %s", got.Status, StatusRefunded)
	}
	if bal := env.state.balance(env.investor, "USD"); bal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("investor balance = %s, want swept 100", bal)
	}
	if err := env.engine.EmergencyWithdraw(esc.ID, env.admin); err == nil {
		t.Fatalf("expected rejection once refunded")
	}
}

func TestPauseBlocksMutations(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createFunded(t, 100)
	env.engine.SetPauses(stubPauses{paused: true})

	if err := env.engine.ApproveAndExecute(esc.ID, env.admin); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("approve while paused: %v", err)
	}
	if err := env.engine.Refund(esc.ID); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("refund while paused: %v", err)
	}
	// The emergency path stays open while paused.
	if err := env.engine.EmergencyWithdraw(esc.ID, env.admin); err != nil {
		t.Fatalf("emergency withdraw while paused: %v", err)
	}
}

// reentrantEmitter drives a nested deposit from inside event emission, which
// runs while the call guard is still held.
type reentrantEmitter struct {
	env    *testEnv
	target [32]byte
	nested []error
}

func (r *reentrantEmitter) Emit(events.Event) {
	r.nested = append(r.nested, r.env.engine.Deposit(r.target, r.env.investor, big.NewInt(1)))
}

func TestDepositRejectsReentrancy(t *testing.T) {
	env := newTestEnv(t)
	esc := env.create(t)
	env.state.fund(env.investor, "USD", 100)
	emitter := &reentrantEmitter{env: env, target: esc.ID}
	env.engine.SetEmitter(emitter)

	if err := env.engine.Deposit(esc.ID, env.investor, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if len(emitter.nested) == 0 {
		t.Fatalf("emitter never invoked")
	}
	for _, err := range emitter.nested {
		if !errors.Is(err, common.ErrReentrantCall) {
			t.Fatalf("nested deposit: %v, want %v", err, common.ErrReentrantCall)
		}
	}
	got := env.get(t, esc.ID)
	if got.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("deposit amount = %s after nested attempt, want 100", got.Amount)
	}
}

func TestEventOrdering(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createFunded(t, 100)
	env.emitter.types = nil
	if err := env.engine.PartialApproveAndExecute(esc.ID, env.admin, big.NewInt(60)); err != nil {
		t.Fatalf("partial approve: %v", err)
	}
	want := []string{EventTypeEscrowPartiallyApproved, EventTypeEscrowExecuted}
	if len(env.emitter.types) != len(want) {
		t.Fatalf("event types = %v, want %v", env.emitter.types, want)
	}
	for i, typ := range want {
		if env.emitter.types[i] != typ {
			t.Fatalf("event[%d] = %s, want %s", i, env.emitter.types[i], typ)
		}
	}
}
