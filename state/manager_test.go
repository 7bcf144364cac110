package state

import (
	"math/big"
	"testing"

	"investchain/native/escrow"
	"investchain/native/sale"
	"investchain/storage"
)

func newTestManager() *Manager {
	return NewManager(storage.NewMemDB())
}

func testID(fill byte) [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = fill
	}
	return id
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestAccountRoundTrip(t *testing.T) {
	m := newTestManager()
	addr := testAddr(0x01)

	acc, err := m.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("get missing account: %v", err)
	}
	if acc.Balance("USD").Sign() != 0 {
		t.Fatalf("missing account has non-zero balance")
	}

	acc.Nonce = 7
	acc.SetBalance("USD", big.NewInt(1_500))
	acc.SetBalance("tok:deal", big.NewInt(42))
	if err := m.PutAccount(addr[:], acc); err != nil {
		t.Fatalf("put account: %v", err)
	}

	loaded, err := m.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if loaded.Nonce != 7 {
		t.Fatalf("nonce = %d, want 7", loaded.Nonce)
	}
	if loaded.Balance("USD").Cmp(big.NewInt(1_500)) != 0 {
		t.Fatalf("USD balance = %s, want 1500", loaded.Balance("USD"))
	}
	if loaded.Balance("tok:deal").Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("token balance = %s, want 42", loaded.Balance("tok:deal"))
	}
}

func TestEscrowRoundTrip(t *testing.T) {
	m := newTestManager()
	esc := &escrow.Escrow{
		ID:             testID(0xE1),
		Investor:       testAddr(0x02),
		SaleID:         testID(0x5A),
		Currency:       "USD",
		Amount:         big.NewInt(100),
		ApprovedAmount: big.NewInt(60),
		RefundedAmount: big.NewInt(40),
		TokenAmount:    big.NewInt(120),
		RejectReason:   "",
		CreatedAt:      1_000,
		ExpiresAt:      2_000,
		AdminDeadline:  1_500,
		Status:         escrow.StatusExecuted,
	}
	if err := m.EscrowPut(esc); err != nil {
		t.Fatalf("put escrow: %v", err)
	}
	loaded, ok := m.EscrowGet(esc.ID)
	if !ok {
		t.Fatalf("escrow not found after put")
	}
	if loaded.Status != escrow.StatusExecuted {
		t.Fatalf("status = %s, want %s", loaded.Status, escrow.StatusExecuted)
	}
	if loaded.ApprovedAmount.Cmp(big.NewInt(60)) != 0 || loaded.RefundedAmount.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("amounts survived badly: approved %s refunded %s", loaded.ApprovedAmount, loaded.RefundedAmount)
	}
	if loaded.ExpiresAt != 2_000 || loaded.AdminDeadline != 1_500 {
		t.Fatalf("deadlines survived badly: %d / %d", loaded.ExpiresAt, loaded.AdminDeadline)
	}
	if _, ok := m.EscrowGet(testID(0xFF)); ok {
		t.Fatalf("lookup of unknown escrow succeeded")
	}
	if !m.IsValidEscrow(esc.ID) {
		t.Fatalf("stored escrow not certified")
	}
	if m.IsValidEscrow(testID(0xFF)) {
		t.Fatalf("unknown escrow certified")
	}
}

func TestEscrowBalanceTracking(t *testing.T) {
	m := newTestManager()
	id := testID(0xE2)

	if err := m.EscrowCredit(id, "USD", big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := m.EscrowDebit(id, "USD", big.NewInt(60)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	bal, err := m.EscrowBalance(id, "USD")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("balance = %s, want 40", bal)
	}
	if err := m.EscrowDebit(id, "USD", big.NewInt(41)); err == nil {
		t.Fatalf("expected overdraw to fail")
	}
	if err := m.EscrowDebit(id, "EUR", big.NewInt(1)); err == nil {
		t.Fatalf("expected debit of untracked currency to fail")
	}
}

func TestSaleRoundTrip(t *testing.T) {
	m := newTestManager()
	s := &sale.Sale{
		ID:                 testID(0x51),
		Owner:              testAddr(0x03),
		Token:              "tok:deal",
		DealType:           "equity",
		Tenant:             7,
		PriceWad:           new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		Hardcap:            big.NewInt(1_000),
		Softcap:            big.NewInt(100),
		MinPurchase:        big.NewInt(0),
		MaxPurchase:        big.NewInt(500),
		LockupBps:          5_000,
		LockupDuration:     604_800,
		Duration:           86_400,
		LockupTVLThreshold: big.NewInt(250),
		ImmediateTransfer:  false,
		CreatedAt:          1_000,
		TotalPurchased:     big.NewInt(80),
		ParticipantCount:   3,
		LockupTVLReached:   true,
		Paused:             false,
		Initialized:        true,
	}
	if err := m.SalePut(s); err != nil {
		t.Fatalf("put sale: %v", err)
	}
	loaded, ok := m.SaleGet(s.ID)
	if !ok {
		t.Fatalf("sale not found after put")
	}
	if !loaded.Initialized || !loaded.LockupTVLReached {
		t.Fatalf("flags survived badly: init=%v lockup=%v", loaded.Initialized, loaded.LockupTVLReached)
	}
	if loaded.LockupBps != 5_000 || loaded.ParticipantCount != 3 {
		t.Fatalf("scalars survived badly: bps=%d participants=%d", loaded.LockupBps, loaded.ParticipantCount)
	}
	if loaded.TotalPurchased.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("total purchased = %s, want 80", loaded.TotalPurchased)
	}
	if loaded.StatusAt(1_000) != sale.StatusActive {
		t.Fatalf("derived status broken after round trip")
	}
}

func TestSalePerAddressLedgers(t *testing.T) {
	m := newTestManager()
	id := testID(0x52)
	addr := testAddr(0x04)

	if err := m.SaleSetPurchaseOf(id, addr, big.NewInt(100)); err != nil {
		t.Fatalf("set purchase: %v", err)
	}
	if err := m.SaleSetLockedOf(id, addr, big.NewInt(50)); err != nil {
		t.Fatalf("set locked: %v", err)
	}
	if err := m.SaleSetPaidAmount(id, addr, "USD", big.NewInt(100)); err != nil {
		t.Fatalf("set paid: %v", err)
	}

	purchased, err := m.SalePurchaseOf(id, addr)
	if err != nil || purchased.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("purchase = %s (%v), want 100", purchased, err)
	}
	locked, err := m.SaleLockedOf(id, addr)
	if err != nil || locked.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("locked = %s (%v), want 50", locked, err)
	}
	paid, err := m.SalePaidAmount(id, addr, "USD")
	if err != nil || paid.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("paid = %s (%v), want 100", paid, err)
	}
	other, err := m.SalePaidAmount(id, addr, "EUR")
	if err != nil || other.Sign() != 0 {
		t.Fatalf("unrelated currency leaked: %s (%v)", other, err)
	}
	if err := m.SaleSetPurchaseOf(id, addr, big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative write to fail")
	}
}

func TestSaleFlags(t *testing.T) {
	m := newTestManager()
	id := testID(0x53)
	addr := testAddr(0x05)

	ok, err := m.SaleIsParticipant(id, addr)
	if err != nil || ok {
		t.Fatalf("fresh address already a participant")
	}
	if err := m.SaleSetParticipant(id, addr); err != nil {
		t.Fatalf("set participant: %v", err)
	}
	if ok, _ := m.SaleIsParticipant(id, addr); !ok {
		t.Fatalf("participant flag not persisted")
	}

	if err := m.SaleSetUserAllowed(id, addr, true); err != nil {
		t.Fatalf("allow user: %v", err)
	}
	if ok, _ := m.SaleUserAllowed(id, addr); !ok {
		t.Fatalf("user whitelist flag not persisted")
	}
	if err := m.SaleSetUserAllowed(id, addr, false); err != nil {
		t.Fatalf("disallow user: %v", err)
	}
	if ok, _ := m.SaleUserAllowed(id, addr); ok {
		t.Fatalf("user whitelist flag not cleared")
	}

	if err := m.SaleSetCurrencyAllowed(id, "USD", true); err != nil {
		t.Fatalf("allow currency: %v", err)
	}
	if ok, _ := m.SaleCurrencyAllowed(id, "USD"); !ok {
		t.Fatalf("currency whitelist flag not persisted")
	}
}

func TestVaultAddressesAreStable(t *testing.T) {
	m := newTestManager()

	usd1, _ := m.EscrowVaultAddress("USD")
	usd2, _ := m.EscrowVaultAddress("USD")
	eur, _ := m.EscrowVaultAddress("EUR")
	if usd1 != usd2 {
		t.Fatalf("escrow vault address not deterministic")
	}
	if usd1 == eur {
		t.Fatalf("escrow vaults collide across currencies")
	}

	a, _ := m.SaleVaultAddress(testID(0x01))
	b, _ := m.SaleVaultAddress(testID(0x02))
	if a == b {
		t.Fatalf("sale vaults collide across sales")
	}
	if a == usd1 {
		t.Fatalf("sale vault collides with escrow vault")
	}
}

func TestTokenRoles(t *testing.T) {
	m := newTestManager()
	addr := testAddr(0x06)

	if ok, _ := m.TokenIsMinter("tok:deal", addr); ok {
		t.Fatalf("fresh address already a minter")
	}
	if err := m.TokenMinterSet("tok:deal", addr, true); err != nil {
		t.Fatalf("grant minter: %v", err)
	}
	if ok, _ := m.TokenIsMinter("tok:deal", addr); !ok {
		t.Fatalf("minter role not persisted")
	}
	if err := m.TokenSupplyPut("tok:deal", big.NewInt(9_000)); err != nil {
		t.Fatalf("put supply: %v", err)
	}
	supply, err := m.TokenSupplyGet("tok:deal")
	if err != nil || supply.Cmp(big.NewInt(9_000)) != 0 {
		t.Fatalf("supply = %s (%v), want 9000", supply, err)
	}
}

func TestPauseView(t *testing.T) {
	m := newTestManager()
	if m.IsPaused("escrow") {
		t.Fatalf("fresh manager reports paused module")
	}
	m.SetPaused("escrow", true)
	if !m.IsPaused("escrow") {
		t.Fatalf("pause flag not applied")
	}
	if m.IsPaused("sale") {
		t.Fatalf("pause leaked across modules")
	}
	m.SetPaused("escrow", false)
	if m.IsPaused("escrow") {
		t.Fatalf("pause flag not cleared")
	}
}
