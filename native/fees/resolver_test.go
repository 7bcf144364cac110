package fees

import (
	"errors"
	"math/big"
	"testing"
)

type stubOracle struct {
	rate      uint32
	recipient [20]byte
	err       error
}

func (s stubOracle) CommissionRate(string) (uint32, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.rate, nil
}

func (s stubOracle) FeeRecipient(string) ([20]byte, error) {
	if s.err != nil {
		return [20]byte{}, s.err
	}
	return s.recipient, nil
}

type stubTenantOracle struct {
	rates      map[uint64]uint32
	recipients map[uint64][20]byte
	err        error
}

func (s stubTenantOracle) TenantCommissionRate(tenant uint64, _ string) (uint32, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.rates[tenant], nil
}

func (s stubTenantOracle) TenantFeeRecipient(tenant uint64, _ string) ([20]byte, error) {
	if s.err != nil {
		return [20]byte{}, s.err
	}
	return s.recipients[tenant], nil
}

func feeAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestQuoteAmount(t *testing.T) {
	quote := Quote{RateBps: 250, Recipient: feeAddr(0x01)}
	fee := quote.Amount(big.NewInt(10_000))
	if fee.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("expected fee 250, got %s", fee)
	}
	// Floors toward the payer.
	fee = quote.Amount(big.NewInt(39))
	if fee.Sign() != 0 {
		t.Fatalf("expected fee 0 for dust amount, got %s", fee)
	}
}

func TestQuoteAmountZeroQuote(t *testing.T) {
	if fee := (Quote{RateBps: 500}).Amount(big.NewInt(1000)); fee.Sign() != 0 {
		t.Fatalf("quote with zero recipient must yield no fee, got %s", fee)
	}
	if fee := (Quote{Recipient: feeAddr(0x02)}).Amount(big.NewInt(1000)); fee.Sign() != 0 {
		t.Fatalf("quote with zero rate must yield no fee, got %s", fee)
	}
}

func TestChainFirstSuccessWins(t *testing.T) {
	boom := errors.New("oracle unavailable")
	chain := NewChain(
		MinimalStrategy{Oracle: stubOracle{err: boom}},
		TenantStrategy{Oracle: stubTenantOracle{
			rates:      map[uint64]uint32{7: 125},
			recipients: map[uint64][20]byte{7: feeAddr(0x03)},
		}},
		ZeroTenantStrategy{Oracle: stubTenantOracle{
			rates:      map[uint64]uint32{0: 999},
			recipients: map[uint64][20]byte{0: feeAddr(0x04)},
		}},
	)
	quote := chain.Resolve(7, "token_sale")
	if quote.RateBps != 125 {
		t.Fatalf("expected tenant quote to win, got rate %d", quote.RateBps)
	}
	if quote.Recipient != feeAddr(0x03) {
		t.Fatalf("unexpected recipient")
	}
}

func TestChainFallsThroughToZeroTenant(t *testing.T) {
	tenantOracle := stubTenantOracle{
		rates:      map[uint64]uint32{0: 300},
		recipients: map[uint64][20]byte{0: feeAddr(0x05)},
	}
	chain := NewChain(
		MinimalStrategy{Oracle: stubOracle{}}, // zero rate, skipped
		TenantStrategy{Oracle: tenantOracle},  // tenant 42 unknown, zero quote
		ZeroTenantStrategy{Oracle: tenantOracle},
	)
	quote := chain.Resolve(42, "token_sale")
	if quote.RateBps != 300 {
		t.Fatalf("expected zero-tenant fallback rate 300, got %d", quote.RateBps)
	}
}

func TestChainDegradesToNoFee(t *testing.T) {
	boom := errors.New("revert")
	chain := NewChain(
		MinimalStrategy{Oracle: stubOracle{err: boom}},
		TenantStrategy{Oracle: stubTenantOracle{err: boom}},
	)
	quote := chain.Resolve(1, "token_sale")
	if !quote.Zero() {
		t.Fatalf("exhausted chain must resolve to the zero quote")
	}
	if fee := quote.Amount(big.NewInt(1_000_000)); fee.Sign() != 0 {
		t.Fatalf("zero quote must charge nothing, got %s", fee)
	}
}
