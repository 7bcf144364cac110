package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states of a single investment escrow.
type Status uint8

const (
	// StatusActive is the initial state: created, optionally funded,
	// awaiting an admin decision.
	StatusActive Status = iota
	// StatusApproved marks a full approval in flight.
	StatusApproved
	// StatusPartiallyApproved marks a partial approval in flight.
	StatusPartiallyApproved
	// StatusRejected is finalized-pending-refund: the decision is terminal
	// but funds may still be in the vault if the inline refund failed.
	StatusRejected
	// StatusExecuted means the purchase completed against the sale.
	StatusExecuted
	// StatusRefunded means all outstanding funds went back to the investor.
	StatusRefunded
	// StatusExpired is the time-driven refund terminal reachable from Active.
	StatusExpired
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusApproved, StatusPartiallyApproved, StatusRejected,
		StatusExecuted, StatusRefunded, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transition. Rejected
// is not terminal: the refund path may still move it to Refunded.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusRefunded, StatusExpired:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusApproved:
		return "approved"
	case StatusPartiallyApproved:
		return "partially_approved"
	case StatusRejected:
		return "rejected"
	case StatusExecuted:
		return "executed"
	case StatusRefunded:
		return "refunded"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Escrow holds a single investor deposit for a single sale in a single
// payment currency. The identifier is the keccak256 hash of investor, sale and
// currency, so one escrow instance exists per (investor, sale, currency).
type Escrow struct {
	ID             [32]byte
	Investor       [20]byte
	SaleID         [32]byte
	Currency       string
	Amount         *big.Int
	ApprovedAmount *big.Int
	RefundedAmount *big.Int
	TokenAmount    *big.Int
	RejectReason   string
	CreatedAt      int64
	ExpiresAt      int64
	AdminDeadline  int64
	Status         Status
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneOrZero(e.Amount)
	clone.ApprovedAmount = cloneOrZero(e.ApprovedAmount)
	clone.RefundedAmount = cloneOrZero(e.RefundedAmount)
	clone.TokenAmount = cloneOrZero(e.TokenAmount)
	return &clone
}

// Outstanding returns the deposited amount not yet approved or refunded.
func (e *Escrow) Outstanding() *big.Int {
	if e == nil {
		return big.NewInt(0)
	}
	out := cloneOrZero(e.Amount)
	out.Sub(out, cloneOrZero(e.ApprovedAmount))
	out.Sub(out, cloneOrZero(e.RefundedAmount))
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// NormalizeCurrency canonicalises a payment-currency identifier. Native
// currency symbols are uppercased; token identifiers carry the "tok:" prefix
// and are lowercased so hex addresses compare consistently.
func NormalizeCurrency(currency string) (string, error) {
	trimmed := strings.TrimSpace(currency)
	if trimmed == "" {
		return "", fmt.Errorf("escrow: empty currency")
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "tok:") {
		return strings.ToLower(trimmed), nil
	}
	return strings.ToUpper(trimmed), nil
}

// Sanitize validates and normalises the supplied escrow, returning a cloned
// instance with canonical currency casing and non-nil amount fields. The
// original value is not mutated.
func Sanitize(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	currency, err := NormalizeCurrency(clone.Currency)
	if err != nil {
		return nil, err
	}
	clone.Currency = currency
	if clone.Amount.Sign() < 0 || clone.ApprovedAmount.Sign() < 0 || clone.RefundedAmount.Sign() < 0 {
		return nil, fmt.Errorf("escrow amounts must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	return clone, nil
}
