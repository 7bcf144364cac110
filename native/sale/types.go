package sale

import (
	"fmt"
	"math/big"
	"strings"

	"investchain/native/fees"
)

// Status is the derived sale state. It is a pure function of the ledger and
// the wall clock, recomputed on every access and never stored.
type Status uint8

const (
	StatusActive Status = iota
	StatusSuccessful
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSuccessful:
		return "successful"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Config captures the immutable sale parameters fixed at initialization.
type Config struct {
	Owner              [20]byte
	Token              string
	DealType           string
	Tenant             uint64
	PriceWad           *big.Int // tokens per payment unit, 1e18 fixed point
	Hardcap            *big.Int // token units
	Softcap            *big.Int // token units
	MinPurchase        *big.Int // token units, cumulative per address
	MaxPurchase        *big.Int // token units, cumulative per address
	LockupBps          uint32
	LockupDuration     int64
	Duration           int64
	LockupTVLThreshold *big.Int // token units; gates conditional lockup release
	ReservedBps        uint32
	ImmediateTransfer  bool
}

// Sale is the persisted offering record: the immutable configuration plus the
// scalar ledger fields. Per-address and per-currency ledgers live in dedicated
// state keys.
type Sale struct {
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
	LockupDuration     int64
	Duration           int64
	LockupTVLThreshold *big.Int
	ReservedBps        uint32
	ImmediateTransfer  bool
	CreatedAt          int64

	TotalPurchased   *big.Int
	ParticipantCount uint64
	LockupTVLReached bool
	Paused           bool
	Initialized      bool
}

// Clone returns a deep copy of the sale record.
func (s *Sale) Clone() *Sale {
	if s == nil {
		return nil
	}
	clone := *s
	clone.PriceWad = cloneOrZero(s.PriceWad)
	clone.Hardcap = cloneOrZero(s.Hardcap)
	clone.Softcap = cloneOrZero(s.Softcap)
	clone.MinPurchase = cloneOrZero(s.MinPurchase)
	clone.MaxPurchase = cloneOrZero(s.MaxPurchase)
	clone.LockupTVLThreshold = cloneOrZero(s.LockupTVLThreshold)
	clone.TotalPurchased = cloneOrZero(s.TotalPurchased)
	return &clone
}

// StatusAt derives the sale status for the supplied wall-clock instant.
// Hardcap wins regardless of time; otherwise the sale is Active inside its
// duration window, and settles to Successful or Failed on the softcap.
func (s *Sale) StatusAt(now int64) Status {
	total := cloneOrZero(s.TotalPurchased)
	if s.Hardcap != nil && s.Hardcap.Sign() > 0 && total.Cmp(s.Hardcap) >= 0 {
		return StatusSuccessful
	}
	if now < s.CreatedAt+s.Duration {
		return StatusActive
	}
	if s.Softcap != nil && total.Cmp(s.Softcap) >= 0 {
		return StatusSuccessful
	}
	return StatusFailed
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// NormalizeCurrency canonicalises a payment-currency identifier the same way
// the escrow module does: native symbols uppercase, token identifiers
// lowercased behind the "tok:" prefix.
func NormalizeCurrency(currency string) (string, error) {
	trimmed := strings.TrimSpace(currency)
	if trimmed == "" {
		return "", fmt.Errorf("sale: empty currency")
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "tok:") {
		return strings.ToLower(trimmed), nil
	}
	return strings.ToUpper(trimmed), nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Token) == "" {
		return fmt.Errorf("sale: token not configured")
	}
	if cfg.Owner == ([20]byte{}) {
		return fmt.Errorf("sale: owner not configured")
	}
	if cfg.PriceWad == nil || cfg.PriceWad.Sign() <= 0 {
		return fmt.Errorf("sale: price must be positive")
	}
	if cfg.Hardcap == nil || cfg.Hardcap.Sign() <= 0 {
		return fmt.Errorf("sale: hardcap must be positive")
	}
	if cfg.Softcap == nil || cfg.Softcap.Sign() < 0 || cfg.Softcap.Cmp(cfg.Hardcap) > 0 {
		return fmt.Errorf("sale: softcap must fall within [0, hardcap]")
	}
	if cfg.MinPurchase == nil || cfg.MinPurchase.Sign() < 0 {
		return fmt.Errorf("sale: min purchase must be non-negative")
	}
	if cfg.MaxPurchase == nil || cfg.MaxPurchase.Sign() <= 0 || cfg.MaxPurchase.Cmp(cfg.MinPurchase) < 0 {
		return fmt.Errorf("sale: max purchase must be positive and at least min purchase")
	}
	if cfg.LockupBps > fees.BpsDenominator {
		return fmt.Errorf("sale: lockup bps out of range")
	}
	if cfg.ReservedBps > fees.BpsDenominator {
		return fmt.Errorf("sale: reserved bps out of range")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("sale: duration must be positive")
	}
	if cfg.LockupBps > 0 && cfg.LockupDuration <= 0 {
		return fmt.Errorf("sale: lockup duration must be positive when lockup is configured")
	}
	return nil
}
