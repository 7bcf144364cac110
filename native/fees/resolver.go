package fees

import "errors"

// ErrNoQuote is returned by a strategy that cannot produce a fee quote. The
// chain treats it (and any other error) as "no fee for this attempt" and moves
// on to the next strategy.
var ErrNoQuote = errors.New("fees: no quote available")

// Oracle is the minimal fee oracle surface: commission rate and recipient per
// deal type. Implementations are external collaborators and may fail on any
// call.
type Oracle interface {
	CommissionRate(dealType string) (uint32, error)
	FeeRecipient(dealType string) ([20]byte, error)
}

// TenantOracle is the richer tenant-aware surface.
type TenantOracle interface {
	TenantCommissionRate(tenant uint64, dealType string) (uint32, error)
	TenantFeeRecipient(tenant uint64, dealType string) ([20]byte, error)
}

// Strategy resolves a fee quote for a purchase, or fails. Failure never
// propagates to the purchase; the caller substitutes the next strategy or a
// zero quote.
type Strategy interface {
	Resolve(tenant uint64, dealType string) (Quote, error)
}

// MinimalStrategy queries the minimal oracle interface.
type MinimalStrategy struct {
	Oracle Oracle
}

// Resolve implements Strategy.
func (s MinimalStrategy) Resolve(_ uint64, dealType string) (Quote, error) {
	if s.Oracle == nil {
		return Quote{}, ErrNoQuote
	}
	rate, err := s.Oracle.CommissionRate(dealType)
	if err != nil {
		return Quote{}, err
	}
	recipient, err := s.Oracle.FeeRecipient(dealType)
	if err != nil {
		return Quote{}, err
	}
	return Quote{RateBps: rate, Recipient: recipient}, nil
}

// TenantStrategy queries the tenant-aware oracle interface with the caller's
// tenant identifier.
type TenantStrategy struct {
	Oracle TenantOracle
}

// Resolve implements Strategy.
func (s TenantStrategy) Resolve(tenant uint64, dealType string) (Quote, error) {
	if s.Oracle == nil {
		return Quote{}, ErrNoQuote
	}
	rate, err := s.Oracle.TenantCommissionRate(tenant, dealType)
	if err != nil {
		return Quote{}, err
	}
	recipient, err := s.Oracle.TenantFeeRecipient(tenant, dealType)
	if err != nil {
		return Quote{}, err
	}
	return Quote{RateBps: rate, Recipient: recipient}, nil
}

// ZeroTenantStrategy queries the tenant-aware interface with the zero tenant,
// the platform-wide fallback bucket.
type ZeroTenantStrategy struct {
	Oracle TenantOracle
}

// Resolve implements Strategy.
func (s ZeroTenantStrategy) Resolve(_ uint64, dealType string) (Quote, error) {
	return TenantStrategy{Oracle: s.Oracle}.Resolve(0, dealType)
}

// Chain tries each strategy in order and keeps the first quote that resolves
// both a positive rate and a nonzero recipient. An exhausted chain yields the
// zero quote, never an error: a broken or absent oracle degrades to "no fee".
type Chain struct {
	strategies []Strategy
}

// NewChain builds a resolution chain from the supplied strategies. Nil
// strategies are skipped.
func NewChain(strategies ...Strategy) *Chain {
	filtered := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &Chain{strategies: filtered}
}

// Resolve walks the chain, first success wins.
func (c *Chain) Resolve(tenant uint64, dealType string) Quote {
	if c == nil {
		return Quote{}
	}
	for _, s := range c.strategies {
		quote, err := s.Resolve(tenant, dealType)
		if err != nil {
			continue
		}
		if quote.Zero() {
			continue
		}
		return quote
	}
	return Quote{}
}
