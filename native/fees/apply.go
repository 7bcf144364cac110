package fees

import "math/big"

// BpsDenominator is the basis-point scale used by every rate on the platform.
const BpsDenominator = 10_000

// Quote captures a resolved platform commission: the rate in basis points and
// the recipient that collects it. A zero quote means "no fee".
type Quote struct {
	RateBps   uint32
	Recipient [20]byte
}

// Zero reports whether the quote resolves to no fee, either because the rate
// is zero or because no recipient was configured.
func (q Quote) Zero() bool {
	return q.RateBps == 0 || q.Recipient == ([20]byte{})
}

// Amount computes the fee owed on the supplied gross amount. The result is
// floor(amount * rate / 10000); integer division always rounds in favour of
// the payer.
func (q Quote) Amount(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || q.Zero() {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(q.RateBps)))
	return fee.Div(fee, big.NewInt(BpsDenominator))
}
