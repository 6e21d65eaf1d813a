// Package meter converts qi balances into execution budgets and settles the
// cost of a finished call between the contract owner and the treasury.
package meter

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/govm-net/qi/api"
)

var ErrInsufficientQi = errors.New("insufficient qi for execution cost")

// Params are the settlement parameters taken from the protocol config.
type Params struct {
	Scale           uint64
	TreasuryPercent uint64
	BasePoints      uint64
}

// ParamsFromConfig extracts the settlement parameters.
func ParamsFromConfig(cfg api.Config) Params {
	return Params{
		Scale:           cfg.ScaleFactor,
		TreasuryPercent: cfg.TreasuryPercent,
		BasePoints:      cfg.BaseOverheadPoints,
	}
}

// Budget converts a held balance into execution steps.
func Budget(held, scale uint64) int64 {
	if scale == 0 {
		return 0
	}
	b := held / scale
	if b > uint64(1<<63-1) {
		return 1<<63 - 1
	}
	return int64(b)
}

// Settlement is the cost of one call.
type Settlement struct {
	Consumed    uint64 `json:"consumed"`
	APIOverhead uint64 `json:"api_overhead"`

	Spent      uint64 `json:"spent"`
	ToOwner    uint64 `json:"to_owner"`
	ToTreasury uint64 `json:"to_treasury"`
	Overhead   uint64 `json:"overhead"`
	Total      uint64 `json:"total"`
}

// Settle prices a call from the budget counter before and after execution and
// the number of helper calls the script made.
func Settle(p Params, before, after int64, apiOverhead uint64) Settlement {
	var consumed uint64
	if before > after {
		consumed = uint64(before - after)
	}
	spent := mulSat(consumed, p.Scale)
	toTreasury := mulDiv(spent, p.TreasuryPercent, 100)
	overhead := mulSat(addSat(p.BasePoints, apiOverhead), p.Scale)
	return Settlement{
		Consumed:    consumed,
		APIOverhead: apiOverhead,
		Spent:       spent,
		ToTreasury:  toTreasury,
		ToOwner:     spent - toTreasury,
		Overhead:    overhead,
		Total:       addSat(spent, overhead),
	}
}

// Conserved reports whether the parts add up to the total.
func (s Settlement) Conserved() bool {
	sum, carry := bits.Add64(s.ToOwner, s.ToTreasury, 0)
	if carry != 0 {
		return false
	}
	sum, carry = bits.Add64(sum, s.Overhead, 0)
	return carry == 0 && sum == s.Total
}

// TreasuryTotal is everything routed to the treasury.
func (s Settlement) TreasuryTotal() uint64 {
	return addSat(s.ToTreasury, s.Overhead)
}

// Require fails unless balance covers the whole charge.
func (s Settlement) Require(balance uint64) error {
	if balance < s.Total {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientQi, s.Total, balance)
	}
	return nil
}

// Against clamps the charge to what balance can pay and reports the rest.
func (s Settlement) Against(balance uint64) (paid, shortfall uint64) {
	if balance >= s.Total {
		return s.Total, 0
	}
	return balance, s.Total - balance
}

// Split distributes a payment that may fall short of Total. The owner's
// share of the spent amount is served first, then the treasury's share and
// finally the flat overhead.
func (s Settlement) Split(paid uint64) (toOwner, toTreasury uint64) {
	if paid >= s.Total {
		return s.ToOwner, s.TreasuryTotal()
	}
	toOwner = min(paid, s.ToOwner)
	return toOwner, paid - toOwner
}

func mulSat(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return ^uint64(0)
	}
	return lo
}

func addSat(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return ^uint64(0)
	}
	return sum
}

// mulDiv computes a*b/c without intermediate overflow, rounding down so the
// remainder stays with the caller's other share.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}
