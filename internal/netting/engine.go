// Package netting converts matched trades into directed transfer legs.
package netting

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearmesh/settler/internal/domain"
)

// Engine derives transfer legs from trades. Each trade decomposes into
// exactly two legs: the buyer sends the quote amount to the seller and the
// seller sends the base amount to the buyer. With collapsing enabled,
// same-token legs between the same pair of parties are summed into a single
// net transfer; the result is canonicalized so it does not depend on trade
// arrival order, keeping batches reproducible for audit.
type Engine struct {
	collapse bool
	deadline time.Duration
}

// NewEngine creates an Engine. deadline is how far in the future each leg's
// settlement deadline is stamped.
func NewEngine(collapse bool, deadline time.Duration) *Engine {
	return &Engine{collapse: collapse, deadline: deadline}
}

// Net converts trades into legs. Nonces are assigned sequentially starting
// at startNonce so they stay unique within the batch the legs join; the
// deadline on every leg is now plus the engine's deadline horizon.
func (e *Engine) Net(trades []domain.TradeEvent, startNonce uint64, now time.Time) []domain.Leg {
	legs := make([]domain.Leg, 0, 2*len(trades))
	for _, t := range trades {
		legs = append(legs,
			domain.Leg{Token: t.QuoteToken, From: t.Buyer, To: t.Seller, Amount: t.AmountQuote},
			domain.Leg{Token: t.BaseToken, From: t.Seller, To: t.Buyer, Amount: t.AmountBase},
		)
	}

	if e.collapse {
		legs = collapseLegs(legs)
	}

	deadline := now.Add(e.deadline)
	for i := range legs {
		legs[i].Nonce = startNonce + uint64(i)
		legs[i].Deadline = deadline
	}
	return legs
}

// netKey identifies a token flow between an ordered pair of parties. Parties
// are stored in lexicographic order; flow direction is carried by the sign
// of the accumulated amount.
type netKey struct {
	token string
	lo    string
	hi    string
}

// collapseLegs sums same-token, same-counterparty legs into single net
// transfers. Amounts from lo to hi count positive, hi to lo negative; a zero
// net drops the pair entirely. Output order is the canonical sort of
// (token, from, to), independent of input order.
func collapseLegs(legs []domain.Leg) []domain.Leg {
	nets := make(map[netKey]decimal.Decimal)
	for _, l := range legs {
		k := netKey{token: l.Token, lo: l.From, hi: l.To}
		amt := l.Amount
		if k.lo > k.hi {
			k.lo, k.hi = k.hi, k.lo
			amt = amt.Neg()
		}
		nets[k] = nets[k].Add(amt)
	}

	out := make([]domain.Leg, 0, len(nets))
	for k, amt := range nets {
		if amt.IsZero() {
			continue
		}
		from, to := k.lo, k.hi
		if amt.IsNegative() {
			from, to = to, from
			amt = amt.Neg()
		}
		out = append(out, domain.Leg{Token: k.token, From: from, To: to, Amount: amt})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Token != b.Token {
			return a.Token < b.Token
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
	return out
}
