package strategy

import (
	"time"

	"rotator_go/internal/domain"

	"github.com/shopspring/decimal"
)

// RatioJumpPolicy scores every other tracked coin by how far the held coin's
// cross ratio has climbed above the reference recorded when the held coin
// was acquired. The round-trip fee (one sell, one buy) is priced into the
// score, so a jump only clears the threshold when switching actually gains
// value after fees.
type RatioJumpPolicy struct {
	bridge    string
	coins     []string
	threshold decimal.Decimal
	feeFactor decimal.Decimal // (1-fee)^2 for the sell+buy round trip
	maxAge    time.Duration
}

// NewRatioJumpPolicy creates the default decision policy.
func NewRatioJumpPolicy(p Params) *RatioJumpPolicy {
	one := decimal.New(1, 0)
	keep := one.Sub(p.Fee)
	return &RatioJumpPolicy{
		bridge:    p.Bridge,
		coins:     append([]string(nil), p.Coins...),
		threshold: p.Threshold,
		feeFactor: keep.Mul(keep),
		maxAge:    p.MaxAge,
	}
}

// Evaluate computes the jump score for every candidate and picks the best
// one above the threshold.
//
// Candidates with stale or missing samples are excluded for this cycle, and
// a stale held-coin sample skips the whole evaluation. Exact score ties
// break to the lexicographically smallest coin symbol, so a given snapshot
// always reproduces the same decision.
func (p *RatioJumpPolicy) Evaluate(book *domain.PriceBook, held string, refs map[string]decimal.Decimal) (Decision, error) {
	heldSample, ok := book.Fresh(domain.PairSymbol(held, p.bridge), p.maxAge)
	if !ok {
		return Decision{}, domain.ErrStalePrice
	}

	one := decimal.New(1, 0)
	var decision Decision
	best := -1 // index into decision.Candidates

	for _, coin := range p.coins {
		if coin == held || coin == p.bridge {
			continue
		}

		sample, ok := book.Fresh(domain.PairSymbol(coin, p.bridge), p.maxAge)
		if !ok {
			continue // stale candidates sit this cycle out
		}

		ref, ok := refs[coin]
		if !ok || ref.IsZero() {
			continue // unseeded pair, no baseline to compare against
		}

		ratio := heldSample.Price.Div(sample.Price)
		jump := ratio.Mul(p.feeFactor).Div(ref).Sub(one)

		decision.Candidates = append(decision.Candidates, Candidate{
			Coin:           coin,
			CurrentRatio:   ratio,
			ReferenceRatio: ref,
			Jump:           jump,
		})

		if !jump.GreaterThan(p.threshold) {
			continue
		}
		if best < 0 {
			best = len(decision.Candidates) - 1
			continue
		}
		current := decision.Candidates[best]
		if jump.GreaterThan(current.Jump) || (jump.Equal(current.Jump) && coin < current.Coin) {
			best = len(decision.Candidates) - 1
		}
	}

	if best >= 0 {
		decision.Target = decision.Candidates[best].Coin
		decision.Jump = decision.Candidates[best].Jump
	}
	return decision, nil
}
