package strategy

import (
	"time"

	"rotator_go/internal/domain"

	"github.com/shopspring/decimal"
)

// Candidate is one evaluated rotation target with the ratios behind its
// score.
type Candidate struct {
	Coin           string
	CurrentRatio   decimal.Decimal
	ReferenceRatio decimal.Decimal
	Jump           decimal.Decimal
}

// Decision is the outcome of one evaluation cycle. An empty Target means
// hold.
type Decision struct {
	Target     string
	Jump       decimal.Decimal
	Candidates []Candidate
}

// Switch reports whether the decision selects a new coin.
func (d Decision) Switch() bool {
	return d.Target != ""
}

// Policy decides whether to rotate out of the held coin. It is a pure
// function of the snapshot, the held coin and the persisted reference
// ratios, so it can be unit-tested without any network.
//
// A policy must return domain.ErrStalePrice when the held coin's own sample
// is unusable; the caller skips the cycle rather than deciding on bad data.
type Policy interface {
	Evaluate(book *domain.PriceBook, held string, refs map[string]decimal.Decimal) (Decision, error)
}

// Params carries the knobs shared by policy implementations.
type Params struct {
	Bridge    string
	Coins     []string
	Threshold decimal.Decimal
	Fee       decimal.Decimal
	MaxAge    time.Duration
}
