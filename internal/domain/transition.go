package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransitionPhase tags how far a rotation has progressed. Every phase write
// is durable before the corresponding exchange call, so a restart always
// finds an unambiguous resume point.
type TransitionPhase string

const (
	PhasePendingSell TransitionPhase = "PENDING_SELL"
	PhaseSold        TransitionPhase = "SOLD"
	PhasePendingBuy  TransitionPhase = "PENDING_BUY"
	PhaseComplete    TransitionPhase = "COMPLETE"
	PhaseFailed      TransitionPhase = "FAILED"
)

// Terminal reports whether the phase ends the transition's lifecycle.
func (p TransitionPhase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// Transition is the durable record of one rotation from FromCoinSymbol to
// ToCoinSymbol through the bridge. At most one transition may be open
// (non-terminal) at any time; that invariant is enforced by the store.
type Transition struct {
	ID             string          `gorm:"primaryKey" json:"id"`
	FromCoinSymbol string          `json:"from_coin"`
	ToCoinSymbol   string          `json:"to_coin"`
	Phase          TransitionPhase `gorm:"index" json:"phase"`

	// FailedPhase freezes the phase the transition was in when it failed.
	FailedPhase TransitionPhase `json:"failed_phase,omitempty"`

	// Client-assigned order IDs, persisted before the order is submitted so
	// a resume can always ask the venue about a prior attempt instead of
	// blindly re-issuing it.
	SellOrderRef string `json:"sell_order_ref,omitempty"`
	BuyOrderRef  string `json:"buy_order_ref,omitempty"`

	// BridgeAmount is the realized bridge-currency proceeds of the sell fill,
	// recorded at the SOLD phase and spent by the buy.
	BridgeAmount decimal.Decimal `gorm:"type:decimal(40,20)" json:"bridge_amount"`

	FailReason   string `json:"fail_reason,omitempty"`
	Acknowledged bool   `json:"acknowledged"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTransition creates a PENDING_SELL transition ready to be persisted.
func NewTransition(from, to string) *Transition {
	return &Transition{
		ID:             uuid.NewString(),
		FromCoinSymbol: from,
		ToCoinSymbol:   to,
		Phase:          PhasePendingSell,
		CreatedAt:      time.Now(),
	}
}

// Open reports whether the transition is still in a non-terminal phase.
func (t *Transition) Open() bool {
	return !t.Phase.Terminal()
}
