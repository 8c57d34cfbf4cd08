package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Coin is a tracked asset. Coins dropped from the configuration are disabled
// rather than deleted so historical rows keep resolving their symbols.
type Coin struct {
	Symbol    string    `gorm:"primaryKey" json:"symbol"`
	Enabled   bool      `gorm:"index" json:"enabled"`
	IsBridge  bool      `json:"is_bridge"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pair is a directed coin pair with its persisted reference ratio: the
// from-coin priced in the to-coin (through the bridge) at the time the
// from-coin was last acquired. A zero ratio means the pair is unseeded.
type Pair struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	FromCoinSymbol string          `gorm:"uniqueIndex:idx_pair_from_to" json:"from_coin"`
	ToCoinSymbol   string          `gorm:"uniqueIndex:idx_pair_from_to" json:"to_coin"`
	Ratio          decimal.Decimal `gorm:"type:decimal(40,20)" json:"ratio"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HeldCoin records which coin the account holds. Rows are append-only; the
// most recent row is the current holding.
type HeldCoin struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Symbol    string    `gorm:"index" json:"symbol"`
	CreatedAt time.Time `json:"created_at"`
}

// ScoutRecord is one evaluated rotation candidate, kept for audit and pruned
// on a retention schedule.
type ScoutRecord struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	FromCoinSymbol string          `json:"from_coin"`
	ToCoinSymbol   string          `json:"to_coin"`
	CurrentRatio   decimal.Decimal `gorm:"type:decimal(40,20)" json:"current_ratio"`
	TargetRatio    decimal.Decimal `gorm:"type:decimal(40,20)" json:"target_ratio"`
	Jump           decimal.Decimal `gorm:"type:decimal(40,20)" json:"jump"`
	CreatedAt      time.Time       `gorm:"index" json:"created_at"`
}
