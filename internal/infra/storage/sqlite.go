package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rotator_go/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the durable record of everything the rotation engine must survive
// a crash with: the tracked coin set, pair reference ratios, the held coin,
// transitions and the scout audit log. The engine is the only writer; the
// status API reads concurrently.
type Store struct {
	db *gorm.DB
}

// New opens (or creates) the SQLite database at path and migrates the schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&domain.Coin{},
		&domain.Pair{},
		&domain.HeldCoin{},
		&domain.Transition{},
		&domain.ScoutRecord{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// ======================================================================================
// Coins & Pairs
// ======================================================================================

// SetCoins reconciles the tracked coin set with the configuration: coins no
// longer configured are disabled, configured coins are enabled or created,
// and every ordered pair of enabled non-bridge coins gets a Pair row.
func (s *Store) SetCoins(symbols []string, bridge string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing []domain.Coin
		if err := tx.Find(&existing).Error; err != nil {
			return err
		}

		wanted := make(map[string]bool, len(symbols)+1)
		for _, sym := range symbols {
			wanted[sym] = true
		}
		wanted[bridge] = true

		known := make(map[string]bool, len(existing))
		for _, coin := range existing {
			known[coin.Symbol] = true
			if !wanted[coin.Symbol] && coin.Enabled {
				if err := tx.Model(&coin).Update("enabled", false).Error; err != nil {
					return err
				}
			}
			if wanted[coin.Symbol] && !coin.Enabled {
				if err := tx.Model(&coin).Update("enabled", true).Error; err != nil {
					return err
				}
			}
		}
		for sym := range wanted {
			if known[sym] {
				continue
			}
			coin := domain.Coin{Symbol: sym, Enabled: true, IsBridge: sym == bridge}
			if err := tx.Create(&coin).Error; err != nil {
				return err
			}
		}

		// Pairs between all enabled non-bridge coins.
		for _, from := range symbols {
			for _, to := range symbols {
				if from == to {
					continue
				}
				var pair domain.Pair
				err := tx.Where("from_coin_symbol = ? AND to_coin_symbol = ?", from, to).First(&pair).Error
				if errors.Is(err, gorm.ErrRecordNotFound) {
					pair = domain.Pair{FromCoinSymbol: from, ToCoinSymbol: to}
					if err := tx.Create(&pair).Error; err != nil {
						return err
					}
				} else if err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return &domain.StoreError{Op: "set_coins", Err: err}
	}
	return nil
}

// GetCoins returns the tracked coins, optionally only enabled ones.
func (s *Store) GetCoins(onlyEnabled bool) ([]domain.Coin, error) {
	var coins []domain.Coin
	q := s.db.Order("symbol asc")
	if onlyEnabled {
		q = q.Where("enabled = ?", true)
	}
	err := q.Find(&coins).Error
	return coins, err
}

// GetPair retrieves a directed pair by its coin symbols.
func (s *Store) GetPair(from, to string) (*domain.Pair, error) {
	var pair domain.Pair
	err := s.db.Where("from_coin_symbol = ? AND to_coin_symbol = ?", from, to).First(&pair).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	return &pair, err
}

// SetPairRatio persists the reference ratio for a directed pair.
func (s *Store) SetPairRatio(from, to string, ratio decimal.Decimal) error {
	res := s.db.Model(&domain.Pair{}).
		Where("from_coin_symbol = ? AND to_coin_symbol = ?", from, to).
		Update("ratio", ratio)
	if res.Error != nil {
		return &domain.StoreError{Op: "set_pair_ratio", Err: res.Error}
	}
	return nil
}

// RatioTable returns the seeded reference ratios out of a coin, keyed by the
// target coin symbol. Unseeded pairs are omitted.
func (s *Store) RatioTable(from string) (map[string]decimal.Decimal, error) {
	var pairs []domain.Pair
	if err := s.db.Where("from_coin_symbol = ?", from).Find(&pairs).Error; err != nil {
		return nil, err
	}
	table := make(map[string]decimal.Decimal, len(pairs))
	for _, p := range pairs {
		if !p.Ratio.IsZero() {
			table[p.ToCoinSymbol] = p.Ratio
		}
	}
	return table, nil
}

// UnseededPairs returns pairs that have no reference ratio yet.
func (s *Store) UnseededPairs() ([]domain.Pair, error) {
	var pairs []domain.Pair
	err := s.db.Where("ratio = ? OR ratio IS NULL", decimal.Zero).Find(&pairs).Error
	return pairs, err
}

// PairsFrom returns all pairs out of a coin.
func (s *Store) PairsFrom(from string) ([]domain.Pair, error) {
	var pairs []domain.Pair
	err := s.db.Where("from_coin_symbol = ?", from).Find(&pairs).Error
	return pairs, err
}

// ======================================================================================
// Held coin
// ======================================================================================

// SetCurrentCoin appends a new held-coin row. The latest row is the current
// holding.
func (s *Store) SetCurrentCoin(symbol string) error {
	if err := s.db.Create(&domain.HeldCoin{Symbol: symbol}).Error; err != nil {
		return &domain.StoreError{Op: "set_current_coin", Err: err}
	}
	return nil
}

// GetCurrentCoin returns the currently held coin symbol, or "" when none has
// been recorded yet.
func (s *Store) GetCurrentCoin() (string, error) {
	var held domain.HeldCoin
	err := s.db.Order("id desc").First(&held).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return held.Symbol, nil
}

// ======================================================================================
// Transitions
// ======================================================================================

// CreateTransition durably records a new transition. It fails with
// domain.ErrTransitionOpen when another transition is still open; at most one
// may be open system-wide.
func (s *Store) CreateTransition(t *domain.Transition) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var open int64
		err := tx.Model(&domain.Transition{}).
			Where("phase NOT IN ?", []domain.TransitionPhase{domain.PhaseComplete, domain.PhaseFailed}).
			Count(&open).Error
		if err != nil {
			return err
		}
		if open > 0 {
			return domain.ErrTransitionOpen
		}
		return tx.Create(t).Error
	})
	if errors.Is(err, domain.ErrTransitionOpen) {
		return err
	}
	if err != nil {
		return &domain.StoreError{Op: "create_transition", Err: err}
	}
	return nil
}

// UpdateTransition durably saves a phase advance or order reference.
func (s *Store) UpdateTransition(t *domain.Transition) error {
	if err := s.db.Save(t).Error; err != nil {
		return &domain.StoreError{Op: "update_transition", Err: err}
	}
	return nil
}

// CompleteTransition atomically writes the COMPLETE phase and switches the
// held coin to the transition's target. Either both are visible after a
// crash, or neither.
func (s *Store) CompleteTransition(t *domain.Transition) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(t).Error; err != nil {
			return err
		}
		return tx.Create(&domain.HeldCoin{Symbol: t.ToCoinSymbol}).Error
	})
	if err != nil {
		return &domain.StoreError{Op: "complete_transition", Err: err}
	}
	return nil
}

// GetTransition retrieves a transition by ID.
func (s *Store) GetTransition(id string) (*domain.Transition, error) {
	var t domain.Transition
	err := s.db.First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &t, err
}

// OpenTransitions returns every non-terminal transition. More than one entry
// is an invariant violation the caller must halt on.
func (s *Store) OpenTransitions() ([]domain.Transition, error) {
	var open []domain.Transition
	err := s.db.
		Where("phase NOT IN ?", []domain.TransitionPhase{domain.PhaseComplete, domain.PhaseFailed}).
		Order("created_at asc").
		Find(&open).Error
	return open, err
}

// UnclearedFailure returns the most recent FAILED transition that has not
// been acknowledged by an operator, or nil.
func (s *Store) UnclearedFailure() (*domain.Transition, error) {
	var t domain.Transition
	err := s.db.
		Where("phase = ? AND acknowledged = ?", domain.PhaseFailed, false).
		Order("created_at desc").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// AcknowledgeFailure marks a FAILED transition as seen by an operator so the
// scheduler may rotate again. The frozen failure detail is left untouched.
func (s *Store) AcknowledgeFailure(id string) error {
	res := s.db.Model(&domain.Transition{}).
		Where("id = ? AND phase = ?", id, domain.PhaseFailed).
		Update("acknowledged", true)
	if res.Error != nil {
		return &domain.StoreError{Op: "acknowledge_failure", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no failed transition with id %s", id)
	}
	return nil
}

// History returns terminal transitions, newest first. Completed rows are
// never edited or removed.
func (s *Store) History(limit int) ([]domain.Transition, error) {
	var history []domain.Transition
	q := s.db.
		Where("phase IN ?", []domain.TransitionPhase{domain.PhaseComplete, domain.PhaseFailed}).
		Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&history).Error
	return history, err
}

// ======================================================================================
// Scout history
// ======================================================================================

// LogScouts appends evaluation records for one cycle.
func (s *Store) LogScouts(records []domain.ScoutRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.db.Create(&records).Error; err != nil {
		return &domain.StoreError{Op: "log_scouts", Err: err}
	}
	return nil
}

// RecentScouts returns the newest scout records.
func (s *Store) RecentScouts(limit int) ([]domain.ScoutRecord, error) {
	var records []domain.ScoutRecord
	q := s.db.Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&records).Error
	return records, err
}

// PruneScouts deletes scout records older than cutoff and returns how many
// were removed.
func (s *Store) PruneScouts(cutoff time.Time) (int64, error) {
	res := s.db.Where("created_at < ?", cutoff).Delete(&domain.ScoutRecord{})
	if res.Error != nil {
		return 0, &domain.StoreError{Op: "prune_scouts", Err: res.Error}
	}
	return res.RowsAffected, nil
}
