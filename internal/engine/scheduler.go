package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"rotator_go/internal/domain"
	"rotator_go/internal/infra"
	"rotator_go/internal/infra/storage"
	"rotator_go/internal/service"
	"rotator_go/internal/strategy"

	"github.com/shopspring/decimal"
)

// Scheduler drives the rotation cadence: refresh prices, resume any open
// transition, otherwise evaluate the decision policy and execute a switch
// synchronously to a terminal phase. Rotations never overlap.
type Scheduler struct {
	store    *storage.Store
	cache    *service.PriceCache
	policy   strategy.Policy
	machine  *Machine
	exchange domain.Exchange
	stopLoss *strategy.StopLoss

	bridge   string
	interval time.Duration
	maxAge   time.Duration

	halted     atomic.Bool
	haltReason atomic.Value // string

	logger  *slog.Logger
	metrics *infra.Metrics
}

// SchedulerConfig carries the cadence and risk knobs for the control loop.
type SchedulerConfig struct {
	Bridge   string
	Interval time.Duration
	MaxAge   time.Duration

	// StopLossRatio is the drop from the recent high that exits the holding
	// to the bridge; zero disables the stop. StopLossWindow bounds how far
	// back the high is tracked.
	StopLossRatio  decimal.Decimal
	StopLossWindow time.Duration
}

// NewScheduler wires the control loop.
func NewScheduler(store *storage.Store, cache *service.PriceCache, policy strategy.Policy, machine *Machine, exchange domain.Exchange, cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		store:    store,
		cache:    cache,
		policy:   policy,
		machine:  machine,
		exchange: exchange,
		stopLoss: strategy.NewStopLoss(cfg.StopLossRatio, cfg.StopLossWindow),
		bridge:   cfg.Bridge,
		interval: cfg.Interval,
		maxAge:   cfg.MaxAge,
		logger:   slog.Default().With("module", "scheduler"),
		metrics:  infra.GlobalMetrics,
	}
	s.haltReason.Store("")
	return s
}

// Run blocks until ctx is cancelled. Any open transition is resumed before
// the first evaluation; a crash mid-rotation therefore finishes (or freezes)
// the old rotation before a new one can start.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.interval.String())

	if err := s.cache.Refresh(ctx); err != nil {
		s.logger.Warn("initial price refresh failed", "error", err)
	}
	s.resumeOpen(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.metrics.RecordTick()

	if s.halted.Load() {
		s.logger.Warn("rotation halted, tick skipped", "reason", s.HaltReason())
		return
	}

	if err := s.cache.Refresh(ctx); err != nil {
		// Known-good samples are retained and flagged; staleness checks
		// below decide whether anything is still usable.
		s.logger.Warn("price refresh failed", "error", err)
	}

	if handled := s.resumeOpen(ctx); handled {
		return
	}

	failed, err := s.store.UnclearedFailure()
	if err != nil {
		s.logger.Error("could not check failure state", "error", err)
		return
	}
	if failed != nil {
		s.logger.Warn("previous rotation failed, awaiting operator acknowledgement",
			"id", failed.ID, "failed_phase", string(failed.FailedPhase))
		return
	}

	held, ok := s.verifyHolding(ctx)
	if !ok {
		return
	}

	book := s.cache.Snapshot()
	s.seedRatios(book)

	if held == s.bridge {
		s.bridgeScout(ctx, book)
		return
	}

	if s.stopLoss.Enabled() {
		if sample, fresh := book.Fresh(domain.PairSymbol(held, s.bridge), s.maxAge); fresh &&
			s.stopLoss.Observe(held, sample.Price, book.Taken) {
			s.logger.Warn("trailing stop loss triggered, exiting to bridge",
				"held", held, "price", sample.Price.String())
			tr, err := s.machine.StartExit(ctx, held)
			s.settleOutcome(tr, err, s.bridge)
			return
		}
	}

	refs, err := s.store.RatioTable(held)
	if err != nil {
		s.logger.Error("could not load reference ratios", "error", err)
		return
	}

	decision, err := s.policy.Evaluate(book, held, refs)
	if errors.Is(err, domain.ErrStalePrice) {
		s.metrics.RecordStaleSkip()
		s.logger.Warn("held coin price is stale, cycle skipped", "held", held)
		return
	}
	if err != nil {
		s.logger.Error("evaluation failed", "error", err)
		return
	}
	s.metrics.RecordEvaluation()
	s.logScouts(held, decision)

	if !decision.Switch() {
		return
	}
	s.logger.Info("switch decided",
		"from", held, "to", decision.Target, "jump", decision.Jump.String())

	tr, err := s.machine.Start(ctx, held, decision.Target)
	s.settleOutcome(tr, err, decision.Target)
}

// verifyHolding cross-checks the recorded holding against the venue before
// betting on it. A recorded coin the venue shows no balance for is recovered
// to the bridge when the proceeds sit there (the signature of a rotation
// that sold but never bought); when neither balance exists the records
// contradict the venue and rotation halts.
func (s *Scheduler) verifyHolding(ctx context.Context) (string, bool) {
	held, err := s.store.GetCurrentCoin()
	if err != nil {
		s.logger.Error("could not read held coin", "error", err)
		return "", false
	}
	if held == "" {
		s.logger.Warn("no holding recorded")
		return "", false
	}
	if held == s.bridge {
		return held, true
	}

	bal, err := s.exchange.Balance(ctx, held)
	if err != nil {
		s.logger.Warn("could not verify holding, cycle skipped", "held", held, "error", err)
		return "", false
	}
	if bal.IsPositive() {
		return held, true
	}

	bridgeBal, err := s.exchange.Balance(ctx, s.bridge)
	if err != nil {
		s.logger.Warn("could not verify bridge balance, cycle skipped", "error", err)
		return "", false
	}
	if bridgeBal.IsPositive() {
		s.logger.Warn("recorded holding has no venue balance, recovering to bridge",
			"held", held, "bridge_balance", bridgeBal.String())
		if err := s.store.SetCurrentCoin(s.bridge); err != nil {
			s.logger.Error("could not record bridge holding", "error", err)
			return "", false
		}
		return s.bridge, true
	}

	s.halt(fmt.Sprintf("recorded holding %s has no venue balance and neither does the bridge", held))
	return "", false
}

// bridgeScout looks for a coin worth entering when the account holds only
// the bridge. Each candidate is scored by the average positive jump it would
// see over the other coins if it were held; no positive potential means the
// bridge is kept.
func (s *Scheduler) bridgeScout(ctx context.Context, book *domain.PriceBook) {
	coins, err := s.store.GetCoins(true)
	if err != nil {
		s.logger.Error("could not load tracked coins", "error", err)
		return
	}

	best := ""
	bestScore := decimal.Zero
	for _, coin := range coins {
		if coin.IsBridge {
			continue
		}
		refs, err := s.store.RatioTable(coin.Symbol)
		if err != nil {
			s.logger.Error("could not load reference ratios", "coin", coin.Symbol, "error", err)
			continue
		}
		decision, err := s.policy.Evaluate(book, coin.Symbol, refs)
		if err != nil {
			continue // stale candidates sit this cycle out
		}
		score := averagePositiveJump(decision.Candidates)
		if !score.IsPositive() {
			continue
		}
		if best == "" || score.GreaterThan(bestScore) || (score.Equal(bestScore) && coin.Symbol < best) {
			best, bestScore = coin.Symbol, score
		}
	}
	if best == "" {
		s.logger.Info("no entry opportunity, staying in bridge")
		return
	}

	s.logger.Info("entry decided", "to", best, "potential", bestScore.String())
	tr, err := s.machine.StartEntry(ctx, best)
	s.settleOutcome(tr, err, best)
}

func averagePositiveJump(candidates []strategy.Candidate) decimal.Decimal {
	sum := decimal.Zero
	count := 0
	for _, c := range candidates {
		if c.Jump.IsPositive() {
			sum = sum.Add(c.Jump)
			count++
		}
	}
	if count == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.New(int64(count), 0))
}

// settleOutcome interprets the terminal result of a driven transition.
func (s *Scheduler) settleOutcome(tr *domain.Transition, err error, target string) {
	switch {
	case errors.Is(err, domain.ErrTransitionOpen):
		s.logger.Warn("transition already open, switch not started")
	case errors.Is(err, domain.ErrInvariantViolation):
		s.halt(err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Shutdown mid-rotation; the open record resumes on next start.
	case err != nil:
		s.logger.Error("rotation did not reach a terminal phase", "error", err)
	default:
		if tr.Phase == domain.PhaseComplete {
			s.stopLoss.Reset()
			if target != s.bridge {
				s.reanchor(target)
			}
		}
	}
}

// resumeOpen resumes the single open transition, if any. Finding more than
// one is an invariant violation: automatic rotation halts rather than
// guessing which record is real.
func (s *Scheduler) resumeOpen(ctx context.Context) bool {
	open, err := s.store.OpenTransitions()
	if err != nil {
		s.logger.Error("could not read open transitions", "error", err)
		return true
	}
	switch len(open) {
	case 0:
		return false
	case 1:
		tr := open[0]
		if err := s.machine.Resume(ctx, &tr); err != nil {
			s.logger.Error("resume did not reach a terminal phase", "id", tr.ID, "error", err)
		} else if tr.Phase == domain.PhaseComplete && tr.ToCoinSymbol != s.bridge {
			s.reanchor(tr.ToCoinSymbol)
		}
		return true
	default:
		ids := make([]string, 0, len(open))
		for _, tr := range open {
			ids = append(ids, tr.ID)
		}
		s.halt("multiple open transitions found: " + strings.Join(ids, ", "))
		return true
	}
}

// seedRatios persists a baseline for any pair that has none yet, using the
// current snapshot. Without a baseline a pair cannot produce a jump score.
func (s *Scheduler) seedRatios(book *domain.PriceBook) {
	pairs, err := s.store.UnseededPairs()
	if err != nil {
		s.logger.Error("could not load unseeded pairs", "error", err)
		return
	}
	for _, pair := range pairs {
		from, okFrom := book.Fresh(domain.PairSymbol(pair.FromCoinSymbol, s.bridge), s.maxAge)
		to, okTo := book.Fresh(domain.PairSymbol(pair.ToCoinSymbol, s.bridge), s.maxAge)
		if !okFrom || !okTo {
			continue
		}
		if err := s.store.SetPairRatio(pair.FromCoinSymbol, pair.ToCoinSymbol, from.Price.Div(to.Price)); err != nil {
			s.logger.Error("could not seed pair ratio",
				"from", pair.FromCoinSymbol, "to", pair.ToCoinSymbol, "error", err)
		}
	}
}

// reanchor re-records the reference ratios out of the newly held coin at the
// prices that closed the rotation, so the next jump is measured from here.
func (s *Scheduler) reanchor(held string) {
	book := s.cache.Snapshot()
	heldSample, ok := book.Fresh(domain.PairSymbol(held, s.bridge), s.maxAge)
	if !ok {
		s.logger.Warn("cannot reanchor ratios, held price unusable", "held", held)
		return
	}

	pairs, err := s.store.PairsFrom(held)
	if err != nil {
		s.logger.Error("could not load pairs for reanchor", "error", err)
		return
	}
	for _, pair := range pairs {
		to, ok := book.Fresh(domain.PairSymbol(pair.ToCoinSymbol, s.bridge), s.maxAge)
		if !ok {
			continue
		}
		if err := s.store.SetPairRatio(held, pair.ToCoinSymbol, heldSample.Price.Div(to.Price)); err != nil {
			s.logger.Error("could not reanchor pair ratio",
				"from", held, "to", pair.ToCoinSymbol, "error", err)
		}
	}
}

// logScouts appends this cycle's candidate scores to the audit log.
func (s *Scheduler) logScouts(held string, decision strategy.Decision) {
	if len(decision.Candidates) == 0 {
		return
	}
	records := make([]domain.ScoutRecord, 0, len(decision.Candidates))
	for _, c := range decision.Candidates {
		records = append(records, domain.ScoutRecord{
			FromCoinSymbol: held,
			ToCoinSymbol:   c.Coin,
			CurrentRatio:   c.CurrentRatio,
			TargetRatio:    c.ReferenceRatio,
			Jump:           c.Jump,
			CreatedAt:      time.Now(),
		})
	}
	if err := s.store.LogScouts(records); err != nil {
		s.logger.Warn("could not log scout records", "error", err)
	}
}

func (s *Scheduler) halt(reason string) {
	s.halted.Store(true)
	s.haltReason.Store(reason)
	s.metrics.SetRotationHalted(true)
	s.logger.Error("automatic rotation halted", "reason", reason)
}

// Halted reports whether automatic rotation is suspended.
func (s *Scheduler) Halted() bool {
	return s.halted.Load()
}

// HaltReason returns why rotation was halted, or "".
func (s *Scheduler) HaltReason() string {
	reason, _ := s.haltReason.Load().(string)
	return reason
}
