package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rotator_go/internal/domain"
	"rotator_go/internal/infra"
	"rotator_go/internal/infra/storage"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
)

// Machine drives one transition at a time through
// PENDING_SELL -> SOLD -> PENDING_BUY -> COMPLETE, persisting every phase
// advance before the exchange call it authorizes. Order submissions are not
// idempotent at the venue, so the client order ID is durable before the
// order exists: a resume can always ask the venue about the prior attempt
// instead of blindly re-issuing it.
type Machine struct {
	store    *storage.Store
	exchange domain.Exchange
	bridge   string

	retryCeiling int
	backoffMin   time.Duration
	backoffMax   time.Duration
	callTimeout  time.Duration

	logger  *slog.Logger
	metrics *infra.Metrics
}

// MachineConfig carries the retry and timeout policy.
type MachineConfig struct {
	Bridge       string
	RetryCeiling int
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	CallTimeout  time.Duration
}

// NewMachine creates a transition state machine.
func NewMachine(store *storage.Store, exchange domain.Exchange, cfg MachineConfig) *Machine {
	return &Machine{
		store:        store,
		exchange:     exchange,
		bridge:       cfg.Bridge,
		retryCeiling: cfg.RetryCeiling,
		backoffMin:   cfg.BackoffMin,
		backoffMax:   cfg.BackoffMax,
		callTimeout:  cfg.CallTimeout,
		logger:       slog.Default().With("module", "transition"),
		metrics:      infra.GlobalMetrics,
	}
}

// Start creates and durably records a new transition, then drives it to a
// terminal phase. The record exists before any network call; that ordering
// is the crash-safety guarantee.
func (m *Machine) Start(ctx context.Context, from, to string) (*domain.Transition, error) {
	tr := domain.NewTransition(from, to)
	if err := m.store.CreateTransition(tr); err != nil {
		return nil, err
	}
	m.logger.Info("transition created",
		"id", tr.ID, "from", from, "to", to)
	return tr, m.run(ctx, tr)
}

// StartEntry rotates out of a bridge-only holding into a coin. The account
// already holds the bridge, so the transition is created at SOLD with the
// verified bridge balance and runs only the buy half of the protocol.
func (m *Machine) StartEntry(ctx context.Context, to string) (*domain.Transition, error) {
	var amount decimal.Decimal
	err := m.retry(ctx, "balance", func(callCtx context.Context) error {
		var err error
		amount, err = m.exchange.Balance(callCtx, m.bridge)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, domain.NewExchangeRejection("balance", fmt.Errorf("no %s balance to enter with", m.bridge))
	}

	tr := domain.NewTransition(m.bridge, to)
	tr.Phase = domain.PhaseSold
	tr.BridgeAmount = amount
	if err := m.store.CreateTransition(tr); err != nil {
		return nil, err
	}
	m.logger.Info("entry transition created",
		"id", tr.ID, "to", to, "bridge_amount", amount.String())
	return tr, m.run(ctx, tr)
}

// StartExit rotates the held coin into the bridge and stops there, e.g. for
// a stop-loss. Only the sell half of the protocol runs; on completion the
// bridge is the recorded holding.
func (m *Machine) StartExit(ctx context.Context, from string) (*domain.Transition, error) {
	tr := domain.NewTransition(from, m.bridge)
	if err := m.store.CreateTransition(tr); err != nil {
		return nil, err
	}
	m.logger.Info("exit transition created", "id", tr.ID, "from", from)
	return tr, m.run(ctx, tr)
}

// Resume picks an open transition back up, typically after a restart. The
// persisted phase and order references make the resume point unambiguous.
func (m *Machine) Resume(ctx context.Context, tr *domain.Transition) error {
	m.logger.Info("resuming open transition",
		"id", tr.ID, "phase", string(tr.Phase), "from", tr.FromCoinSymbol, "to", tr.ToCoinSymbol)
	return m.run(ctx, tr)
}

func (m *Machine) run(ctx context.Context, tr *domain.Transition) error {
	for tr.Open() {
		if err := ctx.Err(); err != nil {
			// Graceful shutdown between phases; the open record resumes on
			// next start.
			return err
		}

		var err error
		switch tr.Phase {
		case domain.PhasePendingSell:
			err = m.stepSell(ctx, tr)
		case domain.PhaseSold:
			if tr.ToCoinSymbol == m.bridge {
				err = m.stepSettle(tr)
			} else {
				err = m.stepEnterBuy(tr)
			}
		case domain.PhasePendingBuy:
			err = m.stepBuy(ctx, tr)
		default:
			err = fmt.Errorf("%w: transition %s in unknown phase %q", domain.ErrInvariantViolation, tr.ID, tr.Phase)
		}
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		var storeErr *domain.StoreError
		if errors.As(err, &storeErr) {
			// Never proceed to a side effect without a durable record of
			// intent. Leave the transition open; the scheduler retries the
			// resume.
			return err
		}
		m.fail(tr, err)
	}
	if tr.Phase == domain.PhaseComplete {
		m.metrics.RecordRotationCompleted()
	}
	return nil
}

// stepSell converts PENDING_SELL into SOLD with the realized bridge amount.
func (m *Machine) stepSell(ctx context.Context, tr *domain.Transition) error {
	if tr.SellOrderRef == "" {
		tr.SellOrderRef = uuid.NewString()
		if err := m.store.UpdateTransition(tr); err != nil {
			tr.SellOrderRef = ""
			return err
		}
	}
	ref := domain.OrderRef{
		ClientID: tr.SellOrderRef,
		Symbol:   domain.PairSymbol(tr.FromCoinSymbol, m.bridge),
	}

	res, err := m.confirmOrSubmit(ctx, ref, func(callCtx context.Context) (domain.OrderResult, error) {
		qty, err := m.heldBalance(callCtx, tr.FromCoinSymbol)
		if err != nil {
			return domain.OrderResult{}, err
		}
		return m.exchange.Sell(callCtx, tr.FromCoinSymbol, m.bridge, qty, tr.SellOrderRef)
	})
	if err != nil {
		return err
	}

	tr.BridgeAmount = res.QuoteQty
	tr.Phase = domain.PhaseSold
	if err := m.store.UpdateTransition(tr); err != nil {
		return err
	}
	m.logger.Info("sell filled",
		"id", tr.ID, "coin", tr.FromCoinSymbol, "bridge_amount", tr.BridgeAmount.String())
	return nil
}

// stepEnterBuy assigns the buy order reference and advances to PENDING_BUY
// in a single durable write, before any buy is submitted.
func (m *Machine) stepEnterBuy(tr *domain.Transition) error {
	tr.BuyOrderRef = uuid.NewString()
	tr.Phase = domain.PhasePendingBuy
	if err := m.store.UpdateTransition(tr); err != nil {
		tr.BuyOrderRef = ""
		tr.Phase = domain.PhaseSold
		return err
	}
	return nil
}

// stepSettle completes a transition whose target is the bridge itself: the
// sell proceeds already sit where they belong, there is nothing to buy.
func (m *Machine) stepSettle(tr *domain.Transition) error {
	now := time.Now()
	tr.Phase = domain.PhaseComplete
	tr.CompletedAt = &now
	if err := m.store.CompleteTransition(tr); err != nil {
		tr.Phase = domain.PhaseSold
		tr.CompletedAt = nil
		return err
	}
	m.logger.Info("transition settled in bridge",
		"id", tr.ID, "from", tr.FromCoinSymbol, "bridge_amount", tr.BridgeAmount.String())
	return nil
}

// stepBuy converts PENDING_BUY into COMPLETE and atomically switches the
// held coin.
func (m *Machine) stepBuy(ctx context.Context, tr *domain.Transition) error {
	if tr.BuyOrderRef == "" {
		return fmt.Errorf("%w: transition %s is PENDING_BUY without a buy order ref", domain.ErrInvariantViolation, tr.ID)
	}
	ref := domain.OrderRef{
		ClientID: tr.BuyOrderRef,
		Symbol:   domain.PairSymbol(tr.ToCoinSymbol, m.bridge),
	}

	res, err := m.confirmOrSubmit(ctx, ref, func(callCtx context.Context) (domain.OrderResult, error) {
		return m.exchange.Buy(callCtx, tr.ToCoinSymbol, m.bridge, tr.BridgeAmount, tr.BuyOrderRef)
	})
	if err != nil {
		return err
	}

	now := time.Now()
	tr.Phase = domain.PhaseComplete
	tr.CompletedAt = &now
	if err := m.store.CompleteTransition(tr); err != nil {
		tr.Phase = domain.PhasePendingBuy
		tr.CompletedAt = nil
		return err
	}
	m.logger.Info("transition complete",
		"id", tr.ID, "held", tr.ToCoinSymbol, "executed_qty", res.ExecutedQty.String())
	return nil
}

// confirmOrSubmit implements the resume discipline shared by both order
// phases: query the persisted reference first, submit only when the venue
// has never seen it, then poll to a fill.
func (m *Machine) confirmOrSubmit(ctx context.Context, ref domain.OrderRef, submit func(context.Context) (domain.OrderResult, error)) (domain.OrderResult, error) {
	var res domain.OrderResult
	err := m.retry(ctx, "order_status", func(callCtx context.Context) error {
		var err error
		res, err = m.exchange.OrderStatus(callCtx, ref)
		return err
	})
	if err != nil {
		return domain.OrderResult{}, err
	}

	if res.State == domain.OrderUnknown {
		err = m.retry(ctx, "submit", func(callCtx context.Context) error {
			var err error
			res, err = submit(callCtx)
			return err
		})
		if err != nil {
			return domain.OrderResult{}, err
		}
	}

	return m.awaitFill(ctx, ref, res)
}

// awaitFill polls the order until it fills, fails, or the polling ceiling is
// exhausted.
func (m *Machine) awaitFill(ctx context.Context, ref domain.OrderRef, res domain.OrderResult) (domain.OrderResult, error) {
	bo := m.newBackoff()
	for attempt := 0; ; attempt++ {
		switch res.State {
		case domain.OrderFilled:
			return res, nil
		case domain.OrderFailed:
			return res, fmt.Errorf("%w: order %s was rejected or canceled by the venue", domain.ErrOrderNotFilled, ref.ClientID)
		}

		if attempt >= m.retryCeiling {
			return res, fmt.Errorf("%w: order %s still pending after %d polls", domain.ErrOrderNotFilled, ref.ClientID, attempt)
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(bo.Duration()):
		}

		err := m.retry(ctx, "order_status", func(callCtx context.Context) error {
			var err error
			res, err = m.exchange.OrderStatus(callCtx, ref)
			return err
		})
		if err != nil {
			return res, err
		}
	}
}

// retry runs one exchange operation with bounded exponential backoff. Venue
// rejections are returned immediately; only retriable failures burn further
// attempts. Each attempt gets its own timeout on a context that survives
// shutdown, so an outstanding call always finishes or times out rather than
// being cut mid-flight.
func (m *Machine) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	bo := m.newBackoff()
	var lastErr error
	for attempt := 1; attempt <= m.retryCeiling; attempt++ {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.callTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		m.metrics.RecordExchangeError()
		if !domain.IsRetriable(err) {
			return err
		}

		m.logger.Warn("exchange call failed, backing off",
			"op", op, "attempt", attempt, "error", err)
		if attempt == m.retryCeiling {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}
	return fmt.Errorf("%s exhausted %d attempts: %w", op, m.retryCeiling, lastErr)
}

func (m *Machine) newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    m.backoffMin,
		Max:    m.backoffMax,
		Factor: 2,
		Jitter: true,
	}
}

// heldBalance asks the venue what is actually held rather than assuming.
func (m *Machine) heldBalance(ctx context.Context, coin string) (decimal.Decimal, error) {
	qty, err := m.exchange.Balance(ctx, coin)
	if err != nil {
		return decimal.Zero, err
	}
	if qty.IsZero() {
		return decimal.Zero, domain.NewExchangeRejection("balance", fmt.Errorf("no %s balance to sell", coin))
	}
	return qty, nil
}

// fail freezes the transition for diagnosis. The held coin record is left
// untouched: the system keeps whatever it verifiably holds, and the
// scheduler will not rotate again until an operator acknowledges the
// failure.
func (m *Machine) fail(tr *domain.Transition, cause error) {
	tr.FailedPhase = tr.Phase
	tr.Phase = domain.PhaseFailed
	tr.FailReason = cause.Error()
	now := time.Now()
	tr.CompletedAt = &now

	if err := m.store.UpdateTransition(tr); err != nil {
		// The store is down while a failure needs recording. Nothing safe is
		// left to do automatically; the open record will be found on restart.
		m.logger.Error("could not persist FAILED phase", "id", tr.ID, "error", err)
		return
	}

	m.metrics.RecordRotationFailed()
	m.logger.Error("transition failed, operator attention required",
		"id", tr.ID,
		"failed_phase", string(tr.FailedPhase),
		"from", tr.FromCoinSymbol,
		"to", tr.ToCoinSymbol,
		"reason", tr.FailReason)
	m.logVerifiedHoldings(tr)
}

// logVerifiedHoldings records what the venue says we hold after a failure,
// queried rather than assumed, so the frozen record is diagnosable.
func (m *Machine) logVerifiedHoldings(tr *domain.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout)
	defer cancel()

	for _, coin := range []string{tr.FromCoinSymbol, m.bridge, tr.ToCoinSymbol} {
		qty, err := m.exchange.Balance(ctx, coin)
		if err != nil {
			m.logger.Warn("balance check failed", "coin", coin, "error", err)
			continue
		}
		m.logger.Info("verified balance", "coin", coin, "amount", qty.String())
	}
}
