package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"rotator_go/internal/domain"
	"rotator_go/internal/infra/storage"

	"github.com/shopspring/decimal"
)

// scriptedExchange is a venue fake with injectable failures. Fills are
// instant at fixed prices; client order IDs are recorded so status queries
// and duplicate submissions behave like the real boundary.
type scriptedExchange struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	balances map[string]decimal.Decimal
	orders   map[string]domain.OrderResult

	sellErr error
	buyErr  error

	sellCalls int
	buyCalls  int
}

func newScriptedExchange(prices map[string]string) *scriptedExchange {
	ex := &scriptedExchange{
		prices:   make(map[string]decimal.Decimal, len(prices)),
		balances: make(map[string]decimal.Decimal),
		orders:   make(map[string]domain.OrderResult),
	}
	for symbol, raw := range prices {
		ex.prices[symbol] = decimal.RequireFromString(raw)
	}
	return ex
}

func (e *scriptedExchange) deposit(coin, amount string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[coin] = e.balances[coin].Add(decimal.RequireFromString(amount))
}

func (e *scriptedExchange) recordFill(clientID, symbol string, executed, quote string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders[clientID] = domain.OrderResult{
		Ref:         domain.OrderRef{ClientID: clientID, Symbol: symbol},
		State:       domain.OrderFilled,
		ExecutedQty: decimal.RequireFromString(executed),
		QuoteQty:    decimal.RequireFromString(quote),
	}
}

func (e *scriptedExchange) Sell(ctx context.Context, coin, bridge string, qty decimal.Decimal, clientID string) (domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sellCalls++
	if e.sellErr != nil {
		return domain.OrderResult{}, e.sellErr
	}
	if prior, ok := e.orders[clientID]; ok {
		return prior, nil
	}

	symbol := domain.PairSymbol(coin, bridge)
	proceeds := qty.Mul(e.prices[symbol])
	e.balances[coin] = e.balances[coin].Sub(qty)
	e.balances[bridge] = e.balances[bridge].Add(proceeds)

	res := domain.OrderResult{
		Ref:         domain.OrderRef{ClientID: clientID, Symbol: symbol},
		State:       domain.OrderFilled,
		ExecutedQty: qty,
		QuoteQty:    proceeds,
	}
	e.orders[clientID] = res
	return res, nil
}

func (e *scriptedExchange) Buy(ctx context.Context, coin, bridge string, quoteQty decimal.Decimal, clientID string) (domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buyCalls++
	if e.buyErr != nil {
		return domain.OrderResult{}, e.buyErr
	}
	if prior, ok := e.orders[clientID]; ok {
		return prior, nil
	}

	symbol := domain.PairSymbol(coin, bridge)
	qty := quoteQty.Div(e.prices[symbol])
	e.balances[bridge] = e.balances[bridge].Sub(quoteQty)
	e.balances[coin] = e.balances[coin].Add(qty)

	res := domain.OrderResult{
		Ref:         domain.OrderRef{ClientID: clientID, Symbol: symbol},
		State:       domain.OrderFilled,
		ExecutedQty: qty,
		QuoteQty:    quoteQty,
	}
	e.orders[clientID] = res
	return res, nil
}

func (e *scriptedExchange) OrderStatus(ctx context.Context, ref domain.OrderRef) (domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if res, ok := e.orders[ref.ClientID]; ok {
		return res, nil
	}
	return domain.OrderResult{Ref: ref, State: domain.OrderUnknown}, nil
}

func (e *scriptedExchange) Balance(ctx context.Context, coin string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[coin], nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	return store
}

func newTestMachine(store *storage.Store, ex domain.Exchange) *Machine {
	return NewMachine(store, ex, MachineConfig{
		Bridge:       "USDT",
		RetryCeiling: 3,
		BackoffMin:   time.Millisecond,
		BackoffMax:   2 * time.Millisecond,
		CallTimeout:  time.Second,
	})
}

func TestTransitionHappyPath(t *testing.T) {
	store := newTestStore(t)
	ex := newScriptedExchange(map[string]string{
		"BTCUSDT": "50000",
		"ETHUSDT": "2500",
	})
	ex.deposit("BTC", "1")
	m := newTestMachine(store, ex)

	tr, err := m.Start(context.Background(), "BTC", "ETH")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if tr.Phase != domain.PhaseComplete {
		t.Fatalf("expected COMPLETE, got %s", tr.Phase)
	}
	if tr.SellOrderRef == "" || tr.BuyOrderRef == "" {
		t.Error("both order references must be recorded")
	}
	if !tr.BridgeAmount.Equal(decimal.New(50000, 0)) {
		t.Errorf("expected bridge amount 50000, got %s", tr.BridgeAmount)
	}
	if tr.CompletedAt == nil {
		t.Error("expected CompletedAt set on completion")
	}
	if ex.sellCalls != 1 || ex.buyCalls != 1 {
		t.Errorf("expected exactly one sell and one buy, got %d/%d", ex.sellCalls, ex.buyCalls)
	}

	held, _ := store.GetCurrentCoin()
	if held != "ETH" {
		t.Errorf("expected held coin ETH after completion, got %s", held)
	}

	persisted, err := store.GetTransition(tr.ID)
	if err != nil || persisted == nil {
		t.Fatalf("persisted transition not found: %v", err)
	}
	if persisted.Phase != domain.PhaseComplete {
		t.Errorf("persisted phase is %s, want COMPLETE", persisted.Phase)
	}
}

func TestResumeDoesNotResubmitFilledSell(t *testing.T) {
	store := newTestStore(t)
	ex := newScriptedExchange(map[string]string{
		"BTCUSDT": "50000",
		"ETHUSDT": "2500",
	})
	ex.deposit("USDT", "50000") // the crashed sell already filled

	// A crash after the sell filled but before SOLD was recorded: the
	// persisted record still says PENDING_SELL but carries the order ref the
	// venue knows.
	tr := domain.NewTransition("BTC", "ETH")
	if err := store.CreateTransition(tr); err != nil {
		t.Fatalf("CreateTransition failed: %v", err)
	}
	tr.SellOrderRef = "sell-before-crash"
	if err := store.UpdateTransition(tr); err != nil {
		t.Fatalf("UpdateTransition failed: %v", err)
	}
	ex.recordFill("sell-before-crash", "BTCUSDT", "1", "50000")

	m := newTestMachine(store, ex)
	if err := m.Resume(context.Background(), tr); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if ex.sellCalls != 0 {
		t.Errorf("resume must confirm the recorded sell, not re-issue it; got %d sell calls", ex.sellCalls)
	}
	if tr.Phase != domain.PhaseComplete {
		t.Fatalf("expected COMPLETE after resume, got %s", tr.Phase)
	}
	if !tr.BridgeAmount.Equal(decimal.New(50000, 0)) {
		t.Errorf("resume must adopt the confirmed fill's proceeds, got %s", tr.BridgeAmount)
	}
	held, _ := store.GetCurrentCoin()
	if held != "ETH" {
		t.Errorf("expected held coin ETH, got %s", held)
	}
}

func TestBuyRejectionFreezesTransition(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetCurrentCoin("BTC"); err != nil {
		t.Fatalf("SetCurrentCoin failed: %v", err)
	}
	ex := newScriptedExchange(map[string]string{
		"BTCUSDT": "50000",
		"ETHUSDT": "2500",
	})
	ex.deposit("BTC", "1")
	ex.buyErr = domain.NewExchangeRejection("buy", errors.New("MIN_NOTIONAL"))

	m := newTestMachine(store, ex)
	tr, err := m.Start(context.Background(), "BTC", "ETH")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if tr.Phase != domain.PhaseFailed {
		t.Fatalf("expected FAILED, got %s", tr.Phase)
	}
	if tr.FailedPhase != domain.PhasePendingBuy {
		t.Errorf("expected failure frozen at PENDING_BUY, got %s", tr.FailedPhase)
	}
	if tr.FailReason == "" {
		t.Error("expected a fail reason")
	}

	// The held record keeps the last verified holding; no guess is written.
	held, _ := store.GetCurrentCoin()
	if held != "BTC" {
		t.Errorf("held coin must not change on failure, got %s", held)
	}

	failed, err := store.UnclearedFailure()
	if err != nil || failed == nil {
		t.Fatalf("expected an uncleared failure, got %v (%v)", failed, err)
	}
	if failed.ID != tr.ID {
		t.Errorf("uncleared failure is %s, want %s", failed.ID, tr.ID)
	}
}

func TestRetriableSellExhaustsCeiling(t *testing.T) {
	store := newTestStore(t)
	ex := newScriptedExchange(map[string]string{"BTCUSDT": "50000"})
	ex.deposit("BTC", "1")
	ex.sellErr = domain.NewExchangeError("sell", errors.New("connection reset"))

	m := newTestMachine(store, ex)
	tr, err := m.Start(context.Background(), "BTC", "ETH")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if tr.Phase != domain.PhaseFailed {
		t.Fatalf("expected FAILED after retry exhaustion, got %s", tr.Phase)
	}
	if tr.FailedPhase != domain.PhasePendingSell {
		t.Errorf("expected failure frozen at PENDING_SELL, got %s", tr.FailedPhase)
	}
	if !strings.Contains(tr.FailReason, "exhausted") {
		t.Errorf("expected exhaustion in the fail reason, got %q", tr.FailReason)
	}
	if ex.sellCalls != 3 {
		t.Errorf("expected the retry ceiling of 3 sell attempts, got %d", ex.sellCalls)
	}
}

func TestStartRejectsSecondOpenTransition(t *testing.T) {
	store := newTestStore(t)

	tr := domain.NewTransition("BTC", "ETH")
	if err := store.CreateTransition(tr); err != nil {
		t.Fatalf("CreateTransition failed: %v", err)
	}

	ex := newScriptedExchange(nil)
	m := newTestMachine(store, ex)
	_, err := m.Start(context.Background(), "ETH", "SOL")
	if !errors.Is(err, domain.ErrTransitionOpen) {
		t.Fatalf("expected ErrTransitionOpen, got %v", err)
	}
	if ex.sellCalls != 0 || ex.buyCalls != 0 {
		t.Error("a rejected start must not touch the venue")
	}
}

func TestShutdownLeavesTransitionOpen(t *testing.T) {
	store := newTestStore(t)
	ex := newScriptedExchange(map[string]string{"BTCUSDT": "50000"})
	ex.deposit("BTC", "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // shutdown before the first phase runs

	m := newTestMachine(store, ex)
	tr, err := m.Start(ctx, "BTC", "ETH")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !tr.Open() {
		t.Errorf("transition must stay open through shutdown, got %s", tr.Phase)
	}

	open, _ := store.OpenTransitions()
	if len(open) != 1 {
		t.Fatalf("expected the open record to survive, got %d", len(open))
	}
}

func TestStartEntryBuysFromBridge(t *testing.T) {
	store := newTestStore(t)
	ex := newScriptedExchange(map[string]string{"ETHUSDT": "2500"})
	ex.deposit("USDT", "5000")

	m := newTestMachine(store, ex)
	tr, err := m.StartEntry(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("StartEntry failed: %v", err)
	}

	if tr.Phase != domain.PhaseComplete {
		t.Fatalf("expected COMPLETE, got %s", tr.Phase)
	}
	if tr.FromCoinSymbol != "USDT" || tr.ToCoinSymbol != "ETH" {
		t.Errorf("expected USDT->ETH, got %s->%s", tr.FromCoinSymbol, tr.ToCoinSymbol)
	}
	if !tr.BridgeAmount.Equal(decimal.New(5000, 0)) {
		t.Errorf("expected the verified bridge balance 5000, got %s", tr.BridgeAmount)
	}
	if tr.SellOrderRef != "" {
		t.Error("an entry has nothing to sell")
	}
	if ex.sellCalls != 0 || ex.buyCalls != 1 {
		t.Errorf("expected no sell and one buy, got %d/%d", ex.sellCalls, ex.buyCalls)
	}

	held, _ := store.GetCurrentCoin()
	if held != "ETH" {
		t.Errorf("expected held coin ETH after entry, got %s", held)
	}
	if bal, _ := ex.Balance(context.Background(), "ETH"); !bal.Equal(decimal.New(2, 0)) {
		t.Errorf("expected 2 ETH bought, got %s", bal)
	}
}

func TestStartEntryRejectsEmptyBridge(t *testing.T) {
	store := newTestStore(t)
	ex := newScriptedExchange(map[string]string{"ETHUSDT": "2500"})

	m := newTestMachine(store, ex)
	_, err := m.StartEntry(context.Background(), "ETH")
	if err == nil {
		t.Fatal("expected an error entering with no bridge balance")
	}
	if domain.IsRetriable(err) {
		t.Errorf("an empty bridge is not retriable: %v", err)
	}
	if ex.buyCalls != 0 {
		t.Error("a rejected entry must not submit an order")
	}

	open, _ := store.OpenTransitions()
	if len(open) != 0 {
		t.Errorf("a rejected entry must not leave a record, got %d open", len(open))
	}
}

func TestStartExitSettlesInBridge(t *testing.T) {
	store := newTestStore(t)
	ex := newScriptedExchange(map[string]string{"BTCUSDT": "50000"})
	ex.deposit("BTC", "1")

	m := newTestMachine(store, ex)
	tr, err := m.StartExit(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("StartExit failed: %v", err)
	}

	if tr.Phase != domain.PhaseComplete {
		t.Fatalf("expected COMPLETE, got %s", tr.Phase)
	}
	if tr.ToCoinSymbol != "USDT" {
		t.Errorf("expected the bridge as target, got %s", tr.ToCoinSymbol)
	}
	if !tr.BridgeAmount.Equal(decimal.New(50000, 0)) {
		t.Errorf("expected 50000 bridge proceeds, got %s", tr.BridgeAmount)
	}
	if tr.BuyOrderRef != "" {
		t.Error("an exit has nothing to buy")
	}
	if ex.sellCalls != 1 || ex.buyCalls != 0 {
		t.Errorf("expected one sell and no buy, got %d/%d", ex.sellCalls, ex.buyCalls)
	}

	held, _ := store.GetCurrentCoin()
	if held != "USDT" {
		t.Errorf("expected the bridge held after exit, got %s", held)
	}
}
