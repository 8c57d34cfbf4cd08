package app

import (
	"fmt"
	"log/slog"
	"time"

	"rotator_go/internal/api"
	"rotator_go/internal/domain"
	"rotator_go/internal/engine"
	"rotator_go/internal/execution"
	"rotator_go/internal/infra"
	"rotator_go/internal/infra/binance"
	"rotator_go/internal/infra/storage"
	"rotator_go/internal/service"
	"rotator_go/internal/strategy"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config    *infra.Config
	Store     *storage.Store
	Cache     *service.PriceCache
	Stream    *service.StreamWorker
	Exchange  domain.Exchange
	Scheduler *engine.Scheduler
	API       *api.Server

	pruner *cron.Cron
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization: config, logger, store,
// tracked coin set, exchange boundary and the rotation engine.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping rotator...")

	// .env is optional; real deployments use environment variables.
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = "data/rotator.db"
	}
	store, err := storage.New(dbPath)
	if err != nil {
		return err
	}
	b.Store = store
	slog.Info("✅ Database initialized", "path", dbPath)

	if err := store.SetCoins(cfg.Coins, cfg.Bridge); err != nil {
		return err
	}
	if err := b.initHeldCoin(); err != nil {
		return err
	}

	symbols := make([]string, 0, len(cfg.Coins))
	for _, coin := range cfg.Coins {
		symbols = append(symbols, domain.PairSymbol(coin, cfg.Bridge))
	}

	if cfg.Exchange.Paper {
		b.Cache = service.NewPriceCache(binance.NewClient(cfg), symbols)
		paper := execution.NewPaperExchange(b.Cache, cfg.FeeRatioDecimal())
		held, _ := store.GetCurrentCoin()
		// Dry runs start with one unit of the held coin.
		paper.Deposit(held, decimal.New(1, 0))
		b.Exchange = paper
		slog.Info("✅ Paper exchange ready", "deposit_coin", held)
	} else {
		client := binance.NewClient(cfg)
		b.Cache = service.NewPriceCache(client, symbols)
		b.Exchange = client
		slog.Info("✅ Binance exchange ready")
	}

	if cfg.Exchange.WSURL != "" {
		b.Stream = service.NewStreamWorker(cfg.Exchange.WSURL, symbols, b.Cache)
	}

	policy := strategy.NewRatioJumpPolicy(strategy.Params{
		Bridge:    cfg.Bridge,
		Coins:     cfg.Coins,
		Threshold: cfg.JumpThresholdDecimal(),
		Fee:       cfg.FeeRatioDecimal(),
		MaxAge:    cfg.StalenessThreshold(),
	})

	machine := engine.NewMachine(store, b.Exchange, engine.MachineConfig{
		Bridge:       cfg.Bridge,
		RetryCeiling: cfg.Engine.RetryCeiling,
		BackoffMin:   cfg.BackoffMin(),
		BackoffMax:   cfg.BackoffMax(),
		CallTimeout:  cfg.CallTimeout(),
	})

	b.Scheduler = engine.NewScheduler(store, b.Cache, policy, machine, b.Exchange, engine.SchedulerConfig{
		Bridge:         cfg.Bridge,
		Interval:       cfg.ScoutInterval(),
		MaxAge:         cfg.StalenessThreshold(),
		StopLossRatio:  cfg.StopLossRatioDecimal(),
		StopLossWindow: cfg.StopLossWindow(),
	})

	b.API = api.NewServer(cfg.API.ListenAddr, store, b.Scheduler, infra.GlobalMetrics)

	return nil
}

// initHeldCoin resolves the startup holding: the persisted record wins, then
// the configured initial coin, then the first tracked coin (deterministic).
func (b *Bootstrap) initHeldCoin() error {
	held, err := b.Store.GetCurrentCoin()
	if err != nil {
		return err
	}
	if held != "" {
		slog.Info("✅ Held coin restored", "coin", held)
		return nil
	}

	initial := b.Config.Scout.InitialCoin
	if initial == "" {
		initial = b.Config.Coins[0]
	} else {
		found := false
		for _, coin := range b.Config.Coins {
			if coin == initial {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("initial coin %s is not in the tracked set", initial)
		}
	}

	if err := b.Store.SetCurrentCoin(initial); err != nil {
		return err
	}
	slog.Info("✅ Held coin initialized", "coin", initial)
	return nil
}

// StartMaintenance schedules the scout-history pruner.
func (b *Bootstrap) StartMaintenance() {
	retention := time.Duration(b.Config.Scout.HistoryRetentionHours) * time.Hour
	if retention <= 0 {
		retention = 48 * time.Hour
	}

	b.pruner = cron.New()
	b.pruner.AddFunc("@hourly", func() {
		removed, err := b.Store.PruneScouts(time.Now().Add(-retention))
		if err != nil {
			slog.Error("scout prune failed", "error", err)
			return
		}
		if removed > 0 {
			slog.Info("scout history pruned", "removed", removed)
		}
	})
	b.pruner.Start()
}

// StopMaintenance stops the pruner and waits for a running job.
func (b *Bootstrap) StopMaintenance() {
	if b.pruner != nil {
		<-b.pruner.Stop().Done()
	}
}
