package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"futurestrader/internal/account"
	"futurestrader/internal/api"
	"futurestrader/internal/balance"
	"futurestrader/internal/breaker"
	"futurestrader/internal/data"
	"futurestrader/internal/engine"
	"futurestrader/internal/events"
	"futurestrader/internal/executor"
	"futurestrader/internal/gateway"
	"futurestrader/internal/market"
	"futurestrader/internal/monitor"
	"futurestrader/internal/notify"
	"futurestrader/internal/order"
	"futurestrader/internal/reconciliation"
	"futurestrader/internal/risk"
	"futurestrader/internal/scheduler"
	"futurestrader/internal/supervisor"
	"futurestrader/pkg/cache"
	"futurestrader/pkg/config"
	"futurestrader/pkg/crypto"
	exchange "futurestrader/pkg/exchanges/common"
	marketbinance "futurestrader/pkg/market/binance"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	log.Info().Str("port", cfg.Port).Msg("starting futurestrader")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Credential encryption --------------------------------------------------
	var keyMgr *crypto.KeyManager
	if os.Getenv("MASTER_ENCRYPTION_KEY") != "" {
		keyMgr, err = crypto.NewKeyManager()
		if err != nil {
			log.Warn().Err(err).Msg("key manager init failed, account credential decryption disabled")
		} else {
			log.Info().Int("version", keyMgr.CurrentVersion()).Msg("key manager initialized")
		}
	}

	// --- Authoritative store + cache mirror, with retry on boot -----------------
	st, err := supervisor.OpenStoreWithRetry(cfg.DatabaseURL, cfg.CacheBboltPath, 5, time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("store unavailable")
	}
	defer st.Close()

	// --- Notification sink --------------------------------------------------------
	notifier := notify.NewPersistentSink(st.DB())
	defer notifier.Close()

	st.StartHealthProbe(ctx, 10*time.Second,
		notifier.DatabaseConnectionFailed,
		notifier.DatabaseConnectionRestored,
	)
	defer st.Stop()

	// --- Account registry: lazy, cached exchange clients per account ref --------
	accounts := account.NewRegistry(st, keyMgr)

	// --- Risk gate + circuit breaker --------------------------------------------
	riskMgr, err := risk.NewManager(st.DB())
	if err != nil {
		log.Warn().Err(err).Msg("risk manager init failed, falling back to in-memory defaults")
		riskMgr = risk.NewInMemory(risk.DefaultConfig())
	}
	gate := risk.NewGate(riskMgr)

	// Hot mark-price cache: the manual order path has no evaluator tick to
	// source a reference price from, so exposure estimation falls back to
	// whatever this saw most recently off the market feed.
	priceCache := cache.NewShardedPriceCache()
	gate.SetPriceCache(priceCache)

	// --- Order executor ----------------------------------------------------------
	execu := executor.New(accounts, st, cfg.FeeRate)
	execu.SetRiskManager(riskMgr)

	// --- Scheduler + circuit breaker (two-phase construction: the breaker needs
	// the scheduler as a Stopper, the scheduler needs the breaker) ----------------
	sched := scheduler.New(st, accounts, execu, gate, nil, notifier, cfg.MaxConcurrentStrategies)
	brk := breaker.New(breaker.DefaultConfig(), sched)
	sched.SetBreaker(brk)
	sched.SetPnLThresholds(cfg.PnLNotifyProfitUSDT, cfg.PnLNotifyLossUSDT)
	sched.SetHistoricalData(data.NewHistoricalDataService(cfg.ExchangeTestnet))

	// --- Boot: restart strategies left running across a restart, then keep
	// sweeping for tasks that died without going through Stop --------------------
	supervisor.Boot(ctx, st, sched, notifier)

	cronSweep, err := supervisor.StartDeadTaskSweep(ctx, sched, "@every "+(time.Duration(cfg.CleanupIntervalSeconds)*time.Second).String())
	if err != nil {
		log.Warn().Err(err).Msg("dead task sweep not scheduled")
	} else {
		defer cronSweep.Stop()
	}

	// Periodically checks every running strategy's fill-history-derived
	// position against what the exchange actually reports.
	reconciliation.NewService(st, accounts, cfg.ReconciliationInterval).Start(ctx)

	// --- Ambient pieces retained from the original single-account stack --------
	bus := events.NewBus()
	sysMetrics := monitor.NewSystemMetrics()

	// Raw price ticks for the /ws feed: a synthetic random walk in mock
	// mode, real Binance klines otherwise. Independent of the scheduler
	// entirely, same as the teacher's original market data layer.
	if cfg.UseMockFeed {
		(&market.MockFeed{Bus: bus, Symbols: cfg.BinanceSymbols}).Start(ctx)
	} else {
		(&market.Feed{
			Client:   marketbinance.NewClient("", "", cfg.ExchangeTestnet),
			Stream:   marketbinance.NewStreamClient(cfg.ExchangeTestnet),
			Bus:      bus,
			Symbols:  cfg.BinanceSymbols,
			Interval: "1m",
		}).Start(ctx)
	}

	// Keeps the mark-price cache fresh off the same price ticks the /ws feed
	// streams, regardless of which feed (real or mock) produced them.
	go func() {
		ch, unsub := bus.Subscribe(events.EventPriceTick, 256)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case payload := <-ch:
				if k, ok := payload.(marketbinance.Kline); ok && k.Symbol != "" && k.Close > 0 {
					priceCache.Set(k.Symbol, k.Close)
				}
			}
		}
	}()

	// Bridges the scheduler's live summaries onto the event bus so the /ws
	// endpoint keeps streaming position/price updates now that strategy
	// evaluation runs inside the scheduler's own tick loop instead of a
	// shared price-tick subscriber.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range sched.RunningIDs() {
					if summary := sched.Summary(id); summary != nil {
						bus.Publish(events.EventPriceTick, summary)
					}
				}
			}
		}
	}()

	// Per-user in-memory balances for multi-user risk-adjacent UI reads;
	// the engine's own GetBalance goes straight to the exchange client via
	// the account registry, so there's no single-account balance.Manager
	// to keep in sync here anymore.
	userBalanceMgr := balance.NewMultiUserManager(func(userID string) (*balance.Manager, error) {
		mgr := balance.NewManager(nil, 30*time.Second)
		initial := cfg.DryRunInitialBalance
		if initial <= 0 {
			initial = 10000.0
		}
		mgr.SetInitialBalance(initial)
		return mgr, nil
	})

	// Gateway pool: a connections-table-backed exchange.Gateway per user
	// connection, distinct from the account registry's accounts-table
	// clients the scheduler uses. The manual order flow below is keyed by
	// connection id (what the UI lets a user pick), not account id, so it
	// resolves through this pool rather than the account registry.
	gatewayFactory := gateway.DefaultFactory
	if cfg.ExchangeTestnet {
		gatewayFactory = gateway.TestnetFactory
	}
	gatewayMgr := gateway.NewManager(st.Database().Queries(), keyMgr, gatewayFactory, gateway.DefaultConfig())
	gatewayMgr.Start(ctx)
	defer gatewayMgr.Stop()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sysMetrics.SetGatewayPoolStats(gatewayMgr.Stats())
			}
		}
	}()

	// Manual, non-strategy order flow: a user-initiated order placed straight
	// from the API, bypassing the scheduler's tick loop entirely.
	orderQueue := order.NewQueue(200)
	go orderQueue.Drain(ctx, func(o order.Order) {
		gw, err := gatewayMgr.GetOrCreate(ctx, o.UserID, o.ConnectionID)
		if err != nil {
			log.Error().Err(err).Str("order_id", o.ID).Msg("manual order: resolve gateway failed")
			sysMetrics.IncrementErrors()
			return
		}
		side := exchange.SideBuy
		if o.Side == "SELL" {
			side = exchange.SideSell
		}
		if _, err := gw.SubmitOrder(ctx, exchange.OrderRequest{
			Symbol: o.Symbol, Side: side, Type: exchange.OrderTypeMarket, Qty: o.Qty,
		}); err != nil {
			gatewayMgr.RecordFailure(o.ConnectionID)
			log.Error().Err(err).Str("order_id", o.ID).Msg("manual order: placement failed")
			sysMetrics.IncrementErrors()
			return
		}
		gatewayMgr.RecordSuccess(o.ConnectionID)
		sysMetrics.IncrementOrders()
	})

	// --- Engine service façade + API ---------------------------------------------
	engService := engine.NewImpl(engine.Config{
		Scheduler: sched,
		Store:     st,
		Gate:      gate,
		RiskMgr:   riskMgr,
		Accounts:  accounts,
		Meta: engine.SystemStatus{
			Mode:        "LIVE",
			DryRun:      cfg.DryRun,
			Venue:       "exchange",
			UseMockFeed: cfg.UseMockFeed,
			Version:     envOrDefault("APP_VERSION", "v1.0-dev"),
		},
	})

	server := api.NewServer(
		bus,
		st.Database(),
		engService,
		sysMetrics,
		orderQueue,
		api.SystemMeta{
			DryRun:      cfg.DryRun,
			UseMockFeed: cfg.UseMockFeed,
			Version:     envOrDefault("APP_VERSION", "v1.0-dev"),
		},
		cfg.JWTSecret,
		keyMgr,
		userBalanceMgr,
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatal().Err(err).Msg("api server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutting down")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
