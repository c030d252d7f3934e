// Package orchestrator runs the periodic trading loop: configuration
// reload, market data subscriptions, slot management and signal intake.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"

	"bbtrader/internal/config"
	"bbtrader/internal/core"
	binanceadapter "bbtrader/internal/exchange/binance"
	"bbtrader/internal/infrastructure/metrics"
	"bbtrader/internal/signal"
	"bbtrader/internal/trading/pending"
	"bbtrader/internal/trading/position"
)

const (
	symbolWorkers   = 4
	rateLimitFactor = 4
	triggerHistory  = 50
)

// Orchestrator owns the tick loop. Symbols are processed in a bounded
// worker pool; slots within one symbol are processed serially, LONG before
// SHORT.
type Orchestrator struct {
	cfg        *config.Config
	store      core.IStateStore
	marketData core.IMarketData
	evaluator  *signal.Evaluator
	pom        *pending.Manager
	pm         *position.Manager
	control    core.IControl
	exchange   core.IExchange
	notifier   core.INotifier
	metrics    *metrics.Metrics
	logger     core.ILogger
	pool       *pond.WorkerPool

	symbols       map[string]core.SymbolConfig
	symbolsLoaded time.Time

	// leverageSet tracks per-symbol leverage already applied, keyed by
	// "SYMBOL:leverage" so config changes re-apply.
	leverageMu  sync.Mutex
	leverageSet map[string]bool
}

func New(cfg *config.Config, store core.IStateStore, marketData core.IMarketData,
	evaluator *signal.Evaluator, pom *pending.Manager, pm *position.Manager,
	control core.IControl, exchange core.IExchange, notifier core.INotifier,
	m *metrics.Metrics, logger core.ILogger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		marketData: marketData,
		evaluator:  evaluator,
		pom:        pom,
		pm:         pm,
		control:    control,
		exchange:   exchange,
		notifier:   notifier,
		metrics:    m,
		logger:     logger.WithField("component", "orchestrator"),
		pool: pond.New(symbolWorkers, symbolWorkers*4,
			pond.MinWorkers(1),
			pond.Strategy(pond.Balanced())),
		leverageSet: make(map[string]bool),
	}
}

// Run loops until ctx is cancelled. The tick sleep subtracts the work
// duration; a rate-limit rejection extends the sleep.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Orchestrator started",
		"tick_seconds", o.cfg.Trading.TickIntervalSeconds,
		"reload_seconds", o.cfg.Trading.ConfigReloadSeconds)
	defer o.pool.StopAndWait()

	tickDur := time.Duration(o.cfg.Trading.TickIntervalSeconds) * time.Second

	for {
		start := time.Now()
		rateLimited := o.tick(ctx)
		elapsed := time.Since(start)
		o.metrics.IncTick()
		o.metrics.ObserveTickDuration(elapsed.Seconds())

		sleep := tickDur - elapsed
		if rateLimited {
			sleep = tickDur * rateLimitFactor
			o.logger.Warn("Rate limited, extending tick sleep", "sleep", sleep)
		}
		if sleep < 0 {
			sleep = 0
		}

		select {
		case <-ctx.Done():
			o.logger.Info("Orchestrator stopped")
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// tick runs one full pass. Returns true when a rate-limit rejection was
// observed anywhere in the pass.
func (o *Orchestrator) tick(ctx context.Context) (rateLimited bool) {
	o.reloadSymbolsIfDue()
	o.handleForceCloses(ctx)

	symbols := o.activeSymbols()
	o.metrics.SetActiveSlots(len(o.store.SlotKeys()))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sym := range symbols {
		sym := sym
		wg.Add(1)
		o.pool.Submit(func() {
			defer wg.Done()
			if err := o.processSymbol(ctx, sym); err != nil {
				if binanceadapter.IsRateLimited(err) {
					mu.Lock()
					rateLimited = true
					mu.Unlock()
				}
				o.metrics.IncExchangeCallFailure()
				o.logger.Error("Symbol pass failed", "symbol", sym, "error", err)
			}
		})
	}
	wg.Wait()
	return rateLimited
}

func (o *Orchestrator) activeSymbols() []string {
	out := make([]string, 0, len(o.symbols))
	for sym, sc := range o.symbols {
		if sc.Active {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// reloadSymbolsIfDue refreshes the per-symbol configuration from disk.
func (o *Orchestrator) reloadSymbolsIfDue() {
	reloadDur := time.Duration(o.cfg.Trading.ConfigReloadSeconds) * time.Second
	if o.symbols != nil && time.Since(o.symbolsLoaded) < reloadDur {
		return
	}

	loaded, err := config.LoadSymbolsFile(o.cfg.Trading.SymbolsConfigPath)
	if err != nil {
		o.logger.Error("Failed to reload symbols config, keeping previous", "error", err)
		if o.symbols == nil {
			o.symbols = config.DefaultSymbols(o.cfg)
		}
		o.symbolsLoaded = time.Now()
		return
	}
	if loaded == nil {
		// A missing file seeds a single-symbol universe and materializes it
		// so operators can edit the generated file.
		loaded = config.DefaultSymbols(o.cfg)
		if err := config.SaveSymbolsFile(o.cfg.Trading.SymbolsConfigPath, loaded); err != nil {
			o.logger.Error("Failed to write generated symbols config", "error", err)
		} else {
			o.logger.Info("Generated default symbols config",
				"path", o.cfg.Trading.SymbolsConfigPath)
		}
	}
	o.symbols = loaded
	o.symbolsLoaded = time.Now()
	o.logger.Info("Symbols config loaded", "symbols", len(loaded))
}

// handleForceCloses applies operator close requests to every slot of the
// requested symbols.
func (o *Orchestrator) handleForceCloses(ctx context.Context) {
	for _, sym := range o.control.DrainCloseRequests() {
		for _, ps := range []core.PositionSide{core.PositionLong, core.PositionShort} {
			key := core.SlotKey(sym, ps)
			slot, ok := o.store.GetSlot(key)
			if !ok {
				continue
			}
			if err := o.pm.ForceClose(ctx, slot); err != nil {
				o.logger.Error("Force close failed", "key", key, "error", err)
			}
		}
	}
}

// processSymbol runs the per-symbol pass: subscriptions, leverage, slot
// management and, when allowed, signal intake.
func (o *Orchestrator) processSymbol(ctx context.Context, sym string) error {
	sc, ok := o.symbols[sym]
	if !ok {
		return nil
	}

	if err := o.ensureSubscriptions(sym, sc); err != nil {
		return err
	}
	if err := o.ensureLeverage(ctx, sym, sc); err != nil {
		// A symbol whose leverage cannot be set must not trade.
		return err
	}

	// Existing slots are always managed, regardless of the global flag.
	for _, ps := range []core.PositionSide{core.PositionLong, core.PositionShort} {
		slot, ok := o.store.GetSlot(core.SlotKey(sym, ps))
		if !ok {
			continue
		}
		var err error
		switch slot.Status {
		case core.SlotPending:
			err = o.pom.Process(ctx, slot, sc)
		case core.SlotOpen:
			err = o.pm.Process(ctx, slot)
		}
		if err != nil {
			return err
		}
	}

	if !o.control.IsTradingEnabled() {
		return nil
	}

	candidate := o.evaluator.Evaluate(sym, sc, o.cfg.Trading.SLReferenceInterval)
	if candidate == nil {
		return nil
	}
	if _, exists := o.store.GetSlot(core.SlotKey(sym, core.PositionSideFor(candidate.Side))); exists {
		return nil
	}
	return o.pom.CreateFromSignal(ctx, candidate, sc)
}

// ensureSubscriptions keeps the three market data series of a symbol
// alive. Subscribe is idempotent, so calling it every tick is cheap.
func (o *Orchestrator) ensureSubscriptions(sym string, sc core.SymbolConfig) error {
	bb := sc.BandParams()
	if err := o.marketData.Subscribe(sym, sc.PrimaryInterval, sc.DataLimit, &bb); err != nil {
		return err
	}
	slBB := bb
	if err := o.marketData.Subscribe(sym, o.cfg.Trading.SLReferenceInterval, sc.DataLimit, &slBB); err != nil {
		return err
	}
	return o.marketData.Subscribe(sym, sc.TriggerInterval, triggerHistory, nil)
}

// ensureLeverage applies the configured leverage once per (symbol,
// leverage) pair. A failure notifies the operator and skips the symbol.
func (o *Orchestrator) ensureLeverage(ctx context.Context, sym string, sc core.SymbolConfig) error {
	leverage := sc.Leverage
	if leverage <= 0 {
		leverage = o.cfg.Trading.DefaultLeverage
	}
	cacheKey := fmt.Sprintf("%s:%d", sym, leverage)

	o.leverageMu.Lock()
	done := o.leverageSet[cacheKey]
	o.leverageMu.Unlock()
	if done {
		return nil
	}

	if err := o.exchange.SetLeverage(ctx, sym, leverage); err != nil {
		o.notifier.Alert(ctx, "Leverage setup failed",
			fmt.Sprintf("%s skipped this tick: %v", sym, err),
			core.AlertError, map[string]string{"symbol": sym})
		return err
	}

	o.leverageMu.Lock()
	o.leverageSet[cacheKey] = true
	o.leverageMu.Unlock()
	o.logger.Info("Leverage applied", "symbol", sym, "leverage", leverage)
	return nil
}

// StatusSummary renders the slot state for the operator /status command.
func (o *Orchestrator) StatusSummary() string {
	keys := o.store.SlotKeys()
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "Slots: %d", len(keys))
	for _, key := range keys {
		slot, ok := o.store.GetSlot(key)
		if !ok {
			continue
		}
		loss := o.store.AccumulatedLoss(key)
		fmt.Fprintf(&b, "\n%s: %s (acc loss %s)", key, slot.Status, loss.String())
	}
	return b.String()
}
