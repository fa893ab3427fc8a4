package app

import (
	"context"
	"fmt"
	"math"
	"time"

	"condor/internal/broker"
	"condor/internal/config"
	"condor/internal/events"
	"condor/internal/history"
	"condor/internal/logger"
	"condor/internal/marketdata"
	"condor/internal/notifier"
	"condor/internal/pipeline"
	"condor/internal/portfolio"
	"condor/internal/risk"
	"condor/internal/scheduler"
	"condor/internal/strategy"
	httpapi "condor/internal/transport/http"
	"condor/internal/types"

	"golang.org/x/sync/errgroup"
)

// chainSpan is how far around the money the option chain is subscribed, in
// underlying points each side.
const chainSpan = 150.0

// App wires the session, pipeline, tracker and surfaces together and owns
// their lifecycles.
type App struct {
	holder  *config.Holder
	bus     *events.Bus
	cache   *marketdata.Cache
	session *broker.Session
	tracker *portfolio.Tracker
	pipe    *pipeline.Pipeline
	store   *history.Store
	httpSrv *httpapi.Server
	defs    []strategy.Definition
	loc     *time.Location
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	holder := config.NewHolder(cfgPath, cfg)

	loc, err := time.LoadLocation(cfg.Risk.MarketTZ)
	if err != nil {
		return nil, err
	}

	defs, err := strategy.LoadDefinitions(cfg.Strategies.File)
	if err != nil {
		return nil, fmt.Errorf("loading strategies: %w", err)
	}

	bus := events.NewBus(1024)
	cache := marketdata.NewCache()

	endpoint, clientID, handshake, idle, query, attempts := cfg.BrokerSession()
	session := broker.NewSession(broker.Config{
		Endpoint:         endpoint,
		ClientID:         clientID,
		HandshakeTimeout: handshake,
		IdleTimeout:      idle,
		QueryTimeout:     query,
		MaxAttempts:      attempts,
	}, broker.DialWebSocket(handshake, idle), bus, cache)

	tracker := portfolio.NewTracker()
	gate := risk.NewGate(cache)
	pipe := pipeline.New(session, gate, tracker, holder)

	store, err := history.NewStore(cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("opening trade history: %w", err)
	}
	pipe.SetRecorder(store)

	if cfg.Notify.Telegram.Enabled {
		pipe.SetNotifier(notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID))
	} else {
		pipe.SetNotifier(notifier.Nop{})
	}

	holder.OnReload(func(limits types.RiskLimits) {
		pipe.SetRateLimit(limits.MaxOrdersPerMinute)
	})

	a := &App{
		holder:  holder,
		bus:     bus,
		cache:   cache,
		session: session,
		tracker: tracker,
		pipe:    pipe,
		store:   store,
		defs:    defs,
		loc:     loc,
	}
	a.httpSrv = httpapi.NewServer(cfg.App.HTTPAddr, httpapi.Deps{
		SessionState:  session.State,
		Portfolio:     tracker.Snapshot,
		Orders:        pipe.Orders,
		Quotes:        cache.All,
		EmergencyStop: a.emergencyStop,
		ReloadConfig:  holder.Reload,
		CancelOrder:   pipe.Cancel,
	})
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	a.tracker.Start()
	defer a.tracker.Stop()

	a.bus.SubscribeAccount(a.tracker.Apply)
	a.bus.SubscribeOrders(a.pipe.HandleOrderEvent)
	a.bus.SubscribeStatus(a.pipe.HandleStatus)
	a.bus.SubscribeStatus(a.onSessionStatus)

	a.httpSrv.Start()
	a.session.Connect(ctx)

	sched := scheduler.New(ctx, a.defs, a.loc, a.executeTrigger)
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.holder.Watch(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})
	return g.Wait()
}

func (a *App) shutdown() {
	logger.Infof("app: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	a.session.Disconnect()
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		logger.Warnf("app: closing trade history: %v", err)
	}
}

func (a *App) emergencyStop(ctx context.Context) {
	a.pipe.EmergencyStop(ctx)
}

// onSessionStatus reacts to reconnects: restart account streams and settle
// any orders left UNKNOWN across the outage before new triggers fire.
func (a *App) onSessionStatus(ev events.Status) {
	if ev.Session.State != types.SessionConnected {
		return
	}
	go func() {
		if err := a.session.RequestAccountData(); err != nil {
			logger.Warnf("app: account data request failed: %v", err)
		}
		if a.pipe.HasUnreconciled() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.pipe.Reconcile(ctx); err != nil {
				logger.Errorf("app: reconciliation failed: %v", err)
			}
		}
	}()
}

// executeTrigger runs one scheduled strategy entry end to end.
func (a *App) executeTrigger(trig scheduler.Trigger) {
	def := trig.Definition
	logger.Infof("app: trigger %s (key=%s)", def.ID, trig.IdempotencyKey)

	if err := a.preheatChain(def); err != nil {
		logger.Errorf("app: chain preheat for %s failed: %v", def.ID, err)
		return
	}

	now := time.Now()
	order, err := a.pipe.Execute(context.Background(), pipeline.Request{
		StrategyID:     def.ID,
		IdempotencyKey: trig.IdempotencyKey,
		Description:    def.Name,
		BuildLegs: func() ([]types.OrderLeg, error) {
			return strategy.BuildLegs(def, a.cache, now, a.loc)
		},
	})
	if err != nil {
		logger.Warnf("app: %s not executed: %v", def.ID, err)
		return
	}

	watch, err := a.pipe.Watch(order.ID)
	if err != nil {
		return
	}
	go func() {
		final := <-watch
		logger.Infof("app: %s finished %s (%s)", def.ID, final.State, final.Reason)
	}()
}

// preheatChain subscribes the option chain around the money for every
// expiry/right the strategy can touch, then waits briefly for first ticks.
// The spot quote anchors the strike range.
func (a *App) preheatChain(def strategy.Definition) error {
	underlying := types.Index(def.Underlying)
	if _, ok := a.cache.Snapshot(underlying); !ok {
		if _, err := a.session.RequestMarketData(underlying); err != nil {
			return fmt.Errorf("subscribing %s: %w", def.Underlying, err)
		}
		if err := a.waitForQuote(underlying, 10*time.Second); err != nil {
			return err
		}
	}
	spot, _ := a.cache.Snapshot(underlying)
	mid, _ := spot.Mid().Float64()
	if mid <= 0 {
		return fmt.Errorf("no usable %s spot price", def.Underlying)
	}
	center := math.Round(mid/5) * 5

	now := time.Now()
	var expiries []int
	switch def.Type {
	case strategy.KindDoubleCalendar:
		expiries = []int{def.ShortDTE, def.LongDTE}
	default:
		expiries = []int{def.DTE}
	}
	count := 0
	for _, dte := range expiries {
		expiry := strategy.ExpiryFromDTE(now, dte, a.loc)
		for strike := center - chainSpan; strike <= center+chainSpan; strike += 5 {
			for _, right := range []types.Right{types.RightPut, types.RightCall} {
				inst := types.Option(def.Underlying, expiry, strike, right)
				if _, ok := a.cache.Snapshot(inst); ok {
					continue
				}
				if _, err := a.session.RequestMarketData(inst); err != nil {
					return fmt.Errorf("subscribing chain: %w", err)
				}
				count++
			}
		}
	}
	if count > 0 {
		logger.Infof("app: subscribed %d chain instruments for %s, waiting for ticks", count, def.ID)
		time.Sleep(3 * time.Second)
	}
	return nil
}

func (a *App) waitForQuote(inst types.Instrument, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if q, ok := a.cache.Snapshot(inst); ok && (q.HasPrice() || !q.Last.IsZero()) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %s quote", inst)
}
