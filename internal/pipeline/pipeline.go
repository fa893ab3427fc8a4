package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"condor/internal/broker"
	"condor/internal/condorerr"
	"condor/internal/events"
	"condor/internal/logger"
	"condor/internal/types"

	"github.com/google/uuid"
)

// Gateway is the slice of the broker session the pipeline depends on. Order
// ids are allocated ahead of submission so the pipeline can register them
// before any leg is on the wire.
type Gateway interface {
	AllocateOrderIDs(n int) []int64
	SubmitOrder(o *types.StrategyOrder, ids []int64) (written int, err error)
	CancelOrder(brokerOrderID int64) error
	RequestOpenOrders(ctx context.Context) ([]broker.OpenOrder, error)
	Disconnect()
}

// RiskEvaluator approves or rejects a proposed order against current state.
type RiskEvaluator interface {
	Evaluate(order *types.StrategyOrder, snap types.PortfolioSnapshot, now time.Time, limits types.RiskLimits) error
}

// PortfolioView supplies the consistent position/account snapshot.
type PortfolioView interface {
	Snapshot() types.PortfolioSnapshot
}

// LimitsProvider returns the risk limits in force right now. Reloads swap the
// snapshot; orders already past evaluation keep the limits they saw.
type LimitsProvider interface {
	Limits() types.RiskLimits
}

// Recorder consumes one immutable record per terminal order.
type Recorder interface {
	Record(rec types.TradeRecord) error
}

// Notifier receives human-readable terminal notifications. Optional.
type Notifier interface {
	SendText(text string) error
}

// Request describes one execution trigger.
type Request struct {
	StrategyID     string
	Description    string
	IdempotencyKey string
	// BuildLegs runs after the duplicate check and produces the legs from
	// current market data. Pure; a failure aborts with no broker contact.
	BuildLegs func() ([]types.OrderLeg, error)
}

// legState tracks per-leg broker progress.
type legState struct {
	cancelled bool
	rejected  bool
}

type trackedOrder struct {
	order           *types.StrategyOrder
	legStates       []legState
	cancelRequested bool
	waiters         []chan types.StrategyOrder
}

type brokerRef struct {
	orderID string
	leg     int
}

// Pipeline orchestrates multi-leg submission: duplicate suppression, risk
// gate, rate cap, submission, fill tracking, reconciliation. Multiple orders
// may be in flight concurrently; the shared key set, window, and maps are
// guarded by one mutex.
type Pipeline struct {
	gateway   Gateway
	gate      RiskEvaluator
	portfolio PortfolioView
	limits    LimitsProvider
	recorder  Recorder
	notifier  Notifier

	mu       sync.Mutex
	usedKeys map[string]string
	orders   map[string]*trackedOrder
	byBroker map[int64]brokerRef
	holds    map[types.Instrument]string // instrument -> UNKNOWN order id
	window   *slidingWindow

	nowFn func() time.Time
}

func New(gateway Gateway, gate RiskEvaluator, portfolio PortfolioView, limits LimitsProvider) *Pipeline {
	p := &Pipeline{
		gateway:   gateway,
		gate:      gate,
		portfolio: portfolio,
		limits:    limits,
		usedKeys:  make(map[string]string),
		orders:    make(map[string]*trackedOrder),
		byBroker:  make(map[int64]brokerRef),
		holds:     make(map[types.Instrument]string),
		window:    newSlidingWindow(limits.Limits().MaxOrdersPerMinute, time.Minute),
		nowFn:     time.Now,
	}
	return p
}

func (p *Pipeline) SetRecorder(r Recorder) { p.recorder = r }
func (p *Pipeline) SetNotifier(n Notifier) { p.notifier = n }

// SetRateLimit applies a reloaded per-minute cap to later submissions.
func (p *Pipeline) SetRateLimit(perMinute int) {
	p.window.SetLimit(perMinute)
}

// Execute runs one trigger end to end up to submission and returns the order
// snapshot in SUBMITTED state, or an error naming the rejection reason. Fill
// progress after submission is reported through Watch.
func (p *Pipeline) Execute(ctx context.Context, req Request) (types.StrategyOrder, error) {
	if req.IdempotencyKey == "" {
		return types.StrategyOrder{}, fmt.Errorf("idempotency key is required")
	}
	if req.BuildLegs == nil {
		return types.StrategyOrder{}, fmt.Errorf("leg builder is required")
	}

	p.mu.Lock()
	if prior, dup := p.usedKeys[req.IdempotencyKey]; dup {
		p.mu.Unlock()
		return types.StrategyOrder{}, condorerr.Reject(condorerr.ReasonDuplicateOrder,
			"key %q already used by order %s this session", req.IdempotencyKey, prior)
	}
	// Reserve the key before any slow work so a concurrent duplicate loses
	// immediately. Released again only if the order never reaches the broker.
	orderID := uuid.NewString()
	p.usedKeys[req.IdempotencyKey] = orderID
	p.mu.Unlock()

	legs, err := req.BuildLegs()
	if err != nil {
		p.releaseKey(req.IdempotencyKey)
		return types.StrategyOrder{}, fmt.Errorf("building legs: %w", err)
	}
	if len(legs) < 1 || len(legs) > 4 {
		p.releaseKey(req.IdempotencyKey)
		return types.StrategyOrder{}, fmt.Errorf("strategy must have 1-4 legs, got %d", len(legs))
	}
	for i, leg := range legs {
		if leg.Quantity <= 0 {
			p.releaseKey(req.IdempotencyKey)
			return types.StrategyOrder{}, fmt.Errorf("leg %d has non-positive quantity", i)
		}
	}

	now := p.nowFn()
	order := &types.StrategyOrder{
		ID:             orderID,
		IdempotencyKey: req.IdempotencyKey,
		StrategyID:     req.StrategyID,
		Description:    req.Description,
		Legs:           legs,
		Fills:          make([]types.LegFill, len(legs)),
		State:          types.StatePendingRiskCheck,
		CreatedAt:      now,
	}

	// Instruments under a reconciliation hold refuse new orders until the
	// UNKNOWN order that touched them is resolved.
	p.mu.Lock()
	for _, inst := range order.Instruments() {
		if holder, held := p.holds[inst]; held {
			p.mu.Unlock()
			p.releaseKey(req.IdempotencyKey)
			return types.StrategyOrder{}, condorerr.Reject(condorerr.ReasonReconciliationRequired,
				"%s has unreconciled order %s", inst, holder)
		}
	}
	p.mu.Unlock()

	if err := p.gate.Evaluate(order, p.portfolio.Snapshot(), now, p.limits.Limits()); err != nil {
		p.releaseKey(req.IdempotencyKey)
		order.State = types.StateRejected
		order.Reason = err.Error()
		order.ResolvedAt = p.nowFn()
		p.emitTerminal(order)
		return copyOrder(order), err
	}
	order.State = types.StatePendingSubmit

	// Rate cap is consumed here, at submission time, independent of the gate.
	if !p.window.Allow(p.nowFn()) {
		p.releaseKey(req.IdempotencyKey)
		err := condorerr.Reject(condorerr.ReasonRateLimited,
			"order rate cap %d/min reached", p.limits.Limits().MaxOrdersPerMinute)
		order.State = types.StateRejected
		order.Reason = err.Error()
		order.ResolvedAt = p.nowFn()
		p.emitTerminal(order)
		return copyOrder(order), err
	}

	// Execution reports can arrive the instant the first leg is on the wire,
	// so the id mapping is registered and the order marked SUBMITTED before
	// any leg is written. Fills landing mid-submission advance the state from
	// here on; nothing below writes the state unconditionally.
	ids := p.gateway.AllocateOrderIDs(len(legs))
	p.mu.Lock()
	tracked := &trackedOrder{order: order, legStates: make([]legState, len(legs))}
	p.orders[order.ID] = tracked
	for i, id := range ids {
		order.Fills[i].BrokerOrderID = id
		p.byBroker[id] = brokerRef{orderID: order.ID, leg: i}
	}
	order.State = types.StateSubmitted
	p.mu.Unlock()

	written, submitErr := p.gateway.SubmitOrder(order, ids)
	if submitErr != nil {
		if written == 0 {
			// Nothing reached the broker: clean rejection, key reusable.
			p.mu.Lock()
			for i, id := range ids {
				delete(p.byBroker, id)
				order.Fills[i].BrokerOrderID = 0
			}
			p.mu.Unlock()
			p.releaseKey(req.IdempotencyKey)
			p.resolve(order.ID, types.StateRejected, submitErr.Error())
			return p.snapshotOf(order.ID), submitErr
		}
		// Some legs are live at the broker with the rest unsent. Outcome is
		// unknown until we reconcile against broker-reported open orders.
		p.markUnknown(order.ID, fmt.Sprintf("partial submit failure: %v", submitErr))
		return p.snapshotOf(order.ID), condorerr.Reject(condorerr.ReasonReconciliationRequired,
			"partial submission of %s: %v", order.ID, submitErr)
	}

	logger.Infof("pipeline: %s submitted (%s, %d legs, key=%s)", order.ID, order.Description, len(legs), order.IdempotencyKey)
	return p.snapshotOf(order.ID), nil
}

// Watch returns a channel that delivers the terminal order snapshot once.
// Already-terminal orders deliver immediately.
func (p *Pipeline) Watch(orderID string) (<-chan types.StrategyOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tracked, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	ch := make(chan types.StrategyOrder, 1)
	if tracked.order.State.Terminal() {
		ch <- copyOrder(tracked.order)
		return ch, nil
	}
	tracked.waiters = append(tracked.waiters, ch)
	return ch, nil
}

// Order returns a point-in-time copy of one order.
func (p *Pipeline) Order(orderID string) (types.StrategyOrder, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tracked, ok := p.orders[orderID]
	if !ok {
		return types.StrategyOrder{}, false
	}
	return copyOrder(tracked.order), true
}

// Orders lists copies of every tracked order, newest first not guaranteed.
func (p *Pipeline) Orders() []types.StrategyOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.StrategyOrder, 0, len(p.orders))
	for _, tracked := range p.orders {
		out = append(out, copyOrder(tracked.order))
	}
	return out
}

// Cancel requests cancellation. Honored only from SUBMITTED or
// PARTIALLY_FILLED; for terminal orders it is a no-op that reports the
// current state.
func (p *Pipeline) Cancel(orderID string) (types.OrderState, error) {
	p.mu.Lock()
	tracked, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("unknown order %s", orderID)
	}
	state := tracked.order.State
	if state != types.StateSubmitted && state != types.StatePartiallyFilled {
		p.mu.Unlock()
		return state, nil
	}
	tracked.cancelRequested = true
	var ids []int64
	for i, f := range tracked.order.Fills {
		if !tracked.legStates[i].cancelled && f.BrokerOrderID != 0 {
			ids = append(ids, f.BrokerOrderID)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.gateway.CancelOrder(id); err != nil {
			logger.Warnf("pipeline: cancel of broker order %d failed: %v", id, err)
		}
	}
	return state, nil
}

// EmergencyStop cancels every non-terminal order and forces disconnect.
func (p *Pipeline) EmergencyStop(ctx context.Context) {
	p.mu.Lock()
	var ids []string
	for id, tracked := range p.orders {
		if !tracked.order.State.Terminal() {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	logger.Warnf("pipeline: EMERGENCY STOP, cancelling %d in-flight orders", len(ids))
	for _, id := range ids {
		if _, err := p.Cancel(id); err != nil {
			logger.Warnf("pipeline: emergency cancel %s: %v", id, err)
		}
	}
	p.gateway.Disconnect()
}

// HandleOrderEvent consumes fill and status events from the bus.
func (p *Pipeline) HandleOrderEvent(ev events.OrderEvent) {
	switch e := ev.(type) {
	case events.Fill:
		p.applyFill(e)
	case events.OrderUpdate:
		p.applyUpdate(e)
	}
}

// HandleStatus watches session transitions: a dead link marks every
// non-terminal order UNKNOWN and places reconciliation holds on its
// instruments. Orders are never resubmitted automatically.
func (p *Pipeline) HandleStatus(ev events.Status) {
	switch ev.Session.State {
	case types.SessionDegraded, types.SessionDisconnected:
		p.markAllInFlightUnknown(ev.Session.Detail)
	}
}

func (p *Pipeline) applyFill(f events.Fill) {
	p.mu.Lock()
	ref, ok := p.byBroker[f.BrokerOrderID]
	if !ok {
		p.mu.Unlock()
		return
	}
	tracked := p.orders[ref.orderID]
	order := tracked.order
	if order.State.Terminal() {
		p.mu.Unlock()
		return
	}
	fill := &order.Fills[ref.leg]
	fill.Filled += f.Quantity
	if want := order.Legs[ref.leg].Quantity; fill.Filled > want {
		fill.Filled = want
	}
	if !f.Price.IsZero() {
		fill.AvgPrice = f.Price
	}
	done := order.AllLegsFilled()
	if !done {
		order.State = types.StatePartiallyFilled
	}
	p.mu.Unlock()

	if done {
		p.resolve(ref.orderID, types.StateFilled, "all legs filled")
	}
}

func (p *Pipeline) applyUpdate(u events.OrderUpdate) {
	p.mu.Lock()
	ref, ok := p.byBroker[u.BrokerOrderID]
	if !ok {
		p.mu.Unlock()
		return
	}
	tracked := p.orders[ref.orderID]
	order := tracked.order
	if order.State.Terminal() {
		p.mu.Unlock()
		return
	}

	switch u.Status {
	case "Rejected":
		tracked.legStates[ref.leg].rejected = true
		var live []int64
		for i, f := range order.Fills {
			if i != ref.leg && f.BrokerOrderID != 0 && !tracked.legStates[i].cancelled {
				live = append(live, f.BrokerOrderID)
			}
		}
		p.mu.Unlock()
		// One rejected leg sinks the whole strategy; pull the survivors.
		for _, id := range live {
			if err := p.gateway.CancelOrder(id); err != nil {
				logger.Warnf("pipeline: cancelling sibling leg %d: %v", id, err)
			}
		}
		reason := condorerr.BrokerReject(u.Code, u.Message).Error()
		p.resolve(ref.orderID, types.StateRejected, reason)
		return
	case "Cancelled":
		tracked.legStates[ref.leg].cancelled = true
		allDone := true
		for i := range order.Legs {
			if order.Fills[i].Filled >= order.Legs[i].Quantity {
				continue
			}
			if !tracked.legStates[i].cancelled {
				allDone = false
				break
			}
		}
		p.mu.Unlock()
		if allDone {
			p.resolve(ref.orderID, types.StateCancelled, "cancelled")
		}
		return
	case "Filled", "PartiallyFilled", "Submitted", "PreSubmitted":
		fill := &order.Fills[ref.leg]
		if u.Filled > fill.Filled {
			fill.Filled = u.Filled
			if want := order.Legs[ref.leg].Quantity; fill.Filled > want {
				fill.Filled = want
			}
		}
		if !u.AvgPrice.IsZero() {
			fill.AvgPrice = u.AvgPrice
		}
		done := order.AllLegsFilled()
		if !done && order.AnyFilled() {
			order.State = types.StatePartiallyFilled
		}
		p.mu.Unlock()
		if done {
			p.resolve(ref.orderID, types.StateFilled, "all legs filled")
		}
		return
	default:
		p.mu.Unlock()
	}
}

func (p *Pipeline) markAllInFlightUnknown(detail string) {
	p.mu.Lock()
	var ids []string
	for id, tracked := range p.orders {
		if !tracked.order.State.Terminal() {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.markUnknown(id, detail)
	}
}

func (p *Pipeline) markUnknown(orderID, detail string) {
	p.mu.Lock()
	tracked, ok := p.orders[orderID]
	if !ok || tracked.order.State.Terminal() || tracked.order.State == types.StateUnknown {
		p.mu.Unlock()
		return
	}
	tracked.order.State = types.StateUnknown
	tracked.order.Reason = detail
	for _, inst := range tracked.order.Instruments() {
		p.holds[inst] = orderID
	}
	p.mu.Unlock()
	logger.Warnf("pipeline: order %s marked UNKNOWN (%s)", orderID, detail)
}

// HasUnreconciled reports whether any order is awaiting reconciliation.
func (p *Pipeline) HasUnreconciled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.holds) > 0
}

// Reconcile resolves UNKNOWN orders against broker-reported open orders:
// still-open legs are cancelled, reported fill tallies applied, and each
// order settles as RECONCILED. Holds lift as orders settle.
func (p *Pipeline) Reconcile(ctx context.Context) error {
	p.mu.Lock()
	var unknown []string
	for id, tracked := range p.orders {
		if tracked.order.State == types.StateUnknown {
			unknown = append(unknown, id)
		}
	}
	p.mu.Unlock()
	if len(unknown) == 0 {
		return nil
	}

	open, err := p.gateway.RequestOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("querying open orders: %w", err)
	}
	byID := make(map[int64]broker.OpenOrder, len(open))
	for _, o := range open {
		byID[o.BrokerOrderID] = o
	}

	for _, orderID := range unknown {
		p.mu.Lock()
		tracked := p.orders[orderID]
		order := tracked.order
		var toCancel []int64
		for i := range order.Fills {
			f := &order.Fills[i]
			if f.BrokerOrderID == 0 {
				continue
			}
			if oo, live := byID[f.BrokerOrderID]; live {
				if oo.Filled > f.Filled {
					f.Filled = oo.Filled
				}
				if !oo.AvgPrice.IsZero() {
					f.AvgPrice = oo.AvgPrice
				}
				if oo.Remaining > 0 {
					toCancel = append(toCancel, f.BrokerOrderID)
				}
			}
		}
		p.mu.Unlock()

		for _, id := range toCancel {
			if err := p.gateway.CancelOrder(id); err != nil {
				logger.Warnf("pipeline: reconcile cancel %d: %v", id, err)
			}
		}
		p.resolve(orderID, types.StateReconciled,
			fmt.Sprintf("reconciled after disconnect; %d legs cancelled at broker", len(toCancel)))
	}
	logger.Infof("pipeline: reconciliation complete, %d orders settled", len(unknown))
	return nil
}

func (p *Pipeline) resolve(orderID string, state types.OrderState, reason string) {
	p.mu.Lock()
	tracked, ok := p.orders[orderID]
	if !ok || tracked.order.State.Terminal() {
		p.mu.Unlock()
		return
	}
	order := tracked.order
	order.State = state
	order.Reason = reason
	order.ResolvedAt = p.nowFn()
	for _, inst := range order.Instruments() {
		if p.holds[inst] == orderID {
			delete(p.holds, inst)
		}
	}
	waiters := tracked.waiters
	tracked.waiters = nil
	snapshot := copyOrder(order)
	p.mu.Unlock()

	logger.Infof("pipeline: order %s resolved %s (%s)", orderID, state, reason)
	for _, ch := range waiters {
		ch <- snapshot
	}
	p.emitTerminal(order)
}

// emitTerminal hands the finished order to the history store and notifier.
func (p *Pipeline) emitTerminal(order *types.StrategyOrder) {
	rec := types.TradeRecord{
		OrderID:        order.ID,
		IdempotencyKey: order.IdempotencyKey,
		StrategyID:     order.StrategyID,
		Description:    order.Description,
		State:          order.State,
		Reason:         order.Reason,
		Legs:           append([]types.OrderLeg(nil), order.Legs...),
		Fills:          append([]types.LegFill(nil), order.Fills...),
		CreatedAt:      order.CreatedAt,
		ResolvedAt:     order.ResolvedAt,
	}
	if p.recorder != nil {
		if err := p.recorder.Record(rec); err != nil {
			logger.Warnf("pipeline: recording trade %s: %v", order.ID, err)
		}
	}
	if p.notifier != nil {
		if err := p.notifier.SendText(fmt.Sprintf("%s %s: %s", order.Description, order.State, order.Reason)); err != nil {
			logger.Debugf("pipeline: notify failed: %v", err)
		}
	}
}

func (p *Pipeline) releaseKey(key string) {
	p.mu.Lock()
	delete(p.usedKeys, key)
	p.mu.Unlock()
}

func (p *Pipeline) snapshotOf(orderID string) types.StrategyOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tracked, ok := p.orders[orderID]; ok {
		return copyOrder(tracked.order)
	}
	return types.StrategyOrder{}
}

func copyOrder(o *types.StrategyOrder) types.StrategyOrder {
	cp := *o
	cp.Legs = append([]types.OrderLeg(nil), o.Legs...)
	cp.Fills = append([]types.LegFill(nil), o.Fills...)
	return cp
}
