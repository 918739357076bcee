package og

import (
	"context"
	stderrors "errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"livetrader/internal/broker"
	"livetrader/internal/obs"
	"livetrader/internal/schema"
	"livetrader/pkg/exception"
	"livetrader/pkg/retry"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"
)

const (
	defaultCallTimeout      = 10 * time.Second
	defaultStuckAfterChecks = 5
	defaultRequestsPerSec   = 3
)

// Recorder receives every order record change.
type Recorder interface {
	Record(rec schema.OrderRecord)
}

// GatewayConfig controls the order gateway.
type GatewayConfig struct {
	// CallTimeout bounds every brokerage call.
	CallTimeout time.Duration
	// StuckAfterChecks is how many inconclusive status checks an order may
	// have before it is escalated.
	StuckAfterChecks int
	// RequestsPerSecond limits brokerage calls; Burst defaults to 1.
	RequestsPerSecond float64
	Burst             int
	// ReadRetry retries account reads on transient failures.
	ReadRetry retry.Config
	Metrics   *obs.Metrics
	Recorder  Recorder
	// OnStuck is called once per order that needs operator attention.
	OnStuck func(rec schema.OrderRecord)
	Now     func() time.Time
}

// Report summarizes a reconciliation pass.
type Report struct {
	Checked  int
	Resolved int
	Failed   int
	Stuck    []schema.OrderRecord
}

// Gateway turns intents into brokerage orders and keeps the local view of
// orders and account in step with the brokerage.
type Gateway struct {
	cfg     GatewayConfig
	broker  broker.Client
	limiter *rate.Limiter

	mu     sync.Mutex
	state  *StateMachine
	checks map[string]int

	snapshot atomic.Pointer[schema.AccountSnapshot]
}

// NewGateway creates a gateway talking to client.
func NewGateway(client broker.Client, cfg GatewayConfig) *Gateway {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.StuckAfterChecks <= 0 {
		cfg.StuckAfterChecks = defaultStuckAfterChecks
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.ReadRetry.Attempts <= 0 {
		cfg.ReadRetry = retry.Config{Attempts: 3, Backoff: retry.DefaultBackoff()}
	}
	if cfg.ReadRetry.RetryIf == nil {
		cfg.ReadRetry.RetryIf = exception.IsTransient
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	limit := rate.Limit(cfg.RequestsPerSecond)
	if math.IsInf(cfg.RequestsPerSecond, 1) {
		limit = rate.Inf
	}
	return &Gateway{
		cfg:     cfg,
		broker:  client,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		state:   NewStateMachine(),
		checks:  make(map[string]int),
	}
}

// Submit records the intent as a submitted order and then sends it. The record
// exists whatever the outcome of the call. A definitive refusal marks it
// rejected; any other failure leaves it submitted without a remote ID until
// ReconcileStatus resolves it.
func (g *Gateway) Submit(ctx context.Context, intent schema.OrderIntent) (schema.OrderRecord, error) {
	if err := validateIntent(intent); err != nil {
		return schema.OrderRecord{}, err
	}

	now := g.cfg.Now().UTC()
	g.mu.Lock()
	rec, err := g.state.Create(schema.OrderRecord{
		LocalRef:  uuid.NewString(),
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Kind:      intent.Kind,
		Size:      intent.Size,
		Price:     intent.Price,
		CreatedAt: now,
	})
	g.mu.Unlock()
	if err != nil {
		return schema.OrderRecord{}, errors.Wrap(err, "create order record")
	}
	g.changed(rec)

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	if err := g.limiter.Wait(cctx); err != nil {
		rec = g.reject(rec.LocalRef, "not sent: "+err.Error())
		return rec, stderrors.Join(exception.ErrTransientIO, err)
	}

	order, err := g.broker.SubmitOrder(cctx, broker.OrderRequest{
		ClientRef: rec.LocalRef,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Kind:      intent.Kind,
		Size:      intent.Size,
		Price:     intent.Price,
	})
	if err != nil {
		if broker.IsRejected(err) {
			logs.Warnf("og: order rejected, ref: %s, symbol: %s, err: %+v", rec.LocalRef, intent.Symbol, err)
			return g.reject(rec.LocalRef, err.Error()), err
		}
		logs.Warnf("og: order outcome unknown, ref: %s, symbol: %s, err: %+v", rec.LocalRef, intent.Symbol, err)
		return rec, stderrors.Join(exception.ErrReconciliationAmbiguity, err)
	}

	status, known := remoteStatus(order.Status)
	if !known {
		status = schema.OrderStatusAccepted
	}
	rec, _ = g.apply(rec.LocalRef, Update{Status: status, RemoteID: order.ID, FilledSize: order.FilledSize})
	logs.Infof("og: order submitted, ref: %s, remote: %s, symbol: %s, side: %s, size: %g, status: %s",
		rec.LocalRef, rec.RemoteID, rec.Symbol, rec.Side, rec.Size, rec.Status)
	return rec, nil
}

// Cancel requests cancellation of an accepted order. It returns false for
// unknown, terminal, and ambiguous orders. The resulting status is learned by
// reconciliation.
func (g *Gateway) Cancel(ctx context.Context, ref string) (bool, error) {
	rec, ok := g.Order(ref)
	if !ok {
		return false, exception.ErrOrderUnknown
	}
	if rec.Status.IsTerminal() || rec.RemoteID == "" {
		return false, nil
	}

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	if err := g.limiter.Wait(cctx); err != nil {
		return false, stderrors.Join(exception.ErrTransientIO, err)
	}
	if err := g.broker.CancelOrder(cctx, rec.RemoteID); err != nil {
		return false, errors.Wrap(err, "cancel order").With("ref", ref)
	}
	return true, nil
}

// RefreshAccount replaces the account snapshot with a fresh read. On failure
// the previous snapshot stays in place and is returned with the error.
func (g *Gateway) RefreshAccount(ctx context.Context) (schema.AccountSnapshot, error) {
	var (
		acct      broker.Account
		positions map[schema.Symbol]schema.Position
	)
	err := retry.Do(ctx, g.cfg.ReadRetry, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
		if err := g.limiter.Wait(cctx); err != nil {
			return stderrors.Join(exception.ErrTransientIO, err)
		}
		a, err := g.broker.GetAccount(cctx)
		if err != nil {
			return err
		}
		p, err := g.broker.GetPositions(cctx)
		if err != nil {
			return err
		}
		acct, positions = a, p
		return nil
	})
	if err != nil {
		g.cfg.Metrics.IncRefreshFailure()
		logs.Warnf("og: account refresh failed, keeping last snapshot, err: %+v", err)
		last, _ := g.Account()
		return last, err
	}

	if positions == nil {
		positions = make(map[schema.Symbol]schema.Position)
	}
	snap := &schema.AccountSnapshot{
		Cash:      acct.Cash,
		Equity:    acct.Equity,
		Positions: positions,
		TakenAt:   g.cfg.Now().UTC(),
	}
	g.snapshot.Store(snap)
	g.cfg.Metrics.SetAccount(*snap)
	return *snap, nil
}

// ReconcileStatus asks the brokerage for the order's status and applies it.
func (g *Gateway) ReconcileStatus(ctx context.Context, ref string) (schema.OrderStatus, error) {
	rec, ok := g.Order(ref)
	if !ok {
		return schema.OrderStatusSubmitted, exception.ErrOrderUnknown
	}
	if rec.Status.IsTerminal() {
		return rec.Status, nil
	}

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	var (
		order broker.Order
		err   error
	)
	if err = g.limiter.Wait(cctx); err == nil {
		if rec.RemoteID != "" {
			order, err = g.broker.GetOrder(cctx, rec.RemoteID)
		} else {
			order, err = g.broker.GetOrderByClientRef(cctx, ref)
		}
	}

	switch {
	case err == nil:
		status, known := remoteStatus(order.Status)
		if !known {
			g.strike(rec, "unrecognised brokerage status: "+order.Status)
			return rec.Status, nil
		}
		rec, err = g.apply(ref, Update{Status: status, RemoteID: order.ID, FilledSize: order.FilledSize})
		if err != nil {
			return rec.Status, err
		}
		g.resolved(ref)
		return rec.Status, nil
	case broker.IsNotFound(err) && rec.RemoteID == "":
		if g.bump(ref) >= g.cfg.StuckAfterChecks {
			logs.Warnf("og: order never reached brokerage, ref: %s, symbol: %s", ref, rec.Symbol)
			rec = g.reject(ref, "never reached brokerage")
			g.resolved(ref)
			return rec.Status, nil
		}
		return rec.Status, nil
	default:
		g.strike(rec, "status check failed: "+err.Error())
		return rec.Status, err
	}
}

// ReconcileOutstanding reconciles every non-terminal order.
func (g *Gateway) ReconcileOutstanding(ctx context.Context) Report {
	var report Report
	for _, rec := range g.Outstanding() {
		report.Checked++
		status, err := g.ReconcileStatus(ctx, rec.LocalRef)
		if err != nil {
			report.Failed++
			continue
		}
		if status.IsTerminal() {
			report.Resolved++
		}
	}
	report.Stuck = g.Stuck()
	g.cfg.Metrics.SetStuckOrders(len(report.Stuck))
	return report
}

// Order returns the record for ref.
func (g *Gateway) Order(ref string) (schema.OrderRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Order(ref)
}

// Orders returns every record, oldest first.
func (g *Gateway) Orders() []schema.OrderRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.All()
}

// Outstanding returns every non-terminal record.
func (g *Gateway) Outstanding() []schema.OrderRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Outstanding()
}

// Stuck returns every record flagged for operator attention.
func (g *Gateway) Stuck() []schema.OrderRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Stuck()
}

// Account returns the last snapshot and whether one exists.
func (g *Gateway) Account() (schema.AccountSnapshot, bool) {
	snap := g.snapshot.Load()
	if snap == nil {
		return schema.AccountSnapshot{}, false
	}
	return *snap, true
}

// AccountTrusted reports whether a snapshot exists and no order has an
// unknown outcome.
func (g *Gateway) AccountTrusted() bool {
	if g.snapshot.Load() == nil {
		return false
	}
	for _, rec := range g.Outstanding() {
		if rec.Ambiguous() {
			return false
		}
	}
	return true
}

// InFlight returns the non-terminal records of symbol.
func (g *Gateway) InFlight(symbol schema.Symbol) []schema.OrderRecord {
	var out []schema.OrderRecord
	for _, rec := range g.Outstanding() {
		if rec.Symbol == symbol {
			out = append(out, rec)
		}
	}
	return out
}

func (g *Gateway) apply(ref string, u Update) (schema.OrderRecord, error) {
	if u.At.IsZero() {
		u.At = g.cfg.Now().UTC()
	}
	g.mu.Lock()
	rec, changed, err := g.state.Apply(ref, u)
	g.mu.Unlock()
	if err != nil {
		logs.Errorf("og: apply update, ref: %s, from: %s, to: %s, err: %+v", ref, rec.Status, u.Status, err)
		return rec, err
	}
	if changed {
		g.changed(rec)
	}
	return rec, nil
}

func (g *Gateway) reject(ref, reason string) schema.OrderRecord {
	rec, _ := g.apply(ref, Update{Status: schema.OrderStatusRejected, Reason: reason})
	return rec
}

// strike counts an inconclusive status check and escalates the order once the
// limit is reached.
func (g *Gateway) strike(rec schema.OrderRecord, reason string) {
	if g.bump(rec.LocalRef) < g.cfg.StuckAfterChecks {
		return
	}
	g.mu.Lock()
	stuck, flagged := g.state.MarkStuck(rec.LocalRef, reason, true)
	g.mu.Unlock()
	if !flagged {
		return
	}
	logs.Errorf("og: order needs attention, ref: %s, remote: %s, symbol: %s, status: %s, reason: %s",
		stuck.LocalRef, stuck.RemoteID, stuck.Symbol, stuck.Status, reason)
	g.changed(stuck)
	if g.cfg.OnStuck != nil {
		g.cfg.OnStuck(stuck)
	}
}

func (g *Gateway) bump(ref string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks[ref]++
	return g.checks[ref]
}

func (g *Gateway) resolved(ref string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.checks, ref)
	g.state.MarkStuck(ref, "", false)
}

func (g *Gateway) changed(rec schema.OrderRecord) {
	g.cfg.Metrics.IncOrderStatus(rec.Status)
	if g.cfg.Recorder != nil {
		g.cfg.Recorder.Record(rec)
	}
}

func validateIntent(intent schema.OrderIntent) error {
	switch {
	case intent.Symbol == "":
		return errors.Wrap(exception.ErrOrderInvalidIntent, "empty symbol")
	case intent.Side != schema.SideBuy && intent.Side != schema.SideSell:
		return errors.Wrap(exception.ErrOrderInvalidIntent, "unknown side").With("symbol", intent.Symbol)
	case intent.Size <= 0 || math.IsNaN(intent.Size) || math.IsInf(intent.Size, 0):
		return errors.Wrap(exception.ErrOrderInvalidIntent, "size must be positive").With("symbol", intent.Symbol)
	case intent.Kind == schema.OrderKindLimit && intent.Price <= 0:
		return errors.Wrap(exception.ErrOrderInvalidIntent, "limit order needs a price").With("symbol", intent.Symbol)
	default:
		return nil
	}
}
