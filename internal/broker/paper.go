package broker

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"livetrader/internal/schema"
)

// Paper is an in-memory brokerage. Market orders fill immediately at the last
// mark of the symbol; limit orders rest until a mark crosses their price.
type Paper struct {
	mu        sync.Mutex
	cash      float64
	positions map[schema.Symbol]schema.Position
	marks     map[schema.Symbol]float64
	orders    map[string]*Order
	requests  map[string]OrderRequest
	byRef     map[string]string
	seq       int

	accountErr   error
	submitErr    []error
	lostResponse int
	statusErr    error
	submits      int
}

var _ Client = (*Paper)(nil)

// NewPaper starts with the given cash and no positions.
func NewPaper(cash float64) *Paper {
	return &Paper{
		cash:      cash,
		positions: make(map[schema.Symbol]schema.Position),
		marks:     make(map[schema.Symbol]float64),
		orders:    make(map[string]*Order),
		requests:  make(map[string]OrderRequest),
		byRef:     make(map[string]string),
	}
}

// SetMark updates the price used for fills and equity, and fills resting
// limit orders it crosses.
func (p *Paper) SetMark(symbol schema.Symbol, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
	for id, o := range p.orders {
		if o.Symbol != symbol || o.Status != StatusNew {
			continue
		}
		req := p.requests[id]
		if (req.Side == schema.SideBuy && price <= req.Price) || (req.Side == schema.SideSell && price >= req.Price) {
			p.fill(o, req, price)
		}
	}
}

// SetAccountError makes account reads fail with err until cleared with nil.
func (p *Paper) SetAccountError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accountErr = err
}

// FailNextSubmit makes the next submit return err without placing the order.
func (p *Paper) FailNextSubmit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErr = append(p.submitErr, err)
}

// LoseNextResponse places the next order but reports a timeout to the caller.
func (p *Paper) LoseNextResponse() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lostResponse++
}

// SetStatusError makes order lookups fail with err until cleared with nil.
func (p *Paper) SetStatusError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusErr = err
}

// Submits returns how many submit calls were received.
func (p *Paper) Submits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

func (p *Paper) GetAccount(ctx context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx, "get account", p.accountErr); err != nil {
		return Account{}, err
	}
	equity := p.cash
	for sym, pos := range p.positions {
		mark := p.marks[sym]
		if mark == 0 {
			mark = pos.AvgPrice
		}
		equity += pos.Size * mark
	}
	return Account{Cash: p.cash, Equity: equity}, nil
}

func (p *Paper) GetPositions(ctx context.Context) (map[schema.Symbol]schema.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx, "get positions", p.accountErr); err != nil {
		return nil, err
	}
	out := make(map[schema.Symbol]schema.Position, len(p.positions))
	for sym, pos := range p.positions {
		out[sym] = pos
	}
	return out, nil
}

func (p *Paper) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	if len(p.submitErr) != 0 {
		err := p.submitErr[0]
		p.submitErr = p.submitErr[1:]
		return Order{}, err
	}
	if err := p.check(ctx, "submit order", nil); err != nil {
		return Order{}, err
	}
	if req.Size <= 0 {
		return Order{}, NewError("submit order", http.StatusUnprocessableEntity, "qty must be > 0", nil)
	}
	if _, dup := p.byRef[req.ClientRef]; dup && req.ClientRef != "" {
		return Order{}, NewError("submit order", http.StatusUnprocessableEntity, "client_order_id must be unique", nil)
	}

	p.seq++
	o := &Order{ID: "paper-" + strconv.Itoa(p.seq), ClientRef: req.ClientRef, Symbol: req.Symbol, Status: StatusNew}
	p.orders[o.ID] = o
	p.requests[o.ID] = req
	if req.ClientRef != "" {
		p.byRef[req.ClientRef] = o.ID
	}

	if mark, ok := p.marks[req.Symbol]; ok && mark > 0 {
		switch {
		case req.Kind == schema.OrderKindMarket:
			p.fill(o, req, mark)
		case req.Side == schema.SideBuy && mark <= req.Price, req.Side == schema.SideSell && mark >= req.Price:
			p.fill(o, req, mark)
		}
	}

	if p.lostResponse > 0 {
		p.lostResponse--
		return Order{}, NewError("submit order", 0, "timed out", context.DeadlineExceeded)
	}
	return *o, nil
}

func (p *Paper) CancelOrder(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx, "cancel order", nil); err != nil {
		return err
	}
	o, ok := p.orders[id]
	if !ok {
		return NewError("cancel order", http.StatusNotFound, "order not found", nil)
	}
	if o.Status != StatusNew {
		return NewError("cancel order", http.StatusUnprocessableEntity, "order is not cancelable", nil)
	}
	o.Status = StatusCanceled
	return nil
}

func (p *Paper) GetOrder(ctx context.Context, id string) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx, "get order", p.statusErr); err != nil {
		return Order{}, err
	}
	o, ok := p.orders[id]
	if !ok {
		return Order{}, NewError("get order", http.StatusNotFound, "order not found", nil)
	}
	return *o, nil
}

func (p *Paper) GetOrderByClientRef(ctx context.Context, ref string) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx, "get order by client ref", p.statusErr); err != nil {
		return Order{}, err
	}
	id, ok := p.byRef[ref]
	if !ok {
		return Order{}, NewError("get order by client ref", http.StatusNotFound, "order not found", nil)
	}
	return *p.orders[id], nil
}

func (p *Paper) check(ctx context.Context, op string, injected error) error {
	if err := ctx.Err(); err != nil {
		return NewError(op, 0, "not sent", err)
	}
	return injected
}

func (p *Paper) fill(o *Order, req OrderRequest, price float64) {
	pos := p.positions[req.Symbol]
	switch req.Side {
	case schema.SideBuy:
		cost := pos.Size*pos.AvgPrice + req.Size*price
		pos.Size += req.Size
		if pos.Size != 0 {
			pos.AvgPrice = cost / pos.Size
		}
		p.cash -= req.Size * price
	case schema.SideSell:
		pos.Size -= req.Size
		p.cash += req.Size * price
	}
	if pos.Size == 0 {
		delete(p.positions, req.Symbol)
	} else {
		p.positions[req.Symbol] = pos
	}
	o.Status = StatusFilled
	o.FilledSize = req.Size
	o.FilledAvgPrice = price
}
