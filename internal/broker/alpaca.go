package broker

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"livetrader/internal/schema"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

const defaultAlpacaTimeout = 15 * time.Second

// AlpacaOption configures the Alpaca trading client.
type AlpacaOption struct {
	APIKey    string
	APISecret string
	// AccountID, when set, must match the account the credentials belong to.
	AccountID string
	// BaseURL selects paper or live trading; empty uses the library default.
	BaseURL string
	Timeout time.Duration
	// Symbols lets positions reported as "BTCUSD" map back to "BTC/USD".
	Symbols []schema.Symbol
}

// Alpaca is a Client backed by the Alpaca trading API.
type Alpaca struct {
	client    *alpaca.Client
	accountID string
	symbols   map[string]schema.Symbol
}

var _ Client = (*Alpaca)(nil)

// NewAlpaca creates the client. No request is made until the first call.
func NewAlpaca(opt AlpacaOption) *Alpaca {
	if opt.Timeout <= 0 {
		opt.Timeout = defaultAlpacaTimeout
	}
	symbols := make(map[string]schema.Symbol, len(opt.Symbols))
	for _, s := range opt.Symbols {
		symbols[strings.ReplaceAll(string(s), "/", "")] = s
	}
	return &Alpaca{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     opt.APIKey,
			APISecret:  opt.APISecret,
			BaseURL:    opt.BaseURL,
			HTTPClient: &http.Client{Timeout: opt.Timeout},
		}),
		accountID: opt.AccountID,
		symbols:   symbols,
	}
}

func (a *Alpaca) GetAccount(ctx context.Context) (Account, error) {
	acct, err := call(ctx, "get account", a.client.GetAccount)
	if err != nil {
		return Account{}, wrapAlpaca("get account", err)
	}
	if err := a.checkAccount(acct.ID, acct.AccountNumber); err != nil {
		return Account{}, err
	}
	return Account{Cash: acct.Cash.InexactFloat64(), Equity: acct.Equity.InexactFloat64()}, nil
}

// checkAccount rejects credentials that resolve to an account other than the
// configured one. The ID may be given as the account UUID or its number.
func (a *Alpaca) checkAccount(id, number string) error {
	if a.accountID == "" || a.accountID == id || a.accountID == number {
		return nil
	}
	return NewError("get account", http.StatusUnauthorized,
		"credentials belong to account "+number+", expected "+a.accountID, nil)
}

func (a *Alpaca) GetPositions(ctx context.Context) (map[schema.Symbol]schema.Position, error) {
	positions, err := call(ctx, "get positions", a.client.GetPositions)
	if err != nil {
		return nil, wrapAlpaca("get positions", err)
	}
	out := make(map[schema.Symbol]schema.Position, len(positions))
	for _, p := range positions {
		out[a.symbol(p.Symbol)] = schema.Position{
			Size:     p.Qty.InexactFloat64(),
			AvgPrice: p.AvgEntryPrice.InexactFloat64(),
		}
	}
	return out, nil
}

func (a *Alpaca) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	qty := decimal.NewFromFloat(req.Size)
	place := alpaca.PlaceOrderRequest{
		Symbol:        string(req.Symbol),
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientRef,
	}
	if req.Side == schema.SideSell {
		place.Side = alpaca.Sell
	}
	if req.Symbol.IsCrypto() {
		place.TimeInForce = alpaca.GTC
	}
	if req.Kind == schema.OrderKindLimit {
		price := decimal.NewFromFloat(req.Price)
		place.Type = alpaca.Limit
		place.LimitPrice = &price
	}

	o, err := call(ctx, "submit order", func() (*alpaca.Order, error) {
		return a.client.PlaceOrder(place)
	})
	if err != nil {
		return Order{}, wrapAlpaca("submit order", err)
	}
	return a.order(o), nil
}

func (a *Alpaca) CancelOrder(ctx context.Context, id string) error {
	_, err := call(ctx, "cancel order", func() (struct{}, error) {
		return struct{}{}, a.client.CancelOrder(id)
	})
	if err != nil {
		return wrapAlpaca("cancel order", err)
	}
	return nil
}

func (a *Alpaca) GetOrder(ctx context.Context, id string) (Order, error) {
	o, err := call(ctx, "get order", func() (*alpaca.Order, error) {
		return a.client.GetOrder(id)
	})
	if err != nil {
		return Order{}, wrapAlpaca("get order", err)
	}
	return a.order(o), nil
}

func (a *Alpaca) GetOrderByClientRef(ctx context.Context, ref string) (Order, error) {
	o, err := call(ctx, "get order by client ref", func() (*alpaca.Order, error) {
		return a.client.GetOrderByClientOrderID(ref)
	})
	if err != nil {
		return Order{}, wrapAlpaca("get order by client ref", err)
	}
	return a.order(o), nil
}

func (a *Alpaca) order(o *alpaca.Order) Order {
	if o == nil {
		return Order{}
	}
	out := Order{
		ID:         o.ID,
		ClientRef:  o.ClientOrderID,
		Symbol:     a.symbol(o.Symbol),
		Status:     o.Status,
		FilledSize: o.FilledQty.InexactFloat64(),
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return out
}

func (a *Alpaca) symbol(s string) schema.Symbol {
	if sym, ok := a.symbols[s]; ok {
		return sym
	}
	return schema.Symbol(s)
}

// wrapAlpaca turns library errors into classified broker errors.
func wrapAlpaca(op string, err error) error {
	var be *Error
	if stderrors.As(err, &be) {
		return err
	}
	var apiErr *alpaca.APIError
	if stderrors.As(err, &apiErr) {
		return NewError(op, apiErr.StatusCode, apiErr.Message, err)
	}
	return NewError(op, 0, err.Error(), err)
}
