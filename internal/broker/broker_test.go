package broker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"livetrader/internal/schema"
	"livetrader/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{0, exception.ErrTransientIO},
		{http.StatusNotFound, exception.ErrOrderNotFoundRemote},
		{http.StatusUnprocessableEntity, exception.ErrOrderRejected},
		{http.StatusForbidden, exception.ErrOrderRejected},
		{http.StatusUnauthorized, exception.ErrConfiguration},
		{http.StatusTooManyRequests, exception.ErrTransientIO},
		{http.StatusBadGateway, exception.ErrTransientIO},
	}
	for _, tc := range cases {
		err := NewError("op", tc.status, "msg", nil)
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}

	cause := errors.New("cause")
	err := NewError("op", 0, "boom", cause)
	assert.ErrorIs(t, err, cause)
	assert.True(t, exception.IsTransient(err))
	assert.True(t, IsRejected(NewError("op", 422, "", nil)))
	assert.True(t, IsNotFound(NewError("op", 404, "", nil)))
	assert.Equal(t, "broker op: status 404: gone", NewError("op", 404, "gone", nil).Error())
}

func TestCallTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)

	_, err := call(ctx, "slow", func() (int, error) {
		<-release
		return 1, nil
	})
	require.Error(t, err)
	assert.True(t, exception.IsTransient(err))
}

func TestPaperMarketOrderFills(t *testing.T) {
	p := NewPaper(10_000)
	p.SetMark("AAPL", 100)
	ctx := t.Context()

	o, err := p.SubmitOrder(ctx, OrderRequest{ClientRef: "r1", Symbol: "AAPL", Side: schema.SideBuy, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.Equal(t, 10.0, o.FilledSize)

	acct, err := p.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9_000.0, acct.Cash)
	assert.Equal(t, 10_000.0, acct.Equity)

	positions, err := p.GetPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.Position{Size: 10, AvgPrice: 100}, positions["AAPL"])

	_, err = p.SubmitOrder(ctx, OrderRequest{ClientRef: "r2", Symbol: "AAPL", Side: schema.SideSell, Size: 10})
	require.NoError(t, err)
	positions, err = p.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	_, err = p.SubmitOrder(ctx, OrderRequest{ClientRef: "r1", Symbol: "AAPL", Side: schema.SideBuy, Size: 1})
	assert.True(t, IsRejected(err))
}

func TestPaperLimitOrderRestsUntilCrossed(t *testing.T) {
	p := NewPaper(1_000)
	ctx := t.Context()
	p.SetMark("AAPL", 100)

	o, err := p.SubmitOrder(ctx, OrderRequest{ClientRef: "l1", Symbol: "AAPL", Side: schema.SideBuy, Kind: schema.OrderKindLimit, Size: 1, Price: 95})
	require.NoError(t, err)
	assert.Equal(t, StatusNew, o.Status)

	p.SetMark("AAPL", 94)
	o, err = p.GetOrderByClientRef(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.Equal(t, 94.0, o.FilledAvgPrice)
}

func TestPaperCancel(t *testing.T) {
	p := NewPaper(1_000)
	ctx := t.Context()
	o, err := p.SubmitOrder(ctx, OrderRequest{ClientRef: "c1", Symbol: "MSFT", Side: schema.SideBuy, Kind: schema.OrderKindLimit, Size: 1, Price: 10})
	require.NoError(t, err)

	require.NoError(t, p.CancelOrder(ctx, o.ID))
	got, err := p.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)
	assert.True(t, IsRejected(p.CancelOrder(ctx, o.ID)))
	assert.True(t, IsNotFound(p.CancelOrder(ctx, "missing")))
}

func TestPaperLostResponsePlacesOrder(t *testing.T) {
	p := NewPaper(1_000)
	p.SetMark("AAPL", 10)
	p.LoseNextResponse()

	_, err := p.SubmitOrder(t.Context(), OrderRequest{ClientRef: "lost", Symbol: "AAPL", Side: schema.SideBuy, Size: 1})
	require.Error(t, err)
	assert.True(t, exception.IsTransient(err))

	o, err := p.GetOrderByClientRef(t.Context(), "lost")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
}

func TestPaperInjectedFailures(t *testing.T) {
	p := NewPaper(1_000)
	boom := NewError("get account", http.StatusServiceUnavailable, "down", nil)
	p.SetAccountError(boom)
	_, err := p.GetAccount(t.Context())
	require.ErrorIs(t, err, boom)
	p.SetAccountError(nil)
	_, err = p.GetAccount(t.Context())
	require.NoError(t, err)

	p.FailNextSubmit(NewError("submit order", http.StatusForbidden, "insufficient buying power", nil))
	_, err = p.SubmitOrder(t.Context(), OrderRequest{ClientRef: "x", Symbol: "AAPL", Side: schema.SideBuy, Size: 1})
	assert.True(t, IsRejected(err))
	assert.Equal(t, 1, p.Submits())
}

func TestAlpacaSymbolMapping(t *testing.T) {
	a := NewAlpaca(AlpacaOption{APIKey: "k", APISecret: "s", Symbols: []schema.Symbol{"BTC/USD", "AAPL"}})
	assert.Equal(t, schema.Symbol("BTC/USD"), a.symbol("BTCUSD"))
	assert.Equal(t, schema.Symbol("AAPL"), a.symbol("AAPL"))
	assert.Equal(t, schema.Symbol("MSFT"), a.symbol("MSFT"))
}

func TestAlpacaAccountMustMatch(t *testing.T) {
	a := NewAlpaca(AlpacaOption{APIKey: "k", APISecret: "s", AccountID: "PA123"})
	require.NoError(t, a.checkAccount("9f1c-uuid", "PA123"))

	a = NewAlpaca(AlpacaOption{APIKey: "k", APISecret: "s", AccountID: "9f1c-uuid"})
	require.NoError(t, a.checkAccount("9f1c-uuid", "PA123"))

	err := a.checkAccount("other-uuid", "PA999")
	require.ErrorIs(t, err, exception.ErrConfiguration)
	assert.False(t, exception.IsTransient(err))

	require.NoError(t, NewAlpaca(AlpacaOption{}).checkAccount("any", "any"))
}

func TestWrapAlpacaKeepsClassifiedErrors(t *testing.T) {
	inner := NewError("op", 404, "gone", nil)
	assert.Same(t, inner, wrapAlpaca("op", inner))
	assert.True(t, exception.IsTransient(wrapAlpaca("op", errors.New("connection reset"))))
}
