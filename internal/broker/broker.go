package broker

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"livetrader/internal/schema"
	"livetrader/pkg/exception"
)

// Remote order statuses, in the brokerage's vocabulary.
const (
	StatusNew             = "new"
	StatusAccepted        = "accepted"
	StatusPendingNew      = "pending_new"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCanceled        = "canceled"
	StatusExpired         = "expired"
	StatusRejected        = "rejected"
	StatusPendingCancel   = "pending_cancel"
	StatusDoneForDay      = "done_for_day"
	StatusReplaced        = "replaced"
)

// Account is the cash side of the brokerage account.
type Account struct {
	Cash   float64
	Equity float64
}

// OrderRequest is a new order. ClientRef is echoed back by the brokerage and
// can be used to find the order when the submit response was lost.
type OrderRequest struct {
	ClientRef string
	Symbol    schema.Symbol
	Side      schema.Side
	Kind      schema.OrderKind
	Size      float64
	Price     float64
}

// Order is the brokerage's view of an order.
type Order struct {
	ID             string
	ClientRef      string
	Symbol         schema.Symbol
	Status         string
	FilledSize     float64
	FilledAvgPrice float64
}

// Client is the brokerage API. Every method honours ctx.
type Client interface {
	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) (map[schema.Symbol]schema.Position, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, id string) error
	GetOrder(ctx context.Context, id string) (Order, error)
	GetOrderByClientRef(ctx context.Context, ref string) (Order, error)
}

// Error is a failed brokerage call. It unwraps to one of the exception
// kinds so callers can tell a refusal from an unknown outcome.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	kind       error
	cause      error
}

// NewError classifies a failure by HTTP status. A zero status means the
// request may not have completed and is treated as transient.
func NewError(op string, status int, message string, cause error) *Error {
	return &Error{Op: op, StatusCode: status, Message: message, kind: kindOf(status), cause: cause}
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("broker %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("broker %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

func kindOf(status int) error {
	switch {
	case status == 0:
		return exception.ErrTransientIO
	case status == http.StatusNotFound:
		return exception.ErrOrderNotFoundRemote
	case status == http.StatusUnauthorized:
		return exception.ErrConfiguration
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return exception.ErrTransientIO
	case status >= 400:
		return exception.ErrOrderRejected
	default:
		return exception.ErrTransientIO
	}
}

// IsRejected reports whether the brokerage definitively refused a request.
func IsRejected(err error) bool {
	return stderrors.Is(err, exception.ErrOrderRejected) || stderrors.Is(err, exception.ErrConfiguration)
}

// IsNotFound reports whether the brokerage does not know the order.
func IsNotFound(err error) bool {
	return stderrors.Is(err, exception.ErrOrderNotFoundRemote)
}

// call runs fn and gives up when ctx is done. fn keeps running in the
// background in that case; its result is discarded.
func call[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, NewError(op, 0, "not sent", err)
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, NewError(op, 0, "timed out", ctx.Err())
	}
}
