package exception

import (
	"context"
	"errors"
)

var (
	ErrOrderInvalidIntent     = errors.New("order: invalid intent")
	ErrOrderUnknown           = errors.New("order: not found")
	ErrOrderDuplicate         = errors.New("order: already exists")
	ErrOrderInvalidTransition = errors.New("order: invalid state transition")
	ErrOrderRejected          = errors.New("order: rejected by brokerage")
	ErrOrderNotFoundRemote    = errors.New("order: not found at brokerage")
	ErrOrderStuck             = errors.New("order: stuck")
	ErrAccountUnavailable     = errors.New("account: no snapshot")
)

var errDeadline = context.DeadlineExceeded
