package exception

import "errors"

var (
	ErrIngestStopped        = errors.New("ingest: stopped")
	ErrIngestStarted        = errors.New("ingest: already started")
	ErrIngestSymbolMismatch = errors.New("ingest: symbol mismatch")
	ErrIngestNotObject      = errors.New("ingest: payload is not a json object")
	ErrNoFeeds              = errors.New("supervisor: no feed started")
)

var (
	ErrQueueFull   = errors.New("queue: full")
	ErrQueueClosed = errors.New("queue: closed")
)

var (
	ErrTransportClosed           = errors.New("transport: closed")
	ErrTransportUnknownTopic     = errors.New("transport: unknown topic")
	ErrTransportSubscriptionGone = errors.New("transport: subscription not found")
)
