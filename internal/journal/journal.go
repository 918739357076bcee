// Package journal keeps an append-only audit trail of order record changes in
// PostgreSQL.
package journal

import (
	"context"
	"time"

	"livetrader/internal/bus"
	"livetrader/internal/schema"
	"livetrader/pkg/exception"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
)

const (
	defaultCapacity     = 4096
	defaultBatchSize    = 100
	defaultWriteTimeout = 5 * time.Second
)

// OrderEvent is one row of the journal.
type OrderEvent struct {
	ID         string    `gorm:"column:id;type:uuid;primaryKey"`
	LocalRef   string    `gorm:"column:local_ref;type:uuid;index;not null"`
	RemoteID   string    `gorm:"column:remote_id"`
	Symbol     string    `gorm:"column:symbol;index;not null"`
	Side       string    `gorm:"column:side;not null"`
	Kind       string    `gorm:"column:kind;not null"`
	Size       float64   `gorm:"column:size"`
	Price      float64   `gorm:"column:price"`
	Status     string    `gorm:"column:status;not null"`
	FilledSize float64   `gorm:"column:filled_size"`
	Reason     string    `gorm:"column:reason"`
	Stuck      bool      `gorm:"column:stuck"`
	ChangedAt  time.Time `gorm:"column:changed_at;index"`
}

func (OrderEvent) TableName() string {
	return "order_events"
}

// NewOrderEvent converts a record into a journal row with a fresh ID.
func NewOrderEvent(rec schema.OrderRecord) OrderEvent {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = rec.CreatedAt
	}
	return OrderEvent{
		ID:         uuid.NewString(),
		LocalRef:   rec.LocalRef,
		RemoteID:   rec.RemoteID,
		Symbol:     string(rec.Symbol),
		Side:       rec.Side.String(),
		Kind:       rec.Kind.String(),
		Size:       rec.Size,
		Price:      rec.Price,
		Status:     rec.Status.String(),
		FilledSize: rec.FilledSize,
		Reason:     rec.Reason,
		Stuck:      rec.Stuck,
		ChangedAt:  updated.UTC(),
	}
}

// Config controls the asynchronous writer.
type Config struct {
	// Capacity bounds pending events; the oldest are dropped when full.
	Capacity     int
	BatchSize    int
	WriteTimeout time.Duration
}

// Journal records order changes without ever blocking the caller. Events are
// buffered and written by Run.
type Journal struct {
	cfg    Config
	db     *gorm.DB
	queue  *bus.Queue[OrderEvent]
	notify chan struct{}
}

// New creates a journal writing to db.
func New(db *gorm.DB, cfg Config) (*Journal, error) {
	if db == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "journal db")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Journal{
		cfg:    cfg,
		db:     db,
		queue:  bus.NewQueue[OrderEvent](cfg.Capacity, bus.OverflowDropOldest),
		notify: make(chan struct{}, 1),
	}, nil
}

// Migrate creates or updates the journal table.
func (j *Journal) Migrate(ctx context.Context) error {
	if err := j.db.WithContext(ctx).AutoMigrate(&OrderEvent{}); err != nil {
		return errors.Wrap(err, "migrate order events")
	}
	return nil
}

// Record queues rec for writing.
func (j *Journal) Record(rec schema.OrderRecord) {
	evicted, err := j.queue.Push(NewOrderEvent(rec))
	if err != nil {
		logs.Warnf("journal: drop event, ref: %s, err: %+v", rec.LocalRef, err)
		return
	}
	if evicted {
		logs.Warnf("journal: buffer full, oldest event dropped, dropped: %d", j.queue.Dropped())
	}
	select {
	case j.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued events.
func (j *Journal) Pending() int {
	return j.queue.Len()
}

// Run writes queued events until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) {
	defer j.shutdown(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.notify:
			if ctx.Err() != nil {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, j.cfg.WriteTimeout)
			if err := j.Flush(wctx); err != nil {
				logs.Errorf("journal: flush, err: %+v", err)
			}
			cancel()
		}
	}
}

func (j *Journal) shutdown(ctx context.Context) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.cfg.WriteTimeout)
	defer cancel()
	if err := j.Flush(fctx); err != nil {
		logs.Errorf("journal: final flush, err: %+v", err)
	}
	j.queue.Close()
}

// Flush writes every queued event. Events of a failed batch are lost.
func (j *Journal) Flush(ctx context.Context) error {
	events := j.queue.Drain()
	if len(events) == 0 {
		return nil
	}
	if err := j.write(ctx, events); err != nil {
		return errors.Wrap(err, "flush").With("events", len(events))
	}
	return nil
}

func (j *Journal) write(ctx context.Context, events []OrderEvent) error {
	if err := j.db.WithContext(ctx).CreateInBatches(events, j.cfg.BatchSize).Error; err != nil {
		return errors.Wrap(err, "insert order events")
	}
	return nil
}
