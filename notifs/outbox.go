package notifs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
)

// OutboxEntry is a notification message waiting for delivery. Entries are
// written in the same transaction as the change that caused them.
type OutboxEntry struct {
	ID          uint64 `gorm:"primaryKey"`
	CreatedAt   time.Time
	Type        string     `gorm:"not null"`
	RecordUri   string     `gorm:"not null;index"`
	Payload     []byte     `gorm:"not null"`
	DeliveredAt *time.Time `gorm:"index"`
	Attempts    int
	LastError   *string
}

func MigrateOutbox(db *gorm.DB) error {
	return db.AutoMigrate(&OutboxEntry{})
}

// Enqueue records msg for delivery using tx, which should be the caller's
// open transaction.
func Enqueue(tx *gorm.DB, msg Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	ent := OutboxEntry{
		Type:      string(msg.Type()),
		RecordUri: msg.RecordURI(),
		Payload:   b,
	}
	if err := tx.Create(&ent).Error; err != nil {
		return fmt.Errorf("enqueueing %s: %w", msg.Type(), err)
	}
	return nil
}

type seqKey struct{}

// SequenceFromContext returns the outbox entry id of the message being
// delivered, when called from inside a Sink driven by a Dispatcher.
func SequenceFromContext(ctx context.Context) (uint64, bool) {
	v, ok := ctx.Value(seqKey{}).(uint64)
	return v, ok
}

func contextWithSequence(ctx context.Context, seq uint64) context.Context {
	return context.WithValue(ctx, seqKey{}, seq)
}

// DispatcherConfig tunes a Dispatcher. Zero values get defaults.
type DispatcherConfig struct {
	BatchSize int
	Interval  time.Duration
	Logger    *slog.Logger
}

// Dispatcher delivers outbox entries to a Sink, in id order, at least once.
type Dispatcher struct {
	db        *gorm.DB
	sink      Sink
	logger    *slog.Logger
	batchSize int
	interval  time.Duration

	// only one flush runs at a time, which keeps per-record ordering
	lk   sync.Mutex
	poke chan struct{}
}

func NewDispatcher(db *gorm.DB, sink Sink, config DispatcherConfig) (*Dispatcher, error) {
	if err := MigrateOutbox(db); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("system", "notifs-outbox")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	return &Dispatcher{
		db:        db,
		sink:      sink,
		logger:    logger,
		batchSize: config.BatchSize,
		interval:  config.Interval,
		poke:      make(chan struct{}, 1),
	}, nil
}

// Notify asks a running dispatcher to flush soon. Never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.poke <- struct{}{}:
	default:
	}
}

// Flush delivers pending entries until the outbox is drained or delivery
// fails. It stops at the first failed entry so later messages about the same
// record are not delivered ahead of it.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	d.lk.Lock()
	defer d.lk.Unlock()

	delivered := 0
	for {
		var batch []OutboxEntry
		if err := d.db.WithContext(ctx).Where("delivered_at IS NULL").Order("id asc").Limit(d.batchSize).Find(&batch).Error; err != nil {
			return delivered, fmt.Errorf("reading outbox: %w", err)
		}
		if len(batch) == 0 {
			return delivered, nil
		}

		for _, ent := range batch {
			// only committed entries are visible here
			if ent.Attempts == 0 {
				outboxCommitted.WithLabelValues(ent.Type).Inc()
			}

			msg, err := Decode(ent.Payload)
			if err != nil {
				// can never succeed; park it rather than wedge the queue
				d.logger.Error("dropping undecodable outbox entry", "id", ent.ID, "err", err)
				if err := d.markDelivered(ctx, ent.ID, err); err != nil {
					return delivered, err
				}
				continue
			}

			if err := d.sink.Emit(contextWithSequence(ctx, ent.ID), msg); err != nil {
				outboxDeliveries.WithLabelValues(ent.Type, "error").Inc()
				msg := err.Error()
				if uerr := d.db.WithContext(ctx).Model(&OutboxEntry{}).Where("id = ?", ent.ID).Updates(map[string]any{
					"attempts":   gorm.Expr("attempts + 1"),
					"last_error": msg,
				}).Error; uerr != nil {
					d.logger.Error("failed to record outbox delivery failure", "id", ent.ID, "err", uerr)
				}
				return delivered, fmt.Errorf("delivering outbox entry %d: %w", ent.ID, err)
			}

			if err := d.markDelivered(ctx, ent.ID, nil); err != nil {
				return delivered, err
			}
			outboxDeliveries.WithLabelValues(ent.Type, "ok").Inc()
			delivered++
		}
	}
}

func (d *Dispatcher) markDelivered(ctx context.Context, id uint64, cause error) error {
	upd := map[string]any{
		"delivered_at": time.Now(),
		"attempts":     gorm.Expr("attempts + 1"),
	}
	if cause != nil {
		upd["last_error"] = cause.Error()
	}
	if err := d.db.WithContext(ctx).Model(&OutboxEntry{}).Where("id = ?", id).Updates(upd).Error; err != nil {
		return fmt.Errorf("marking outbox entry %d delivered: %w", id, err)
	}
	return nil
}

// Pending counts undelivered entries.
func (d *Dispatcher) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.WithContext(ctx).Model(&OutboxEntry{}).Where("delivered_at IS NULL").Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// Run flushes on every tick and whenever Notify is called, until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.poke:
		}

		n, err := d.Flush(ctx)
		if err != nil {
			d.logger.Warn("outbox flush failed", "delivered", n, "err", err)
		} else if n > 0 {
			d.logger.Debug("outbox flushed", "delivered", n)
		}

		if pending, err := d.Pending(ctx); err == nil {
			outboxPending.Set(float64(pending))
		}
	}
}
