package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lodestonehq/lattice/internal/store"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrUnknownEntry indicates an acknowledgement for an entry that does not exist.
	ErrUnknownEntry = errors.New("outbox: unknown entry")
)

const (
	queryPending = "acked_at_s IS NULL"
	orderOldest  = "id ASC"
)

// QueueConfig configures the durable mutation queue.
type QueueConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Queue is the durable local record of not-yet-acknowledged transactions.
// Entries are written inside the same atomic unit as the state change they
// represent and drained by an external sync transport.
type Queue struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	signal chan struct{}
}

// NewQueue constructs a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		signal: make(chan struct{}, 1),
	}, nil
}

// Enqueue inserts a mutation inside the caller's transaction. It must only be
// called from the atomic unit that also writes the object and transaction
// rows, which is what guarantees a durable delivery obligation for every
// confirmed local change.
func (q *Queue) Enqueue(tx *gorm.DB, mutation *store.Mutation) error {
	if mutation.CreatedAtSeconds == 0 {
		mutation.CreatedAtSeconds = q.clock().UTC().Unix()
	}
	if err := tx.Create(mutation).Error; err != nil {
		return fmt.Errorf("outbox enqueue: %w", err)
	}
	return nil
}

// Signal returns a coalesced wake-up channel for the drain loop. Multiple
// wakes between reads collapse into one.
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}

// Wake nudges the drain loop without blocking.
func (q *Queue) Wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// NextPending returns the oldest unacknowledged mutation, or nil when the
// queue is drained.
func (q *Queue) NextPending(ctx context.Context) (*store.Mutation, error) {
	var mutation store.Mutation
	err := q.db.WithContext(ctx).
		Where(queryPending).
		Order(orderOldest).
		Take(&mutation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		q.logger.Error("outbox drain query failed", zap.Error(err))
		return nil, err
	}
	return &mutation, nil
}

// Ack marks an entry delivered. Acked entries are retained with their
// acknowledgement time so redelivery after a crash stays idempotent.
func (q *Queue) Ack(ctx context.Context, entryID int64) error {
	ackedAt := q.clock().UTC().Unix()
	result := q.db.WithContext(ctx).
		Model(&store.Mutation{}).
		Where("id = ? AND acked_at_s IS NULL", entryID).
		Update("acked_at_s", ackedAt)
	if result.Error != nil {
		q.logger.Error("outbox ack failed", zap.Int64("entry_id", entryID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := q.db.WithContext(ctx).Model(&store.Mutation{}).Where("id = ?", entryID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: %d", ErrUnknownEntry, entryID)
		}
	}
	return nil
}

// Nack records a failed delivery attempt by bumping the entry's retry
// counter. Transport retries are bounded by the transport, separately from
// the write protocol's conflict retry bound.
func (q *Queue) Nack(ctx context.Context, entryID int64) error {
	result := q.db.WithContext(ctx).
		Model(&store.Mutation{}).
		Where("id = ?", entryID).
		Update("retries", gorm.Expr("retries + 1"))
	if result.Error != nil {
		q.logger.Error("outbox nack failed", zap.Int64("entry_id", entryID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownEntry, entryID)
	}
	return nil
}

// PendingCount reports the number of undelivered entries.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&store.Mutation{}).Where(queryPending).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
