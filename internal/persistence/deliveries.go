package persistence

import (
	"context"
	"errors"
	"fmt"
)

// ErrDuplicateDelivery signals that a (provider, delivery id) pair was already
// recorded; the caller must not re-run side effects for it.
var ErrDuplicateDelivery = errors.New("duplicate webhook delivery")

// RecordDelivery inserts the (provider, delivery id) pair if absent. This is
// the sole idempotency gate for externally-delivered events: the caller
// proceeds only when the insert lands. The table is append-only.
func (s *Store) RecordDelivery(ctx context.Context, provider, deliveryID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO webhook_deliveries (provider, delivery_id) VALUES (?, ?);
	`, provider, deliveryID)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delivery rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateDelivery
	}
	return nil
}
