package kafka

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"study-payment-svc/database"
	"study-payment-svc/middleware"
	"study-payment-svc/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// WriteOutbox stores event for later publication. Call it with the transaction that
// made the state change the event describes.
func WriteOutbox(ctx context.Context, tx database.DBTX, topic string, event models.Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_events (event_id, topic, event_type, aggregate_key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.EventID, topic, event.EventType, event.AggregateKey, []byte(event.Payload), event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write outbox event %s: %w", event.EventType, err)
	}
	return nil
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, event models.Event) error
}

// Relay moves committed outbox rows onto Kafka.
type Relay struct {
	db        *sql.DB
	publisher EventPublisher
	batchSize int
	logger    *zap.Logger
}

func NewRelay(db *sql.DB, publisher EventPublisher, batchSize int, logger *zap.Logger) *Relay {
	return &Relay{
		db:        db,
		publisher: publisher,
		batchSize: batchSize,
		logger:    logger,
	}
}

// RelayOnce publishes up to one batch in creation order. Rows are locked with SKIP LOCKED
// so concurrent relays split the work. Publishing stops at the first failure; rows sent
// before it are still marked.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	var published []string
	var publishErr error

	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT event_id, topic, event_type, aggregate_key, payload, created_at
			FROM outbox_events
			WHERE published_at IS NULL
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED`,
			r.batchSize,
		)
		if err != nil {
			return fmt.Errorf("failed to load outbox: %w", err)
		}

		type pending struct {
			topic string
			event models.Event
		}
		var batch []pending
		for rows.Next() {
			var p pending
			var payload []byte
			if err := rows.Scan(&p.event.EventID, &p.topic, &p.event.EventType, &p.event.AggregateKey, &payload, &p.event.OccurredAt); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan outbox row: %w", err)
			}
			p.event.Payload = payload
			batch = append(batch, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read outbox: %w", err)
		}

		for _, p := range batch {
			if err := r.publisher.Publish(ctx, p.topic, p.event); err != nil {
				publishErr = err
				break
			}
			published = append(published, p.event.EventID)
			middleware.RecordOutboxPublished(p.topic)
		}

		if len(published) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE outbox_events SET published_at = NOW() WHERE event_id = ANY($1)",
			pq.Array(published),
		)
		if err != nil {
			return fmt.Errorf("failed to mark outbox rows published: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if publishErr != nil {
		r.logger.Warn("Outbox relay stopped early",
			zap.Int("published", len(published)),
			zap.Error(publishErr),
		)
		return len(published), publishErr
	}
	return len(published), nil
}

// Purge removes published rows older than retention.
func (r *Relay) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM outbox_events WHERE published_at IS NOT NULL AND published_at < $1",
		time.Now().Add(-retention),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
