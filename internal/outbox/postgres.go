package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/stagebid/stagebid/internal/events"
)

// Postgres stages events in the event_outbox table. Position is a
// bigserial, so fetch order equals commit order.
type Postgres struct {
	db *sql.DB
}

var _ Repository = (*Postgres)(nil)

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Emit(ctx context.Context, event events.Event) error {
	bidder := uuid.NullUUID{}
	if event.BidderID != uuid.Nil {
		bidder = uuid.NullUUID{UUID: event.BidderID, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO event_outbox (id, round_id, event_type, bidder_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.RoundID, event.Type, bidder, []byte(event.Data), event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to stage outbox event: %w", err)
	}
	return nil
}

func (p *Postgres) FetchUnsent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT position, id, round_id, event_type, bidder_id, payload, created_at
		FROM event_outbox
		WHERE sent_at IS NULL
		ORDER BY position
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var bidder uuid.NullUUID
		var payload []byte
		if err := rows.Scan(&rec.Position, &rec.Event.ID, &rec.Event.RoundID,
			&rec.Event.Type, &bidder, &payload, &rec.Event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		if bidder.Valid {
			rec.Event.BidderID = bidder.UUID
		}
		rec.Event.Data = payload
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *Postgres) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE event_outbox SET sent_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event sent: %w", err)
	}
	return nil
}
