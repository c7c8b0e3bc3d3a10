package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stagebid/stagebid/internal/catalog"
	"github.com/stagebid/stagebid/internal/models"
)

// Postgres is the production ledger over database/sql with the pgx
// stdlib driver. The close-once guarantee rides on the conditional
// UPDATE in CloseRound.
type Postgres struct {
	db *sql.DB
}

var (
	_ Store              = (*Postgres)(nil)
	_ catalog.Repository = (*Postgres)(nil)
)

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// sqlLimit maps the Store contract of "limit <= 0 means no limit" onto
// Postgres, where LIMIT NULL is unlimited and LIMIT 0 returns nothing.
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (p *Postgres) CreateRound(ctx context.Context, round *models.Round) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rounds (id, host_id, status, duration_seconds, start_time, end_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		round.ID, round.HostID, round.Status, round.DurationSeconds,
		round.StartTime, round.EndTime, round.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create round: %w", err)
	}
	return nil
}

const roundColumns = `id, host_id, status, duration_seconds, start_time, end_time, winner_item_id, created_at`

func (p *Postgres) scanRound(row *sql.Row) (*models.Round, error) {
	var r models.Round
	var winner uuid.NullUUID
	err := row.Scan(&r.ID, &r.HostID, &r.Status, &r.DurationSeconds,
		&r.StartTime, &r.EndTime, &winner, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if winner.Valid {
		r.WinnerItemID = &winner.UUID
	}
	return &r, nil
}

func (p *Postgres) GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	r, err := p.scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	return r, nil
}

func (p *Postgres) ActiveRound(ctx context.Context) (*models.Round, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+roundColumns+` FROM rounds
		WHERE status = $1
		ORDER BY start_time DESC
		LIMIT 1`, models.RoundStatusActive)
	r, err := p.scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveRound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active round: %w", err)
	}
	return r, nil
}

func (p *Postgres) SupersedeActiveRounds(ctx context.Context, hostID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE rounds SET status = $1
		WHERE host_id = $2 AND status = $3
		RETURNING id`,
		models.RoundStatusClosed, hostID, models.RoundStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to supersede active rounds: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan superseded round id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) CloseRound(ctx context.Context, id uuid.UUID, winnerItemID *uuid.UUID, refunds []models.Refund) (bool, error) {
	winner := uuid.NullUUID{}
	if winnerItemID != nil {
		winner = uuid.NullUUID{UUID: *winnerItemID, Valid: true}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin close transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE rounds SET status = $1, winner_item_id = $2
		WHERE id = $3 AND status = $4`,
		models.RoundStatusClosed, winner, id, models.RoundStatusActive)
	if err != nil {
		return false, fmt.Errorf("failed to close round: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read close result: %w", err)
	}
	if affected != 1 {
		// Someone else closed it; nothing to write.
		return false, nil
	}

	for _, r := range refunds {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO refunds (id, round_id, item_id, bidder_id, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ID, r.RoundID, r.ItemID, r.BidderID, r.Amount, r.CreatedAt); err != nil {
			return false, fmt.Errorf("failed to insert refund: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit close: %w", err)
	}
	return true, nil
}

func (p *Postgres) RoundHistory(ctx context.Context, hostID uuid.UUID, limit int) ([]models.RoundResult, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.host_id, r.status, r.duration_seconds, r.start_time, r.end_time,
		       r.winner_item_id, r.created_at, i.title, i.artist,
		       COALESCE((SELECT SUM(b.amount) FROM bids b
		                 WHERE b.round_id = r.id AND b.item_id = r.winner_item_id), 0)
		FROM rounds r
		LEFT JOIN items i ON i.id = r.winner_item_id
		WHERE r.host_id = $1 AND r.status = $2
		ORDER BY r.start_time DESC
		LIMIT $3`,
		hostID, models.RoundStatusClosed, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list round history: %w", err)
	}
	defer rows.Close()

	var results []models.RoundResult
	for rows.Next() {
		var res models.RoundResult
		var winner uuid.NullUUID
		var title, artist sql.NullString
		if err := rows.Scan(&res.Round.ID, &res.Round.HostID, &res.Round.Status,
			&res.Round.DurationSeconds, &res.Round.StartTime, &res.Round.EndTime,
			&winner, &res.Round.CreatedAt, &title, &artist, &res.WinningAmount); err != nil {
			return nil, fmt.Errorf("failed to scan round history row: %w", err)
		}
		if winner.Valid {
			res.Round.WinnerItemID = &winner.UUID
		}
		if title.Valid {
			res.WinnerTitle = &title.String
		}
		if artist.Valid {
			res.WinnerArtist = &artist.String
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func (p *Postgres) GetBid(ctx context.Context, roundID, itemID, bidderID uuid.UUID) (*models.Bid, error) {
	var b models.Bid
	err := p.db.QueryRowContext(ctx, `
		SELECT id, round_id, item_id, bidder_id, amount, created_at, updated_at
		FROM bids
		WHERE round_id = $1 AND item_id = $2 AND bidder_id = $3`,
		roundID, itemID, bidderID).
		Scan(&b.ID, &b.RoundID, &b.ItemID, &b.BidderID, &b.Amount, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBidNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	return &b, nil
}

func (p *Postgres) UpsertBid(ctx context.Context, bid *models.Bid) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO bids (id, round_id, item_id, bidder_id, amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (round_id, item_id, bidder_id)
		DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		bid.ID, bid.RoundID, bid.ItemID, bid.BidderID, bid.Amount, bid.CreatedAt, bid.UpdatedAt).
		Scan(&bid.ID, &bid.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert bid: %w", err)
	}
	return nil
}

func (p *Postgres) bidsQuery(ctx context.Context, query string, args ...any) ([]models.Bid, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []models.Bid
	for rows.Next() {
		var b models.Bid
		if err := rows.Scan(&b.ID, &b.RoundID, &b.ItemID, &b.BidderID,
			&b.Amount, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (p *Postgres) BidsForRound(ctx context.Context, roundID uuid.UUID) ([]models.Bid, error) {
	bids, err := p.bidsQuery(ctx, `
		SELECT id, round_id, item_id, bidder_id, amount, created_at, updated_at
		FROM bids WHERE round_id = $1
		ORDER BY created_at`, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids for round: %w", err)
	}
	return bids, nil
}

func (p *Postgres) BidsForBidder(ctx context.Context, roundID, bidderID uuid.UUID) ([]models.Bid, error) {
	bids, err := p.bidsQuery(ctx, `
		SELECT id, round_id, item_id, bidder_id, amount, created_at, updated_at
		FROM bids WHERE round_id = $1 AND bidder_id = $2
		ORDER BY created_at`, roundID, bidderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids for bidder: %w", err)
	}
	return bids, nil
}

func (p *Postgres) RefundsForBidder(ctx context.Context, bidderID uuid.UUID, limit int) ([]models.RefundDetail, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT rf.id, rf.round_id, rf.item_id, rf.bidder_id, rf.amount, rf.created_at,
		       COALESCE(i.title, ''), COALESCE(i.artist, '')
		FROM refunds rf
		LEFT JOIN items i ON i.id = rf.item_id
		WHERE rf.bidder_id = $1
		ORDER BY rf.created_at DESC
		LIMIT $2`, bidderID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	defer rows.Close()

	var details []models.RefundDetail
	for rows.Next() {
		var d models.RefundDetail
		if err := rows.Scan(&d.ID, &d.RoundID, &d.ItemID, &d.BidderID,
			&d.Amount, &d.CreatedAt, &d.ItemTitle, &d.ItemArtist); err != nil {
			return nil, fmt.Errorf("failed to scan refund row: %w", err)
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// Catalog side.

func (p *Postgres) CreateItem(ctx context.Context, item *models.Item) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO items (id, host_id, title, artist, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		item.ID, item.HostID, item.Title, item.Artist, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

func (p *Postgres) GetItem(ctx context.Context, id uuid.UUID) (*models.Item, error) {
	var it models.Item
	err := p.db.QueryRowContext(ctx, `
		SELECT id, host_id, title, artist, created_at FROM items WHERE id = $1`, id).
		Scan(&it.ID, &it.HostID, &it.Title, &it.Artist, &it.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &it, nil
}

func (p *Postgres) ItemsForHost(ctx context.Context, hostID uuid.UUID) ([]models.Item, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, host_id, title, artist, created_at
		FROM items WHERE host_id = $1
		ORDER BY created_at, id`, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		var it models.Item
		if err := rows.Scan(&it.ID, &it.HostID, &it.Title, &it.Artist, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (p *Postgres) DeleteItem(ctx context.Context, id, hostID uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM items WHERE id = $1 AND host_id = $2`, id, hostID)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return catalog.ErrItemNotFound
	}
	return nil
}
