// Package catalog is the read boundary over the host's item catalog.
// The core consults it to validate that a bid targets the round host's
// items and to decorate leaderboards and refund notices with display
// attributes.
package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/stagebid/stagebid/internal/models"
)

var ErrItemNotFound = errors.New("catalog: item not found")

// Repository exposes item records. Both ledger implementations satisfy
// it, the catalog living in the same row store as the auction state.
type Repository interface {
	CreateItem(ctx context.Context, item *models.Item) error
	GetItem(ctx context.Context, id uuid.UUID) (*models.Item, error)
	ItemsForHost(ctx context.Context, hostID uuid.UUID) ([]models.Item, error)
	DeleteItem(ctx context.Context, id, hostID uuid.UUID) error
}
