package models

import (
	"time"

	"github.com/google/uuid"
)

// Item is an auction-able entity in a host's catalog. The catalog
// collaborator owns its lifecycle; the core reads items to validate that
// a bid targets the round host's catalog and to decorate notifications.
type Item struct {
	ID        uuid.UUID `json:"id"`
	HostID    uuid.UUID `json:"host_id"`
	Title     string    `json:"title"`
	Artist    string    `json:"artist"`
	CreatedAt time.Time `json:"created_at"`
}
