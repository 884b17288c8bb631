// Package archive is a write-behind transcript log of committed dialog
// turns. The session store stays ephemeral; the archive exists for audit
// and offline inspection and never participates in scheduling. Writes are
// best effort.
package archive

import (
	"context"
	"time"
)

// Record stores a single committed user or assistant turn.
type Record struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_id"`
	Role       string    `json:"role"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists and retrieves archived turns.
type Store interface {
	SaveTurn(ctx context.Context, record Record) error
	RecentTurns(ctx context.Context, sessionKey string, limit int) ([]Record, error)
	Close() error
}
