package persistence

import "equity-signal-bot-go/internal/models"

// StateRepository persists the BotState as a single snapshot. Every
// implementation replaces the previous snapshot atomically, so a reader
// sees either the old or the new state, never a mix.
type StateRepository interface {
	// SaveState atomically replaces the stored snapshot.
	SaveState(state *models.BotState) error

	// LoadState returns the stored snapshot, or (nil, nil) when none exists.
	LoadState() (*models.BotState, error)

	// Close releases the underlying storage.
	Close() error
}
