package persistence

import (
	"equity-signal-bot-go/internal/models"
	"errors"
	"fmt"
)

// MultiRepository saves to every repository in order and loads from the
// first. A save fails if any repository fails; the primary is always written
// first, so it is never older than the others.
type MultiRepository struct {
	repos []StateRepository
}

// NewMultiRepository fans out to primary and then to mirrors.
func NewMultiRepository(primary StateRepository, mirrors ...StateRepository) *MultiRepository {
	return &MultiRepository{repos: append([]StateRepository{primary}, mirrors...)}
}

func (m *MultiRepository) SaveState(state *models.BotState) error {
	for i, repo := range m.repos {
		if err := repo.SaveState(state); err != nil {
			return fmt.Errorf("repository %d: %w", i, err)
		}
	}
	return nil
}

func (m *MultiRepository) LoadState() (*models.BotState, error) {
	return m.repos[0].LoadState()
}

func (m *MultiRepository) Close() error {
	var errs []error
	for _, repo := range m.repos {
		if err := repo.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
