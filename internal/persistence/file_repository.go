package persistence

import (
	"encoding/json"
	"equity-signal-bot-go/internal/models"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// fileRepository writes the snapshot as indented JSON through renameio, so
// readers never observe a partial file.
type fileRepository struct {
	path string
}

// NewFileRepository stores the snapshot at path, creating its directory.
func NewFileRepository(path string) (StateRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &fileRepository{path: path}, nil
}

func (r *fileRepository) SaveState(state *models.BotState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := renameio.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (r *fileRepository) LoadState() (*models.BotState, error) {
	return ReadSnapshot(r.path)
}

func (r *fileRepository) Close() error {
	return nil
}

// ReadSnapshot decodes the snapshot file at path without opening a
// repository. It returns (nil, nil) when the file does not exist.
func ReadSnapshot(path string) (*models.BotState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var state models.BotState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	state.Normalize()
	return &state, nil
}
