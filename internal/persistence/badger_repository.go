package persistence

import (
	"encoding/json"
	"equity-signal-bot-go/internal/models"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

const stateKey = "bot_state"

// badgerRepository keeps the snapshot as one JSON value in BadgerDB. A
// single-key update transaction makes each save atomic.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) the Badger directory at dbPath.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dbPath, err)
	}
	return &badgerRepository{db: db}, nil
}

// NewInMemoryBadgerRepository backs the repository with an in-memory Badger
// instance. Nothing survives Close.
func NewInMemoryBadgerRepository() (StateRepository, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &badgerRepository{db: db}, nil
}

func (r *badgerRepository) SaveState(state *models.BotState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(stateKey), data)
	})
}

func (r *badgerRepository) LoadState() (*models.BotState, error) {
	var state models.BotState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(stateKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	state.Normalize()
	return &state, nil
}

func (r *badgerRepository) Close() error {
	return r.db.Close()
}
