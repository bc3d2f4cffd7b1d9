package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v3"

	"bybit-grid-bot-go/internal/models"
)

const stateKey = "grid_state"

// StateRepository persists the bot state across restarts.
type StateRepository interface {
	// SaveState stores the complete bot state, overwriting any previous one.
	SaveState(state *models.BotState) error
	// LoadState returns the stored state, or (nil, nil) when none exists.
	LoadState() (*models.BotState, error)
	// ClearState removes the stored state.
	ClearState() error
	// Close releases the underlying store.
	Close() error
}

// BadgerRepository is a StateRepository backed by an embedded BadgerDB.
type BadgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) the database at path.
func NewBadgerRepository(path string) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return &BadgerRepository{db: db}, nil
}

// SaveState serializes the state to JSON and writes it in one transaction.
func (r *BadgerRepository) SaveState(state *models.BotState) error {
	state.SavedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(stateKey), data)
	})
}

// LoadState reads the stored state. A missing key is not an error.
func (r *BadgerRepository) LoadState() (*models.BotState, error) {
	var state *models.BotState
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(stateKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			state = &models.BotState{}
			return json.Unmarshal(val, state)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return state, nil
}

// ClearState deletes the stored state.
func (r *BadgerRepository) ClearState() error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(stateKey))
	})
}

// Close closes the database.
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}
