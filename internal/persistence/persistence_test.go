package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bybit-grid-bot-go/internal/models"
)

func newTestRepo(t *testing.T) *BadgerRepository {
	t.Helper()
	repo, err := NewBadgerRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSaveAndLoadState(t *testing.T) {
	repo := newTestRepo(t)

	state := &models.BotState{
		Symbol: "NXPCUSDT",
		Plan: &models.GridPlan{
			Symbol: "NXPCUSDT", UpperPrice: 106, LowerPrice: 100,
			GridCount: 4, NumberOfPairs: 3,
		},
		Orders: []models.TrackedOrder{
			{OrderID: "o-1", Side: models.Buy, Price: 102, Quantity: 0.49, LevelIndex: 1, GridPairIndex: 1},
		},
		WasRunning: true,
	}
	require.NoError(t, repo.SaveState(state))

	loaded, err := repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "NXPCUSDT", loaded.Symbol)
	assert.True(t, loaded.WasRunning)
	assert.False(t, loaded.SavedAt.IsZero())
	require.Len(t, loaded.Orders, 1)
	assert.Equal(t, "o-1", loaded.Orders[0].OrderID)
	assert.Equal(t, 1, loaded.Orders[0].GridPairIndex)
	require.NotNil(t, loaded.Plan)
	assert.Equal(t, 3, loaded.Plan.NumberOfPairs)
}

func TestLoadState_Empty(t *testing.T) {
	repo := newTestRepo(t)

	state, err := repo.LoadState()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestSaveOverwritesPrevious(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.SaveState(&models.BotState{Symbol: "AAAUSDT"}))
	require.NoError(t, repo.SaveState(&models.BotState{Symbol: "BBBUSDT"}))

	loaded, err := repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "BBBUSDT", loaded.Symbol)
}

func TestClearState(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.SaveState(&models.BotState{Symbol: "NXPCUSDT"}))
	require.NoError(t, repo.ClearState())

	state, err := repo.LoadState()
	require.NoError(t, err)
	assert.Nil(t, state)

	// clearing an already-empty store is fine
	require.NoError(t, repo.ClearState())
}
