package tracker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bybit-grid-bot-go/internal/models"
)

func TestTryReserve_SingleFlight(t *testing.T) {
	tr := New()

	assert.True(t, tr.TryReserve(models.Buy, "102.00"))
	assert.False(t, tr.TryReserve(models.Buy, "102.00"), "second reservation must fail")

	// the sell side is an independent map
	assert.True(t, tr.TryReserve(models.Sell, "102.00"))
}

func TestTryReserve_Concurrent(t *testing.T) {
	tr := New()
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.TryReserve(models.Buy, "100.00") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one goroutine may win the level")
}

func TestConfirmAndRelease(t *testing.T) {
	tr := New()
	require.True(t, tr.TryReserve(models.Buy, "102.00"))

	tr.Confirm(models.Buy, "102.00", &models.TrackedOrder{
		OrderID: "o-1", Side: models.Buy, Price: 102, Quantity: 0.49,
	})

	occ := tr.Occupant(models.Buy, "102.00")
	assert.Equal(t, Active, occ.Kind)
	assert.Equal(t, "o-1", occ.OrderID)
	assert.Equal(t, 1, tr.Len())

	tr.Release(models.Buy, "102.00")
	assert.Equal(t, Empty, tr.Occupant(models.Buy, "102.00").Kind)
	// releasing an already-free level is a no-op
	tr.Release(models.Buy, "102.00")
	assert.Equal(t, Empty, tr.Occupant(models.Buy, "102.00").Kind)

	// the order itself is removed separately
	assert.Equal(t, 1, tr.Len())
	tr.Remove("o-1")
	assert.Equal(t, 0, tr.Len())
}

func TestApplyUpdate(t *testing.T) {
	tr := New()
	require.True(t, tr.TryReserve(models.Sell, "104.00"))
	tr.Confirm(models.Sell, "104.00", &models.TrackedOrder{
		OrderID: "o-2", Side: models.Sell, Price: 104, Quantity: 0.49,
	})

	merged, ok := tr.ApplyUpdate("o-2", models.StatusPartiallyFilled, 0.2)
	require.True(t, ok)
	assert.Equal(t, models.StatusPartiallyFilled, merged.Status)
	assert.Equal(t, 0.2, merged.FilledQuantity)

	// a negative quantity means the upstream field was missing: keep the old value
	merged, ok = tr.ApplyUpdate("o-2", models.StatusFilled, -1)
	require.True(t, ok)
	assert.Equal(t, models.StatusFilled, merged.Status)
	assert.Equal(t, 0.2, merged.FilledQuantity)
}

func TestApplyUpdate_UnknownOrder(t *testing.T) {
	tr := New()
	_, ok := tr.ApplyUpdate("missing", models.StatusFilled, 1)
	assert.False(t, ok)
}

func TestRestoreAndClear(t *testing.T) {
	tr := New()
	tr.Restore("102.00", models.TrackedOrder{
		OrderID: "o-3", Side: models.Buy, Price: 102, Quantity: 0.49,
	})

	assert.Equal(t, Active, tr.Occupant(models.Buy, "102.00").Kind)
	got, ok := tr.Get("o-3")
	require.True(t, ok)
	assert.Equal(t, 102.0, got.Price)

	tr.Clear()
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, Empty, tr.Occupant(models.Buy, "102.00").Kind)
}

func TestOrders_Snapshot(t *testing.T) {
	tr := New()
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("10%d.00", i)
		require.True(t, tr.TryReserve(models.Buy, key))
		tr.Confirm(models.Buy, key, &models.TrackedOrder{OrderID: fmt.Sprintf("o-%d", i)})
	}
	snap := tr.Orders()
	assert.Len(t, snap, 3)

	// mutating the snapshot must not leak back into the tracker
	snap[0].Status = models.StatusFilled
	got, _ := tr.Get(snap[0].OrderID)
	assert.NotEqual(t, models.StatusFilled, got.Status)
}
