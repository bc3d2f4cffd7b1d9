package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bybit-grid-bot-go/internal/models"
)

func TestOrderStream_Dispatch(t *testing.T) {
	var got []models.OrderUpdate
	s := NewOrderStream("", "k", "s", time.Second, func(u models.OrderUpdate) {
		got = append(got, u)
	})

	raw := []byte(`{
		"topic": "order",
		"data": [{
			"orderId": "o-1",
			"orderLinkId": "grid1-abc",
			"symbol": "NXPCUSDT",
			"orderStatus": "Filled",
			"cumExecQty": "0.49",
			"avgPrice": "102"
		}]
	}`)
	s.dispatch(raw)

	require.Len(t, got, 1)
	assert.Equal(t, "o-1", got[0].OrderID)
	assert.Equal(t, "grid1-abc", got[0].ClientOrderID)
	assert.Equal(t, models.StatusFilled, got[0].Status)
	assert.Equal(t, 0.49, got[0].CumExecQty)
	assert.Equal(t, 102.0, got[0].AvgPrice)
}

func TestOrderStream_DispatchMissingQty(t *testing.T) {
	var got []models.OrderUpdate
	s := NewOrderStream("", "k", "s", time.Second, func(u models.OrderUpdate) {
		got = append(got, u)
	})

	// a missing cumExecQty maps to the negative sentinel, not zero
	s.dispatch([]byte(`{"topic":"order","data":[{"orderId":"o-2","orderStatus":"Cancelled"}]}`))

	require.Len(t, got, 1)
	assert.Equal(t, -1.0, got[0].CumExecQty)
}

func TestOrderStream_IgnoresControlFrames(t *testing.T) {
	calls := 0
	s := NewOrderStream("", "k", "s", time.Second, func(models.OrderUpdate) { calls++ })

	s.dispatch([]byte(`{"op":"pong","success":true}`))
	s.dispatch([]byte(`{"op":"subscribe","success":true}`))
	s.dispatch([]byte(`not json`))
	s.dispatch([]byte(`{"topic":"wallet","data":[]}`))

	assert.Zero(t, calls)
}

func TestPriceStream_Dispatch(t *testing.T) {
	var got []models.PriceTick
	s := NewPriceStream("", "NXPCUSDT", time.Second, func(tick models.PriceTick) {
		got = append(got, tick)
	})

	raw := []byte(`{
		"topic": "publicTrade.NXPCUSDT",
		"data": [
			{"s": "NXPCUSDT", "p": "102.5", "T": 1700000000000},
			{"s": "NXPCUSDT", "p": "bad", "T": 1700000000001},
			{"s": "NXPCUSDT", "p": "102.7", "T": 1700000000002}
		]
	}`)
	s.dispatch(raw)

	// the malformed entry is skipped, valid ones come through in order
	require.Len(t, got, 2)
	assert.Equal(t, 102.5, got[0].Price)
	assert.Equal(t, 102.7, got[1].Price)
	assert.Equal(t, time.UnixMilli(1700000000000), got[0].Timestamp)
}

func TestReconnectBackoffSequence(t *testing.T) {
	bo := newReconnectBackoff(5 * time.Second)

	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, bo.Duration(), "attempt %d", i+1)
	}

	// a successful connection resets the sequence
	bo.Reset()
	assert.Equal(t, 5*time.Second, bo.Duration())
}

func TestParseFloatOr(t *testing.T) {
	assert.Equal(t, 0.49, parseFloatOr("0.49", -1))
	assert.Equal(t, -1.0, parseFloatOr("", -1))
	assert.Equal(t, -1.0, parseFloatOr("abc", -1))
	assert.Equal(t, 0.0, parseFloatOr("", 0))
}
