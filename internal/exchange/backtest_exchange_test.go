package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bybit-grid-bot-go/internal/models"
)

func newBacktest(t *testing.T) *BacktestExchange {
	t.Helper()
	return NewBacktestExchange(&models.Config{
		Symbol: "NXPCUSDT",
		Backtest: models.BacktestConfig{
			InitialBalance: 1000,
			MakerFeeRate:   0.001,
			TakerFeeRate:   0.001,
			TickSize:       "0.01",
			QtyStep:        "0.01",
			MinOrderQty:    0.01,
		},
	})
}

func TestBacktest_BuyFillOnLowTouch(t *testing.T) {
	ex := newBacktest(t)
	ex.SetPrice(103, 103, 103, 103, time.Unix(0, 0))

	res, err := ex.PlaceOrder("NXPCUSDT", models.Buy, 102, 0.49, "c-1")
	require.NoError(t, err)

	// low stays above the limit price: no fill
	ex.SetPrice(103, 104, 102.5, 103, time.Unix(60, 0))
	open, _ := ex.GetOpenOrders("NXPCUSDT")
	require.Len(t, open, 1)
	assert.Equal(t, string(models.StatusNew), open[0].OrderStatus)

	// low touches the limit price: full fill at the order price
	ex.SetPrice(103, 103, 101.9, 102.2, time.Unix(120, 0))
	open, _ = ex.GetOpenOrders("NXPCUSDT")
	assert.Empty(t, open)

	history, err := ex.GetOrderHistory("NXPCUSDT", res.OrderID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(models.StatusFilled), history[0].OrderStatus)
	assert.Equal(t, "0.49", history[0].CumExecQty)

	assert.Equal(t, 0.49, ex.Position())
	wantCash := 1000 - 102*0.49 - 102*0.49*0.001
	assert.InDelta(t, wantCash, ex.Cash(), 1e-9)
}

func TestBacktest_RoundTripProducesTrade(t *testing.T) {
	ex := newBacktest(t)
	ex.SetPrice(103, 103, 103, 103, time.Unix(0, 0))

	_, err := ex.PlaceOrder("NXPCUSDT", models.Buy, 102, 0.49, "c-1")
	require.NoError(t, err)
	ex.SetPrice(102, 102.5, 101.9, 102, time.Unix(60, 0))
	require.Equal(t, 0.49, ex.Position())

	_, err = ex.PlaceOrder("NXPCUSDT", models.Sell, 104, 0.49, "c-2")
	require.NoError(t, err)
	ex.SetPrice(103, 104.5, 102.5, 104, time.Unix(120, 0))

	assert.Equal(t, 0.0, ex.Position())
	require.Len(t, ex.TradeLog, 1)
	trade := ex.TradeLog[0]
	assert.Equal(t, 102.0, trade.EntryPrice)
	assert.Equal(t, 104.0, trade.ExitPrice)
	assert.Equal(t, 0.49, trade.Quantity)

	fees := 102*0.49*0.001 + 104*0.49*0.001
	assert.InDelta(t, (104-102)*0.49-fees, trade.Profit, 1e-9)
	assert.InDelta(t, fees, trade.Fee, 1e-9)
}

func TestBacktest_BalanceChecks(t *testing.T) {
	ex := newBacktest(t)
	ex.SetPrice(100, 100, 100, 100, time.Unix(0, 0))

	// buying more than cash allows
	_, err := ex.PlaceOrder("NXPCUSDT", models.Buy, 100, 11, "c-1")
	require.Error(t, err)
	apiErr, ok := err.(*models.APIError)
	require.True(t, ok)
	assert.Equal(t, 170131, apiErr.RetCode)

	// selling without a position
	_, err = ex.PlaceOrder("NXPCUSDT", models.Sell, 100, 1, "c-2")
	require.Error(t, err)
}

func TestBacktest_CancelOrder(t *testing.T) {
	ex := newBacktest(t)
	ex.SetPrice(103, 103, 103, 103, time.Unix(0, 0))

	res, err := ex.PlaceOrder("NXPCUSDT", models.Buy, 100, 0.5, "c-1")
	require.NoError(t, err)

	require.NoError(t, ex.CancelOrder("NXPCUSDT", res.OrderID))
	open, _ := ex.GetOpenOrders("NXPCUSDT")
	assert.Empty(t, open)

	history, _ := ex.GetOrderHistory("NXPCUSDT", res.OrderID)
	require.Len(t, history, 1)
	assert.Equal(t, string(models.StatusCancelled), history[0].OrderStatus)

	// cancelling again reports the benign not-found code
	err = ex.CancelOrder("NXPCUSDT", res.OrderID)
	require.Error(t, err)
	assert.True(t, models.IsBenignCancel(err))
}

func TestBacktest_EquityCurve(t *testing.T) {
	ex := newBacktest(t)

	ex.SetPrice(100, 100, 100, 100, time.Unix(0, 0))
	ex.SetPrice(101, 101, 101, 101, time.Unix(60, 0))
	require.Len(t, ex.EquityCurve, 2)
	// without any position the equity is flat at the initial balance
	assert.Equal(t, 1000.0, ex.EquityCurve[0])
	assert.Equal(t, 1000.0, ex.EquityCurve[1])
}
