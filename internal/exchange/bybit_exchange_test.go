package exchange

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bybit-grid-bot-go/internal/models"
)

func serverTimeHandler(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"retCode": 0,
		"retMsg":  "OK",
		"result": map[string]string{
			"timeSecond": strconv.FormatInt(now.Unix(), 10),
			"timeNano":   strconv.FormatInt(now.UnixNano(), 10),
		},
	})
}

func newTestExchange(t *testing.T, handler http.HandlerFunc) (*BybitExchange, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			serverTimeHandler(w, r)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	ex, err := NewBybitExchange("key", "secret", srv.URL, zap.NewNop().Sugar())
	require.NoError(t, err)
	return ex, srv
}

func TestSign(t *testing.T) {
	ex := &BybitExchange{apiKey: "key", apiSecret: "secret"}
	// timestamp + apiKey + recvWindow + payload
	got := ex.sign("1700000000000" + "key" + "20000" + "1=2")
	assert.Equal(t, "f0ae8a3dfb12142aa66fc057da79b368b797ab8d1e9ad50a8b68d33281325662", got)
}

func TestSignedRequestHeaders(t *testing.T) {
	var gotHeaders http.Header
	ex, _ := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"retCode": 0, "retMsg": "OK",
			"result": map[string]string{"orderId": "o-1", "orderLinkId": "c-1"},
		})
	})

	res, err := ex.PlaceOrder("NXPCUSDT", models.Buy, 102, 0.49, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", res.OrderID)

	assert.Equal(t, "key", gotHeaders.Get("X-BAPI-API-KEY"))
	assert.Equal(t, "2", gotHeaders.Get("X-BAPI-SIGN-TYPE"))
	assert.Equal(t, "20000", gotHeaders.Get("X-BAPI-RECV-WINDOW"))
	assert.NotEmpty(t, gotHeaders.Get("X-BAPI-SIGN"))
	assert.NotEmpty(t, gotHeaders.Get("X-BAPI-TIMESTAMP"))
}

func TestAPIErrorEnvelope(t *testing.T) {
	ex, _ := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"retCode": 170131, "retMsg": "Insufficient balance", "result": map[string]string{},
		})
	})

	_, err := ex.PlaceOrder("NXPCUSDT", models.Buy, 102, 0.49, "c-1")
	require.Error(t, err)
	apiErr, ok := err.(*models.APIError)
	require.True(t, ok)
	assert.Equal(t, 170131, apiErr.RetCode)
	assert.False(t, models.IsRetryable(err))
}

func TestPlaceOrder_MissingOrderIDIsError(t *testing.T) {
	ex, _ := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"retCode": 0, "retMsg": "OK", "result": map[string]string{},
		})
	})

	_, err := ex.PlaceOrder("NXPCUSDT", models.Buy, 102, 0.49, "c-1")
	assert.Error(t, err)
}

func TestGetInstrumentInfo(t *testing.T) {
	ex, _ := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "spot", r.URL.Query().Get("category"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"retCode": 0, "retMsg": "OK",
			"result": map[string]interface{}{
				"list": []map[string]interface{}{{
					"symbol":    "NXPCUSDT",
					"baseCoin":  "NXPC",
					"quoteCoin": "USDT",
					"priceFilter": map[string]string{
						"tickSize": "0.0001",
					},
					"lotSizeFilter": map[string]string{
						"basePrecision": "0.01",
						"qtyStep":       "0.01",
						"minOrderQty":   "1.2",
					},
				}},
			},
		})
	})

	info, err := ex.GetInstrumentInfo("NXPCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "0.0001", info.TickSize)
	assert.Equal(t, "0.01", info.QtyStep)
	assert.Equal(t, 1.2, info.MinOrderQty)
	assert.Equal(t, "USDT", info.QuoteCoin)
}
