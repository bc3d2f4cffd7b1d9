package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"bybit-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

const (
	recvWindow    = "20000"
	maxRetries    = 3
	retryDelay    = 2 * time.Second
	spotCategory  = "spot"
	requestExpiry = 10 * time.Second
)

// BybitExchange 实现了 Exchange 接口，通过 V5 REST API 与 Bybit 现货交互。
type BybitExchange struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	logger     *zap.SugaredLogger
	timeOffset atomic.Int64 // 服务器时间 - 本地时间（毫秒）
}

// NewBybitExchange 创建一个新的 BybitExchange 实例，并与服务器同步时间。
func NewBybitExchange(apiKey, apiSecret, baseURL string, logger *zap.SugaredLogger) (*BybitExchange, error) {
	e := &BybitExchange{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestExpiry},
		logger:     logger,
	}

	if err := e.SyncTime(); err != nil {
		return nil, fmt.Errorf("与 Bybit 服务器同步时间失败: %w", err)
	}

	return e, nil
}

// SyncTime 与服务器同步时间，计算签名用的时间偏移。
func (e *BybitExchange) SyncTime() error {
	serverTime, err := e.GetServerTime()
	if err != nil {
		return err
	}
	offset := serverTime - time.Now().UnixMilli()
	e.timeOffset.Store(offset)
	e.logger.Infow("与 Bybit 服务器时间同步完成", "timeOffsetMs", offset)
	return nil
}

// Timestamp 返回按服务器偏移校正后的毫秒时间戳，用于 REST 签名。
func (e *BybitExchange) Timestamp() int64 {
	return time.Now().UnixMilli() + e.timeOffset.Load()
}

// apiResponse 是 V5 API 的统一响应信封
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// doRequest 是通用的请求处理函数。签名规则：
// sign = HMAC_SHA256(timestamp + apiKey + recvWindow + payload)，
// GET 的 payload 为按 key 排序的 query string，POST 为 JSON body。
// 对瞬时性 retCode（限频、时间戳漂移）和网络错误做有限次重试。
func (e *BybitExchange) doRequest(method, endpoint string, params map[string]string, signed bool) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay * time.Duration(attempt))
			e.logger.Infof("重试 %s %s (%d/%d)", method, endpoint, attempt, maxRetries)
		}

		result, err := e.doRequestOnce(method, endpoint, params, signed)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if apiErr, ok := err.(*models.APIError); ok {
			if !models.IsRetryable(apiErr) {
				return nil, err
			}
			// 10002 是时间戳漂移，重试前先重新校时
			if apiErr.RetCode == 10002 {
				if serr := e.SyncTime(); serr != nil {
					e.logger.Warnf("重新同步服务器时间失败: %v", serr)
				}
			}
		}
	}
	return nil, lastErr
}

func (e *BybitExchange) doRequestOnce(method, endpoint string, params map[string]string, signed bool) (json.RawMessage, error) {
	var payload string
	var req *http.Request
	var err error

	if method == http.MethodGet {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+url.QueryEscape(params[k]))
		}
		payload = strings.Join(pairs, "&")

		fullURL := e.baseURL + endpoint
		if payload != "" {
			fullURL += "?" + payload
		}
		req, err = http.NewRequest(method, fullURL, nil)
	} else {
		body, merr := json.Marshal(params)
		if merr != nil {
			return nil, merr
		}
		payload = string(body)
		req, err = http.NewRequest(method, e.baseURL+endpoint, strings.NewReader(payload))
	}
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")

	if signed {
		timestamp := strconv.FormatInt(e.Timestamp(), 10)
		signature := e.sign(timestamp + e.apiKey + recvWindow + payload)
		req.Header.Set("X-BAPI-SIGN-TYPE", "2")
		req.Header.Set("X-BAPI-SIGN", signature)
		req.Header.Set("X-BAPI-API-KEY", e.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("解析响应失败 (状态码 %d): %w", resp.StatusCode, err)
	}
	if envelope.RetCode != 0 {
		return nil, &models.APIError{RetCode: envelope.RetCode, RetMsg: envelope.RetMsg}
	}

	return envelope.Result, nil
}

// sign 对签名串做 HMAC-SHA256 并输出十六进制。
func (e *BybitExchange) sign(data string) string {
	h := hmac.New(sha256.New, []byte(e.apiSecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// --- Exchange 接口实现 ---

// GetServerTime 获取服务器时间（毫秒）。
func (e *BybitExchange) GetServerTime() (int64, error) {
	result, err := e.doRequestOnce(http.MethodGet, "/v5/market/time", nil, false)
	if err != nil {
		return 0, err
	}

	var t struct {
		TimeSecond string `json:"timeSecond"`
		TimeNano   string `json:"timeNano"`
	}
	if err := json.Unmarshal(result, &t); err != nil {
		return 0, err
	}
	nano, err := strconv.ParseInt(t.TimeNano, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("解析服务器时间失败: %w", err)
	}
	return nano / int64(time.Millisecond), nil
}

// GetInstrumentInfo 获取交易对的交易规则。
func (e *BybitExchange) GetInstrumentInfo(symbol string) (*models.InstrumentInfo, error) {
	params := map[string]string{"category": spotCategory, "symbol": symbol}
	result, err := e.doRequest(http.MethodGet, "/v5/market/instruments-info", params, false)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []struct {
			Symbol      string `json:"symbol"`
			BaseCoin    string `json:"baseCoin"`
			QuoteCoin   string `json:"quoteCoin"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
				QtyStep       string `json:"qtyStep"`
				MinOrderQty   string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, err
	}
	if len(payload.List) == 0 {
		return nil, fmt.Errorf("未找到交易对 %s 的信息", symbol)
	}

	info := payload.List[0]
	tickSize := info.PriceFilter.TickSize
	if tickSize == "" {
		tickSize = "0.00001"
		e.logger.Warnf("交易对 %s 的 tickSize 缺失，使用默认值 %s", symbol, tickSize)
	}
	qtyStep := info.LotSizeFilter.QtyStep
	if qtyStep == "" {
		qtyStep = info.LotSizeFilter.BasePrecision
	}
	if qtyStep == "" {
		qtyStep = "0.1"
		e.logger.Warnf("交易对 %s 的 qtyStep 缺失，使用默认值 %s", symbol, qtyStep)
	}
	minQty, _ := strconv.ParseFloat(info.LotSizeFilter.MinOrderQty, 64)

	return &models.InstrumentInfo{
		Symbol:      info.Symbol,
		TickSize:    tickSize,
		QtyStep:     qtyStep,
		MinOrderQty: minQty,
		BaseCoin:    info.BaseCoin,
		QuoteCoin:   info.QuoteCoin,
	}, nil
}

// GetFeeRate 查询账户在该交易对上的费率。
func (e *BybitExchange) GetFeeRate(symbol string) (*models.FeeRate, error) {
	params := map[string]string{"category": spotCategory, "symbol": symbol}
	result, err := e.doRequest(http.MethodGet, "/v5/account/fee-rate", params, true)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []struct {
			MakerFeeRate string `json:"makerFeeRate"`
			TakerFeeRate string `json:"takerFeeRate"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, err
	}
	if len(payload.List) == 0 {
		return nil, fmt.Errorf("费率查询无数据返回")
	}

	maker, _ := strconv.ParseFloat(payload.List[0].MakerFeeRate, 64)
	taker, _ := strconv.ParseFloat(payload.List[0].TakerFeeRate, 64)
	return &models.FeeRate{MakerFeeRate: maker, TakerFeeRate: taker}, nil
}

// GetPrice 获取最新成交价。
func (e *BybitExchange) GetPrice(symbol string) (float64, error) {
	params := map[string]string{"category": spotCategory, "symbol": symbol}
	result, err := e.doRequest(http.MethodGet, "/v5/market/tickers", params, false)
	if err != nil {
		return 0, err
	}

	var payload struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return 0, err
	}
	if len(payload.List) == 0 {
		return 0, fmt.Errorf("未找到交易对 %s 的行情", symbol)
	}
	return strconv.ParseFloat(payload.List[0].LastPrice, 64)
}

// PlaceOrder 挂出 GTC 限价单。
func (e *BybitExchange) PlaceOrder(symbol string, side models.Side, price, quantity float64, clientOrderID string) (*models.OrderResult, error) {
	params := map[string]string{
		"category":    spotCategory,
		"symbol":      symbol,
		"side":        string(side),
		"orderType":   "Limit",
		"qty":         strconv.FormatFloat(quantity, 'f', -1, 64),
		"price":       strconv.FormatFloat(price, 'f', -1, 64),
		"timeInForce": "GTC",
		"orderLinkId": clientOrderID,
	}

	result, err := e.doRequestOnce(http.MethodPost, "/v5/order/create", params, true)
	if err != nil {
		// 下单不做盲目重试：请求可能已经到达交易所，
		// 重复提交会绕过幂等保护。失败交给上层释放档位。
		e.logger.Errorw("下单请求失败", "symbol", symbol, "side", side, "price", price, "error", err)
		return nil, err
	}

	var payload struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, err
	}
	if payload.OrderID == "" {
		return nil, fmt.Errorf("下单成功但交易所未返回 orderId (orderLinkId=%s)", clientOrderID)
	}

	return &models.OrderResult{
		OrderID:       payload.OrderID,
		ClientOrderID: payload.OrderLinkID,
		Status:        models.StatusNew,
		CumExecQty:    0,
	}, nil
}

// CancelOrder 取消订单。
func (e *BybitExchange) CancelOrder(symbol, orderID string) error {
	params := map[string]string{
		"category": spotCategory,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := e.doRequestOnce(http.MethodPost, "/v5/order/cancel", params, true)
	return err
}

// GetOpenOrders 获取当前所有未完结挂单。
func (e *BybitExchange) GetOpenOrders(symbol string) ([]models.RestOrder, error) {
	params := map[string]string{
		"category": spotCategory,
		"symbol":   symbol,
		"openOnly": "0",
		"limit":    "50",
	}
	result, err := e.doRequest(http.MethodGet, "/v5/order/realtime", params, true)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []models.RestOrder `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, err
	}
	return payload.List, nil
}

// GetOrderHistory 按订单 ID 查询历史记录。
func (e *BybitExchange) GetOrderHistory(symbol, orderID string) ([]models.RestOrder, error) {
	params := map[string]string{
		"category": spotCategory,
		"symbol":   symbol,
		"orderId":  orderID,
		"limit":    "1",
	}
	result, err := e.doRequest(http.MethodGet, "/v5/order/history", params, true)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []models.RestOrder `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, err
	}
	return payload.List, nil
}
