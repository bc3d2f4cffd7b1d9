package stream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"bybit-grid-bot-go/internal/logger"
	"bybit-grid-bot-go/internal/models"
)

// wsRequest 是发往 WebSocket 的通用指令帧
type wsRequest struct {
	Op   string        `json:"op"`
	Args []interface{} `json:"args,omitempty"`
}

// wsAck 是 auth/subscribe/pong 等操作的应答帧
type wsAck struct {
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Topic   string `json:"topic"`
}

// wsOrderEntry 是私有订单频道推送的单条订单数据
type wsOrderEntry struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
}

// wsOrderMessage 是带 topic 的推送帧
type wsOrderMessage struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// OrderStream 维护到 Bybit 私有订单频道的长连接。
// 连接断开后按指数退避自动重连，重连期间丢失的更新由对账轮询兜底，
// 因此这里不做任何补偿查询。
type OrderStream struct {
	url       string
	apiKey    string
	apiSecret string
	heartbeat time.Duration
	handler   func(models.OrderUpdate)

	mu      sync.Mutex
	conn    *websocket.Conn
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewOrderStream 创建订单流客户端。handler 在读取协程中被同步调用，
// 不允许阻塞过久，重活应交给控制器内部的锁与队列。
func NewOrderStream(url, apiKey, apiSecret string, heartbeat time.Duration, handler func(models.OrderUpdate)) *OrderStream {
	return &OrderStream{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		heartbeat: heartbeat,
		handler:   handler,
	}
}

// Start 启动连接维护协程。重复调用是无害的空操作。
func (s *OrderStream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
}

// Stop 关闭连接并停止重连。阻塞直到维护协程退出。
func (s *OrderStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

// newReconnectBackoff 构造重连退避策略：从 min 起每次失败翻倍，封顶 30 秒，
// 连接成功后由调用方 Reset 归零。
func newReconnectBackoff(min time.Duration) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    min,
		Max:    30 * time.Second,
		Factor: 2,
	}
}

// run 是连接维护主循环：连接、认证、订阅、读取，断开后退避重连。
// 正常关闭帧（code 1000）在未主动停止时同样触发重连。
func (s *OrderStream) run() {
	defer close(s.doneCh)

	bo := newReconnectBackoff(5 * time.Second)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		err := s.connectAndServe(bo)
		if s.stopped() {
			return
		}
		delay := bo.Duration()
		logger.S().Warnf("订单流连接断开: %v，%v 后重连", err, delay.Round(time.Millisecond))

		select {
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

func (s *OrderStream) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// connectAndServe 完成一次完整的连接生命周期，返回导致断开的错误。
func (s *OrderStream) connectAndServe(bo *backoff.Backoff) error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("连接订单流失败: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	if err := s.authenticate(conn); err != nil {
		return err
	}
	if err := conn.WriteJSON(wsRequest{Op: "subscribe", Args: []interface{}{"order"}}); err != nil {
		return fmt.Errorf("发送订阅请求失败: %w", err)
	}
	bo.Reset()
	logger.S().Info("订单流已连接并订阅 order 频道")

	pingStop := make(chan struct{})
	defer close(pingStop)
	go s.heartbeatLoop(conn, pingStop)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(raw)
	}
}

// authenticate 发送签名认证帧并等待确认。
// 签名串固定为 "GET/realtime" 拼接过期时间戳。
func (s *OrderStream) authenticate(conn *websocket.Conn) error {
	expires := time.Now().Add(5 * time.Second).UnixMilli()
	payload := fmt.Sprintf("GET/realtime%d", expires)
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req := wsRequest{Op: "auth", Args: []interface{}{s.apiKey, expires, signature}}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("发送认证请求失败: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("读取认证应答失败: %w", err)
	}
	var ack wsAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("解析认证应答失败: %w", err)
	}
	if ack.Op == "auth" && !ack.Success {
		return fmt.Errorf("订单流认证被拒绝: %s", ack.RetMsg)
	}
	return nil
}

// heartbeatLoop 周期性发送 ping 保活，连接关闭时写入失败自然退出。
func (s *OrderStream) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(wsRequest{Op: "ping"}); err != nil {
				return
			}
		}
	}
}

// dispatch 解析一条推送并把订单更新交给回调。
// 非 order 频道的帧（pong、订阅确认）直接忽略。
func (s *OrderStream) dispatch(raw []byte) {
	var msg wsOrderMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Topic != "order" {
		// 订阅被拒绝只记录，连接保持，对账轮询兜底
		var ack wsAck
		if json.Unmarshal(raw, &ack) == nil && ack.Op == "subscribe" && !ack.Success {
			logger.S().Warnf("订阅 order 频道被拒绝: %s", ack.RetMsg)
		}
		return
	}
	var entries []wsOrderEntry
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		logger.S().Warnf("解析订单推送失败: %v", err)
		return
	}
	for _, e := range entries {
		s.handler(models.OrderUpdate{
			OrderID:       e.OrderID,
			ClientOrderID: e.OrderLinkID,
			Status:        models.OrderStatus(e.OrderStatus),
			CumExecQty:    parseFloatOr(e.CumExecQty, -1),
			AvgPrice:      parseFloatOr(e.AvgPrice, 0),
		})
	}
}

// parseFloatOr 解析十进制字符串，空串或非法值返回 fallback
func parseFloatOr(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}
