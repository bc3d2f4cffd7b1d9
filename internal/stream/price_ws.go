package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"bybit-grid-bot-go/internal/logger"
	"bybit-grid-bot-go/internal/models"
)

// wsTradeEntry 是公共成交频道推送的单笔成交
type wsTradeEntry struct {
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Timestamp int64  `json:"T"`
}

// PriceStream 订阅公共成交频道（publicTrade.SYMBOL），把最新成交价
// 推给回调。行情只用于触发网格评估，漏掉若干笔成交无关紧要，
// 所以回调采用最新价覆盖语义，不做排队。
type PriceStream struct {
	url       string
	symbol    string
	heartbeat time.Duration
	handler   func(models.PriceTick)

	mu      sync.Mutex
	conn    *websocket.Conn
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewPriceStream 创建行情流客户端
func NewPriceStream(url, symbol string, heartbeat time.Duration, handler func(models.PriceTick)) *PriceStream {
	return &PriceStream{
		url:       url,
		symbol:    symbol,
		heartbeat: heartbeat,
		handler:   handler,
	}
}

// Start 启动连接维护协程。重复调用是无害的空操作。
func (s *PriceStream) Start() {
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

// Stop 关闭连接并停止重连
func (s *PriceStream) Stop() {
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

func (s *PriceStream) run() {
	defer close(s.doneCh)

	// 行情是公共频道，重连起步比订单流更激进
	bo := newReconnectBackoff(time.Second)

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
		logger.S().Warnf("行情流连接断开: %v，%v 后重连", err, delay.Round(time.Millisecond))

		select {
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

func (s *PriceStream) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *PriceStream) connectAndServe(bo *backoff.Backoff) error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("连接行情流失败: %w", err)
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

	topic := "publicTrade." + s.symbol
	if err := conn.WriteJSON(wsRequest{Op: "subscribe", Args: []interface{}{topic}}); err != nil {
		return fmt.Errorf("发送订阅请求失败: %w", err)
	}
	bo.Reset()
	logger.S().Infof("行情流已连接并订阅 %s", topic)

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-pingStop:
				return
			case <-ticker.C:
				if err := conn.WriteJSON(wsRequest{Op: "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(raw)
	}
}

func (s *PriceStream) dispatch(raw []byte) {
	var msg wsOrderMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Topic == "" {
		return
	}
	var entries []wsTradeEntry
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		return
	}
	for _, e := range entries {
		price := parseFloatOr(e.Price, 0)
		if price <= 0 {
			continue
		}
		s.handler(models.PriceTick{
			Symbol:    e.Symbol,
			Price:     price,
			Timestamp: time.UnixMilli(e.Timestamp),
		})
	}
}
