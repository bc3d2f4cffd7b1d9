package exchange

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"bybit-grid-bot-go/internal/models"
)

// buyLot 记录一次买入成交，用于 FIFO 配对计算卖出利润
type buyLot struct {
	quantity float64
	price    float64
	fee      float64
	time     time.Time
}

// simOrder 是回测引擎中的一笔模拟订单
type simOrder struct {
	orderID       string
	clientOrderID string
	side          models.Side
	price         float64
	quantity      float64
	cumExecQty    float64
	status        models.OrderStatus
	createdAt     time.Time
	updatedAt     time.Time
}

// BacktestExchange 实现了 Exchange 接口，在内存中模拟现货限价撮合。
// 行情由回测主循环通过 SetPrice 逐根 K 线推进：
// K 线最低价触及买单价格即视为买单成交，最高价触及卖单价格即视为卖单成交。
type BacktestExchange struct {
	cfg *models.Config

	mu           sync.Mutex
	cash         float64
	position     float64
	currentPrice float64
	currentTime  time.Time
	open         map[string]*simOrder
	history      map[string]*simOrder
	nextID       int64
	buyLots      []buyLot

	// 以下字段由报告生成器读取
	InitialBalance float64
	TradeLog       []models.CompletedTrade
	EquityCurve    []float64
}

// NewBacktestExchange 创建一个新的回测交易所实例。
func NewBacktestExchange(cfg *models.Config) *BacktestExchange {
	return &BacktestExchange{
		cfg:            cfg,
		cash:           cfg.Backtest.InitialBalance,
		open:           make(map[string]*simOrder),
		history:        make(map[string]*simOrder),
		InitialBalance: cfg.Backtest.InitialBalance,
	}
}

// SetPrice 推进一根 K 线并撮合所有可成交的挂单。
func (e *BacktestExchange) SetPrice(open, high, low, close float64, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentPrice = close
	e.currentTime = ts

	for id, o := range e.open {
		filled := (o.side == models.Buy && low <= o.price) ||
			(o.side == models.Sell && high >= o.price)
		if !filled {
			continue
		}
		e.fill(o)
		delete(e.open, id)
		e.history[id] = o
	}

	e.EquityCurve = append(e.EquityCurve, e.cash+e.position*close)
}

// fill 按挂单价全额成交一笔订单并记账。调用方必须持有锁。
func (e *BacktestExchange) fill(o *simOrder) {
	notional := o.price * o.quantity
	fee := notional * e.cfg.Backtest.MakerFeeRate

	o.status = models.StatusFilled
	o.cumExecQty = o.quantity
	o.updatedAt = e.currentTime

	if o.side == models.Buy {
		e.cash -= notional + fee
		e.position += o.quantity
		e.buyLots = append(e.buyLots, buyLot{
			quantity: o.quantity,
			price:    o.price,
			fee:      fee,
			time:     e.currentTime,
		})
		return
	}

	e.cash += notional - fee
	e.position -= o.quantity

	// FIFO 配对已买入的批次，生成完成交易记录
	remaining := o.quantity
	for remaining > 1e-12 && len(e.buyLots) > 0 {
		lot := &e.buyLots[0]
		matched := remaining
		if lot.quantity < matched {
			matched = lot.quantity
		}
		entryFee := lot.fee * matched / lot.quantity
		exitFee := fee * matched / o.quantity
		e.TradeLog = append(e.TradeLog, models.CompletedTrade{
			Symbol:     e.cfg.Symbol,
			Quantity:   matched,
			EntryPrice: lot.price,
			ExitPrice:  o.price,
			EntryTime:  lot.time,
			ExitTime:   e.currentTime,
			Profit:     (o.price-lot.price)*matched - entryFee - exitFee,
			Fee:        entryFee + exitFee,
		})
		lot.quantity -= matched
		lot.fee -= entryFee
		remaining -= matched
		if lot.quantity <= 1e-12 {
			e.buyLots = e.buyLots[1:]
		}
	}
}

// --- Exchange 接口实现 ---

func (e *BacktestExchange) GetServerTime() (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTime.UnixMilli(), nil
}

func (e *BacktestExchange) GetInstrumentInfo(symbol string) (*models.InstrumentInfo, error) {
	bt := e.cfg.Backtest
	tickSize := bt.TickSize
	if tickSize == "" {
		tickSize = "0.00001"
	}
	qtyStep := bt.QtyStep
	if qtyStep == "" {
		qtyStep = "0.1"
	}
	return &models.InstrumentInfo{
		Symbol:      symbol,
		TickSize:    tickSize,
		QtyStep:     qtyStep,
		MinOrderQty: bt.MinOrderQty,
		QuoteCoin:   "USDT",
	}, nil
}

func (e *BacktestExchange) GetFeeRate(symbol string) (*models.FeeRate, error) {
	return &models.FeeRate{
		MakerFeeRate: e.cfg.Backtest.MakerFeeRate,
		TakerFeeRate: e.cfg.Backtest.TakerFeeRate,
	}, nil
}

func (e *BacktestExchange) GetPrice(symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentPrice == 0 {
		return 0, fmt.Errorf("回测价格尚未初始化")
	}
	return e.currentPrice, nil
}

func (e *BacktestExchange) PlaceOrder(symbol string, side models.Side, price, quantity float64, clientOrderID string) (*models.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if quantity <= 0 || price <= 0 {
		return nil, &models.APIError{RetCode: 170140, RetMsg: "invalid price or qty"}
	}
	if side == models.Buy && e.cash < price*quantity {
		return nil, &models.APIError{RetCode: 170131, RetMsg: "insufficient balance"}
	}
	if side == models.Sell && e.position < quantity {
		return nil, &models.APIError{RetCode: 170131, RetMsg: "insufficient base balance"}
	}

	e.nextID++
	o := &simOrder{
		orderID:       strconv.FormatInt(e.nextID, 10),
		clientOrderID: clientOrderID,
		side:          side,
		price:         price,
		quantity:      quantity,
		status:        models.StatusNew,
		createdAt:     e.currentTime,
		updatedAt:     e.currentTime,
	}
	e.open[o.orderID] = o

	return &models.OrderResult{
		OrderID:       o.orderID,
		ClientOrderID: clientOrderID,
		Status:        models.StatusNew,
	}, nil
}

func (e *BacktestExchange) CancelOrder(symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.open[orderID]
	if !ok {
		return &models.APIError{RetCode: 170213, RetMsg: "order does not exist"}
	}
	o.status = models.StatusCancelled
	o.updatedAt = e.currentTime
	delete(e.open, orderID)
	e.history[orderID] = o
	return nil
}

func (e *BacktestExchange) GetOpenOrders(symbol string) ([]models.RestOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.RestOrder, 0, len(e.open))
	for _, o := range e.open {
		out = append(out, e.toRestOrder(o))
	}
	return out, nil
}

func (e *BacktestExchange) GetOrderHistory(symbol, orderID string) ([]models.RestOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.history[orderID]; ok {
		return []models.RestOrder{e.toRestOrder(o)}, nil
	}
	return nil, nil
}

func (e *BacktestExchange) toRestOrder(o *simOrder) models.RestOrder {
	return models.RestOrder{
		OrderID:     o.orderID,
		OrderLinkID: o.clientOrderID,
		Symbol:      e.cfg.Symbol,
		Side:        string(o.side),
		Price:       strconv.FormatFloat(o.price, 'f', -1, 64),
		Qty:         strconv.FormatFloat(o.quantity, 'f', -1, 64),
		CumExecQty:  strconv.FormatFloat(o.cumExecQty, 'f', -1, 64),
		AvgPrice:    strconv.FormatFloat(o.price, 'f', -1, 64),
		OrderStatus: string(o.status),
		OrderType:   "Limit",
		TimeInForce: "GTC",
		CreatedTime: strconv.FormatInt(o.createdAt.UnixMilli(), 10),
		UpdatedTime: strconv.FormatInt(o.updatedAt.UnixMilli(), 10),
	}
}

// Cash 返回当前现金余额。
func (e *BacktestExchange) Cash() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cash
}

// Position 返回当前持有的基础资产数量。
func (e *BacktestExchange) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

// CurrentPrice 返回最近一根 K 线的收盘价。
func (e *BacktestExchange) CurrentPrice() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentPrice
}
