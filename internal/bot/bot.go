package bot

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/jxskiss/base62"

	"bybit-grid-bot-go/internal/exchange"
	"bybit-grid-bot-go/internal/grid"
	"bybit-grid-bot-go/internal/logger"
	"bybit-grid-bot-go/internal/models"
	"bybit-grid-bot-go/internal/notify"
	"bybit-grid-bot-go/internal/persistence"
	"bybit-grid-bot-go/internal/stream"
	"bybit-grid-bot-go/internal/tracker"
)

// GridBot 是网格策略的控制器，负责把行情、订单流、对账轮询三类触发
// 汇聚到同一套档位占用状态上，并执行挂单与成交级联。
type GridBot struct {
	cfg      *models.Config
	ex       exchange.Exchange
	tracker  *tracker.Tracker
	notifier *notify.Notifier
	repo     persistence.StateRepository // 可为 nil（不持久化）

	plan *models.GridPlan

	// placeMu 是全局下单锁：评估挂买单的协程用 TryLock 抢占，
	// 抢不到直接跳过本轮（下一次触发会再来）；成交级联挂卖单
	// 必须成功，所以用阻塞 Lock 排队。
	placeMu sync.Mutex

	priceMu      sync.Mutex
	currentPrice float64

	orderStream *stream.OrderStream
	priceStream *stream.PriceStream

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New 创建控制器。repo 传 nil 表示不持久化状态。
func New(cfg *models.Config, ex exchange.Exchange, notifier *notify.Notifier, repo persistence.StateRepository) *GridBot {
	return &GridBot{
		cfg:      cfg,
		ex:       ex,
		tracker:  tracker.New(),
		notifier: notifier,
		repo:     repo,
	}
}

// Init 拉取交易规则并计算网格方案，必须在 Start 之前调用。
func (b *GridBot) Init() error {
	inst, err := b.ex.GetInstrumentInfo(b.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("获取交易规则失败: %w", err)
	}

	plan, warnings, err := grid.Calculate(
		b.cfg.Symbol, b.cfg.UpperPrice, b.cfg.LowerPrice,
		b.cfg.GridCount, b.cfg.TotalCapital, inst)
	if err != nil {
		return err
	}
	b.plan = plan
	for _, w := range warnings {
		b.notifier.Warnf("网格方案警告: %s", w)
	}

	if fee, err := b.ex.GetFeeRate(b.cfg.Symbol); err != nil {
		logger.S().Warnf("查询费率失败: %v", err)
	} else {
		b.notifier.Infof("账户费率 maker=%v taker=%v", fee.MakerFeeRate, fee.TakerFeeRate)
	}

	logger.S().Infof("网格方案: %s 区间 [%v, %v] 档位 %d 对数 %d 间隔 %v 每对资金 %v",
		plan.Symbol, plan.LowerPrice, plan.UpperPrice,
		plan.GridCount, plan.NumberOfPairs, plan.Interval, plan.CapitalPerPair)

	b.restoreState()
	return nil
}

// Plan 返回当前网格方案
func (b *GridBot) Plan() *models.GridPlan {
	return b.plan
}

// restoreState 从状态库恢复上次的在途订单。方案参数不一致时丢弃旧状态。
func (b *GridBot) restoreState() {
	if b.repo == nil {
		return
	}
	state, err := b.repo.LoadState()
	if err != nil {
		logger.S().Warnf("加载持久化状态失败: %v", err)
		return
	}
	if state == nil || state.Plan == nil {
		return
	}
	// 上次会话以取消全部挂单的方式正常停止，没有在途订单可恢复
	if !state.WasRunning {
		logger.S().Info("上次会话已正常停止，跳过状态恢复")
		return
	}
	if state.Symbol != b.cfg.Symbol ||
		state.Plan.UpperPrice != b.plan.UpperPrice ||
		state.Plan.LowerPrice != b.plan.LowerPrice ||
		state.Plan.GridCount != b.plan.GridCount {
		logger.S().Warn("持久化状态与当前网格参数不匹配，忽略旧状态")
		return
	}
	for _, o := range state.Orders {
		if o.LevelIndex < 0 || o.LevelIndex >= len(b.plan.Levels) {
			continue
		}
		key := b.levelKey(o.LevelIndex)
		b.tracker.Restore(key, o)
	}
	logger.S().Infof("已恢复 %d 笔在途订单（保存于 %s）",
		b.tracker.Len(), state.SavedAt.Format(time.RFC3339))
}

// persistState 把当前方案与在途订单写入状态库
func (b *GridBot) persistState(wasRunning bool) {
	if b.repo == nil {
		return
	}
	state := &models.BotState{
		Symbol:     b.cfg.Symbol,
		Plan:       b.plan,
		Orders:     b.tracker.Orders(),
		WasRunning: wasRunning,
	}
	if err := b.repo.SaveState(state); err != nil {
		logger.S().Errorf("持久化状态失败: %v", err)
	}
}

// Start 启动实盘模式：连接订单流与行情流，并启动对账轮询。
func (b *GridBot) Start(apiKey, apiSecret string) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("机器人已在运行")
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	heartbeat := time.Duration(b.cfg.HeartbeatIntervalSec) * time.Second
	b.orderStream = stream.NewOrderStream(
		b.cfg.PrivateWSURL, apiKey, apiSecret, heartbeat, b.OnOrderUpdate)
	b.priceStream = stream.NewPriceStream(
		b.cfg.PublicWSURL, b.cfg.Symbol, heartbeat, b.onPriceTick)

	b.orderStream.Start()
	b.priceStream.Start()

	// 行情首推之前先用 REST 价格完成首次评估
	if price, err := b.ex.GetPrice(b.cfg.Symbol); err != nil {
		logger.S().Warnf("获取初始价格失败: %v", err)
	} else {
		b.SetCurrentPrice(price)
		b.evaluateAndPlace()
	}

	b.wg.Add(1)
	go b.sweepLoop()

	b.notifier.Infof("网格已启动: %s", b.cfg.Symbol)
	return nil
}

// StartForBacktest 以回测模式初始化，不建立任何网络连接。
// 行情由调用方通过 ProcessTick 逐根推进。
func (b *GridBot) StartForBacktest() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = true
}

// Stop 停止所有协程与连接。cancelOrders 为 true 时取消全部在途挂单，
// 否则保留挂单并持久化状态供下次恢复。
func (b *GridBot) Stop(cancelOrders bool) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	if b.stopCh != nil {
		close(b.stopCh)
	}
	b.mu.Unlock()

	if b.orderStream != nil {
		b.orderStream.Stop()
	}
	if b.priceStream != nil {
		b.priceStream.Stop()
	}
	b.wg.Wait()

	if cancelOrders {
		b.cancelAllOrders()
	}
	b.persistState(!cancelOrders)
	b.notifier.Infof("网格已停止: %s", b.cfg.Symbol)
}

// cancelAllOrders 取消所有跟踪中的挂单。订单已成交或已取消的报错视为成功。
func (b *GridBot) cancelAllOrders() {
	for _, o := range b.tracker.Orders() {
		if err := b.ex.CancelOrder(b.cfg.Symbol, o.OrderID); err != nil && !models.IsBenignCancel(err) {
			logger.S().Errorf("取消订单 %s 失败: %v", o.OrderID, err)
			continue
		}
		b.tracker.Remove(o.OrderID)
		b.tracker.Release(o.Side, b.levelKey(o.LevelIndex))
	}
}

// IsRunning 返回机器人是否处于运行状态
func (b *GridBot) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// SetCurrentPrice 更新最新成交价（最新价覆盖语义）
func (b *GridBot) SetCurrentPrice(price float64) {
	b.priceMu.Lock()
	b.currentPrice = price
	b.priceMu.Unlock()
}

// CurrentPrice 返回最近一次记录的成交价
func (b *GridBot) CurrentPrice() float64 {
	b.priceMu.Lock()
	defer b.priceMu.Unlock()
	return b.currentPrice
}

func (b *GridBot) onPriceTick(t models.PriceTick) {
	b.SetCurrentPrice(t.Price)
	b.evaluateAndPlace()
}

// ProcessTick 是回测模式的触发入口：推进价格后先对账（回测里
// 成交只能通过轮询发现），再评估挂单。
func (b *GridBot) ProcessTick(price float64) {
	b.SetCurrentPrice(price)
	b.sweep()
	b.evaluateAndPlace()
}

func (b *GridBot) levelKey(idx int) string {
	return grid.PriceKey(b.plan.Levels[idx].Price, b.plan.PricePrecision)
}

// newClientOrderID 生成幂等的客户端订单 ID。
// base62 压缩纳秒时间戳，保证长度不超过交易所限制。
func newClientOrderID(pairIdx int) string {
	return fmt.Sprintf("grid%d-%s", pairIdx, base62.FormatInt(time.Now().UnixNano()))
}

// evaluateAndPlace 根据当前价格选择一个网格对并挂出买单。
// 从当前价格下方最近的档位向下扫描，取第一个买卖两侧都空闲的
// 网格对。抢不到全局下单锁就跳过本轮，这是预期行为而非错误。
func (b *GridBot) evaluateAndPlace() {
	price := b.CurrentPrice()
	if price <= 0 || b.plan == nil {
		return
	}
	if !b.placeMu.TryLock() {
		return
	}
	defer b.placeMu.Unlock()

	pairIdx := b.selectPair(price)
	if pairIdx < 0 {
		return
	}
	b.placeBuy(pairIdx)
}

// selectPair 返回应当挂买单的网格对下标，无可用对时返回 -1。
// 网格对 i 由买入档位 i 和卖出档位 i+1 构成。
func (b *GridBot) selectPair(price float64) int {
	// 先找到价格下方最近的买入档位
	start := -1
	for i := b.plan.NumberOfPairs - 1; i >= 0; i-- {
		if b.plan.Levels[i].Price < price {
			start = i
			break
		}
	}
	// 价格低于所有档位时没有可买的对
	for i := start; i >= 0; i-- {
		buyFree := b.tracker.Occupant(models.Buy, b.levelKey(i)).Kind == tracker.Empty
		sellFree := b.tracker.Occupant(models.Sell, b.levelKey(i+1)).Kind == tracker.Empty
		if buyFree && sellFree {
			return i
		}
	}
	return -1
}

// placeBuy 在指定网格对的买入档位挂出限价买单。调用方必须持有 placeMu。
func (b *GridBot) placeBuy(pairIdx int) {
	level := b.plan.Levels[pairIdx]
	key := b.levelKey(pairIdx)

	// 档位预占是下单锁之外的第二道防线
	if !b.tracker.TryReserve(models.Buy, key) {
		return
	}

	clientID := newClientOrderID(pairIdx)
	result, err := b.ex.PlaceOrder(b.cfg.Symbol, models.Buy, level.Price, level.Quantity, clientID)
	if err != nil {
		b.tracker.Release(models.Buy, key)
		b.notifier.Errorf("挂买单失败 L%d @%v: %v", pairIdx+1, level.Price, err)
		return
	}

	b.tracker.Confirm(models.Buy, key, &models.TrackedOrder{
		OrderID:       result.OrderID,
		ClientOrderID: clientID,
		Side:          models.Buy,
		Price:         level.Price,
		Quantity:      level.Quantity,
		Status:        models.StatusNew,
		LevelIndex:    pairIdx,
		GridPairIndex: pairIdx,
	})
	logger.S().Infof("已挂买单 对%d @%s 数量 %s (订单 %s)",
		pairIdx+1, grid.FormatPrice(level.Price, b.plan.PricePrecision),
		grid.FormatQty(level.Quantity, b.plan.QtyPrecision), result.OrderID)
	b.persistState(true)
}

// OnOrderUpdate 处理来自任一通道（订单流或对账轮询）的状态更新。
// 两个通道可能对同一订单各推送一次终态，ApplyUpdate 找不到订单
// 说明另一通道已经处理过，直接忽略即可保证幂等。
func (b *GridBot) OnOrderUpdate(u models.OrderUpdate) {
	merged, ok := b.tracker.ApplyUpdate(u.OrderID, u.Status, u.CumExecQty)
	if !ok {
		return
	}

	if !merged.Status.IsTerminal() {
		// 部分成交只刷新累计成交量，不触发任何动作
		if merged.Status == models.StatusPartiallyFilled {
			logger.S().Debugf("订单 %s 部分成交 %v/%v",
				merged.OrderID, merged.FilledQuantity, merged.Quantity)
		}
		return
	}

	if merged.Status.TriggersCascade() {
		// 成交量必须是正的有限值才能级联。非法值不级联，
		// 丢弃跟踪并释放档位，只留告警供人工核对。
		if math.IsNaN(merged.FilledQuantity) || math.IsInf(merged.FilledQuantity, 0) || merged.FilledQuantity <= 0 {
			b.notifier.Warnf("订单 %s 状态 %s 但成交量非法 (%v)，丢弃该订单",
				merged.OrderID, merged.Status, merged.FilledQuantity)
			b.tracker.Remove(merged.OrderID)
			b.tracker.Release(merged.Side, b.levelKey(merged.LevelIndex))
			b.persistState(true)
			b.evaluateAndPlace()
			return
		}
		b.handleFill(merged)
	} else {
		b.handleTerminal(merged)
	}
}

// handleFill 处理携带成交量的终态：买单成交触发卖单级联，
// 卖单成交完成一轮网格循环。
func (b *GridBot) handleFill(order models.TrackedOrder) {
	b.tracker.Remove(order.OrderID)

	if order.Side == models.Sell {
		b.tracker.Release(models.Sell, b.levelKey(order.LevelIndex))
		profit := (order.Price - b.plan.Levels[order.GridPairIndex].Price) * order.FilledQuantity
		b.notifier.Infof("卖单成交 对%d @%v 数量 %v，本轮毛利约 %.4f",
			order.GridPairIndex+1, order.Price, order.FilledQuantity, profit)
	} else {
		// 买入档位的释放留给 placeCascadeSell 在持锁占下卖出档位之后做，
		// 避免并发评估在释放与占用之间看到该对两侧同时空闲
		b.notifier.Infof("买单成交 对%d @%v 数量 %v，挂出对应卖单",
			order.GridPairIndex+1, order.Price, order.FilledQuantity)
		b.placeCascadeSell(order)
	}

	// 终态处理后总是再评估一轮：价格可能已经越过别的空闲网格对
	b.evaluateAndPlace()
}

// placeCascadeSell 在买单的上一档位挂出卖单，数量严格等于实际成交量。
// 级联必须执行，所以这里用阻塞 Lock 排队而不是 TryLock。
// 买入档位在持锁期间先占下卖出档位再释放，保证任何时刻的评估都
// 看不到该网格对两侧同时空闲。
func (b *GridBot) placeCascadeSell(buy models.TrackedOrder) {
	buyKey := b.levelKey(buy.LevelIndex)
	sellIdx := buy.LevelIndex + 1
	if sellIdx >= len(b.plan.Levels) {
		b.tracker.Release(models.Buy, buyKey)
		b.notifier.Errorf("买单 %s 档位 %d 没有上方卖出档位", buy.OrderID, buy.LevelIndex)
		return
	}
	sellPrice := b.plan.Levels[sellIdx].Price
	key := b.levelKey(sellIdx)

	b.placeMu.Lock()
	defer b.placeMu.Unlock()

	reserved := b.tracker.TryReserve(models.Sell, key)
	b.tracker.Release(models.Buy, buyKey)
	if !reserved {
		b.notifier.Warnf("卖出档位 L%d 已被占用，放弃级联（持仓 %v 未挂出）",
			sellIdx+1, buy.FilledQuantity)
		return
	}

	clientID := newClientOrderID(buy.GridPairIndex)
	result, err := b.ex.PlaceOrder(b.cfg.Symbol, models.Sell, sellPrice, buy.FilledQuantity, clientID)
	if err != nil {
		b.tracker.Release(models.Sell, key)
		b.notifier.Errorf("级联挂卖单失败 对%d @%v: %v（持仓 %v 未挂出，等待人工处理）",
			buy.GridPairIndex+1, sellPrice, err, buy.FilledQuantity)
		return
	}

	b.tracker.Confirm(models.Sell, key, &models.TrackedOrder{
		OrderID:       result.OrderID,
		ClientOrderID: clientID,
		Side:          models.Sell,
		Price:         sellPrice,
		Quantity:      buy.FilledQuantity,
		Status:        models.StatusNew,
		LevelIndex:    sellIdx,
		GridPairIndex: buy.GridPairIndex,
	})
	logger.S().Infof("已挂卖单 对%d @%s 数量 %s (订单 %s)",
		buy.GridPairIndex+1, grid.FormatPrice(sellPrice, b.plan.PricePrecision),
		grid.FormatQty(buy.FilledQuantity, b.plan.QtyPrecision), result.OrderID)
	b.persistState(true)
}

// handleTerminal 处理不携带成交量的终态（取消/拒绝/失效）：
// 清理跟踪并释放档位，不做级联。
func (b *GridBot) handleTerminal(order models.TrackedOrder) {
	b.tracker.Remove(order.OrderID)
	b.tracker.Release(order.Side, b.levelKey(order.LevelIndex))
	b.notifier.Warnf("订单 %s (%s L%d) 以状态 %s 结束，档位已释放",
		order.OrderID, order.Side, order.LevelIndex+1, order.Status)
	b.persistState(true)
	b.evaluateAndPlace()
}

// sweepLoop 周期性执行对账轮询，兜底订单流断连期间丢失的更新
func (b *GridBot) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Duration(b.cfg.SweepIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweep()
			b.evaluateAndPlace()
		}
	}
}

// sweep 对账一轮：用一次挂单列表查询核对所有跟踪中的订单，
// 不在挂单列表里的订单逐个查历史确认终态。两边都查不到时保留
// 跟踪并告警，下一轮再试（对账缺口）。
func (b *GridBot) sweep() {
	tracked := b.tracker.Orders()
	if len(tracked) == 0 {
		return
	}

	open, err := b.ex.GetOpenOrders(b.cfg.Symbol)
	if err != nil {
		logger.S().Warnf("对账查询挂单失败: %v", err)
		return
	}
	openByID := make(map[string]models.RestOrder, len(open))
	for _, o := range open {
		openByID[o.OrderID] = o
	}

	for _, t := range tracked {
		if o, ok := openByID[t.OrderID]; ok {
			b.OnOrderUpdate(restToUpdate(o))
			continue
		}

		history, err := b.ex.GetOrderHistory(b.cfg.Symbol, t.OrderID)
		if err != nil {
			logger.S().Warnf("对账查询订单 %s 历史失败: %v", t.OrderID, err)
			continue
		}
		if len(history) == 0 {
			b.notifier.Warnf("对账缺口: 订单 %s 既不在挂单中也查不到历史，保留跟踪下轮再查", t.OrderID)
			continue
		}
		b.OnOrderUpdate(restToUpdate(history[0]))
	}
}

// restToUpdate 把 REST 订单条目规范化为内部更新事件
func restToUpdate(o models.RestOrder) models.OrderUpdate {
	cum := -1.0
	if o.CumExecQty != "" {
		if v, err := strconv.ParseFloat(o.CumExecQty, 64); err == nil {
			cum = v
		}
	}
	avg := 0.0
	if v, err := strconv.ParseFloat(o.AvgPrice, 64); err == nil {
		avg = v
	}
	return models.OrderUpdate{
		OrderID:       o.OrderID,
		ClientOrderID: o.OrderLinkID,
		Status:        models.OrderStatus(o.OrderStatus),
		CumExecQty:    cum,
		AvgPrice:      avg,
	}
}

// PairStatuses 返回每个网格对的展示快照，供状态表使用
func (b *GridBot) PairStatuses() []models.GridPairSnapshot {
	if b.plan == nil {
		return nil
	}
	out := make([]models.GridPairSnapshot, 0, b.plan.NumberOfPairs)
	for i := 0; i < b.plan.NumberOfPairs; i++ {
		snap := models.GridPairSnapshot{
			PairIndex: i,
			BuyPrice:  b.plan.Levels[i].Price,
			SellPrice: b.plan.Levels[i+1].Price,
			Quantity:  b.plan.Levels[i].Quantity,
			Status:    models.PairWaiting,
		}
		if occ := b.tracker.Occupant(models.Sell, b.levelKey(i+1)); occ.Kind != tracker.Empty {
			if occ.Kind == tracker.Placing {
				snap.Status = models.PairSellPending
			} else {
				snap.Status = models.PairSellActive
				snap.OrderID = occ.OrderID
			}
		} else if occ := b.tracker.Occupant(models.Buy, b.levelKey(i)); occ.Kind != tracker.Empty {
			if occ.Kind == tracker.Placing {
				snap.Status = models.PairBuyPending
			} else {
				snap.Status = models.PairBuyActive
				snap.OrderID = occ.OrderID
			}
		}
		out = append(out, snap)
	}
	return out
}

// OpenOrderCount 返回跟踪中的订单数量
func (b *GridBot) OpenOrderCount() int {
	return b.tracker.Len()
}
