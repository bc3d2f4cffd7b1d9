package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	Symbol       string  `json:"symbol"`        // 交易对，如 "NXPCUSDT"
	UpperPrice   float64 `json:"upper_price"`   // 网格价格上限
	LowerPrice   float64 `json:"lower_price"`   // 网格价格下限
	GridCount    int     `json:"grid_count"`    // 价格档位数量（N 个档位构成 N-1 个网格对）
	TotalCapital float64 `json:"total_capital"` // 总投入 (USDT)

	APIBaseURL   string `json:"api_base_url"`   // REST API 基础地址
	PublicWSURL  string `json:"public_ws_url"`  // 公共行情 WebSocket 地址
	PrivateWSURL string `json:"private_ws_url"` // 私有订单流 WebSocket 地址

	DBPath string `json:"db_path"` // BadgerDB 状态库路径，为空则不持久化

	SweepIntervalSec     int `json:"sweep_interval_sec,omitempty"`     // 对账轮询周期（秒），默认 60
	HeartbeatIntervalSec int `json:"heartbeat_interval_sec,omitempty"` // WebSocket 心跳周期（秒），默认 20
	StatusIntervalSec    int `json:"status_interval_sec,omitempty"`    // 状态表打印周期（秒），默认 30

	LogConfig LogConfig `json:"log"` // 日志配置

	// 回测引擎特定配置
	Backtest BacktestConfig `json:"backtest"`
}

// BacktestConfig 定义了回测模式下的模拟参数。
// 回测不访问交易所，交易规则与费率均取自这里。
type BacktestConfig struct {
	InitialBalance float64 `json:"initial_balance"` // 初始资金 (USDT)
	TakerFeeRate   float64 `json:"taker_fee_rate"`  // 吃单手续费率
	MakerFeeRate   float64 `json:"maker_fee_rate"`  // 挂单手续费率
	TickSize       string  `json:"tick_size"`       // 模拟价格步长
	QtyStep        string  `json:"qty_step"`        // 模拟数量步长
	MinOrderQty    float64 `json:"min_order_qty"`   // 模拟最小下单量
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// OrderStatus 是 Bybit V5 现货订单的状态
type OrderStatus string

const (
	StatusNew                    OrderStatus = "New"
	StatusPartiallyFilled        OrderStatus = "PartiallyFilled"
	StatusFilled                 OrderStatus = "Filled"
	StatusCancelled              OrderStatus = "Cancelled"
	StatusRejected               OrderStatus = "Rejected"
	StatusDeactivated            OrderStatus = "Deactivated"
	StatusPartiallyFilledAndCanc OrderStatus = "PartiallyFilledAndCancelled"
)

// IsTerminal 返回该状态是否为终态（订单不会再有后续变化）。
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusDeactivated, StatusPartiallyFilledAndCanc:
		return true
	}
	return false
}

// TriggersCascade 返回该终态是否携带已实现的成交量，需要走成交级联。
// PartiallyFilledAndCancelled 虽然被取消，但已成交部分仍需对应的反向单。
func (s OrderStatus) TriggersCascade() bool {
	return s == StatusFilled || s == StatusPartiallyFilledAndCanc
}

// GridLevel 代表网格中的一个价格档位，计算完成后不可变
type GridLevel struct {
	Index    int     `json:"index"`    // 在档位列表中的位置（从 0 开始，价格严格递增）
	Price    float64 `json:"price"`    // 档位价格，已按 tickSize 精度取整
	Quantity float64 `json:"quantity"` // 该档位买入的基础货币数量，已按 qtyStep 精度取整
}

// GridPlan 是一次网格计算的完整结果
type GridPlan struct {
	Symbol         string      `json:"symbol"`
	UpperPrice     float64     `json:"upper_price"`
	LowerPrice     float64     `json:"lower_price"`
	GridCount      int         `json:"grid_count"`      // 价格档位数 N
	NumberOfPairs  int         `json:"number_of_pairs"` // 网格对数 N-1
	Interval       float64     `json:"interval"`        // 相邻档位价差
	TotalCapital   float64     `json:"total_capital"`
	CapitalPerPair float64     `json:"capital_per_pair"` // 每个网格对占用的 USDT
	Levels         []GridLevel `json:"levels"`
	PricePrecision int         `json:"price_precision"` // 由 tickSize 推导的小数位数
	QtyPrecision   int         `json:"qty_precision"`   // 由 qtyStep 推导的小数位数
}

// TrackedOrder 是本地跟踪的一笔在途交易所订单。
// 由 Level Tracker 独占持有：下单成功时创建，任一通道的状态更新时修改，
// 终态处理完毕（级联已触发）后删除。
type TrackedOrder struct {
	OrderID        string      `json:"order_id"`        // 交易所分配的订单 ID
	ClientOrderID  string      `json:"client_order_id"` // 客户端幂等 ID (orderLinkId)
	Side           Side        `json:"side"`
	Price          float64     `json:"price"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filled_quantity"` // 累计成交量 (cumExecQty)
	Status         OrderStatus `json:"status"`
	LevelIndex     int         `json:"level_index"`     // 所在档位在 Levels 中的下标
	GridPairIndex  int         `json:"grid_pair_index"` // 所属网格对
}

// OrderUpdate 是来自任一信息通道（订单流或对账轮询）的规范化状态更新
type OrderUpdate struct {
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	CumExecQty    float64 // 累计成交量；小于 0 表示上游字段缺失
	AvgPrice      float64 // 成交均价，仅用于展示
}

// OrderResult 是下单成功后网关返回的规范化结果
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	CumExecQty    float64
}

// InstrumentInfo 保存单个交易对的交易规则
type InstrumentInfo struct {
	Symbol      string
	TickSize    string  // 价格步长（字符串形式，精度以小数位数表达）
	QtyStep     string  // 数量步长
	MinOrderQty float64 // 最小下单量
	BaseCoin    string
	QuoteCoin   string
}

// FeeRate 保存账户在该交易对上的费率
type FeeRate struct {
	MakerFeeRate float64
	TakerFeeRate float64
}

// RestOrder 是 /v5/order/realtime 与 /v5/order/history 返回的订单条目
type RestOrder struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	OrderStatus  string `json:"orderStatus"`
	TimeInForce  string `json:"timeInForce"`
	OrderType    string `json:"orderType"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
	RejectReason string `json:"rejectReason"`
	CancelType   string `json:"cancelType"`
	LeavesQty    string `json:"leavesQty"`
	CumExecValue string `json:"cumExecValue"`
	CumExecFee   string `json:"cumExecFee"`
}

// PriceTick 是行情通道推送的一笔成交
type PriceTick struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// GridPairStatus 描述一个网格对当前所处的阶段，供展示层使用
type GridPairStatus string

const (
	PairWaiting     GridPairStatus = "Waiting"     // 两侧均无挂单
	PairBuyPending  GridPairStatus = "BuyPending"  // 买单下单请求在途
	PairBuyActive   GridPairStatus = "BuyActive"   // 买单已挂出等待成交
	PairSellPending GridPairStatus = "SellPending" // 卖单下单请求在途
	PairSellActive  GridPairStatus = "SellActive"  // 卖单已挂出等待成交
)

// GridPairSnapshot 是单个网格对的展示快照
type GridPairSnapshot struct {
	PairIndex int
	BuyPrice  float64
	SellPrice float64
	Quantity  float64
	Status    GridPairStatus
	OrderID   string // 当前占用该对的订单 ID（若有）
}

// BotState 定义了需要持久化的所有关键数据，用于进程重启后恢复跟踪
type BotState struct {
	Symbol     string         `json:"symbol"`
	Plan       *GridPlan      `json:"plan"`
	Orders     []TrackedOrder `json:"orders"`
	SavedAt    time.Time      `json:"saved_at"`
	WasRunning bool           `json:"was_running"`
}

// CompletedTrade 记录回测中一笔完成的交易（买入和对应卖出）
type CompletedTrade struct {
	Symbol     string
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	EntryTime  time.Time
	ExitTime   time.Time
	Profit     float64
	Fee        float64
}

// APIError 定义了 Bybit API 返回的业务错误
type APIError struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
}

// Error 方法使得 APIError 实现了 error 接口
func (e *APIError) Error() string {
	return fmt.Sprintf("bybit api error: retCode=%d, retMsg=%s", e.RetCode, e.RetMsg)
}

// 停止网格时交易所可能报告订单早已成交或已取消，视为取消成功。
var benignCancelCodes = map[int]bool{
	170213: true, // Order does not exist
	170106: true, // Order has been filled or cancelled
}

// IsBenignCancel 判断取消订单的失败是否属于良性（订单已不在可取消状态）。
func IsBenignCancel(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && benignCancelCodes[apiErr.RetCode]
}

// 这些 retCode 表示瞬时性问题（时间戳漂移、限频等），请求可以重试。
var retryableCodes = map[int]bool{
	10001: true,
	10002: true,
	10004: true,
	10006: true,
}

// IsRetryable 判断 API 错误是否可以安全重试。
func IsRetryable(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && retryableCodes[apiErr.RetCode]
}
