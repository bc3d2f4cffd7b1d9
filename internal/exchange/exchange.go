package exchange

import "bybit-grid-bot-go/internal/models"

// Exchange 定义了订单网关与查询接口必须提供的通用方法。
// 这使得控制器可以在真实交易和回测之间轻松切换。
type Exchange interface {
	// GetServerTime 返回交易所服务器时间（毫秒）
	GetServerTime() (int64, error)
	// GetInstrumentInfo 获取交易对的交易规则
	GetInstrumentInfo(symbol string) (*models.InstrumentInfo, error)
	// GetFeeRate 查询账户费率
	GetFeeRate(symbol string) (*models.FeeRate, error)
	// GetPrice 获取最新成交价
	GetPrice(symbol string) (float64, error)
	// PlaceOrder 挂出限价单。clientOrderID 为调用方提供的幂等令牌，
	// 成功时必须返回交易所分配的订单 ID。
	PlaceOrder(symbol string, side models.Side, price, quantity float64, clientOrderID string) (*models.OrderResult, error)
	// CancelOrder 取消订单。订单已成交/已取消时返回的 APIError
	// 可用 models.IsBenignCancel 识别。
	CancelOrder(symbol, orderID string) error
	// GetOpenOrders 返回当前所有未完结挂单
	GetOpenOrders(symbol string) ([]models.RestOrder, error)
	// GetOrderHistory 按订单 ID 查询历史记录，仅供对账轮询使用
	GetOrderHistory(symbol, orderID string) ([]models.RestOrder, error)
}
