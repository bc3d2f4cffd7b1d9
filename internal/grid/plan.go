package grid

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"bybit-grid-bot-go/internal/models"
)

// ErrInvalidParameters 表示网格输入参数非法（上下限、档位数或资金）。
// 计算层面致命，但用户修正参数后可重新计算。
var ErrInvalidParameters = errors.New("无效的网格参数")

// Calculate 根据用户输入和交易规则计算完整的网格方案。
// 返回的 warnings 为非致命警告（例如某档位数量低于最小下单量，
// 网格照常启动，该档位在真正下单时会被交易所拒绝）。
func Calculate(symbol string, upper, lower float64, count int, capital float64, inst *models.InstrumentInfo) (*models.GridPlan, []string, error) {
	if upper <= lower || count < 2 || capital <= 0 {
		return nil, nil, fmt.Errorf("%w: upper=%v lower=%v count=%d capital=%v",
			ErrInvalidParameters, upper, lower, count, capital)
	}

	pricePrecision := StepPrecision(inst.TickSize)
	qtyPrecision := StepPrecision(inst.QtyStep)

	numberOfPairs := count - 1
	interval := roundTo((upper-lower)/float64(numberOfPairs), pricePrecision)
	capitalPerPair := roundTo(capital/float64(numberOfPairs), 2)

	plan := &models.GridPlan{
		Symbol:         symbol,
		UpperPrice:     upper,
		LowerPrice:     lower,
		GridCount:      count,
		NumberOfPairs:  numberOfPairs,
		Interval:       interval,
		TotalCapital:   capital,
		CapitalPerPair: capitalPerPair,
		Levels:         make([]models.GridLevel, 0, count),
		PricePrecision: pricePrecision,
		QtyPrecision:   qtyPrecision,
	}

	var warnings []string
	for i := 0; i < count; i++ {
		price := roundTo(lower+float64(i)*interval, pricePrecision)
		quantity := floorTo(capitalPerPair/price, qtyPrecision)
		// 最后一个档位只作为卖出价，不会从它发起买入
		if i < numberOfPairs && quantity < inst.MinOrderQty {
			warnings = append(warnings, fmt.Sprintf(
				"档位 L%d 买入价 %s 的数量 %s 低于最小下单量 %v",
				i+1, FormatPrice(price, pricePrecision), FormatQty(quantity, qtyPrecision), inst.MinOrderQty))
		}
		plan.Levels = append(plan.Levels, models.GridLevel{
			Index:    i,
			Price:    price,
			Quantity: quantity,
		})
	}

	return plan, warnings, nil
}

// StepPrecision 从步长字符串（如 "0.001"）推导小数位数
func StepPrecision(step string) int {
	idx := strings.Index(step, ".")
	if idx < 0 {
		return 0
	}
	return len(step) - idx - 1
}

// PriceKey 把价格格式化为占位表的规范键。
// 浮点数不能直接作为 map 键使用，必须先按精度定型为字符串。
func PriceKey(price float64, precision int) string {
	return strconv.FormatFloat(price, 'f', precision, 64)
}

// FormatPrice 按价格精度格式化，用于展示和下单参数
func FormatPrice(price float64, precision int) string {
	return strconv.FormatFloat(price, 'f', precision, 64)
}

// FormatQty 按数量精度格式化
func FormatQty(qty float64, precision int) string {
	return strconv.FormatFloat(qty, 'f', precision, 64)
}

// roundTo 四舍五入到指定小数位
func roundTo(value float64, precision int) float64 {
	factor := math.Pow(10, float64(precision))
	return math.Round(value*factor) / factor
}

// floorTo 向下取整到指定小数位，数量永远不向上取，避免超出资金
func floorTo(value float64, precision int) float64 {
	factor := math.Pow(10, float64(precision))
	return math.Floor(value*factor) / factor
}
