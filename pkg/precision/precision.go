package precision

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// 精度格式化工具：把原始价格/数量转换为交易所合规的字符串。
// 价格四舍五入，数量只向下取整（交易所会拒绝超出余额的数量）。

const fallbackPrecision = 8

// smallestIncrement 返回 10^-precision
func smallestIncrement(precision int) decimal.Decimal {
	return decimal.New(1, int32(-precision))
}

// FormatPrice 按精度对价格做半进位取整
// 非正输入或取整后为零时返回最小增量，保证结果永远不是 "0"
func FormatPrice(value float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return smallestIncrement(precision).String()
	}

	d := decimal.NewFromFloat(value).Round(int32(precision))
	if d.Sign() <= 0 {
		return smallestIncrement(precision).String()
	}
	return d.String()
}

// FormatQuantity 按精度对数量向下取整
// 真实值非零但取整后为零时替换为最小增量
func FormatQuantity(value float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		value = 0
	}

	d := decimal.NewFromFloat(math.Abs(value))
	floored := d.RoundFloor(int32(precision))
	if floored.Sign() == 0 && d.Sign() > 0 {
		floored = smallestIncrement(precision)
	}
	return floored.StringFixed(int32(precision))
}

// PrecisionFromStepSize 从 tickSize/stepSize 字符串推导小数位数
// 兼容科学计数法（"1e-5" → 5）和尾随零（"0.00100000" → 3）
func PrecisionFromStepSize(step string) int {
	d, err := decimal.NewFromString(strings.TrimSpace(step))
	if err != nil {
		return fallbackPrecision
	}
	if d.Sign() == 0 {
		return 0
	}

	s := d.Abs().String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}
