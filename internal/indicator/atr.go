package indicator

import (
	"math"

	"github.com/gridbot/gogrid/internal/domain"
)

// ATR 计算 Wilder 平均真实波幅
// 需要至少 period+1 根K线，数据不足时返回 0
func ATR(klines []domain.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}

	trs := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		trs = append(trs, trueRange(klines[i], klines[i-1].Close))
	}

	// 首个 ATR 取前 period 个真实波幅的简单均值
	var sum float64
	for _, tr := range trs[:period] {
		sum += tr
	}
	atr := sum / float64(period)

	// 其后按 Wilder 平滑递推
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}

// ATRRatio ATR 相对参考价格的比例，用于波动率阈值判断
func ATRRatio(klines []domain.Kline, period int, refPrice float64) float64 {
	if refPrice <= 0 {
		return 0
	}
	return ATR(klines, period) / refPrice
}

func trueRange(k domain.Kline, prevClose float64) float64 {
	hl := k.High - k.Low
	hc := math.Abs(k.High - prevClose)
	lc := math.Abs(k.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}
