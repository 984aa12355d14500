package indicator

import (
	"math"
	"testing"

	"github.com/gridbot/gogrid/internal/domain"
)

func kline(high, low, close float64) domain.Kline {
	return domain.Kline{High: high, Low: low, Close: close, Closed: true}
}

func TestATRInsufficientData(t *testing.T) {
	klines := []domain.Kline{kline(10, 9, 9.5), kline(10.5, 9.5, 10)}
	if got := ATR(klines, 14); got != 0 {
		t.Fatalf("数据不足时 ATR = %v, 期望 0", got)
	}
}

func TestATRConstantRange(t *testing.T) {
	// 每根K线区间恒为 2 且无跳空, ATR 应收敛到 2
	klines := make([]domain.Kline, 0, 20)
	for i := 0; i < 20; i++ {
		klines = append(klines, kline(101, 99, 100))
	}

	got := ATR(klines, 14)
	if math.Abs(got-2) > 1e-9 {
		t.Fatalf("恒定波幅 ATR = %v, 期望 2", got)
	}
}

func TestATRWilderSmoothing(t *testing.T) {
	// period=3: 前3个TR均为2, 首个ATR=2;
	// 第4个TR为5（含跳空）, ATR = (2*2+5)/3 = 3
	klines := []domain.Kline{
		kline(101, 99, 100),
		kline(101, 99, 100),
		kline(101, 99, 100),
		kline(101, 99, 100),
		kline(105, 102, 104), // TR = max(3, |105-100|, |102-100|) = 5
	}

	got := ATR(klines, 3)
	if math.Abs(got-3) > 1e-9 {
		t.Fatalf("ATR = %v, 期望 3", got)
	}
}

func TestATRRatio(t *testing.T) {
	klines := make([]domain.Kline, 0, 20)
	for i := 0; i < 20; i++ {
		klines = append(klines, kline(101, 99, 100))
	}

	got := ATRRatio(klines, 14, 100)
	if math.Abs(got-0.02) > 1e-9 {
		t.Fatalf("ATRRatio = %v, 期望 0.02", got)
	}
	if ATRRatio(klines, 14, 0) != 0 {
		t.Fatal("参考价格非法时应返回 0")
	}
}
