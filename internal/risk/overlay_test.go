package risk

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/gridbot/gogrid/internal/domain"
	"github.com/gridbot/gogrid/internal/events"
	"github.com/gridbot/gogrid/internal/exchange"
	"github.com/gridbot/gogrid/internal/ledger"
	"github.com/gridbot/gogrid/pkg/config"
)

type ocoCall struct {
	symbol    string
	qty       string
	limit     string
	stop      string
	stopLimit string
}

type fakeRiskClient struct {
	mu         sync.Mutex
	price      float64
	klines     []domain.Kline
	placeErrs  []error // 依次消费, 用尽后成功
	cancelErr  error
	nextListID int64
	placed     []ocoCall
	canceled   []int64
}

func (f *fakeRiskClient) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	return f.price, nil
}

func (f *fakeRiskClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	return f.klines, nil
}

func (f *fakeRiskClient) PlaceOCOSell(ctx context.Context, symbol, quantity, limitPrice, stopPrice, stopLimitPrice string) (*exchange.OCOResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.nextListID++
	f.placed = append(f.placed, ocoCall{symbol: symbol, qty: quantity, limit: limitPrice, stop: stopPrice, stopLimit: stopLimitPrice})
	return &exchange.OCOResult{OrderListID: f.nextListID}, nil
}

func (f *fakeRiskClient) CancelOCO(ctx context.Context, symbol string, orderListID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.canceled = append(f.canceled, orderListID)
	return nil
}

func riskRules() *domain.SymbolRules {
	return &domain.SymbolRules{
		Symbol:            "BTCUSDT",
		BaseAsset:         "BTC",
		QuoteAsset:        "USDT",
		PricePrecision:    2,
		QuantityPrecision: 5,
		MinNotional:       5,
		AskMultiplierUp:   5,
		AskMultiplierDown: 0.2,
	}
}

func riskLedger(base float64) *ledger.Ledger {
	return ledger.New(func(ctx context.Context) ([]domain.Balance, error) {
		return []domain.Balance{{Asset: "BTC", Free: base}, {Asset: "USDT", Free: 1000}}, nil
	}, time.Minute)
}

func testOverlay(fake *fakeRiskClient, lg *ledger.Ledger) *Overlay {
	o := NewOverlay(config.Default().Risk, fake, lg, nil)
	o.SetRules(riskRules())
	return o
}

func TestActivatePlacesProtection(t *testing.T) {
	fake := &fakeRiskClient{price: 100}
	lg := riskLedger(2)
	o := testOverlay(fake, lg)

	if err := o.Activate(context.Background(), "BTCUSDT", 95, 105); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !o.IsActive() {
		t.Fatal("激活后应处于生效状态")
	}

	// 止损 = 95×(1-4.5%) = 90.725, 止盈 = 105×(1+1.5%) = 106.575
	if got := o.StopPrice(); math.Abs(got-90.725) > 1e-9 {
		t.Fatalf("止损价 = %v, 期望 90.725", got)
	}
	if got := o.LimitPrice(); math.Abs(got-106.575) > 1e-9 {
		t.Fatalf("止盈价 = %v, 期望 106.575", got)
	}

	if len(fake.placed) != 1 {
		t.Fatalf("下单次数 = %d", len(fake.placed))
	}
	call := fake.placed[0]
	if !strings.HasPrefix(call.stop, "90.7") || !strings.HasPrefix(call.limit, "106.5") {
		t.Fatalf("委托价不符: %+v", call)
	}
	if call.stopLimit == "" {
		t.Fatal("默认应带止损限价腿")
	}
	// 自由基础资产 2, 保留一半给网格 → 保护单数量 1
	if call.qty != "1.00000" {
		t.Fatalf("保护单数量 = %q, 期望 1.00000", call.qty)
	}
	if got := lg.Locked("BTC"); math.Abs(got-1) > 1e-9 {
		t.Fatalf("BTC 锁定额 = %v, 期望 1", got)
	}
}

func TestActivateHardFailsWhenPriceOutsideBand(t *testing.T) {
	// 现价已经跌破止损价, 挂出去会立刻成交, 必须放弃
	fake := &fakeRiskClient{price: 85}
	o := testOverlay(fake, riskLedger(2))

	if err := o.Activate(context.Background(), "BTCUSDT", 95, 105); err == nil {
		t.Fatal("现价在保护区间外应当报错")
	}
	if len(fake.placed) != 0 {
		t.Fatal("放弃时不应有任何下单请求")
	}
	if o.IsActive() {
		t.Fatal("失败后不应处于生效状态")
	}
}

func TestActivateRetriesWithMarketLeg(t *testing.T) {
	fake := &fakeRiskClient{
		price:     100,
		placeErrs: []error{errors.Wrap(exchange.ErrPriceCompliance, "stop limit price rejected")},
	}
	o := testOverlay(fake, riskLedger(2))

	if err := o.Activate(context.Background(), "BTCUSDT", 95, 105); err != nil {
		t.Fatalf("市价腿重试后应成功: %v", err)
	}
	if len(fake.placed) != 1 {
		t.Fatalf("成功下单次数 = %d", len(fake.placed))
	}
	if fake.placed[0].stopLimit != "" {
		t.Fatalf("重试应使用市价腿, stopLimit = %q", fake.placed[0].stopLimit)
	}
}

func TestDeactivateTreatsUnknownListAsSuccess(t *testing.T) {
	fake := &fakeRiskClient{price: 100}
	lg := riskLedger(2)
	o := testOverlay(fake, lg)

	if err := o.Activate(context.Background(), "BTCUSDT", 95, 105); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	fake.cancelErr = errors.Wrap(exchange.ErrUnknownOrder, "Order List does not exist")

	if err := o.Deactivate(context.Background()); err != nil {
		t.Fatalf("列表已不存在应视为撤销成功: %v", err)
	}
	if o.IsActive() {
		t.Fatal("撤销后不应处于生效状态")
	}
	if got := lg.Locked("BTC"); got != 0 {
		t.Fatalf("撤销后锁定应释放, 实际 %v", got)
	}
}

func TestTrailingRaiseGates(t *testing.T) {
	fake := &fakeRiskClient{price: 100}
	lg := riskLedger(2)
	o := testOverlay(fake, lg)

	ctx := context.Background()
	if err := o.Activate(ctx, "BTCUSDT", 95, 105); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	initialStop := o.StopPrice()

	// 冷却期内不更新
	fake.price = 110
	o.HandlePriceTick("BTCUSDT", 110)
	if len(fake.placed) != 1 {
		t.Fatalf("冷却期内不应重挂, 下单次数 = %d", len(fake.placed))
	}

	// 冷却期已过但涨幅不足阈值时不更新
	o.mu.Lock()
	o.lastUpdate = time.Now().Add(-time.Hour)
	o.mu.Unlock()
	o.HandlePriceTick("BTCUSDT", 91)
	if len(fake.placed) != 1 {
		t.Fatalf("涨幅不足不应重挂, 下单次数 = %d", len(fake.placed))
	}

	// 两道闸门都通过, 撤销重挂
	o.HandlePriceTick("BTCUSDT", 110)
	if len(fake.placed) != 2 {
		t.Fatalf("应当重挂, 下单次数 = %d", len(fake.placed))
	}
	if len(fake.canceled) != 1 {
		t.Fatalf("重挂前应撤销旧列表, 撤销次数 = %d", len(fake.canceled))
	}
	// 新止损 = 110×(1-4.5%) = 105.05
	if got := o.StopPrice(); got <= initialStop || math.Abs(got-105.05) > 1e-9 {
		t.Fatalf("止损价 = %v, 期望抬升到 105.05", got)
	}
}

func TestOCOReportTriggersHalt(t *testing.T) {
	fake := &fakeRiskClient{price: 100}
	lg := riskLedger(2)
	o := testOverlay(fake, lg)

	var reason string
	o.OnTrigger(func(r string) { reason = r })

	ctx := context.Background()
	if err := o.Activate(ctx, "BTCUSDT", 95, 105); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	listID := o.orderListID

	// 价格砸穿止损后列表终结
	o.HandlePriceTick("BTCUSDT", 90)
	o.HandleOCOReport(&events.OCOReport{
		Symbol:      "BTCUSDT",
		OrderListID: listID,
		ListStatus:  "ALL_DONE",
	})

	if o.IsActive() {
		t.Fatal("列表终结后不应处于生效状态")
	}
	if reason == "" || !strings.Contains(reason, "止损") {
		t.Fatalf("停机原因 = %q, 期望标明止损腿", reason)
	}
	if got := lg.Locked("BTC"); got != 0 {
		t.Fatalf("终结后锁定应释放, 实际 %v", got)
	}
}

func TestOCOReportUsesFilledLegType(t *testing.T) {
	fake := &fakeRiskClient{price: 100}
	o := testOverlay(fake, riskLedger(2))

	var reason string
	o.OnTrigger(func(r string) { reason = r })

	ctx := context.Background()
	if err := o.Activate(ctx, "BTCUSDT", 95, 105); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	listID := o.orderListID

	// 最新价格远在止损之上, 单看价格会误判为止盈
	o.HandlePriceTick("BTCUSDT", 104)
	o.HandleOrderUpdate(&events.OrderUpdate{
		Symbol:      "BTCUSDT",
		OrderListID: listID,
		Type:        domain.OrderTypeStopLossLimit,
		Status:      domain.OrderStatusFilled,
	})
	o.HandleOCOReport(&events.OCOReport{
		Symbol:      "BTCUSDT",
		OrderListID: listID,
		ListStatus:  "ALL_DONE",
	})

	if reason == "" || !strings.Contains(reason, "止损") {
		t.Fatalf("停机原因 = %q, 期望按成交腿判定为止损", reason)
	}
}

func TestOCOReportTakeProfitLegNearStopPrice(t *testing.T) {
	fake := &fakeRiskClient{price: 100}
	o := testOverlay(fake, riskLedger(2))

	var reason string
	o.OnTrigger(func(r string) { reason = r })

	ctx := context.Background()
	if err := o.Activate(ctx, "BTCUSDT", 95, 105); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	listID := o.orderListID

	// 最新价格贴着止损价, 单看价格会误判为止损
	o.HandlePriceTick("BTCUSDT", o.StopPrice())
	o.HandleOrderUpdate(&events.OrderUpdate{
		Symbol:      "BTCUSDT",
		OrderListID: listID,
		Type:        domain.OrderTypeLimitMaker,
		Status:      domain.OrderStatusFilled,
	})
	o.HandleOCOReport(&events.OCOReport{
		Symbol:      "BTCUSDT",
		OrderListID: listID,
		ListStatus:  "ALL_DONE",
	})

	if reason == "" || !strings.Contains(reason, "止盈") {
		t.Fatalf("停机原因 = %q, 期望按成交腿判定为止盈", reason)
	}
}

func TestOCOReportIgnoresForeignLists(t *testing.T) {
	fake := &fakeRiskClient{price: 100}
	o := testOverlay(fake, riskLedger(2))

	triggered := false
	o.OnTrigger(func(string) { triggered = true })

	if err := o.Activate(context.Background(), "BTCUSDT", 95, 105); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	o.HandleOCOReport(&events.OCOReport{OrderListID: 9999, ListStatus: "ALL_DONE"})

	if triggered || !o.IsActive() {
		t.Fatal("其他列表的报告不应影响保护层")
	}
}

func volatileKlines(n int, price, tr float64) []domain.Kline {
	klines := make([]domain.Kline, n)
	for i := range klines {
		klines[i] = domain.Kline{
			Open: price, Close: price,
			High: price + tr/2, Low: price - tr/2,
			Closed: true,
		}
	}
	return klines
}

func TestVolatilityTightenIsLatched(t *testing.T) {
	fake := &fakeRiskClient{price: 100, klines: volatileKlines(30, 100, 3)}
	o := testOverlay(fake, riskLedger(2))
	o.mu.Lock()
	o.symbol = "BTCUSDT"
	o.mu.Unlock()

	ctx := context.Background()

	// ATR/价格 = 0.03 > 0.02 → 收紧 20%
	o.sampleVolatility(ctx)
	if math.Abs(o.stopPct-4.5*0.8) > 1e-9 || math.Abs(o.profitPct-1.5*0.8) > 1e-9 {
		t.Fatalf("收紧后百分比 = (%v, %v)", o.stopPct, o.profitPct)
	}
	if !o.tightened {
		t.Fatal("应当锁存收紧状态")
	}

	// 仍然超阈值时不重复收紧
	o.sampleVolatility(ctx)
	if math.Abs(o.stopPct-4.5*0.8) > 1e-9 {
		t.Fatalf("不应重复收紧: %v", o.stopPct)
	}

	// 回落后复位
	fake.klines = volatileKlines(30, 100, 0.5)
	o.sampleVolatility(ctx)
	if math.Abs(o.stopPct-4.5) > 1e-9 || o.tightened {
		t.Fatalf("回落后应复位: stopPct=%v tightened=%v", o.stopPct, o.tightened)
	}
}
