package engine

import (
	"context"
	"math"
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

type placedOrder struct {
	symbol string
	side   domain.Side
	price  string
	qty    string
}

type fakeExchange struct {
	mu          sync.Mutex
	price       float64
	rules       *domain.SymbolRules
	open        []domain.Order
	klines      []domain.Kline
	placeErr    error
	placeErrN   int // 前 N 次下单返回 placeErr
	nextOrderID int64
	placed      []placedOrder
	canceled    []int64
}

func (f *fakeExchange) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	return f.price, nil
}

func (f *fakeExchange) SymbolRules(ctx context.Context, symbol string) (*domain.SymbolRules, error) {
	return f.rules, nil
}

func (f *fakeExchange) PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, price, quantity string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil && (f.placeErrN == 0 || len(f.placed) < f.placeErrN) {
		if f.placeErrN == 0 {
			return nil, f.placeErr
		}
		f.placed = append(f.placed, placedOrder{})
		return nil, f.placeErr
	}
	f.nextOrderID++
	f.placed = append(f.placed, placedOrder{symbol: symbol, side: side, price: price, qty: quantity})
	return &domain.Order{OrderID: f.nextOrderID, Symbol: symbol, Side: side, Status: domain.OrderStatusNew}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeExchange) OpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	return f.open, nil
}

func (f *fakeExchange) Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	return f.klines, nil
}

func testRules() *domain.SymbolRules {
	return &domain.SymbolRules{
		Symbol:            "BTCUSDT",
		BaseAsset:         "BTC",
		QuoteAsset:        "USDT",
		PricePrecision:    2,
		QuantityPrecision: 5,
		MinQty:            0.00001,
		MinNotional:       5,
	}
}

func testLedger(quote, base float64) *ledger.Ledger {
	return ledger.New(func(ctx context.Context) ([]domain.Balance, error) {
		return []domain.Balance{
			{Asset: "USDT", Free: quote},
			{Asset: "BTC", Free: base},
		}, nil
	}, time.Minute)
}

func testEngine(fake *fakeExchange, lg *ledger.Ledger) *Engine {
	cfg := config.Default().Grid
	e := New(cfg, fake, lg, nil, nil)
	e.rules = fake.rules
	e.running = true
	e.centerPrice = fake.price
	return e
}

func TestPlaceLevelLocksAndOrders(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	lg := testLedger(1000, 1)
	e := testEngine(fake, lg)

	lvl := &domain.GridLevel{Price: 99, Side: domain.SideBuy, Capital: 100}
	if err := e.placeLevel(context.Background(), lvl); err != nil {
		t.Fatalf("placeLevel: %v", err)
	}
	if !lvl.HasOrder() {
		t.Fatal("挂单成功后层上应记录订单号")
	}
	if got := lg.Locked("USDT"); math.Abs(got-100) > 1e-9 {
		t.Fatalf("锁定额 = %v, 期望 100", got)
	}
	if len(fake.placed) != 1 {
		t.Fatalf("下单次数 = %d", len(fake.placed))
	}
	if fake.placed[0].price != "99" {
		t.Fatalf("委托价 = %q", fake.placed[0].price)
	}
}

func TestPlaceLevelSellLocksBase(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	lg := testLedger(0, 2)
	e := testEngine(fake, lg)

	lvl := &domain.GridLevel{Price: 101, Side: domain.SideSell, Capital: 101}
	if err := e.placeLevel(context.Background(), lvl); err != nil {
		t.Fatalf("placeLevel: %v", err)
	}
	// 卖出锁基础资产, 数量 = 资金/价格 = 1
	if got := lg.Locked("BTC"); math.Abs(got-1) > 1e-9 {
		t.Fatalf("BTC 锁定额 = %v, 期望 1", got)
	}
	if got := lg.Locked("USDT"); got != 0 {
		t.Fatalf("USDT 不应被锁定, 实际 %v", got)
	}
}

func TestPlaceLevelReleasesLockOnFailure(t *testing.T) {
	fake := &fakeExchange{
		price:    100,
		rules:    testRules(),
		placeErr: &exchange.APIError{Code: -2010, Msg: "Account has insufficient balance"},
	}
	lg := testLedger(1000, 1)
	e := testEngine(fake, lg)

	lvl := &domain.GridLevel{Price: 99, Side: domain.SideBuy, Capital: 100}
	if err := e.placeLevel(context.Background(), lvl); err == nil {
		t.Fatal("下单失败应当返回错误")
	}
	if got := lg.Locked("USDT"); got != 0 {
		t.Fatalf("失败后锁定应释放, 实际 %v", got)
	}
	if lvl.HasOrder() {
		t.Fatal("失败后层上不应记录订单号")
	}
}

func TestPlaceLevelRetriesOnChannelFailure(t *testing.T) {
	fake := &fakeExchange{
		price:     100,
		rules:     testRules(),
		placeErr:  errors.Wrap(exchange.ErrChannelFailure, "请求超时"),
		placeErrN: 1,
	}
	lg := testLedger(1000, 1)
	e := testEngine(fake, lg)

	lvl := &domain.GridLevel{Price: 99, Side: domain.SideBuy, Capital: 100}
	if err := e.placeLevel(context.Background(), lvl); err != nil {
		t.Fatalf("通道失败重试后应成功: %v", err)
	}
	if len(fake.placed) != 2 {
		t.Fatalf("期望重试一次共 2 次下单, 实际 %d", len(fake.placed))
	}
	if got := lg.Locked("USDT"); math.Abs(got-100) > 1e-9 {
		t.Fatalf("锁定额 = %v, 期望 100", got)
	}
}

func TestPlaceLevelRejectsInsufficientFunds(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	lg := testLedger(50, 0)
	e := testEngine(fake, lg)

	lvl := &domain.GridLevel{Price: 99, Side: domain.SideBuy, Capital: 100}
	err := e.placeLevel(context.Background(), lvl)
	if !errors.Is(err, exchange.ErrInsufficientFunds) {
		t.Fatalf("期望资金不足错误, 实际 %v", err)
	}
	if len(fake.placed) != 0 {
		t.Fatal("资金不足不应下单")
	}
}

func TestHandleFillReversal(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	lg := testLedger(1000, 10)
	e := testEngine(fake, lg)
	// 默认配置: 价差 1.5%, 手续费 0.075%, 利润系数 2 → 阈值 0.3%, 应当翻转

	lvl := &domain.GridLevel{Price: 99, Side: domain.SideBuy, Capital: 100, OrderID: 7, PlacedAt: time.Now()}
	e.levels = []*domain.GridLevel{lvl}
	lg.Lock(context.Background(), "USDT", 100)

	e.HandleOrderUpdate(&events.OrderUpdate{
		Symbol:        "BTCUSDT",
		OrderID:       7,
		Side:          domain.SideBuy,
		Status:        domain.OrderStatusFilled,
		Price:         99,
		Quantity:      1,
		FilledQty:     1,
		LastFillQty:   1,
		LastFillPrice: 99,
	})

	if lvl.Side != domain.SideSell {
		t.Fatalf("买入成交后应翻转为卖出, 实际 %s", lvl.Side)
	}
	want := 99 * 1.015
	if math.Abs(lvl.Price-want) > 1e-9 {
		t.Fatalf("翻转价 = %v, 期望 %v", lvl.Price, want)
	}
	if !lvl.HasOrder() {
		t.Fatal("翻转后应重新挂单")
	}
	if len(fake.placed) != 1 || fake.placed[0].side != domain.SideSell {
		t.Fatalf("期望挂出 1 笔卖单, 实际 %+v", fake.placed)
	}
	if e.filledBuys != 1 {
		t.Fatalf("filledBuys = %d", e.filledBuys)
	}
}

func TestHandleFillReplacementWhenSpreadThin(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	lg := testLedger(1000, 10)
	e := testEngine(fake, lg)
	// 价差 0.1% 低于阈值 0.3%, 同侧贴近现价补单
	e.cfg.BuySellSpreadPercent = 0.1
	e.prices.Set("BTCUSDT", 100)

	lvl := &domain.GridLevel{Price: 99, Side: domain.SideBuy, Capital: 100, OrderID: 7, PlacedAt: time.Now()}
	e.levels = []*domain.GridLevel{lvl}
	lg.Lock(context.Background(), "USDT", 100)

	e.HandleOrderUpdate(&events.OrderUpdate{
		Symbol:        "BTCUSDT",
		OrderID:       7,
		Side:          domain.SideBuy,
		Status:        domain.OrderStatusFilled,
		FilledQty:     1,
		LastFillPrice: 99,
	})

	if lvl.Side != domain.SideBuy {
		t.Fatalf("价差不足时应同侧补单, 实际 %s", lvl.Side)
	}
	want := 100 * (1 - 0.1/200)
	if math.Abs(lvl.Price-want) > 1e-9 {
		t.Fatalf("补单价 = %v, 期望 %v", lvl.Price, want)
	}
	if len(fake.placed) != 1 || fake.placed[0].side != domain.SideBuy {
		t.Fatalf("期望挂出 1 笔买单, 实际 %+v", fake.placed)
	}
}

func TestHandleFillIgnoresOtherSymbols(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	e := testEngine(fake, testLedger(1000, 1))

	lvl := &domain.GridLevel{Price: 99, Side: domain.SideBuy, Capital: 100, OrderID: 7}
	e.levels = []*domain.GridLevel{lvl}

	e.HandleOrderUpdate(&events.OrderUpdate{
		Symbol:  "ETHUSDT",
		OrderID: 7,
		Status:  domain.OrderStatusFilled,
	})
	if lvl.Side != domain.SideBuy || !lvl.HasOrder() {
		t.Fatal("其他交易对的推送不应影响层表")
	}
}

func TestTerminalCancelClearsLevel(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	lg := testLedger(1000, 1)
	e := testEngine(fake, lg)

	lvl := &domain.GridLevel{Price: 99, Side: domain.SideBuy, Capital: 100, OrderID: 7, PlacedAt: time.Now()}
	e.levels = []*domain.GridLevel{lvl}
	lg.Lock(context.Background(), "USDT", 100)

	e.HandleOrderUpdate(&events.OrderUpdate{
		Symbol:  "BTCUSDT",
		OrderID: 7,
		Side:    domain.SideBuy,
		Status:  domain.OrderStatusCanceled,
	})

	if lvl.HasOrder() {
		t.Fatal("撤销终态后层应清空")
	}
	if got := lg.Locked("USDT"); got != 0 {
		t.Fatalf("撤销后锁定应释放, 实际 %v", got)
	}
}

func TestCancelAllOrdersReleasesLocks(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	lg := testLedger(1000, 1)
	e := testEngine(fake, lg)

	ctx := context.Background()
	levels := []*domain.GridLevel{
		{Price: 98, Side: domain.SideBuy, Capital: 100},
		{Price: 102, Side: domain.SideSell, Capital: 102},
	}
	e.levels = levels
	for _, lvl := range levels {
		if err := e.placeLevel(ctx, lvl); err != nil {
			t.Fatalf("placeLevel: %v", err)
		}
	}

	e.cancelAllOrders(ctx)

	if len(fake.canceled) != 2 {
		t.Fatalf("撤单次数 = %d, 期望 2", len(fake.canceled))
	}
	for _, lvl := range levels {
		if lvl.HasOrder() {
			t.Fatal("撤单后层应清空")
		}
	}
	if lg.Locked("USDT") != 0 || lg.Locked("BTC") != 0 {
		t.Fatalf("撤单后锁定应清零: USDT=%v BTC=%v", lg.Locked("USDT"), lg.Locked("BTC"))
	}
}

func TestReconcileClearsVanishedOrders(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	lg := testLedger(1000, 1)
	e := testEngine(fake, lg)

	kept := &domain.GridLevel{Price: 98, Side: domain.SideBuy, Capital: 100, OrderID: 1, PlacedAt: time.Now()}
	gone := &domain.GridLevel{Price: 99, Side: domain.SideBuy, Capital: 100, OrderID: 2, PlacedAt: time.Now()}
	e.levels = []*domain.GridLevel{kept, gone}
	fake.open = []domain.Order{{OrderID: 1}}

	ctx := context.Background()
	lg.Lock(ctx, "USDT", 200)

	e.reconcile(ctx)

	if !kept.HasOrder() {
		t.Fatal("交易所仍存在的订单不应被清空")
	}
	if gone.HasOrder() {
		t.Fatal("交易所已消失的订单应被清空")
	}
	if got := lg.Locked("USDT"); math.Abs(got-100) > 1e-9 {
		t.Fatalf("消失订单的锁定应释放: %v", got)
	}
}

func TestHandleOrderUpdateIgnoresProtectiveLegs(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	lg := testLedger(1000, 1)
	e := testEngine(fake, lg)

	lvl := &domain.GridLevel{Price: 99, Side: domain.SideBuy, Capital: 100, OrderID: 7, PlacedAt: time.Now()}
	e.levels = []*domain.GridLevel{lvl}
	lg.Lock(context.Background(), "USDT", 100)

	// OCO 腿的执行报告带列表 ID, 归保护层处理
	e.HandleOrderUpdate(&events.OrderUpdate{
		Symbol:      "BTCUSDT",
		OrderID:     7,
		OrderListID: 9,
		Side:        domain.SideSell,
		Status:      domain.OrderStatusFilled,
	})

	if !lvl.HasOrder() || lvl.Side != domain.SideBuy {
		t.Fatal("OCO 腿的报告不应影响网格层表")
	}
	if got := lg.Locked("USDT"); math.Abs(got-100) > 1e-9 {
		t.Fatalf("锁定不应变化, 实际 %v", got)
	}
}

func TestConcurrentFillAndSweepKeepsTableConsistent(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	lg := testLedger(100000, 100)
	e := testEngine(fake, lg)
	e.prices.Set("BTCUSDT", 100)
	fake.nextOrderID = 100

	// 全部订单都已超龄, 清理循环和成交处理抢同一批层
	old := time.Now().Add(-48 * time.Hour)
	var ids []int64
	for i := 0; i < 8; i++ {
		id := int64(i + 1)
		ids = append(ids, id)
		e.levels = append(e.levels, &domain.GridLevel{
			Price: 90 + float64(i), Side: domain.SideBuy, Capital: 100, OrderID: id, PlacedAt: old,
		})
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			e.HandleOrderUpdate(&events.OrderUpdate{
				Symbol:        "BTCUSDT",
				OrderID:       id,
				Side:          domain.SideBuy,
				Status:        domain.OrderStatusFilled,
				FilledQty:     1,
				LastFillPrice: 99,
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 4; i++ {
			e.sweepStaleOrders(ctx)
			e.reconcile(ctx)
		}
	}()
	wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, lvl := range e.levels {
		if lvl.HasOrder() && lvl.PlacedAt.IsZero() {
			t.Fatalf("层表状态不一致: %+v", lvl)
		}
	}
}

func TestBackfillShrinksCapitalToAvailable(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	lg := testLedger(50, 0)
	e := testEngine(fake, lg)
	e.prices.Set("BTCUSDT", 100)

	lvl := &domain.GridLevel{Price: 99, Side: domain.SideBuy, Capital: 100}
	e.levels = []*domain.GridLevel{lvl}

	e.backfillLevels(context.Background())

	if len(fake.placed) != 1 {
		t.Fatalf("缩减资金后应挂出 1 笔, 实际 %d", len(fake.placed))
	}
	if math.Abs(lvl.Capital-50) > 1e-9 {
		t.Fatalf("层资金应缩减到 50, 实际 %v", lvl.Capital)
	}
	if !lvl.HasOrder() {
		t.Fatal("缩减后应成功挂单")
	}
	if got := lg.Locked("USDT"); math.Abs(got-50) > 1e-9 {
		t.Fatalf("锁定额 = %v, 期望 50", got)
	}
}

func TestBackfillSkipsWhenBelowMinNotional(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	lg := testLedger(4, 0)
	e := testEngine(fake, lg)
	e.prices.Set("BTCUSDT", 100)

	lvl := &domain.GridLevel{Price: 99, Side: domain.SideBuy, Capital: 100}
	e.levels = []*domain.GridLevel{lvl}

	e.backfillLevels(context.Background())

	if len(fake.placed) != 0 {
		t.Fatalf("可用资金低于最小名义价值不应挂单, 实际 %d 笔", len(fake.placed))
	}
	if math.Abs(lvl.Capital-100) > 1e-9 {
		t.Fatalf("放弃补单时层资金不应被改动, 实际 %v", lvl.Capital)
	}
}

func TestStatusSnapshot(t *testing.T) {
	fake := &fakeExchange{price: 100, rules: testRules()}
	e := testEngine(fake, testLedger(1000, 1))

	e.levels = []*domain.GridLevel{
		{Price: 98, Side: domain.SideBuy, OrderID: 1},
		{Price: 102, Side: domain.SideSell},
	}
	e.filledBuys = 3

	st := e.Status()
	if st.Symbol != "BTCUSDT" || !st.Running {
		t.Fatalf("状态快照不符: %+v", st)
	}
	if st.ActiveOrders != 1 || st.Levels != 2 || st.FilledBuys != 3 {
		t.Fatalf("状态计数不符: %+v", st)
	}
	if st.LowerBound != 98 || st.UpperBound != 102 {
		t.Fatalf("包络不符: %+v", st)
	}
}
