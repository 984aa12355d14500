package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gridbot/gogrid/internal/domain"
	"github.com/gridbot/gogrid/internal/indicator"
	"github.com/gridbot/gogrid/internal/ledger"
	"github.com/gridbot/gogrid/internal/metrics"
	"github.com/gridbot/gogrid/internal/services"
	"github.com/gridbot/gogrid/pkg/cache"
	"github.com/gridbot/gogrid/pkg/config"
)

// ExchangeClient 网格引擎需要的交易所操作
type ExchangeClient interface {
	TickerPrice(ctx context.Context, symbol string) (float64, error)
	SymbolRules(ctx context.Context, symbol string) (*domain.SymbolRules, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, price, quantity string) (*domain.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	OpenOrders(ctx context.Context, symbol string) ([]domain.Order, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error)
}

// Notifier 推送操作者通知（成交、重算、停机、影响资金的失败）
type Notifier interface {
	Notify(msg string)
}

// NopNotifier 丢弃所有通知
type NopNotifier struct{}

func (NopNotifier) Notify(string) {}

// Engine 网格状态机
// 每层的生命周期: 空 → 锁定+挂单 → 成交 → (方向翻转)锁定+挂单 → …
// 过期订单走 撤销 → 空 分支
type Engine struct {
	cfg      config.GridConfig
	client   ExchangeClient
	ledger   *ledger.Ledger
	exec     *services.Executor
	notifier Notifier
	prices   *cache.PriceCache
	log      *logrus.Entry

	mu      sync.Mutex
	running bool
	halted  bool
	symbol  string
	rules   *domain.SymbolRules
	levels  []*domain.GridLevel

	centerPrice    float64
	lastATR        float64
	lastDeployable float64
	lastRecalc     time.Time
	filledBuys     int64
	filledSells    int64

	// 包络变化时通知风险层重新激活
	onEnvelope func(low, high float64)
	// 停机回调（OCO 腿成交等）
	onHalt func(reason string)

	stopCh chan struct{}
	doneCh chan struct{}
}

// New 创建网格引擎
func New(cfg config.GridConfig, client ExchangeClient, lg *ledger.Ledger, exec *services.Executor, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		cfg:      cfg,
		client:   client,
		ledger:   lg,
		exec:     exec,
		notifier: notifier,
		prices:   cache.NewPriceCache(),
		symbol:   strings.ToUpper(cfg.Symbol),
		log:      logrus.WithField("component", "grid_engine"),
	}
}

// OnEnvelopeChange 注册包络变化回调（风险层挂接）
func (e *Engine) OnEnvelopeChange(fn func(low, high float64)) {
	e.mu.Lock()
	e.onEnvelope = fn
	e.mu.Unlock()
}

// OnHalt 注册停机回调
func (e *Engine) OnHalt(fn func(reason string)) {
	e.mu.Lock()
	e.onHalt = fn
	e.mu.Unlock()
}

// Start 构建网格、挂初始订单并启动维护循环
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("网格引擎已在运行")
	}
	e.running = true
	e.halted = false
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	symbol := e.symbol
	e.mu.Unlock()

	rules, err := e.client.SymbolRules(ctx, symbol)
	if err != nil {
		e.markStopped()
		return err
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()

	if err := e.ledger.Refresh(ctx, true); err != nil {
		e.markStopped()
		return err
	}

	if err := e.recalculate(ctx, "启动"); err != nil {
		e.markStopped()
		return err
	}

	go e.maintenanceLoop()

	e.log.Infof("✅ 网格引擎已启动: %s, %d 层", symbol, e.levelCount())
	return nil
}

// Stop 按固定顺序停机：撤销挂单 → 重置账本 → 停止循环
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	stopCh := e.stopCh
	doneCh := e.doneCh
	e.mu.Unlock()

	e.cancelAllOrders(ctx)
	e.ledger.Reset()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(10 * time.Second):
		e.log.Warn("⚠️ 维护循环停止超时")
	}

	e.log.Info("网格引擎已停止")
}

// Halt 紧急停机（保护单触发等），撤单并通知操作者
func (e *Engine) Halt(ctx context.Context, reason string) {
	e.mu.Lock()
	if e.halted || !e.running {
		e.mu.Unlock()
		return
	}
	e.halted = true
	onHalt := e.onHalt
	e.mu.Unlock()

	e.log.Warnf("⚠️ 网格引擎停机: %s", reason)
	e.notifier.Notify(fmt.Sprintf("⚠️ 网格引擎停机: %s", reason))

	e.Stop(ctx)
	if onHalt != nil {
		onHalt(reason)
	}
}

// IsRunning 引擎是否运行中
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Status 运行状态快照
func (e *Engine) Status() domain.GridStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := domain.GridStatus{
		Symbol:      e.symbol,
		Running:     e.running,
		CenterPrice: e.centerPrice,
		Levels:      len(e.levels),
		FilledBuys:  e.filledBuys,
		FilledSells: e.filledSells,
		LastRecalc:  e.lastRecalc,
	}
	for _, l := range e.levels {
		if l.HasOrder() {
			status.ActiveOrders++
		}
	}
	if len(e.levels) > 0 {
		status.LowerBound = e.levels[0].Price
		status.UpperBound = e.levels[len(e.levels)-1].Price
	}
	return status
}

// SetSymbol 切换交易对：停机、重置账本、换符号后重新启动
func (e *Engine) SetSymbol(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fmt.Errorf("交易对不能为空")
	}

	wasRunning := e.IsRunning()
	if wasRunning {
		e.Stop(ctx)
	}

	e.mu.Lock()
	e.symbol = symbol
	e.rules = nil
	e.levels = nil
	e.mu.Unlock()

	if wasRunning {
		return e.Start(ctx)
	}
	return nil
}

// HandlePriceTick 行情更新，只刷新价格缓存
func (e *Engine) HandlePriceTick(symbol string, price float64) {
	if strings.EqualFold(symbol, e.currentSymbol()) && price > 0 {
		e.prices.Set(strings.ToUpper(symbol), price)
	}
}

// currentPrice 取最新价格，缓存未命中时请求交易所
func (e *Engine) currentPrice(ctx context.Context) (float64, error) {
	symbol := e.currentSymbol()
	if p, ok := e.prices.Get(symbol); ok && p > 0 {
		return p, nil
	}
	p, err := e.client.TickerPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	e.prices.Set(symbol, p)
	return p, nil
}

func (e *Engine) currentSymbol() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.symbol
}

func (e *Engine) levelCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.levels)
}

func (e *Engine) markStopped() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// trendSignal 从K线计算趋势信号：短期均价相对长期均价的偏离,
// 放大后交给 sigmoid 阻尼
func (e *Engine) trendSignal(klines []domain.Kline) float64 {
	if len(klines) < 20 {
		return 0
	}
	short := avgClose(klines[len(klines)-5:])
	long := avgClose(klines[len(klines)-20:])
	if long <= 0 {
		return 0
	}
	return (short/long - 1) * 50
}

func avgClose(klines []domain.Kline) float64 {
	if len(klines) == 0 {
		return 0
	}
	var sum float64
	for _, k := range klines {
		sum += k.Close
	}
	return sum / float64(len(klines))
}

// recalculate 全量重算：撤掉未成交挂单、重建层表、重新铺单
func (e *Engine) recalculate(ctx context.Context, reason string) error {
	symbol := e.currentSymbol()

	price, err := e.currentPrice(ctx)
	if err != nil {
		return err
	}

	klines, err := e.client.Klines(ctx, symbol, "1h", 100)
	if err != nil {
		e.log.Warnf("⚠️ 获取K线失败, 趋势信号按中性处理: %v", err)
		klines = nil
	}
	atr := indicator.ATR(klines, e.cfg.ATRPeriod)
	trend := e.trendSignal(klines)

	// 先撤旧单并释放锁定, 再重算
	e.cancelAllOrders(ctx)
	e.ledger.Reset()
	if err := e.ledger.Refresh(ctx, true); err != nil {
		return err
	}

	e.mu.Lock()
	rules := e.rules
	e.mu.Unlock()
	if rules == nil {
		return fmt.Errorf("缺少交易对规则")
	}

	freeQuote := e.ledger.Available(ctx, rules.QuoteAsset)
	freeBase := e.ledger.Available(ctx, rules.BaseAsset)

	minOrder := e.cfg.MinOrderValue
	if rules.MinNotional > minOrder {
		minOrder = rules.MinNotional
	}

	levelCount, perLevel := SizeCapital(freeQuote, freeBase, price, e.cfg.Levels, minOrder)
	if levelCount < 3 {
		return fmt.Errorf("可部署资金不足: 仅够 %d 层 (最小订单价值 %.2f)", levelCount, minOrder)
	}

	built, err := BuildLevels(LevelParams{
		Price:           price,
		RangeFrac:       e.cfg.RangePercent / 100,
		CoreCapitalFrac: e.cfg.CoreCapitalRatio,
		CoreGridFrac:    e.cfg.CoreGridRatio,
		EdgeRatio:       e.cfg.EdgeSpacingRatio,
		Levels:          levelCount,
		CapitalPerLevel: perLevel,
		Trend:           trend,
	})
	if err != nil {
		return err
	}

	levels := make([]*domain.GridLevel, len(built))
	for i := range built {
		levels[i] = &built[i]
	}

	deployable := freeQuote + freeBase*price

	e.mu.Lock()
	e.levels = levels
	e.centerPrice = price
	e.lastATR = atr
	e.lastDeployable = deployable
	e.lastRecalc = time.Now()
	onEnvelope := e.onEnvelope
	e.mu.Unlock()

	metrics.GridRecalcs.Add(1)
	e.log.Infof("🔄 网格重算 (%s): %d 层, 中心 %.8g, ATR %.8g", reason, len(levels), price, atr)
	e.notifier.Notify(fmt.Sprintf("🔄 网格重算 (%s): %d 层, 中心价 %.8g", reason, len(levels), price))

	e.placeAllLevels(ctx)

	if onEnvelope != nil {
		low, high := Envelope(built)
		onEnvelope(low, high)
	}
	return nil
}

// cancelAllOrders 撤销所有被跟踪的挂单并释放锁定
func (e *Engine) cancelAllOrders(ctx context.Context) {
	symbol := e.currentSymbol()

	snaps := e.snapshotLevels(func(lvl *domain.GridLevel) bool {
		return lvl.HasOrder()
	})

	for _, s := range snaps {
		if err := e.client.CancelOrder(ctx, symbol, s.data.OrderID); err != nil && !isResolved(err) {
			e.log.Warnf("⚠️ 撤单 %d 失败: %v", s.data.OrderID, err)
			continue
		}
		if !e.clearIfUnchanged(s) {
			continue
		}
		e.releaseLevelLock(s.data)
	}
}
