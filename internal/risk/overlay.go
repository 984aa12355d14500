package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gridbot/gogrid/internal/domain"
	"github.com/gridbot/gogrid/internal/events"
	"github.com/gridbot/gogrid/internal/exchange"
	"github.com/gridbot/gogrid/internal/indicator"
	"github.com/gridbot/gogrid/internal/ledger"
	"github.com/gridbot/gogrid/internal/metrics"
	"github.com/gridbot/gogrid/internal/services"
	"github.com/gridbot/gogrid/pkg/config"
	"github.com/gridbot/gogrid/pkg/precision"
)

// ExchangeClient 保护层需要的交易所操作
type ExchangeClient interface {
	TickerPrice(ctx context.Context, symbol string) (float64, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error)
	PlaceOCOSell(ctx context.Context, symbol, quantity, limitPrice, stopPrice, stopLimitPrice string) (*exchange.OCOResult, error)
	CancelOCO(ctx context.Context, symbol string, orderListID int64) error
}

const atrPeriod = 14

// Overlay OCO 保护层
// 网格包络确定后在外侧挂一组卖出 OCO：止盈限价腿在包络上方,
// 止损触发腿在包络下方。任一腿成交即触发网格紧急停机。
//
// 价格上行时保护价随之抬升（撤销重挂）, 抬升受最小价格变化和
// 最小时间间隔双重闸门约束, 避免高频撤挂。
type Overlay struct {
	cfg    config.RiskConfig
	client ExchangeClient
	ledger *ledger.Ledger
	exec   *services.Executor
	log    *logrus.Entry

	// 任一保护腿成交后的回调（挂接网格停机）
	onTrigger func(reason string)

	mu          sync.Mutex
	active      bool
	symbol      string
	rules       *domain.SymbolRules
	orderListID int64
	stopPrice   float64
	limitPrice  float64
	quantity    float64
	envLow      float64
	envHigh     float64
	lastPrice   float64
	lastUpdate  time.Time
	updating    bool
	// 已成交保护腿的订单类型, 终结报告据此判定触发原因
	filledLeg domain.OrderType

	// 波动率收紧后的生效百分比（单向锁存, 回落后复位）
	stopPct   float64
	profitPct float64
	tightened bool
}

// NewOverlay 创建保护层
func NewOverlay(cfg config.RiskConfig, client ExchangeClient, lg *ledger.Ledger, exec *services.Executor) *Overlay {
	return &Overlay{
		cfg:       cfg,
		client:    client,
		ledger:    lg,
		exec:      exec,
		log:       logrus.WithField("component", "risk_overlay"),
		stopPct:   cfg.StopLossPercent,
		profitPct: cfg.TakeProfitPercent,
	}
}

// OnTrigger 注册保护腿成交回调
func (o *Overlay) OnTrigger(fn func(reason string)) {
	o.mu.Lock()
	o.onTrigger = fn
	o.mu.Unlock()
}

// SetRules 设置交易对规则（启动和切换交易对时调用）
func (o *Overlay) SetRules(rules *domain.SymbolRules) {
	o.mu.Lock()
	o.rules = rules
	o.mu.Unlock()
}

// IsActive 保护单是否在挂
func (o *Overlay) IsActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// StopPrice 当前止损触发价（未激活时为 0）
func (o *Overlay) StopPrice() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active {
		return 0
	}
	return o.stopPrice
}

// LimitPrice 当前止盈限价（未激活时为 0）
func (o *Overlay) LimitPrice() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active {
		return 0
	}
	return o.limitPrice
}

// Activate 依据网格包络挂保护单
// 已激活时先撤旧单再按新包络重挂
func (o *Overlay) Activate(ctx context.Context, symbol string, envLow, envHigh float64) error {
	if envLow <= 0 || envHigh <= envLow {
		return errors.Errorf("非法包络 [%v, %v]", envLow, envHigh)
	}
	symbol = strings.ToUpper(symbol)

	if err := o.Deactivate(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	o.symbol = symbol
	o.envLow = envLow
	o.envHigh = envHigh
	rules := o.rules
	stopPct := o.stopPct
	profitPct := o.profitPct
	o.mu.Unlock()

	if rules == nil {
		return errors.New("缺少交易对规则")
	}

	cur, err := o.client.TickerPrice(ctx, symbol)
	if err != nil {
		return err
	}

	stop := envLow * (1 - stopPct/100)
	limit := envHigh * (1 + profitPct/100)

	// PERCENT_PRICE_BY_SIDE 钳制, 留出安全边际
	if rules.AskMultiplierUp > 0 {
		if ceiling := cur * rules.AskMultiplierUp * o.cfg.PercentPriceMargin; limit > ceiling {
			o.log.Warnf("⚠️ 止盈价 %.8g 超出百分比价格过滤器, 钳制到 %.8g", limit, ceiling)
			limit = ceiling
		}
	}
	if rules.AskMultiplierDown > 0 {
		if floor := cur * rules.AskMultiplierDown / o.cfg.PercentPriceMargin; stop < floor {
			o.log.Warnf("⚠️ 止损价 %.8g 超出百分比价格过滤器, 钳制到 %.8g", stop, floor)
			stop = floor
		}
	}

	// 保护价必须把现价夹在中间, 否则挂出去立刻成交
	if !(stop < cur && cur < limit) {
		return errors.Errorf("保护区间 [%.8g, %.8g] 无法容纳现价 %.8g, 放弃挂单", stop, limit, cur)
	}

	// 基础资产的一部分留给网格卖单, 其余进保护单
	freeBase := o.ledger.Available(ctx, rules.BaseAsset)
	qty := freeBase * (1 - o.cfg.GridReserveRatio)
	if !rules.MeetsNotional(stop, qty) {
		return errors.Wrapf(exchange.ErrInsufficientFunds,
			"保护单名义价值不足: %.8g × %.8g < %.8g", stop, qty, rules.MinNotional)
	}
	if !o.ledger.Lock(ctx, rules.BaseAsset, qty) {
		return errors.Wrapf(exchange.ErrInsufficientFunds, "锁定 %s %.8f 失败", rules.BaseAsset, qty)
	}

	qtyStr := precision.FormatQuantity(qty, rules.QuantityPrecision)
	limitStr := precision.FormatPrice(limit, rules.PricePrecision)
	stopStr := precision.FormatPrice(stop, rules.PricePrecision)
	stopLimitStr := precision.FormatPrice(stop*0.999, rules.PricePrecision)

	result, err := o.client.PlaceOCOSell(ctx, symbol, qtyStr, limitStr, stopStr, stopLimitStr)
	if errors.Is(err, exchange.ErrPriceCompliance) {
		// 止损限价腿被过滤器拒绝, 退化为止损市价腿再试一次
		o.log.Warnf("⚠️ 止损限价腿被拒绝, 改用市价腿重试: %v", err)
		result, err = o.client.PlaceOCOSell(ctx, symbol, qtyStr, limitStr, stopStr, "")
	}
	if err != nil {
		o.ledger.Release(rules.BaseAsset, qty)
		return errors.Wrap(err, "挂保护单失败")
	}

	o.mu.Lock()
	o.active = true
	o.orderListID = result.OrderListID
	o.stopPrice = stop
	o.limitPrice = limit
	o.quantity = qty
	o.lastPrice = cur
	o.lastUpdate = time.Now()
	o.filledLeg = ""
	o.mu.Unlock()

	o.log.Infof("✅ 保护单已激活: %s 止盈@%s 止损@%s 数量 %s (listId=%d)",
		symbol, limitStr, stopStr, qtyStr, result.OrderListID)
	return nil
}

// Deactivate 撤销保护单并释放锁定, 列表已不存在视为成功
func (o *Overlay) Deactivate(ctx context.Context) error {
	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return nil
	}
	symbol := o.symbol
	listID := o.orderListID
	qty := o.quantity
	rules := o.rules
	o.mu.Unlock()

	if err := o.client.CancelOCO(ctx, symbol, listID); err != nil && !errors.Is(err, exchange.ErrUnknownOrder) {
		return errors.Wrap(err, "撤销保护单失败")
	}

	o.mu.Lock()
	o.active = false
	o.orderListID = 0
	o.mu.Unlock()

	if rules != nil {
		o.ledger.Release(rules.BaseAsset, qty)
	}
	o.log.Info("保护单已撤销")
	return nil
}

// HandlePriceTick 行情更新
// 价格上行到足以抬升止损价时做撤销重挂, 两道闸门:
// 新止损价抬升幅度超过阈值, 且距上次更新超过最小间隔
func (o *Overlay) HandlePriceTick(symbol string, price float64) {
	o.mu.Lock()
	if !o.active || o.updating || price <= 0 || !strings.EqualFold(symbol, o.symbol) {
		o.mu.Unlock()
		return
	}
	o.lastPrice = price

	candidate := price * (1 - o.stopPct/100)
	raised := candidate > o.stopPrice*(1+o.cfg.UpdateThresholdPct/100)
	cooled := time.Since(o.lastUpdate) >= time.Duration(o.cfg.UpdateIntervalMin*float64(time.Minute))
	if !raised || !cooled {
		o.mu.Unlock()
		return
	}
	o.updating = true
	o.mu.Unlock()

	o.submitTask("risk_trail", func(ctx context.Context) {
		defer func() {
			o.mu.Lock()
			o.updating = false
			o.mu.Unlock()
		}()
		if err := o.replace(ctx, price); err != nil {
			o.log.Warnf("⚠️ 保护单追踪更新失败: %v", err)
		}
	})
}

// replace 撤销重挂保护单
// 虚拟包络整体平移到新价位, 包络宽度不变, 止损价抬升到 price×(1-止损%)
func (o *Overlay) replace(ctx context.Context, price float64) error {
	o.mu.Lock()
	symbol := o.symbol
	envLow := o.envLow
	envHigh := o.envHigh
	stop := o.stopPrice
	o.mu.Unlock()

	shift := price - envLow
	if err := o.Activate(ctx, symbol, envLow+shift, envHigh+shift); err != nil {
		return err
	}
	metrics.RiskReplacements.Add(1)
	o.log.Infof("🔄 保护单已追踪抬升: 止损 %.8g → %.8g", stop, o.StopPrice())
	return nil
}

// HandleOrderUpdate 保护腿的执行报告
// 记录成交腿的订单类型, 终结报告据此判定触发原因
func (o *Overlay) HandleOrderUpdate(upd *events.OrderUpdate) {
	if upd == nil || upd.Status != domain.OrderStatusFilled {
		return
	}
	o.mu.Lock()
	if o.active && o.orderListID != 0 && upd.OrderListID == o.orderListID {
		o.filledLeg = upd.Type
	}
	o.mu.Unlock()
}

// HandleOCOReport 保护单状态推送
// 列表终结说明某条腿成交（或整单被拒）, 触发网格停机回调
func (o *Overlay) HandleOCOReport(rep *events.OCOReport) {
	if rep == nil || !rep.Terminal() {
		return
	}

	o.mu.Lock()
	if !o.active || rep.OrderListID != o.orderListID {
		o.mu.Unlock()
		return
	}
	o.active = false
	o.orderListID = 0
	stop := o.stopPrice
	lastPrice := o.lastPrice
	qty := o.quantity
	rules := o.rules
	onTrigger := o.onTrigger
	filledLeg := o.filledLeg
	o.filledLeg = ""
	o.mu.Unlock()

	if rules != nil {
		o.ledger.Release(rules.BaseAsset, qty)
	}

	var reason string
	switch {
	case rep.ListStatus == "REJECT":
		reason = "保护单被交易所拒绝"
	case filledLeg == domain.OrderTypeStopLoss || filledLeg == domain.OrderTypeStopLossLimit:
		reason = fmt.Sprintf("止损腿成交 @ %.8g", stop)
	case filledLeg == domain.OrderTypeLimitMaker || filledLeg == domain.OrderTypeTakeProfitLimit:
		reason = "止盈腿成交"
	case lastPrice > 0 && lastPrice <= stop*1.001:
		// 没收到腿的执行报告时退回价格推断
		reason = fmt.Sprintf("止损腿成交 @ %.8g", stop)
	default:
		reason = "止盈腿成交"
	}

	o.log.Warnf("⚠️ 保护单终结: %s", reason)
	if onTrigger != nil {
		onTrigger(reason)
	}
}

// Run 周期波动率采样
// ATR/价格 比例越过阈值时单向收紧保护百分比 20%, 回落后复位;
// 生效中的保护单随新百分比重挂
func (o *Overlay) Run(ctx context.Context) {
	interval := time.Duration(o.cfg.VolatilityIntervalMin) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sampleVolatility(ctx)
		}
	}
}

func (o *Overlay) sampleVolatility(ctx context.Context) {
	o.mu.Lock()
	symbol := o.symbol
	active := o.active
	tightened := o.tightened
	envLow := o.envLow
	envHigh := o.envHigh
	o.mu.Unlock()

	if symbol == "" {
		return
	}

	price, err := o.client.TickerPrice(ctx, symbol)
	if err != nil || price <= 0 {
		return
	}
	klines, err := o.client.Klines(ctx, symbol, "1h", 100)
	if err != nil {
		return
	}
	ratio := indicator.ATRRatio(klines, atrPeriod, price)
	if ratio <= 0 {
		return
	}

	var changed bool
	o.mu.Lock()
	if ratio > o.cfg.VolatilityThreshold && !tightened {
		o.stopPct = o.cfg.StopLossPercent * 0.8
		o.profitPct = o.cfg.TakeProfitPercent * 0.8
		o.tightened = true
		changed = true
		o.log.Warnf("⚠️ 波动率 %.4f 超过阈值 %.4f, 收紧保护百分比", ratio, o.cfg.VolatilityThreshold)
	} else if ratio <= o.cfg.VolatilityThreshold && tightened {
		o.stopPct = o.cfg.StopLossPercent
		o.profitPct = o.cfg.TakeProfitPercent
		o.tightened = false
		changed = true
		o.log.Infof("波动率 %.4f 回落, 恢复保护百分比", ratio)
	}
	o.mu.Unlock()

	if changed && active {
		if err := o.Activate(ctx, symbol, envLow, envHigh); err != nil {
			o.log.Warnf("⚠️ 按新百分比重挂保护单失败: %v", err)
		} else {
			metrics.RiskReplacements.Add(1)
		}
	}
}

// submitTask 提交到工作池, 池不可用时降级为同步执行
func (o *Overlay) submitTask(name string, fn func(ctx context.Context)) {
	if o.exec != nil && o.exec.Submit(name, fn) {
		return
	}
	fn(context.Background())
}
