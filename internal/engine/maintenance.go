package engine

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/gridbot/gogrid/internal/domain"
	"github.com/gridbot/gogrid/internal/exchange"
	"github.com/gridbot/gogrid/internal/indicator"
	"github.com/gridbot/gogrid/internal/metrics"
)

// maintenanceLoop 周期维护：重算判定、过期清理、空层补单、对账
func (e *Engine) maintenanceLoop() {
	defer close(e.doneCh)

	interval := time.Duration(e.cfg.MaintenanceIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			e.maintain(ctx)
			cancel()
		}
	}
}

func (e *Engine) maintain(ctx context.Context) {
	if !e.IsRunning() {
		return
	}

	if e.maybeRecalculate(ctx) {
		// 全量重算已经重建层表, 本轮其余维护跳过
		return
	}

	e.sweepStaleOrders(ctx)
	e.backfillLevels(ctx)
	e.reconcile(ctx)
}

// maybeRecalculate 判断是否需要全量重算
// 触发条件: 周期到期 / 波动率大幅变化 / 可部署资金漂移超过一个最小订单
func (e *Engine) maybeRecalculate(ctx context.Context) bool {
	e.mu.Lock()
	lastRecalc := e.lastRecalc
	lastATR := e.lastATR
	lastDeployable := e.lastDeployable
	rules := e.rules
	e.mu.Unlock()

	if time.Since(lastRecalc) >= time.Duration(e.cfg.RecalcIntervalHours)*time.Hour {
		if err := e.recalculate(ctx, "周期到期"); err != nil {
			e.log.Warnf("⚠️ 周期重算失败: %v", err)
		}
		return true
	}

	symbol := e.currentSymbol()
	klines, err := e.client.Klines(ctx, symbol, "1h", 100)
	if err != nil || len(klines) == 0 {
		return false
	}
	atr := indicator.ATR(klines, e.cfg.ATRPeriod)

	if lastATR > 0 && atr > 0 {
		change := math.Abs(atr-lastATR) / lastATR
		if change > 0.20 {
			if err := e.recalculate(ctx, "波动率变化"); err != nil {
				e.log.Warnf("⚠️ 波动率重算失败: %v", err)
			}
			return true
		}
		if change > 0.10 {
			// 波动率小幅漂移只调整空层间距, 不动在挂的订单
			e.adjustEmptySpacing(atr / lastATR)
		}
	}

	if rules != nil && lastDeployable > 0 {
		price, err := e.currentPrice(ctx)
		if err != nil {
			return false
		}
		freeQuote := e.ledger.Available(ctx, rules.QuoteAsset)
		freeBase := e.ledger.Available(ctx, rules.BaseAsset)
		deployable := freeQuote + freeBase*price
		// 锁定中的资金也算在部署口径里
		deployable += e.ledger.Locked(rules.QuoteAsset) + e.ledger.Locked(rules.BaseAsset)*price

		if math.Abs(deployable-lastDeployable) > e.cfg.MinOrderValue {
			if err := e.recalculate(ctx, "资金变动"); err != nil {
				e.log.Warnf("⚠️ 资金变动重算失败: %v", err)
			}
			return true
		}
	}
	return false
}

// adjustEmptySpacing 按波动率比例缩放空层到中心价的距离
func (e *Engine) adjustEmptySpacing(ratio float64) {
	if ratio <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	center := e.centerPrice
	if center <= 0 {
		return
	}
	var adjusted int
	for _, lvl := range e.levels {
		if lvl.HasOrder() {
			continue
		}
		newPrice := center + (lvl.Price-center)*ratio
		if newPrice <= 0 {
			continue
		}
		// 缩放不能让买卖层越过中心价
		if (lvl.Side == domain.SideBuy && newPrice >= center) ||
			(lvl.Side == domain.SideSell && newPrice <= center) {
			continue
		}
		lvl.Price = newPrice
		adjusted++
	}
	if adjusted > 0 {
		e.lastATR *= ratio
		e.log.Infof("🔄 波动率漂移 %.0f%%, 调整 %d 个空层间距", (ratio-1)*100, adjusted)
	}
}

// sweepStaleOrders 清理过期订单
// 超龄或价格偏离过大的挂单撤掉, 锁定释放, 层位回到空状态等待补单;
// 偏离阈值随订单年龄收紧, 老订单更早被清理
func (e *Engine) sweepStaleOrders(ctx context.Context) {
	price, err := e.currentPrice(ctx)
	if err != nil || price <= 0 {
		return
	}

	maxAge := time.Duration(e.cfg.MaxOrderAgeHours) * time.Hour
	symbol := e.currentSymbol()

	snaps := e.snapshotLevels(func(lvl *domain.GridLevel) bool {
		return lvl.HasOrder()
	})

	for _, s := range snaps {
		age := time.Since(s.data.PlacedAt)
		deviation := math.Abs(s.data.Price-price) / price
		threshold := e.cfg.PriceDeviationPct * (1 - 0.5*math.Min(1, age.Hours()/maxAge.Hours()))

		stale := age > maxAge || deviation > threshold
		if !stale {
			continue
		}

		if err := e.client.CancelOrder(ctx, symbol, s.data.OrderID); err != nil && !isResolved(err) {
			e.log.Warnf("⚠️ 清理过期订单 %d 失败: %v", s.data.OrderID, err)
			continue
		}
		if !e.clearIfUnchanged(s) {
			// 该层在撤单间隙被成交处理接管, 锁定归它管
			continue
		}
		e.releaseLevelLock(s.data)
		e.log.Infof("🔄 清理过期订单: 第 %.8g 层 (年龄 %.1fh, 偏离 %.2f%%)",
			s.data.Price, age.Hours(), deviation*100)
	}
}

// backfillLevels 为空层补单
// 方向正确的层（买在现价下方, 卖在上方）按与现价的距离排序优先补;
// 资金不足时按可用余额缩减该层资金, 但不低于最小名义价值
func (e *Engine) backfillLevels(ctx context.Context) {
	price, err := e.currentPrice(ctx)
	if err != nil || price <= 0 {
		return
	}

	empty := e.snapshotLevels(func(lvl *domain.GridLevel) bool {
		if lvl.HasOrder() {
			return false
		}
		if (lvl.Side == domain.SideBuy && lvl.Price >= price) ||
			(lvl.Side == domain.SideSell && lvl.Price <= price) {
			// 方向不对的层留给下一次重算处理
			return false
		}
		return true
	})

	if len(empty) == 0 {
		return
	}
	sort.Slice(empty, func(i, j int) bool {
		return math.Abs(empty[i].data.Price-price) < math.Abs(empty[j].data.Price-price)
	})

	for _, s := range empty {
		err := e.placeLevel(ctx, s.ptr)
		if err != nil && errors.Is(err, exchange.ErrInsufficientFunds) && e.shrinkCapital(ctx, s) {
			e.log.Infof("🔄 资金不足, 第 %.8g 层缩减资金后重试", s.data.Price)
			err = e.placeLevel(ctx, s.ptr)
		}
		if err != nil {
			e.log.Debugf("补单跳过第 %.8g 层: %v", s.data.Price, err)
		}
	}
}

// shrinkCapital 资金不足时把该层资金缩减到当前可用额度
// 缩减后仍需满足最小名义价值, 否则放弃; 层位已被重挂时不动
func (e *Engine) shrinkCapital(ctx context.Context, s levelSnap) bool {
	e.mu.Lock()
	rules := e.rules
	e.mu.Unlock()
	if rules == nil {
		return false
	}

	minNotional := math.Max(e.cfg.MinOrderValue, rules.MinNotional)
	asset, _ := e.lockTarget(s.data)
	avail := e.ledger.Available(ctx, asset)
	if s.data.Side == domain.SideSell {
		// 卖层锁的是基础资产, 换算成名义价值比较
		avail *= s.data.Price
	}
	if avail >= s.data.Capital || avail < minNotional {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s.ptr.OrderID != 0 {
		return false
	}
	s.ptr.Capital = avail
	return true
}

// reconcile 和交易所对账
// 本地跟踪但交易所已不存在的订单清空并释放锁定, 成交推送丢失时由此兜底
func (e *Engine) reconcile(ctx context.Context) {
	symbol := e.currentSymbol()
	metrics.ReconcileRuns.Add(1)

	open, err := e.client.OpenOrders(ctx, symbol)
	if err != nil {
		metrics.ReconcileErrors.Add(1)
		e.log.Warnf("⚠️ 对账失败: %v", err)
		return
	}

	alive := make(map[int64]bool, len(open))
	for _, o := range open {
		alive[o.OrderID] = true
	}

	snaps := e.snapshotLevels(func(lvl *domain.GridLevel) bool {
		return lvl.HasOrder()
	})

	for _, s := range snaps {
		if alive[s.data.OrderID] {
			continue
		}
		if !e.clearIfUnchanged(s) {
			continue
		}
		e.log.Warnf("⚠️ 对账: 订单 %d 已不在交易所, 清空第 %.8g 层", s.data.OrderID, s.data.Price)
		e.releaseLevelLock(s.data)
	}
}
