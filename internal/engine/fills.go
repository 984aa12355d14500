package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/gridbot/gogrid/internal/domain"
	"github.com/gridbot/gogrid/internal/events"
	"github.com/gridbot/gogrid/internal/metrics"
)

// shouldReverse 成交后是否在对侧重新挂单
// 只有买卖价差能覆盖双边手续费乘以利润系数时, 翻转才有利可图
func shouldReverse(spreadPct, feeRatePct, multiplier float64) bool {
	return spreadPct > 2*feeRatePct*multiplier
}

// HandleOrderUpdate 处理订单推送
// 成交走翻转/补单逻辑; 终态撤销释放锁定; 未被跟踪的成交触发对账
func (e *Engine) HandleOrderUpdate(upd *events.OrderUpdate) {
	if upd == nil || !strings.EqualFold(upd.Symbol, e.currentSymbol()) {
		return
	}
	if !e.IsRunning() {
		return
	}
	if upd.OrderListID > 0 {
		// OCO 腿的执行报告归保护层处理
		return
	}

	lvl := e.findLevel(upd.OrderID)
	if lvl == nil {
		if upd.Status == domain.OrderStatusFilled {
			// 成交的订单不在层表里, 状态已经漂移, 交给对账
			e.log.Warnf("⚠️ 收到未跟踪订单 %d 的成交, 触发对账", upd.OrderID)
			e.submitTask("reconcile", func(ctx context.Context) {
				e.reconcile(ctx)
			})
		}
		return
	}

	switch {
	case upd.Status == domain.OrderStatusFilled:
		e.handleFill(lvl, upd)
	case upd.Status == domain.OrderStatusPartiallyFilled:
		e.log.Infof("📝 订单 %d 部分成交: %.8g/%.8g", upd.OrderID, upd.FilledQty, upd.Quantity)
	case upd.Status.IsTerminal():
		// 撤销/拒绝/过期: 释放锁定并清空该层
		e.mu.Lock()
		snap := *lvl
		lvl.ClearOrder()
		e.mu.Unlock()
		e.releaseLevelLock(snap)
		e.log.Infof("订单 %d 终态 %s, 第 %.8g 层已清空", upd.OrderID, upd.Status, snap.Price)
	}
}

// handleFill 成交处理
// 价差覆盖手续费时翻转方向在对侧挂单, 否则同侧贴近现价补单;
// 重新挂单作为次要工作提交给工作池, 推送处理不被下单阻塞
func (e *Engine) handleFill(lvl *domain.GridLevel, upd *events.OrderUpdate) {
	metrics.FillsHandled.Add(1)

	filledSide := upd.Side

	e.mu.Lock()
	snap := *lvl
	lvl.ClearOrder()
	if filledSide == domain.SideBuy {
		e.filledBuys++
	} else {
		e.filledSells++
	}
	rules := e.rules
	e.mu.Unlock()

	fillPrice := upd.LastFillPrice
	if fillPrice <= 0 {
		fillPrice = upd.Price
	}
	if fillPrice <= 0 {
		fillPrice = snap.Price
	}

	e.releaseLevelLock(snap)

	e.log.Infof("✅ %s 成交: %s %.8g @ %.8g", upd.Symbol, filledSide, upd.FilledQty, fillPrice)
	e.notifier.Notify(fmt.Sprintf("✅ %s %s 成交 @ %.8g", upd.Symbol, filledSide, fillPrice))

	spread := e.cfg.BuySellSpreadPercent
	minNotional := e.cfg.MinOrderValue
	if rules != nil && rules.MinNotional > minNotional {
		minNotional = rules.MinNotional
	}

	reverse := shouldReverse(spread, e.cfg.FeeRatePercent, e.cfg.ProfitMarginMultiplier) &&
		snap.Capital >= minNotional

	e.mu.Lock()
	if reverse {
		// 对侧挂单: 买入成交在上方卖出, 卖出成交在下方买回
		lvl.Side = filledSide.Opposite()
		if filledSide == domain.SideBuy {
			lvl.Price = fillPrice * (1 + spread/100)
		} else {
			lvl.Price = fillPrice * (1 - spread/100)
		}
	} else {
		// 价差不足以覆盖手续费, 同侧贴近现价补单
		lvl.Side = filledSide
	}
	e.mu.Unlock()

	e.submitTask("refill", func(ctx context.Context) {
		// 同侧补单需要现价, 放到任务里取, 避免在推送路径上发请求
		if !reverse {
			if cur, err := e.currentPrice(ctx); err == nil && cur > 0 {
				e.mu.Lock()
				if lvl.Side == domain.SideBuy {
					lvl.Price = cur * (1 - spread/200)
				} else {
					lvl.Price = cur * (1 + spread/200)
				}
				e.mu.Unlock()
			}
		}
		if err := e.ledger.Refresh(ctx, true); err != nil {
			e.log.Warnf("⚠️ 成交后刷新余额失败: %v", err)
		}
		if err := e.placeLevel(ctx, lvl); err != nil {
			e.log.Warnf("⚠️ 成交后补单失败: %v", err)
			e.notifier.Notify(fmt.Sprintf("⚠️ %s 成交后补单失败: %v", upd.Symbol, err))
		}
	})
}

// findLevel 按订单号定位网格层
func (e *Engine) findLevel(orderID int64) *domain.GridLevel {
	if orderID <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.levels {
		if l.OrderID == orderID {
			return l
		}
	}
	return nil
}

// submitTask 提交到工作池, 池不可用时降级为同步执行
func (e *Engine) submitTask(name string, fn func(ctx context.Context)) {
	if e.exec != nil && e.exec.Submit(name, fn) {
		return
	}
	fn(context.Background())
}
