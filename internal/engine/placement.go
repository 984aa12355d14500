package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/gridbot/gogrid/internal/domain"
	"github.com/gridbot/gogrid/internal/exchange"
	"github.com/gridbot/gogrid/pkg/precision"
)

// isResolved 订单已不存在，视为已处理完毕
func isResolved(err error) bool {
	return errors.Is(err, exchange.ErrUnknownOrder)
}

// levelSnap 锁内拷贝的层快照
// 层表字段只在 e.mu 内读写, 锁外逻辑一律基于快照,
// 回写前校验订单号未变, 避免覆盖并发修改
type levelSnap struct {
	ptr  *domain.GridLevel
	data domain.GridLevel
}

// snapshotLevels 在锁内按条件拷贝层快照, filter 为 nil 时拷贝全部
func (e *Engine) snapshotLevels(filter func(*domain.GridLevel) bool) []levelSnap {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]levelSnap, 0, len(e.levels))
	for _, lvl := range e.levels {
		if filter != nil && !filter(lvl) {
			continue
		}
		out = append(out, levelSnap{ptr: lvl, data: *lvl})
	}
	return out
}

// clearIfUnchanged 订单号仍与快照一致时清空该层
// 返回 false 说明该层已被并发处理（成交或重挂）, 调用方不得再动它的锁定
func (e *Engine) clearIfUnchanged(s levelSnap) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.ptr.OrderID != s.data.OrderID {
		return false
	}
	s.ptr.ClearOrder()
	return true
}

// lockTarget 该层挂单前需要锁定的资产和数量
// 买入锁计价资产（按预留资金），卖出锁基础资产（按数量）
func (e *Engine) lockTarget(lvl domain.GridLevel) (asset string, amount float64) {
	e.mu.Lock()
	rules := e.rules
	e.mu.Unlock()

	if lvl.Side == domain.SideBuy {
		return rules.QuoteAsset, lvl.Capital
	}
	return rules.BaseAsset, lvl.Capital / lvl.Price
}

// releaseLevelLock 释放该层快照占用的锁定
func (e *Engine) releaseLevelLock(lvl domain.GridLevel) {
	asset, amount := e.lockTarget(lvl)
	e.ledger.Release(asset, amount)
}

// placeLevel 为单层挂单
// 流程：合规预检 → 锁定资金 → 二次校验余额 → 下单；
// 任何失败都释放锁定后返回
func (e *Engine) placeLevel(ctx context.Context, lvl *domain.GridLevel) error {
	e.mu.Lock()
	rules := e.rules
	symbol := e.symbol
	snap := *lvl
	e.mu.Unlock()

	if rules == nil {
		return errors.New("缺少交易对规则")
	}
	if snap.OrderID != 0 {
		return nil
	}

	if !rules.PriceInBounds(snap.Price) {
		return errors.Wrapf(exchange.ErrPriceCompliance, "价格 %.8g 超出 PRICE_FILTER 范围", snap.Price)
	}

	qty := snap.Capital / snap.Price
	if rules.MinQty > 0 && qty < rules.MinQty {
		return errors.Wrapf(exchange.ErrPriceCompliance, "数量 %.8g 低于最小委托量 %.8g", qty, rules.MinQty)
	}
	if !rules.MeetsNotional(snap.Price, qty) {
		return errors.Wrapf(exchange.ErrPriceCompliance, "名义价值 %.8g 低于下限 %.8g", snap.Price*qty, rules.MinNotional)
	}

	asset, amount := e.lockTarget(snap)
	if !e.ledger.Lock(ctx, asset, amount) {
		return errors.Wrapf(exchange.ErrInsufficientFunds, "锁定 %s %.8f 失败", asset, amount)
	}

	// 锁定后强制刷新做二次校验，交易所侧余额可能已经变化
	if err := e.ledger.Refresh(ctx, true); err == nil {
		if e.ledger.Free(asset) < e.ledger.Locked(asset) {
			e.ledger.Release(asset, amount)
			return errors.Wrapf(exchange.ErrInsufficientFunds,
				"二次校验失败: %s 交易所余额 %.8f 低于锁定总额 %.8f",
				asset, e.ledger.Free(asset), e.ledger.Locked(asset))
		}
	}

	priceStr := precision.FormatPrice(snap.Price, rules.PricePrecision)
	qtyStr := precision.FormatQuantity(qty, rules.QuantityPrecision)

	order, err := e.client.PlaceLimitOrder(ctx, symbol, snap.Side, priceStr, qtyStr)
	if err != nil && exchange.IsChannelFailure(err) {
		// 瞬态通道失败再试一次（调度器内部已做过一次降级）
		e.log.Warnf("⚠️ 挂单遇到通道失败, 重试一次: %v", err)
		order, err = e.client.PlaceLimitOrder(ctx, symbol, snap.Side, priceStr, qtyStr)
	}
	if err != nil {
		e.ledger.Release(asset, amount)
		return errors.Wrapf(err, "挂单失败 %s %s @%s", symbol, snap.Side, priceStr)
	}

	e.mu.Lock()
	lvl.OrderID = order.OrderID
	lvl.PlacedAt = time.Now()
	e.mu.Unlock()
	return nil
}

// placeAllLevels 为所有空层挂单，单层失败只记录不中断
func (e *Engine) placeAllLevels(ctx context.Context) {
	snaps := e.snapshotLevels(func(lvl *domain.GridLevel) bool {
		return !lvl.HasOrder()
	})

	var placed, failed int
	for _, s := range snaps {
		if err := e.placeLevel(ctx, s.ptr); err != nil {
			failed++
			e.log.Warnf("⚠️ 第 %.8g 层挂单失败: %v", s.data.Price, err)
			continue
		}
		placed++
	}

	if failed > 0 {
		e.log.Warnf("⚠️ 铺单完成: 成功 %d, 失败 %d", placed, failed)
	} else {
		e.log.Infof("✅ 铺单完成: %d 层", placed)
	}
}
