package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gridbot/gogrid/internal/domain"
)

// BalanceFetcher 从交易所获取账户余额
type BalanceFetcher func(ctx context.Context) ([]domain.Balance, error)

// Ledger 进程内资金账本
// 在交易所反映余额变化之前，用锁定额防止并发挂单重复占用同一笔资金。
// 不变式：每个资产的锁定额不超过锁定时刻缓存的可用余额。
//
// 余额快照在互斥区外获取，再在互斥区内换入，
// 保证 lock/release/available 的临界区足够短。
type Ledger struct {
	fetch BalanceFetcher
	ttl   time.Duration
	log   *logrus.Entry

	mu        sync.Mutex
	free      map[string]float64
	locked    map[string]float64
	fetchedAt time.Time

	// 串行化刷新，避免并发打到交易所
	refreshMu sync.Mutex
}

// New 创建账本，ttl 为余额缓存有效期
func New(fetch BalanceFetcher, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Ledger{
		fetch:  fetch,
		ttl:    ttl,
		log:    logrus.WithField("component", "ledger"),
		free:   make(map[string]float64),
		locked: make(map[string]float64),
	}
}

// Refresh 刷新余额缓存；force 为 true 时忽略缓存有效期
func (l *Ledger) Refresh(ctx context.Context, force bool) error {
	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	l.mu.Lock()
	fresh := time.Since(l.fetchedAt) < l.ttl
	l.mu.Unlock()

	if fresh && !force {
		return nil
	}

	// 交易所调用在账本互斥区之外进行
	balances, err := l.fetch(ctx)
	if err != nil {
		return err
	}

	free := make(map[string]float64, len(balances))
	for _, b := range balances {
		free[b.Asset] = b.Free
	}

	l.mu.Lock()
	l.free = free
	l.fetchedAt = time.Now()
	l.mu.Unlock()

	return nil
}

// Lock 原子地检查并锁定资金
// 可用余额（缓存 free − 已锁定）不足时无副作用地返回 false
func (l *Ledger) Lock(ctx context.Context, asset string, amount float64) bool {
	if amount <= 0 {
		return false
	}

	if err := l.Refresh(ctx, false); err != nil {
		l.log.Warnf("⚠️ 刷新余额失败, 使用缓存值: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.free[asset]-l.locked[asset] < amount {
		return false
	}
	l.locked[asset] += amount
	return true
}

// Release 释放锁定资金，超额释放钳制到零并记录日志
func (l *Ledger) Release(asset string, amount float64) {
	if amount <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.locked[asset]
	if amount > current {
		l.log.Warnf("⚠️ 超额释放 %s: 锁定 %.8f, 请求释放 %.8f", asset, current, amount)
		l.locked[asset] = 0
		return
	}
	l.locked[asset] = current - amount
}

// Available 可用余额（缓存 free − 锁定），永不为负
func (l *Ledger) Available(ctx context.Context, asset string) float64 {
	if err := l.Refresh(ctx, false); err != nil {
		l.log.Warnf("⚠️ 刷新余额失败, 使用缓存值: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	v := l.free[asset] - l.locked[asset]
	if v < 0 {
		return 0
	}
	return v
}

// Locked 当前锁定额
func (l *Ledger) Locked(asset string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked[asset]
}

// Free 缓存的交易所可用余额
func (l *Ledger) Free(asset string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.free[asset]
}

// Reset 清空所有锁定并使余额缓存失效
// 停止、切换交易对或全量重算时调用
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.locked = make(map[string]float64)
	l.fetchedAt = time.Time{}
	l.log.Info("账本已重置")
}
