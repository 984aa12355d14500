package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TimeFunc 获取交易所服务器时间（毫秒）
type TimeFunc func(ctx context.Context) (int64, error)

// Clock 维护本地时钟与交易所时钟的偏移
// 偏移定义：serverTime - localTime，为负表示本地时钟超前
type Clock struct {
	fetch   TimeFunc
	samples int
	log     *logrus.Entry

	mu       sync.RWMutex
	offsetMs int64
	lastSync time.Time

	// 可注入的时钟源，便于测试
	now func() time.Time
}

// NewClock 创建时钟同步器
func NewClock(fetch TimeFunc, samples int) *Clock {
	if samples <= 0 {
		samples = 5
	}
	return &Clock{
		fetch:   fetch,
		samples: samples,
		log:     logrus.WithField("component", "clock"),
		now:     time.Now,
	}
}

// Resync 采样多次往返，保留延迟最低的一次
// 偏移补偿半个往返时间：offset = serverTime + rtt/2 - 本地接收时刻
func (c *Clock) Resync(ctx context.Context) error {
	var (
		bestRTT    time.Duration = -1
		bestOffset int64
		lastErr    error
	)

	for i := 0; i < c.samples; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := c.now()
		serverTime, err := c.fetch(ctx)
		recv := c.now()
		if err != nil {
			lastErr = err
			continue
		}

		rtt := recv.Sub(start)
		offset := serverTime + rtt.Milliseconds()/2 - recv.UnixMilli()

		if bestRTT < 0 || rtt < bestRTT {
			bestRTT = rtt
			bestOffset = offset
		}
	}

	if bestRTT < 0 {
		return errors.Wrapf(ErrChannelFailure, "时钟同步全部采样失败: %v", lastErr)
	}

	c.mu.Lock()
	c.offsetMs = bestOffset
	c.lastSync = c.now()
	c.mu.Unlock()

	c.log.Infof("✅ 时钟同步完成: 偏移 %dms, 最低往返 %v", bestOffset, bestRTT)
	return nil
}

// Offset 当前偏移（毫秒，有符号）
func (c *Clock) Offset() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offsetMs
}

// LastSync 上次成功同步的时间
func (c *Clock) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

// Timestamp 生成安全的请求时间戳
// 本地时钟超前时全额补偿负偏移，再扣除安全边际，
// 避免时间戳越过交易所的接收窗口上限
func (c *Clock) Timestamp(marginMs int64) int64 {
	offset := c.Offset()
	if offset > 0 {
		offset = 0
	}
	return c.now().UnixMilli() + offset - marginMs
}

// Run 周期性重新同步，直到 ctx 取消
func (c *Clock) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Resync(ctx); err != nil {
				c.log.Warnf("⚠️ 周期时钟同步失败: %v", err)
			}
		}
	}
}
