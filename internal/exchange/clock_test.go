package exchange

import (
	"context"
	"testing"
	"time"
)

// fakeNow 按序列返回预设时刻，超出后重复最后一个
func fakeNow(seq []time.Time) func() time.Time {
	idx := 0
	return func() time.Time {
		t := seq[idx]
		if idx < len(seq)-1 {
			idx++
		}
		return t
	}
}

func TestResyncKeepsLowestRTTSample(t *testing.T) {
	base := time.UnixMilli(1_000_000_000)

	// 采样1: 往返 100ms；采样2: 往返 20ms（应被保留）
	nowSeq := []time.Time{
		base,                             // 采样1 发送
		base.Add(100 * time.Millisecond), // 采样1 接收
		base.Add(200 * time.Millisecond), // 采样2 发送
		base.Add(220 * time.Millisecond), // 采样2 接收
		base.Add(220 * time.Millisecond), // lastSync
	}

	// 采样2 的偏移: serverTime + 10 - (base+220) = -500ms
	serverTimes := []int64{
		base.UnixMilli() + 50,        // 采样1 → 偏移 0
		base.UnixMilli() + 220 - 510, // 采样2 → 偏移 -500
	}

	call := 0
	fetch := func(ctx context.Context) (int64, error) {
		st := serverTimes[call]
		call++
		return st, nil
	}

	clock := NewClock(fetch, 2)
	clock.now = fakeNow(nowSeq)

	if err := clock.Resync(context.Background()); err != nil {
		t.Fatalf("Resync 失败: %v", err)
	}

	if got := clock.Offset(); got != -500 {
		t.Fatalf("Offset = %d, 期望 -500（最低往返的采样）", got)
	}
}

func TestResyncAllSamplesFail(t *testing.T) {
	fetch := func(ctx context.Context) (int64, error) {
		return 0, ErrChannelFailure
	}

	clock := NewClock(fetch, 3)
	if err := clock.Resync(context.Background()); err == nil {
		t.Fatal("全部采样失败时 Resync 应当返回错误")
	}
}

func TestTimestampMarginMath(t *testing.T) {
	now := time.UnixMilli(2_000_000_000)

	clock := NewClock(nil, 1)
	clock.now = func() time.Time { return now }

	// 本地超前 300ms: 全额补偿负偏移再扣边际
	clock.offsetMs = -300
	if got, want := clock.Timestamp(500), now.UnixMilli()-300-500; got != want {
		t.Fatalf("负偏移 Timestamp = %d, 期望 %d", got, want)
	}

	// 服务器超前时不加正偏移, 只扣边际
	clock.offsetMs = 400
	if got, want := clock.Timestamp(500), now.UnixMilli()-500; got != want {
		t.Fatalf("正偏移 Timestamp = %d, 期望 %d", got, want)
	}
}
