package ledger

import (
	"context"
	"math"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/gridbot/gogrid/internal/domain"
)

func staticFetcher(free map[string]float64) BalanceFetcher {
	return func(ctx context.Context) ([]domain.Balance, error) {
		balances := make([]domain.Balance, 0, len(free))
		for asset, v := range free {
			balances = append(balances, domain.Balance{Asset: asset, Free: v})
		}
		return balances, nil
	}
}

func TestLockWithinFreeBalance(t *testing.T) {
	l := New(staticFetcher(map[string]float64{"USDT": 100}), time.Minute)
	ctx := context.Background()

	if !l.Lock(ctx, "USDT", 60) {
		t.Fatal("余额充足时 Lock 应当成功")
	}
	if l.Lock(ctx, "USDT", 50) {
		t.Fatal("超出可用余额的 Lock 应当失败")
	}
	if got := l.Locked("USDT"); got != 60 {
		t.Fatalf("失败的 Lock 不应有副作用, 锁定额 = %v", got)
	}
	if got := l.Available(ctx, "USDT"); got != 40 {
		t.Fatalf("Available = %v, 期望 40", got)
	}
}

func TestLockReleaseRoundTrip(t *testing.T) {
	l := New(staticFetcher(map[string]float64{"BTC": 2}), time.Minute)
	ctx := context.Background()

	before := l.Locked("BTC")
	if !l.Lock(ctx, "BTC", 0.5) {
		t.Fatal("Lock 失败")
	}
	l.Release("BTC", 0.5)
	if after := l.Locked("BTC"); after != before {
		t.Fatalf("lock/release 往返后锁定额 = %v, 期望 %v", after, before)
	}
}

func TestOverReleaseClampsToZero(t *testing.T) {
	l := New(staticFetcher(map[string]float64{"USDT": 100}), time.Minute)
	ctx := context.Background()

	l.Lock(ctx, "USDT", 30)
	l.Release("USDT", 70)
	if got := l.Locked("USDT"); got != 0 {
		t.Fatalf("超额释放后锁定额 = %v, 期望钳制到 0", got)
	}
	if got := l.Available(ctx, "USDT"); got != 100 {
		t.Fatalf("Available = %v, 期望 100", got)
	}
}

func TestAvailableNeverNegative(t *testing.T) {
	free := map[string]float64{"USDT": 100}
	l := New(staticFetcher(free), time.Nanosecond)
	ctx := context.Background()

	if !l.Lock(ctx, "USDT", 90) {
		t.Fatal("Lock 失败")
	}

	// 交易所侧余额下降后缓存刷新, free < locked
	free["USDT"] = 50
	time.Sleep(time.Millisecond)

	if got := l.Available(ctx, "USDT"); got != 0 {
		t.Fatalf("Available = %v, 期望钳制到 0", got)
	}
}

func TestResetClearsLocks(t *testing.T) {
	l := New(staticFetcher(map[string]float64{"USDT": 100}), time.Minute)
	ctx := context.Background()

	l.Lock(ctx, "USDT", 40)
	l.Reset()
	if got := l.Locked("USDT"); got != 0 {
		t.Fatalf("Reset 后锁定额 = %v", got)
	}
}

func TestConcurrentLockNeverOversubscribes(t *testing.T) {
	l := New(staticFetcher(map[string]float64{"USDT": 100}), time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	granted := make(chan float64, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Lock(ctx, "USDT", 10) {
				granted <- 10
			}
		}()
	}
	wg.Wait()
	close(granted)

	var total float64
	for v := range granted {
		total += v
	}
	if total > 100 {
		t.Fatalf("并发锁定总额 %v 超过了可用余额 100", total)
	}
	if got := l.Locked("USDT"); got != total {
		t.Fatalf("锁定额 %v 与授予总额 %v 不一致", got, total)
	}
}

// 属性：任意 lock/release 序列下, 锁定额始终在 [0, free] 区间,
// 可用余额始终非负
func TestLedgerInvariantProperty(t *testing.T) {
	property := func(ops []struct {
		Lock   bool
		Amount float64
	}) bool {
		const freeBalance = 1000.0
		l := New(staticFetcher(map[string]float64{"USDT": freeBalance}), time.Minute)
		ctx := context.Background()

		for _, op := range ops {
			amount := math.Mod(math.Abs(op.Amount), 500)
			if op.Lock {
				l.Lock(ctx, "USDT", amount)
			} else {
				l.Release("USDT", amount)
			}

			locked := l.Locked("USDT")
			if locked < 0 || locked > freeBalance {
				return false
			}
			if l.Available(ctx, "USDT") < 0 {
				return false
			}
		}
		return true
	}

	if err := quick.Check(property, &quick.Config{MaxCount: 200}); err != nil {
		t.Fatalf("账本不变式被破坏: %v", err)
	}
}
