package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/gridbot/gogrid/pkg/config"
)

type capturedCall struct {
	op     string
	params map[string]string
}

// fakeChannel 可编程的测试通道
type fakeChannel struct {
	name      string
	available bool
	calls     []capturedCall
	handler   func(call int, op string, params map[string]string) (json.RawMessage, error)
}

func (f *fakeChannel) Call(ctx context.Context, op string, params map[string]string) (json.RawMessage, error) {
	n := len(f.calls)
	f.calls = append(f.calls, capturedCall{op: op, params: params})
	return f.handler(n, op, params)
}

func (f *fakeChannel) Available() bool { return f.available }
func (f *fakeChannel) Name() string    { return f.name }
func (f *fakeChannel) Close()          {}

func fixedClock(now time.Time) *Clock {
	c := NewClock(func(ctx context.Context) (int64, error) {
		return now.UnixMilli(), nil
	}, 1)
	c.now = func() time.Time { return now }
	return c
}

func newTestDispatcher(streaming, fallback Channel, signer Signer, clock *Clock) *Dispatcher {
	cfg := config.Default().Dispatcher
	return NewDispatcher(streaming, fallback, signer, "test-key", clock, nil, cfg)
}

func TestFallbackOnChannelFailure(t *testing.T) {
	ok := json.RawMessage(`{"serverTime":1}`)

	streaming := &fakeChannel{name: "streaming", available: true,
		handler: func(call int, op string, params map[string]string) (json.RawMessage, error) {
			return nil, errors.Wrap(ErrChannelFailure, "读取超时")
		}}
	fallback := &fakeChannel{name: "rest", available: true,
		handler: func(call int, op string, params map[string]string) (json.RawMessage, error) {
			return ok, nil
		}}

	d := newTestDispatcher(streaming, fallback, nil, fixedClock(time.Now()))

	result, err := d.Execute(context.Background(), OpTime, nil)
	if err != nil {
		t.Fatalf("Execute 失败: %v", err)
	}
	if string(result) != string(ok) {
		t.Fatalf("结果 = %s, 期望来自备用通道的响应", result)
	}
	if len(streaming.calls) != 1 || len(fallback.calls) != 1 {
		t.Fatalf("调用次数 streaming=%d fallback=%d, 期望各1次", len(streaming.calls), len(fallback.calls))
	}
}

func TestBusinessRejectionDoesNotFallback(t *testing.T) {
	reject := &APIError{Code: -2010, Msg: "Account has insufficient balance"}

	streaming := &fakeChannel{name: "streaming", available: true,
		handler: func(call int, op string, params map[string]string) (json.RawMessage, error) {
			return nil, reject
		}}
	fallback := &fakeChannel{name: "rest", available: true,
		handler: func(call int, op string, params map[string]string) (json.RawMessage, error) {
			t.Fatal("业务拒绝不应触发备用通道")
			return nil, nil
		}}

	signer := NewHMACSigner("secret")
	d := newTestDispatcher(streaming, fallback, signer, fixedClock(time.Now()))

	_, err := d.Execute(context.Background(), OpNewOrder, map[string]string{"symbol": "BTCUSDT"})
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Code != -2010 {
		t.Fatalf("期望原样传出业务错误, 得到 %v", err)
	}
}

func TestSignedOpWithoutSigner(t *testing.T) {
	fallback := &fakeChannel{name: "rest", available: true,
		handler: func(call int, op string, params map[string]string) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}}

	d := newTestDispatcher(nil, fallback, nil, fixedClock(time.Now()))

	_, err := d.Execute(context.Background(), OpAccount, nil)
	if !errors.Is(err, ErrSignatureUnavailable) {
		t.Fatalf("期望 ErrSignatureUnavailable, 得到 %v", err)
	}
	if len(fallback.calls) != 0 {
		t.Fatal("缺少签名器时不应发出任何请求")
	}
}

func TestStaleTimestampResyncAndReplay(t *testing.T) {
	now := time.UnixMilli(3_000_000_000)
	clock := fixedClock(now)

	fallback := &fakeChannel{name: "rest", available: true,
		handler: func(call int, op string, params map[string]string) (json.RawMessage, error) {
			if call == 0 {
				return nil, &APIError{Code: -1021, Msg: "Timestamp for this request is outside of the recvWindow"}
			}
			return json.RawMessage(`{"orderId":7}`), nil
		}}

	signer := NewHMACSigner("secret")
	d := newTestDispatcher(nil, fallback, signer, clock)

	result, err := d.Execute(context.Background(), OpNewOrder, map[string]string{"symbol": "BTCUSDT"})
	if err != nil {
		t.Fatalf("重放后应当成功, 得到 %v", err)
	}
	if string(result) != `{"orderId":7}` {
		t.Fatalf("结果 = %s", result)
	}
	if len(fallback.calls) != 2 {
		t.Fatalf("调用次数 = %d, 期望首发+重放共2次", len(fallback.calls))
	}

	// 首发用基线边际 500ms, 重放用保守边际 1000ms
	ts1, _ := strconv.ParseInt(fallback.calls[0].params["timestamp"], 10, 64)
	ts2, _ := strconv.ParseInt(fallback.calls[1].params["timestamp"], 10, 64)
	if ts1-ts2 != 500 {
		t.Fatalf("重放时间戳应比首发保守 500ms, 实际差 %d", ts1-ts2)
	}
}

func TestStaleTimestampSurfacesClockSkew(t *testing.T) {
	clock := fixedClock(time.Now())

	fallback := &fakeChannel{name: "rest", available: true,
		handler: func(call int, op string, params map[string]string) (json.RawMessage, error) {
			return nil, &APIError{Code: -1021, Msg: "still stale"}
		}}

	signer := NewHMACSigner("secret")
	d := newTestDispatcher(nil, fallback, signer, clock)

	_, err := d.Execute(context.Background(), OpNewOrder, map[string]string{"symbol": "BTCUSDT"})
	if !errors.Is(err, ErrClockSkew) {
		t.Fatalf("重放仍被拒后期望 ErrClockSkew, 得到 %v", err)
	}
	if len(fallback.calls) != 2 {
		t.Fatalf("调用次数 = %d, 重放只允许一次", len(fallback.calls))
	}
}
