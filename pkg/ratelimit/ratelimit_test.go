package ratelimit

import (
	"testing"
)

func TestTokenBucketExhaustion(t *testing.T) {
	tb := NewTokenBucket(3, 1)
	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("第 %d 次请求应被允许", i+1)
		}
	}
	if tb.Allow() {
		t.Fatal("令牌耗尽后应被拒绝")
	}
}

func TestManagerOrderOpsShareOneBucket(t *testing.T) {
	m := NewManager()

	// 订单类操作共用一个桶, OCO 下单也必须命中它
	for m.Allow("order.place") {
	}
	if m.Allow("orderList.place.oco") {
		t.Fatal("OCO 下单应与普通下单共用订单类限制")
	}
	if m.Allow("order.cancel") {
		t.Fatal("撤单应与下单共用订单类限制")
	}
	if !m.Allow("klines") {
		t.Fatal("查询类操作应走通用限制, 不受订单桶影响")
	}
}
