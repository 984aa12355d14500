package exchange

import (
	"context"
	"encoding/json"
)

// 交易所操作名，流式通道直接作为 WS-API 方法名使用，
// REST 通道在 restConn 内映射为对应端点
const (
	OpPing          = "ping"
	OpTime          = "time"
	OpExchangeInfo  = "exchangeInfo"
	OpAccount       = "account.status"
	OpNewOrder      = "order.place"
	OpCancelOrder   = "order.cancel"
	OpQueryOrder    = "order.status"
	OpOpenOrders    = "openOrders.status"
	OpKlines        = "klines"
	OpNewOCO        = "orderList.place.oco"
	OpCancelOCO     = "orderList.cancel"
	OpTickerPrice   = "ticker.price"
	OpAvgPrice      = "avgPrice"
	OpUserStreamSub = "userDataStream.subscribe"
)

// signedOps 需要时间戳和签名的操作
var signedOps = map[string]bool{
	OpAccount:     true,
	OpNewOrder:    true,
	OpCancelOrder: true,
	OpQueryOrder:  true,
	OpOpenOrders:  true,
	OpNewOCO:      true,
	OpCancelOCO:   true,
}

// IsSignedOp 操作是否需要认证
func IsSignedOp(op string) bool {
	return signedOps[op]
}

// Channel 单个请求通道：发送请求并等待关联响应
// 通道级失败（网络、超时）用 ErrChannelFailure 包装返回；
// 交易所业务拒绝返回 *APIError
type Channel interface {
	// Call 发送操作并等待响应的 result 部分
	Call(ctx context.Context, op string, params map[string]string) (json.RawMessage, error)
	// Available 通道当前是否可用
	Available() bool
	// Name 通道名，用于日志
	Name() string
	// Close 关闭通道
	Close()
}
