package domain

import (
	"time"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal 订单是否处于终态
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeStopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	OrderTypeStopLoss        OrderType = "STOP_LOSS"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
	OrderTypeLimitMaker      OrderType = "LIMIT_MAKER"
)

// Order 订单领域模型
type Order struct {
	OrderID       int64       // 交易所订单 ID
	ClientOrderID string      // 客户端订单 ID
	Symbol        string      // 交易对
	Side          Side        // 方向
	Type          OrderType   // 类型
	Price         float64     // 委托价格
	StopPrice     float64     // 触发价格（止损/止盈单）
	Quantity      float64     // 委托数量
	ExecutedQty   float64     // 已成交数量
	Status        OrderStatus // 当前状态
	CreatedAt     time.Time   // 创建时间
	UpdatedAt     time.Time   // 最近更新时间
}

// IsOpen 订单是否仍在挂单中
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled
}

// RemainingQty 剩余未成交数量
func (o *Order) RemainingQty() float64 {
	if o.ExecutedQty >= o.Quantity {
		return 0
	}
	return o.Quantity - o.ExecutedQty
}
