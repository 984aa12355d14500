package events

import (
	"encoding/json"

	"github.com/gridbot/gogrid/internal/domain"
)

// 市场与账户事件在传输层边界解码一次，
// 下游组件只消费类型化事件，不再接触原始 JSON。

// Type 事件类型
type Type string

const (
	TypePriceTick     Type = "price_tick"
	TypeKline         Type = "kline"
	TypeOrderUpdate   Type = "order_update"
	TypeBalanceUpdate Type = "balance_update"
	TypeOCOReport     Type = "oco_report"
	TypeRaw           Type = "raw"
)

// PriceTick 最新成交价
type PriceTick struct {
	Symbol string
	Price  float64
	Time   int64 // 事件时间（毫秒）
}

// KlineUpdate K线推送
type KlineUpdate struct {
	Symbol string
	Kline  domain.Kline
}

// OrderUpdate 订单执行报告
type OrderUpdate struct {
	Symbol          string
	OrderID         int64
	ClientOrderID   string
	Side            domain.Side
	Type            domain.OrderType
	Status          domain.OrderStatus
	Price           float64
	Quantity        float64
	FilledQty       float64 // 累计成交数量
	LastFillQty     float64 // 本次成交数量
	LastFillPrice   float64 // 本次成交价格
	Commission      float64
	CommissionAsset string
	OrderListID     int64 // 所属 OCO 列表 ID，-1 表示独立订单
	EventTime       int64
}

// IsFill 本次更新是否为成交
func (u *OrderUpdate) IsFill() bool {
	return u.Status == domain.OrderStatusFilled || u.Status == domain.OrderStatusPartiallyFilled
}

// BalanceUpdate 账户余额变动
type BalanceUpdate struct {
	Balances  []domain.Balance
	EventTime int64
}

// OCOReport OCO 列表状态报告
type OCOReport struct {
	Symbol      string
	OrderListID int64
	ListStatus  string // EXECUTING / ALL_DONE / REJECT
	OrderIDs    []int64
	EventTime   int64
}

// Terminal OCO 列表是否已终结
func (r *OCOReport) Terminal() bool {
	return r.ListStatus == "ALL_DONE" || r.ListStatus == "REJECT"
}

// Raw 未识别的推送载荷，原样透传
type Raw struct {
	Stream  string
	Payload json.RawMessage
}

// Event 标签联合：恰有一个字段非 nil，Type 标明是哪一个
type Event struct {
	Type    Type
	Tick    *PriceTick
	Kline   *KlineUpdate
	Order   *OrderUpdate
	Balance *BalanceUpdate
	OCO     *OCOReport
	Raw     *Raw
}
