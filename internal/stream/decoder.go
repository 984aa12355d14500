package stream

import (
	"encoding/json"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/gridbot/gogrid/internal/domain"
	"github.com/gridbot/gogrid/internal/events"
)

var log = logrus.WithField("component", "stream")

// Decoder 在传输边界把推送帧解码为类型化事件
// 组合流的 {"stream","data"} 包装和 WS-API 的 {"event"} 包装都在这里拆掉；
// 无法识别的载荷作为 Raw 事件透传
type Decoder struct{}

// NewDecoder 创建解码器
func NewDecoder() *Decoder {
	return &Decoder{}
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// Decode 把一帧原始推送转换为事件
func (d *Decoder) Decode(raw events.Raw) events.Event {
	payload := raw.Payload

	// 拆组合流包装
	var combined struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &combined); err == nil && combined.Stream != "" && len(combined.Data) > 0 {
		raw.Stream = combined.Stream
		payload = combined.Data
	}

	// 拆 WS-API 事件包装
	var wrapped struct {
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && len(wrapped.Event) > 0 {
		payload = wrapped.Event
	}

	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.EventType == "" {
		return events.Event{Type: events.TypeRaw, Raw: &events.Raw{Stream: raw.Stream, Payload: payload}}
	}

	switch probe.EventType {
	case "trade", "aggTrade":
		return d.decodeTrade(payload)
	case "kline":
		return d.decodeKline(payload)
	case "executionReport":
		return d.decodeExecutionReport(payload)
	case "outboundAccountPosition":
		return d.decodeAccountPosition(payload)
	case "listStatus":
		return d.decodeListStatus(payload)
	default:
		log.Debugf("未识别的事件类型 %s, 作为 Raw 透传", probe.EventType)
		return events.Event{Type: events.TypeRaw, Raw: &events.Raw{Stream: raw.Stream, Payload: payload}}
	}
}

func (d *Decoder) decodeTrade(payload json.RawMessage) events.Event {
	var msg struct {
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Price     string `json:"p"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return events.Event{Type: events.TypeRaw, Raw: &events.Raw{Payload: payload}}
	}
	return events.Event{Type: events.TypePriceTick, Tick: &events.PriceTick{
		Symbol: msg.Symbol,
		Price:  parseFloat(msg.Price),
		Time:   msg.EventTime,
	}}
}

func (d *Decoder) decodeKline(payload json.RawMessage) events.Event {
	var msg struct {
		Symbol string `json:"s"`
		K      struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return events.Event{Type: events.TypeRaw, Raw: &events.Raw{Payload: payload}}
	}
	return events.Event{Type: events.TypeKline, Kline: &events.KlineUpdate{
		Symbol: msg.Symbol,
		Kline: domain.Kline{
			OpenTime:  msg.K.OpenTime,
			CloseTime: msg.K.CloseTime,
			Open:      parseFloat(msg.K.Open),
			High:      parseFloat(msg.K.High),
			Low:       parseFloat(msg.K.Low),
			Close:     parseFloat(msg.K.Close),
			Volume:    parseFloat(msg.K.Volume),
			Closed:    msg.K.Closed,
		},
	}}
}

func (d *Decoder) decodeExecutionReport(payload json.RawMessage) events.Event {
	var msg struct {
		EventTime       int64  `json:"E"`
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		Side            string `json:"S"`
		OrderType       string `json:"o"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		Price           string `json:"p"`
		Quantity        string `json:"q"`
		LastFillQty     string `json:"l"`
		FilledQty       string `json:"z"`
		LastFillPrice   string `json:"L"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		OrderListID     int64  `json:"g"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return events.Event{Type: events.TypeRaw, Raw: &events.Raw{Payload: payload}}
	}
	return events.Event{Type: events.TypeOrderUpdate, Order: &events.OrderUpdate{
		Symbol:          msg.Symbol,
		OrderID:         msg.OrderID,
		ClientOrderID:   msg.ClientOrderID,
		Side:            domain.Side(msg.Side),
		Type:            domain.OrderType(msg.OrderType),
		Status:          domain.OrderStatus(msg.Status),
		Price:           parseFloat(msg.Price),
		Quantity:        parseFloat(msg.Quantity),
		FilledQty:       parseFloat(msg.FilledQty),
		LastFillQty:     parseFloat(msg.LastFillQty),
		LastFillPrice:   parseFloat(msg.LastFillPrice),
		Commission:      parseFloat(msg.Commission),
		CommissionAsset: msg.CommissionAsset,
		OrderListID:     msg.OrderListID,
		EventTime:       msg.EventTime,
	}}
}

func (d *Decoder) decodeAccountPosition(payload json.RawMessage) events.Event {
	var msg struct {
		EventTime int64 `json:"E"`
		Balances  []struct {
			Asset  string `json:"a"`
			Free   string `json:"f"`
			Locked string `json:"l"`
		} `json:"B"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return events.Event{Type: events.TypeRaw, Raw: &events.Raw{Payload: payload}}
	}

	balances := make([]domain.Balance, 0, len(msg.Balances))
	for _, b := range msg.Balances {
		balances = append(balances, domain.Balance{
			Asset:  b.Asset,
			Free:   parseFloat(b.Free),
			Locked: parseFloat(b.Locked),
		})
	}
	return events.Event{Type: events.TypeBalanceUpdate, Balance: &events.BalanceUpdate{
		Balances:  balances,
		EventTime: msg.EventTime,
	}}
}

func (d *Decoder) decodeListStatus(payload json.RawMessage) events.Event {
	var msg struct {
		EventTime   int64  `json:"E"`
		Symbol      string `json:"s"`
		OrderListID int64  `json:"g"`
		ListStatus  string `json:"L"`
		Orders      []struct {
			OrderID int64 `json:"i"`
		} `json:"O"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return events.Event{Type: events.TypeRaw, Raw: &events.Raw{Payload: payload}}
	}

	ids := make([]int64, 0, len(msg.Orders))
	for _, o := range msg.Orders {
		ids = append(ids, o.OrderID)
	}
	return events.Event{Type: events.TypeOCOReport, OCO: &events.OCOReport{
		Symbol:      msg.Symbol,
		OrderListID: msg.OrderListID,
		ListStatus:  msg.ListStatus,
		OrderIDs:    ids,
		EventTime:   msg.EventTime,
	}}
}
