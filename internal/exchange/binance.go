package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gridbot/gogrid/internal/domain"
	"github.com/gridbot/gogrid/internal/metrics"
)

// Client 在调度器之上提供类型化的交易所操作
type Client struct {
	d      *Dispatcher
	log    *logrus.Entry
	dryRun bool
	fakeID atomic.Int64
}

// NewClient 创建类型化客户端
func NewClient(d *Dispatcher) *Client {
	c := &Client{
		d:   d,
		log: logrus.WithField("component", "binance"),
	}
	c.fakeID.Store(time.Now().Unix() * 1000)
	return c
}

// SetDryRun 纸交易模式：查询照常走通道, 订单变更不发送, 返回合成订单号
func (c *Client) SetDryRun(on bool) {
	c.dryRun = on
}

// ServerTime 获取服务器时间（毫秒）
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.d.ExecuteInto(ctx, OpTime, nil, &resp); err != nil {
		return 0, err
	}
	return resp.ServerTime, nil
}

// SymbolRules 获取交易对的过滤器规则
func (c *Client) SymbolRules(ctx context.Context, symbol string) (*domain.SymbolRules, error) {
	raw, err := c.d.Execute(ctx, OpExchangeInfo, map[string]string{
		"symbol": strings.ToUpper(symbol),
	})
	if err != nil {
		return nil, err
	}
	return ParseSymbolRules(raw, symbol)
}

// Balances 获取账户余额
func (c *Client) Balances(ctx context.Context) ([]domain.Balance, error) {
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := c.d.ExecuteInto(ctx, OpAccount, nil, &resp); err != nil {
		return nil, err
	}

	balances := make([]domain.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		balances = append(balances, domain.Balance{
			Asset:  b.Asset,
			Free:   parseF(b.Free),
			Locked: parseF(b.Locked),
		})
	}
	return balances, nil
}

// TickerPrice 获取最新成交价
func (c *Client) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	var resp struct {
		Price string `json:"price"`
	}
	params := map[string]string{"symbol": strings.ToUpper(symbol)}
	if err := c.d.ExecuteInto(ctx, OpTickerPrice, params, &resp); err != nil {
		return 0, err
	}
	price := parseF(resp.Price)
	if price <= 0 {
		return 0, errors.Errorf("无效的价格响应: %q", resp.Price)
	}
	return price, nil
}

// orderResponse 下单/撤单响应
type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Time          int64  `json:"transactTime"`
}

func (r *orderResponse) toDomain() *domain.Order {
	return &domain.Order{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          domain.Side(r.Side),
		Type:          domain.OrderType(r.Type),
		Price:         parseF(r.Price),
		Quantity:      parseF(r.OrigQty),
		ExecutedQty:   parseF(r.ExecutedQty),
		Status:        domain.OrderStatus(r.Status),
	}
}

// PlaceLimitOrder 下限价单，价格和数量必须已经过精度格式化
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, price, quantity string) (*domain.Order, error) {
	if c.dryRun {
		id := c.fakeID.Add(1)
		c.log.Infof("📝 [纸交易] 挂单 %s %s @%s x%s (id=%d)", symbol, side, price, quantity, id)
		return &domain.Order{
			OrderID:  id,
			Symbol:   strings.ToUpper(symbol),
			Side:     side,
			Type:     domain.OrderTypeLimit,
			Price:    parseF(price),
			Quantity: parseF(quantity),
			Status:   domain.OrderStatusNew,
		}, nil
	}

	params := map[string]string{
		"symbol":      strings.ToUpper(symbol),
		"side":        string(side),
		"type":        string(domain.OrderTypeLimit),
		"timeInForce": "GTC",
		"price":       price,
		"quantity":    quantity,
	}

	var resp orderResponse
	if err := c.d.ExecuteInto(ctx, OpNewOrder, params, &resp); err != nil {
		return nil, c.classifyOrderError(err)
	}

	metrics.OrdersPlaced.Add(1)
	c.log.Infof("📝 已挂单 %s %s @%s x%s (id=%d)", symbol, side, price, quantity, resp.OrderID)
	return resp.toDomain(), nil
}

// CancelOrder 撤销订单
// 订单不存在视为已终结，返回 ErrUnknownOrder 供调用方识别
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if c.dryRun {
		c.log.Infof("📝 [纸交易] 撤单 %s id=%d", symbol, orderID)
		return nil
	}
	params := map[string]string{
		"symbol":  strings.ToUpper(symbol),
		"orderId": strconv.FormatInt(orderID, 10),
	}
	if err := c.d.ExecuteInto(ctx, OpCancelOrder, params, nil); err != nil {
		return c.classifyOrderError(err)
	}
	metrics.OrdersCanceled.Add(1)
	return nil
}

// OpenOrders 获取交易对的全部挂单
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	params := map[string]string{"symbol": strings.ToUpper(symbol)}

	var resp []orderResponse
	if err := c.d.ExecuteInto(ctx, OpOpenOrders, params, &resp); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(resp))
	for i := range resp {
		orders = append(orders, *resp[i].toDomain())
	}
	return orders, nil
}

// Klines 获取K线，interval 形如 "1h"
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	params := map[string]string{
		"symbol":   strings.ToUpper(symbol),
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}

	raw, err := c.d.Execute(ctx, OpKlines, params)
	if err != nil {
		return nil, err
	}

	// K线为混合类型数组: [openTime, "o", "h", "l", "c", "v", closeTime, ...]
	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errors.Wrap(err, "解析K线失败")
	}

	klines := make([]domain.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		var k domain.Kline
		var o, h, l, cl, v string
		if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
			continue
		}
		json.Unmarshal(row[1], &o)
		json.Unmarshal(row[2], &h)
		json.Unmarshal(row[3], &l)
		json.Unmarshal(row[4], &cl)
		json.Unmarshal(row[5], &v)
		json.Unmarshal(row[6], &k.CloseTime)
		k.Open, k.High, k.Low, k.Close, k.Volume = parseF(o), parseF(h), parseF(l), parseF(cl), parseF(v)
		k.Closed = true
		klines = append(klines, k)
	}
	return klines, nil
}

// OCOResult 下 OCO 单的结果
type OCOResult struct {
	OrderListID int64 `json:"orderListId"`
	Orders      []struct {
		OrderID int64 `json:"orderId"`
	} `json:"orders"`
}

// PlaceOCOSell 下卖出方向的 OCO 保护单
// limitPrice 止盈限价腿；stopPrice 触发价；stopLimitPrice 止损限价，
// 为空时使用止损市价腿
func (c *Client) PlaceOCOSell(ctx context.Context, symbol, quantity, limitPrice, stopPrice, stopLimitPrice string) (*OCOResult, error) {
	if c.dryRun {
		id := c.fakeID.Add(1)
		c.log.Infof("📝 [纸交易] 挂 OCO 保护单 %s 止盈@%s 止损@%s (listId=%d)", symbol, limitPrice, stopPrice, id)
		return &OCOResult{OrderListID: id}, nil
	}
	params := map[string]string{
		"symbol":    strings.ToUpper(symbol),
		"side":      string(domain.SideSell),
		"quantity":  quantity,
		"price":     limitPrice,
		"stopPrice": stopPrice,
	}
	if stopLimitPrice != "" {
		params["stopLimitPrice"] = stopLimitPrice
		params["stopLimitTimeInForce"] = "GTC"
	}

	var resp OCOResult
	if err := c.d.ExecuteInto(ctx, OpNewOCO, params, &resp); err != nil {
		return nil, c.classifyOrderError(err)
	}

	metrics.OrdersPlaced.Add(1)
	c.log.Infof("📝 已挂 OCO 保护单 %s 止盈@%s 止损@%s (listId=%d)", symbol, limitPrice, stopPrice, resp.OrderListID)
	return &resp, nil
}

// CancelOCO 撤销 OCO 列表，不存在视为已终结
func (c *Client) CancelOCO(ctx context.Context, symbol string, orderListID int64) error {
	if c.dryRun {
		c.log.Infof("📝 [纸交易] 撤 OCO 列表 %s listId=%d", symbol, orderListID)
		return nil
	}
	params := map[string]string{
		"symbol":      strings.ToUpper(symbol),
		"orderListId": strconv.FormatInt(orderListID, 10),
	}
	if err := c.d.ExecuteInto(ctx, OpCancelOCO, params, nil); err != nil {
		return c.classifyOrderError(err)
	}
	metrics.OrdersCanceled.Add(1)
	return nil
}

// SubscribeUserStream 订阅账户数据推送（仅流式通道支持）
// 订阅后订单执行报告和余额变动经推送通道下发
func (c *Client) SubscribeUserStream(ctx context.Context) error {
	return c.d.ExecuteInto(ctx, OpUserStreamSub, nil, nil)
}

// classifyOrderError 把业务错误码映射到错误分类
func (c *Client) classifyOrderError(err error) error {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return err
	}
	switch {
	case apiErr.IsUnknownOrder():
		return errors.Wrap(ErrUnknownOrder, apiErr.Error())
	case apiErr.IsPriceCompliance():
		return errors.Wrap(ErrPriceCompliance, apiErr.Error())
	default:
		return err
	}
}
