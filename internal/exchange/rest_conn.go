package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// restEndpoint 操作到 REST 端点的映射
type restEndpoint struct {
	method string
	path   string
}

var restEndpoints = map[string]restEndpoint{
	OpPing:         {http.MethodGet, "/api/v3/ping"},
	OpTime:         {http.MethodGet, "/api/v3/time"},
	OpExchangeInfo: {http.MethodGet, "/api/v3/exchangeInfo"},
	OpAccount:      {http.MethodGet, "/api/v3/account"},
	OpNewOrder:     {http.MethodPost, "/api/v3/order"},
	OpCancelOrder:  {http.MethodDelete, "/api/v3/order"},
	OpQueryOrder:   {http.MethodGet, "/api/v3/order"},
	OpOpenOrders:   {http.MethodGet, "/api/v3/openOrders"},
	OpKlines:       {http.MethodGet, "/api/v3/klines"},
	OpNewOCO:       {http.MethodPost, "/api/v3/orderList/oco"},
	OpCancelOCO:    {http.MethodDelete, "/api/v3/orderList"},
	OpTickerPrice:  {http.MethodGet, "/api/v3/ticker/price"},
	OpAvgPrice:     {http.MethodGet, "/api/v3/avgPrice"},
}

// RESTConn 请求/响应备用通道
type RESTConn struct {
	client *resty.Client
	apiKey string
	log    *logrus.Entry
}

// NewRESTConn 创建 REST 通道
func NewRESTConn(baseURL, apiKey string, timeout time.Duration) *RESTConn {
	if strings.HasSuffix(baseURL, "/") {
		baseURL = baseURL[:len(baseURL)-1]
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时尊重 Retry-After 头
			if resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if d, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return d, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		}).
		// 只在网络层错误时重试，业务拒绝交给调用方
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil
		})

	return &RESTConn{
		client: client,
		apiKey: apiKey,
		log:    logrus.WithField("component", "rest_conn"),
	}
}

// Available REST 通道始终视为可用
func (c *RESTConn) Available() bool { return true }

// Name 通道名
func (c *RESTConn) Name() string { return "rest" }

// Close 无持久连接，无需关闭
func (c *RESTConn) Close() {}

// Call 把操作映射到 REST 端点执行
// 签名参数已由调度器注入，这里只负责传输
func (c *RESTConn) Call(ctx context.Context, op string, params map[string]string) (json.RawMessage, error) {
	ep, ok := restEndpoints[op]
	if !ok {
		return nil, errors.Errorf("REST 通道不支持操作 %s", op)
	}

	req := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json")

	if c.apiKey != "" {
		req.SetHeader("X-MBX-APIKEY", c.apiKey)
	}
	if len(params) > 0 {
		req.SetQueryParams(params)
	}

	var resp *resty.Response
	var err error
	switch ep.method {
	case http.MethodGet:
		resp, err = req.Get(ep.path)
	case http.MethodPost:
		resp, err = req.Post(ep.path)
	case http.MethodDelete:
		resp, err = req.Delete(ep.path)
	default:
		return nil, errors.Errorf("不支持的 HTTP 方法 %s", ep.method)
	}

	if err != nil {
		return nil, errors.Wrapf(ErrChannelFailure, "%s %s 失败: %v", ep.method, ep.path, err)
	}

	body := resp.Body()
	if resp.IsError() {
		var apiErr APIError
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Code != 0 {
			return nil, &apiErr
		}
		return nil, errors.Wrapf(ErrChannelFailure, "%s 返回 HTTP %d: %.200s", ep.path, resp.StatusCode(), body)
	}

	return json.RawMessage(append([]byte(nil), body...)), nil
}
