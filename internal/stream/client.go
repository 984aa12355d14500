package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gridbot/gogrid/internal/events"
)

// subscribeRequest 行情流订阅帧
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     int64    `json:"id"`
}

// ClientConfig 行情流配置
type ClientConfig struct {
	URL                 string
	PingInterval        time.Duration
	HandshakeTimeout    time.Duration
	MaxReconnectRetries int
	StaleAfter          time.Duration
}

// DefaultClientConfig 默认行情流配置
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:                 url,
		PingInterval:        20 * time.Second,
		HandshakeTimeout:    15 * time.Second,
		MaxReconnectRetries: 5,
		StaleAfter:          60 * time.Second,
	}
}

// Client 行情推送流
// 订阅集中管理, 重连后自动重放全部订阅
type Client struct {
	config ClientConfig
	log    *logrus.Entry

	conn   *websocket.Conn
	connMu sync.Mutex

	running bool
	stateMu sync.RWMutex

	streams   map[string]bool
	streamsMu sync.Mutex
	nextID    int64

	outCh chan events.Raw

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectAttempts int
	reconnectMu       sync.Mutex

	lastRecv   time.Time
	lastRecvMu sync.RWMutex
}

// NewClient 创建行情流客户端
func NewClient(config ClientConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:  config,
		log:     logrus.WithField("component", "market_stream"),
		streams: make(map[string]bool),
		outCh:   make(chan events.Raw, 256),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SymbolStreams 交易对的标准订阅集（最新成交 + 1小时K线）
func SymbolStreams(symbol string) []string {
	s := strings.ToLower(symbol)
	return []string{s + "@trade", s + "@kline_1h"}
}

// Start 建立连接并启动后台循环
func (c *Client) Start() error {
	c.stateMu.Lock()
	if c.running {
		c.stateMu.Unlock()
		return fmt.Errorf("行情流已在运行")
	}
	c.running = true
	c.stateMu.Unlock()

	if err := c.connect(); err != nil {
		c.stateMu.Lock()
		c.running = false
		c.stateMu.Unlock()
		return errors.Wrap(err, "初始连接失败")
	}

	go c.readLoop()
	go c.pingLoop()

	c.log.Infof("🔄 已连接到 %s", c.config.URL)
	return nil
}

// Close 优雅关闭连接
func (c *Client) Close() {
	c.stateMu.Lock()
	if !c.running {
		c.stateMu.Unlock()
		return
	}
	c.running = false
	c.stateMu.Unlock()

	c.cancel()
	close(c.stopCh)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		c.log.Warn("⚠️ 关闭超时")
	}

	c.log.Info("已停止")
}

// Out 返回原始推送通道
func (c *Client) Out() <-chan events.Raw {
	return c.outCh
}

// Subscribe 订阅行情流，连接存活时立即发送订阅帧
func (c *Client) Subscribe(streams ...string) error {
	c.streamsMu.Lock()
	var fresh []string
	for _, s := range streams {
		s = strings.ToLower(s)
		if !c.streams[s] {
			c.streams[s] = true
			fresh = append(fresh, s)
		}
	}
	c.streamsMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return c.send("SUBSCRIBE", fresh)
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(streams ...string) error {
	c.streamsMu.Lock()
	var dropped []string
	for _, s := range streams {
		s = strings.ToLower(s)
		if c.streams[s] {
			delete(c.streams, s)
			dropped = append(dropped, s)
		}
	}
	c.streamsMu.Unlock()

	if len(dropped) == 0 {
		return nil
	}
	return c.send("UNSUBSCRIBE", dropped)
}

func (c *Client) send(method string, params []string) error {
	c.streamsMu.Lock()
	c.nextID++
	id := c.nextID
	c.streamsMu.Unlock()

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		// 连接不在, 重连后由 resubscribe 补发
		return nil
	}
	return c.conn.WriteJSON(subscribeRequest{Method: method, Params: params, ID: id})
}

// resubscribe 重连后重放全部订阅
func (c *Client) resubscribe() {
	c.streamsMu.Lock()
	all := make([]string, 0, len(c.streams))
	for s := range c.streams {
		all = append(all, s)
	}
	c.streamsMu.Unlock()

	if len(all) == 0 {
		return
	}
	if err := c.send("SUBSCRIBE", all); err != nil {
		c.log.Warnf("⚠️ 重放订阅失败: %v", err)
		return
	}
	c.log.Infof("✅ 已重放 %d 个订阅", len(all))
}

func (c *Client) connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	conn, _, err := dialer.Dial(c.config.URL, nil)
	if err != nil {
		return err
	}

	c.conn = conn

	c.lastRecvMu.Lock()
	c.lastRecv = time.Now()
	c.lastRecvMu.Unlock()

	c.reconnectMu.Lock()
	c.reconnectAttempts = 0
	c.reconnectMu.Unlock()

	return nil
}

func (c *Client) readLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.stateMu.RLock()
		running := c.running
		c.stateMu.RUnlock()
		if !running {
			return
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.Close()
				c.conn = nil
			}
			c.connMu.Unlock()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("连接正常关闭")
				return
			}

			c.stateMu.RLock()
			running = c.running
			c.stateMu.RUnlock()
			if !running {
				return
			}

			c.log.Warnf("⚠️ 读取错误: %v, 准备重连", err)
			if !c.reconnect() {
				return
			}
			continue
		}

		c.lastRecvMu.Lock()
		c.lastRecv = time.Now()
		c.lastRecvMu.Unlock()

		select {
		case c.outCh <- events.Raw{Stream: "market", Payload: append([]byte(nil), message...)}:
		default:
			c.log.Warn("⚠️ 推送通道已满，丢弃一条行情")
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.stateMu.RLock()
			running := c.running
			c.stateMu.RUnlock()
			if !running {
				return
			}

			c.lastRecvMu.RLock()
			stale := time.Since(c.lastRecv) > c.config.StaleAfter
			c.lastRecvMu.RUnlock()

			if stale {
				c.log.Warnf("⚠️ 超过 %v 未收到消息, 强制重连", c.config.StaleAfter)
				c.connMu.Lock()
				if c.conn != nil {
					c.conn.Close()
					c.conn = nil
				}
				c.connMu.Unlock()
				if !c.reconnect() {
					return
				}
				continue
			}

			c.connMu.Lock()
			conn := c.conn
			if conn != nil {
				conn.WriteMessage(websocket.PongMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

// reconnect 指数退避重连
// 返回 false 表示重试次数耗尽, 行情流永久下线, 调用方应退出循环;
// 此后价格依赖查询通道兜底
func (c *Client) reconnect() bool {
	c.reconnectMu.Lock()
	c.reconnectAttempts++
	attempts := c.reconnectAttempts
	c.reconnectMu.Unlock()

	if attempts > c.config.MaxReconnectRetries {
		c.log.Errorf("❌ 达到最大重连次数 (%d), 行情流永久下线", c.config.MaxReconnectRetries)
		return false
	}

	delay := time.Duration(1<<uint(attempts-1)) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}

	c.log.Infof("🔄 %v 后重连 (尝试 %d/%d)...", delay, attempts, c.config.MaxReconnectRetries)

	select {
	case <-c.ctx.Done():
		return true
	case <-c.stopCh:
		return true
	case <-time.After(delay):
	}

	if err := c.connect(); err != nil {
		c.log.Warnf("⚠️ 重连失败: %v", err)
		return true
	}

	c.resubscribe()
	c.log.Info("✅ 重连成功")
	return true
}
