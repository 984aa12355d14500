package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gridbot/gogrid/internal/events"
)

// wsRequest WS-API 请求帧
type wsRequest struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Params map[string]string `json:"params,omitempty"`
}

// wsResponse WS-API 响应帧
type wsResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *APIError       `json:"error"`
}

// WSConnConfig 流式通道配置
type WSConnConfig struct {
	URL                 string
	PingInterval        time.Duration
	CallTimeout         time.Duration
	HandshakeTimeout    time.Duration
	MaxReconnectRetries int
	StaleAfter          time.Duration // 超过该时长未收到任何消息则判定连接失效
}

// DefaultWSConnConfig 默认流式通道配置
func DefaultWSConnConfig(url string) WSConnConfig {
	return WSConnConfig{
		URL:                 url,
		PingInterval:        20 * time.Second,
		CallTimeout:         10 * time.Second,
		HandshakeTimeout:    15 * time.Second,
		MaxReconnectRetries: 5,
		StaleAfter:          60 * time.Second,
	}
}

// pendingResult 等待中请求的最终结果
type pendingResult struct {
	resp *wsResponse
	err  error
}

// WSConn 持久 WebSocket API 连接
// 请求按 id 关联响应；无 id 的推送帧转发到事件通道
type WSConn struct {
	config WSConnConfig
	log    *logrus.Entry

	conn   *websocket.Conn
	connMu sync.Mutex

	running   bool
	available bool
	stateMu   sync.RWMutex

	pending   map[string]chan pendingResult
	pendingMu sync.Mutex

	pushCh chan events.Raw

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectAttempts int
	reconnectMu       sync.Mutex

	lastRecv   time.Time
	lastRecvMu sync.RWMutex
}

// NewWSConn 创建流式通道
func NewWSConn(config WSConnConfig) *WSConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSConn{
		config:  config,
		log:     logrus.WithField("component", "ws_conn"),
		pending: make(map[string]chan pendingResult),
		pushCh:  make(chan events.Raw, 256),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start 建立连接并启动后台循环
func (c *WSConn) Start() error {
	c.stateMu.Lock()
	if c.running {
		c.stateMu.Unlock()
		return fmt.Errorf("流式通道已在运行")
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
func (c *WSConn) Close() {
	c.stateMu.Lock()
	if !c.running {
		c.stateMu.Unlock()
		return
	}
	c.running = false
	c.available = false
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

	c.failPending(errors.Wrap(ErrChannelFailure, "连接已关闭"))

	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		c.log.Warn("⚠️ 关闭超时")
	}

	c.log.Info("已停止")
}

// Available 通道是否可用
func (c *WSConn) Available() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.running && c.available
}

// Name 通道名
func (c *WSConn) Name() string { return "streaming" }

// Push 返回推送事件通道（无 id 的帧）
func (c *WSConn) Push() <-chan events.Raw {
	return c.pushCh
}

// Call 发送请求并等待关联响应
func (c *WSConn) Call(ctx context.Context, op string, params map[string]string) (json.RawMessage, error) {
	if !c.Available() {
		return nil, errors.Wrap(ErrChannelFailure, "流式通道不可用")
	}

	id := uuid.NewString()
	respCh := make(chan pendingResult, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	req := wsRequest{ID: id, Method: op, Params: params}
	if len(params) == 0 {
		req.Params = nil
	}

	if err := c.writeJSON(req); err != nil {
		c.removePending(id)
		c.markUnavailable()
		return nil, errors.Wrapf(ErrChannelFailure, "发送 %s 失败: %v", op, err)
	}

	timeout := c.config.CallTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-respCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, res.resp.Error
		}
		return res.resp.Result, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, errors.Wrapf(ErrChannelFailure, "%s 被取消: %v", op, ctx.Err())
	case <-timer.C:
		c.removePending(id)
		c.markUnavailable()
		return nil, errors.Wrapf(ErrChannelFailure, "%s 等待响应超时 (%v)", op, timeout)
	}
}

// connect 建立底层连接
func (c *WSConn) connect() error {
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

	c.stateMu.Lock()
	c.available = true
	c.stateMu.Unlock()

	c.reconnectMu.Lock()
	c.reconnectAttempts = 0
	c.reconnectMu.Unlock()

	return nil
}

func (c *WSConn) writeJSON(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("未连接")
	}
	return c.conn.WriteJSON(v)
}

// readLoop 持续读取并分发消息
func (c *WSConn) readLoop() {
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
			c.markUnavailable()
			c.failPending(errors.Wrapf(ErrChannelFailure, "连接中断: %v", err))

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

		c.dispatch(message)
	}
}

// dispatch 按 id 路由响应，无 id 的帧作为推送事件转发
func (c *WSConn) dispatch(message []byte) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		c.log.Debugf("丢弃无法解析的帧: %.120s", message)
		return
	}

	if probe.ID == "" {
		select {
		case c.pushCh <- events.Raw{Stream: "ws-api", Payload: append([]byte(nil), message...)}:
		default:
			c.log.Warn("⚠️ 推送通道已满，丢弃一条事件")
		}
		return
	}

	var resp wsResponse
	if err := json.Unmarshal(message, &resp); err != nil {
		c.log.Errorf("❌ 解析响应失败: %v", err)
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- pendingResult{resp: &resp}
	} else {
		c.log.Debugf("收到无等待方的响应 id=%s status=%d", resp.ID, resp.Status)
	}
}

// pingLoop 心跳与失活检测
func (c *WSConn) pingLoop() {
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
				c.markUnavailable()
				if !c.reconnect() {
					return
				}
				continue
			}

			c.connMu.Lock()
			conn := c.conn
			if conn != nil {
				conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

// reconnect 指数退避重连
// 返回 false 表示重试次数耗尽, 通道永久下线, 调用方应退出循环;
// 之后的请求全部走备用通道
func (c *WSConn) reconnect() bool {
	c.reconnectMu.Lock()
	c.reconnectAttempts++
	attempts := c.reconnectAttempts
	c.reconnectMu.Unlock()

	if attempts > c.config.MaxReconnectRetries {
		c.markUnavailable()
		c.failPending(errors.Wrap(ErrChannelFailure, "重连次数耗尽"))
		c.log.Errorf("❌ 达到最大重连次数 (%d), 流式通道永久下线", c.config.MaxReconnectRetries)
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

	c.log.Info("✅ 重连成功")
	return true
}

// markUnavailable 标记通道不可用，调度器据此切换到备用通道
func (c *WSConn) markUnavailable() {
	c.stateMu.Lock()
	c.available = false
	c.stateMu.Unlock()
}

func (c *WSConn) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// failPending 以同一错误终结所有等待中的请求
func (c *WSConn) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		select {
		case ch <- pendingResult{err: err}:
		default:
		}
	}
	c.pendingMu.Unlock()
}
