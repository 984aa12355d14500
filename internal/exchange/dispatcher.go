package exchange

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gridbot/gogrid/internal/metrics"
	"github.com/gridbot/gogrid/pkg/config"
	"github.com/gridbot/gogrid/pkg/ratelimit"
)

// Dispatcher 双通道请求调度器
// 优先走流式通道，通道级失败时降级到 REST 备用通道重试一次；
// 时间戳被拒时强制时钟同步并以保守边际重放一次
type Dispatcher struct {
	streaming Channel // 可为 nil（纯 REST 模式）
	fallback  Channel
	signer    Signer
	apiKey    string
	clock     *Clock
	limiter   *ratelimit.Manager
	cfg       config.DispatcherConfig
	log       *logrus.Entry
}

// NewDispatcher 创建调度器
func NewDispatcher(streaming, fallback Channel, signer Signer, apiKey string, clock *Clock, limiter *ratelimit.Manager, cfg config.DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		streaming: streaming,
		fallback:  fallback,
		signer:    signer,
		apiKey:    apiKey,
		clock:     clock,
		limiter:   limiter,
		cfg:       cfg,
		log:       logrus.WithField("component", "dispatcher"),
	}
}

// Execute 执行一次交易所操作并返回原始结果
func (d *Dispatcher) Execute(ctx context.Context, op string, params map[string]string) (json.RawMessage, error) {
	if IsSignedOp(op) && d.signer == nil {
		return nil, errors.Wrapf(ErrSignatureUnavailable, "操作 %s 需要认证", op)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, op); err != nil {
			return nil, errors.Wrapf(ErrChannelFailure, "等待速率限制被取消: %v", err)
		}
	}

	result, err := d.attempt(ctx, op, params, int64(d.cfg.TimestampMarginMs))
	if err == nil {
		return result, nil
	}

	if apiErr, ok := AsAPIError(err); ok && apiErr.IsStaleTimestamp() {
		return d.retryAfterResync(ctx, op, params)
	}

	return nil, err
}

// ExecuteInto 执行操作并把结果反序列化到 out
func (d *Dispatcher) ExecuteInto(ctx context.Context, op string, params map[string]string, out interface{}) error {
	raw, err := d.Execute(ctx, op, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "解析 %s 响应失败", op)
	}
	return nil
}

// attempt 单轮调度：选通道、注入时间戳/签名、通道级失败降级重试一次
func (d *Dispatcher) attempt(ctx context.Context, op string, params map[string]string, marginMs int64) (json.RawMessage, error) {
	useStreaming := d.streaming != nil && d.cfg.PreferStreaming && d.streaming.Available()

	if useStreaming {
		signed, err := d.prepare(op, params, marginMs)
		if err != nil {
			return nil, err
		}
		result, err := d.streaming.Call(ctx, op, signed)
		if err == nil {
			return result, nil
		}
		if !IsChannelFailure(err) {
			return nil, err
		}

		metrics.ChannelFallbacks.Add(1)
		d.log.Warnf("⚠️ 流式通道失败 (%s), 降级到备用通道: %v", op, err)
	}

	// 降级路径重新取时间戳和签名，不复用上一轮的参数
	signed, err := d.prepare(op, params, marginMs)
	if err != nil {
		return nil, err
	}
	return d.fallback.Call(ctx, op, signed)
}

// retryAfterResync 时间戳过期：有限次强制同步后以保守边际重放一次
func (d *Dispatcher) retryAfterResync(ctx context.Context, op string, params map[string]string) (json.RawMessage, error) {
	metrics.TimestampRetries.Add(1)
	d.log.Warnf("⚠️ %s 时间戳被拒, 强制时钟同步", op)

	synced := false
	for i := 0; i < d.cfg.MaxResyncAttempts; i++ {
		if err := d.clock.Resync(ctx); err != nil {
			d.log.Warnf("⚠️ 强制同步失败 (%d/%d): %v", i+1, d.cfg.MaxResyncAttempts, err)
			continue
		}
		metrics.ClockResyncs.Add(1)
		synced = true
		break
	}

	if !synced {
		return nil, errors.Wrapf(ErrClockSkew, "%s: 强制时钟同步 %d 次均失败", op, d.cfg.MaxResyncAttempts)
	}

	result, err := d.attempt(ctx, op, params, int64(d.cfg.RetryMarginMs))
	if err == nil {
		return result, nil
	}
	if apiErr, ok := AsAPIError(err); ok && apiErr.IsStaleTimestamp() {
		return nil, errors.Wrapf(ErrClockSkew, "%s: 重放后仍被拒绝: %v", op, apiErr)
	}
	return nil, err
}

// prepare 复制参数并注入时间戳、apiKey 和签名
func (d *Dispatcher) prepare(op string, params map[string]string, marginMs int64) (map[string]string, error) {
	if !IsSignedOp(op) {
		return params, nil
	}

	signed := make(map[string]string, len(params)+3)
	for k, v := range params {
		signed[k] = v
	}
	signed["timestamp"] = strconv.FormatInt(d.clock.Timestamp(marginMs), 10)
	signed["apiKey"] = d.apiKey

	sig, err := d.signer.Sign(signed)
	if err != nil {
		return nil, errors.Wrap(ErrSignatureUnavailable, err.Error())
	}
	signed["signature"] = sig
	return signed, nil
}
