package exchange

import (
	"fmt"

	"github.com/pkg/errors"
)

// 错误分类：调度器内部消化通道和时钟类错误，
// 业务拒绝原样向上传递，由调用方决定如何恢复

var (
	// ErrChannelFailure 通道级失败（网络、超时、连接断开），可通过备用通道重试
	ErrChannelFailure = errors.New("通道失败")
	// ErrClockSkew 交易所拒绝了请求时间戳，强制同步后仍未恢复
	ErrClockSkew = errors.New("时钟偏移被拒绝")
	// ErrInsufficientFunds 账本或二次校验余额不足，仅放弃本次操作
	ErrInsufficientFunds = errors.New("余额不足")
	// ErrPriceCompliance 价格/数量违反交易所过滤器
	ErrPriceCompliance = errors.New("价格合规校验失败")
	// ErrUnknownOrder 订单不存在，视为已终结
	ErrUnknownOrder = errors.New("订单不存在")
	// ErrFatalConfiguration 配置不可用（缺少凭证），启动时抛出且不可恢复
	ErrFatalConfiguration = errors.New("致命配置错误")
	// ErrSignatureUnavailable 认证操作缺少签名凭证
	ErrSignatureUnavailable = errors.New("签名凭证不可用")
)

// Binance 业务错误码
const (
	codeTimestampOutOfWindow = -1021 // 时间戳超出接收窗口
	codeInvalidPrice         = -1013 // 价格/数量过滤器拒绝
	codeCancelRejected       = -2011 // 取消被拒绝（通常订单已终结）
	codeNoSuchOrder          = -2013 // 订单不存在
	codePercentPrice         = -1034 // PERCENT_PRICE 过滤器拒绝
)

// APIError 交易所返回的业务错误
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("交易所错误 %d: %s", e.Code, e.Msg)
}

// IsStaleTimestamp 是否为时间戳过期拒绝
func (e *APIError) IsStaleTimestamp() bool {
	return e.Code == codeTimestampOutOfWindow
}

// IsUnknownOrder 是否为订单不存在类拒绝
func (e *APIError) IsUnknownOrder() bool {
	return e.Code == codeCancelRejected || e.Code == codeNoSuchOrder
}

// IsPriceCompliance 是否为价格过滤器类拒绝
func (e *APIError) IsPriceCompliance() bool {
	return e.Code == codeInvalidPrice || e.Code == codePercentPrice
}

// AsAPIError 从错误链中提取业务错误
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsChannelFailure 错误是否为通道级失败
func IsChannelFailure(err error) bool {
	return errors.Is(err, ErrChannelFailure)
}
