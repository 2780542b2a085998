package exchange

import (
	"errors"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrUnknownAsset 表示资产没有配置交易所符号映射。
	ErrUnknownAsset = errors.New("exchange: 资产未配置交易对映射")
	// ErrUnknownTrade 表示执行端没有该笔交易。
	ErrUnknownTrade = errors.New("exchange: 未知的交易")
	// ErrInsufficientFunds 表示模拟账户余额不足。
	ErrInsufficientFunds = errors.New("exchange: 模拟账户余额不足")
	// ErrStaleQuote 表示报价缺失或过期。
	ErrStaleQuote = errors.New("exchange: 报价缺失或已过期")
)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	return false
}
