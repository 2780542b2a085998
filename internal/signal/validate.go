package signal

import (
	"errors"
	"fmt"
	"time"

	"signal-trader/internal/trading"
)

const (
	minDuration = time.Minute
	maxDuration = time.Hour
)

// RejectionError 为带稳定编码的校验失败原因。
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return e.Message
}

var (
	ErrAssetNotAllowed    = &RejectionError{Code: "ASSET_NOT_ALLOWED", Message: "资产不在白名单"}
	ErrInvalidDirection   = &RejectionError{Code: "INVALID_DIRECTION", Message: "方向无法识别"}
	ErrAmountOutOfRange   = &RejectionError{Code: "AMOUNT_OUT_OF_RANGE", Message: "金额超出允许区间"}
	ErrDurationOutOfRange = &RejectionError{Code: "DURATION_OUT_OF_RANGE", Message: "时长超出允许区间"}
	ErrLowConfidence      = &RejectionError{Code: "LOW_CONFIDENCE", Message: "信号置信度低于阈值"}
	ErrSignalExpired      = &RejectionError{Code: "SIGNAL_EXPIRED", Message: "信号执行时间已过"}
)

// RejectionCode 提取错误中的稳定编码，非校验错误返回 "VALIDATION_FAILED"。
func RejectionCode(err error) string {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Code
	}
	return "VALIDATION_FAILED"
}

// Validate 校验意图是否满足交易约束，返回 nil 表示合法。
func (p *Parser) Validate(intent trading.TradeIntent) error {
	if _, ok := p.allowed[intent.Asset]; !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotAllowed, intent.Asset)
	}
	if intent.Direction != trading.DirectionUp && intent.Direction != trading.DirectionDown {
		return fmt.Errorf("%w: %q", ErrInvalidDirection, intent.Direction)
	}
	if intent.Amount < p.cfg.MinAmount || intent.Amount > p.cfg.MaxAmount {
		return fmt.Errorf("%w: %.2f 不在 [%.2f, %.2f]", ErrAmountOutOfRange, intent.Amount, p.cfg.MinAmount, p.cfg.MaxAmount)
	}
	if intent.Duration < minDuration || intent.Duration > maxDuration {
		return fmt.Errorf("%w: %s 不在 [%s, %s]", ErrDurationOutOfRange, intent.Duration, minDuration, maxDuration)
	}
	if intent.Confidence != nil && *intent.Confidence < p.cfg.MinConfidence {
		return fmt.Errorf("%w: %d%% < %d%%", ErrLowConfidence, *intent.Confidence, p.cfg.MinConfidence)
	}
	if intent.Scheduled() && !intent.ScheduledAt.After(p.now()) {
		return fmt.Errorf("%w: %s", ErrSignalExpired, intent.ScheduledAt.Format(time.RFC3339))
	}
	return nil
}
