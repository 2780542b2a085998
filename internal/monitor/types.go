package monitor

import (
	"time"

	"signal-trader/internal/execution"
	"signal-trader/internal/risk"
	"signal-trader/internal/trading"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventIntentRejected EventType = "intent_rejected"
	EventTradeUpdate    EventType = "trade_update"
	EventRecovery       EventType = "recovery"
	EventForceStop      EventType = "force_stop"
	EventStatus         EventType = "status"
	EventError          EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// RejectionPayload 记录被丢弃的意图及稳定原因码。
type RejectionPayload struct {
	IntentID  string            `json:"intent_id"`
	Asset     string            `json:"asset"`
	Direction trading.Direction `json:"direction"`
	Amount    float64           `json:"amount"`
	Source    string            `json:"source"`
	OriginID  string            `json:"origin_id,omitempty"`
	Code      string            `json:"code"`
	Reason    string            `json:"reason"`
}

// TradePayload 记录交易状态变化。
type TradePayload struct {
	TradeID      string            `json:"trade_id"`
	IntentID     string            `json:"intent_id"`
	OriginID     string            `json:"origin_id"`
	VenueID      string            `json:"venue_id,omitempty"`
	Asset        string            `json:"asset"`
	Direction    trading.Direction `json:"direction"`
	Amount       float64           `json:"amount"`
	DurationSec  int64             `json:"duration_sec"`
	Status       trading.Status    `json:"status"`
	EntryPrice   float64           `json:"entry_price,omitempty"`
	ExitPrice    float64           `json:"exit_price,omitempty"`
	ProfitLoss   float64           `json:"profit_loss"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      time.Time         `json:"end_time,omitempty"`
	RecoveryStep int               `json:"recovery_step"`
	Note         string            `json:"note,omitempty"`
}

// RecoveryPayload 记录补仓序列推进。
type RecoveryPayload struct {
	SequenceID    string  `json:"sequence_id"`
	OriginID      string  `json:"origin_id"`
	Step          int     `json:"step"`
	MaxSteps      int     `json:"max_steps"`
	NextIntentID  string  `json:"next_intent_id"`
	NextAmount    float64 `json:"next_amount"`
	TotalInvested float64 `json:"total_invested"`
}

// ForceStopPayload 记录强制停止。
type ForceStopPayload struct {
	Reason  string       `json:"reason"`
	Summary risk.Summary `json:"summary"`
}

// StatusPayload 为周期性状态报告。
type StatusPayload struct {
	Statistics execution.Statistics `json:"statistics"`
	Balance    float64              `json:"balance"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func tradePayload(trade trading.Trade) TradePayload {
	return TradePayload{
		TradeID:      trade.ID,
		IntentID:     trade.IntentID,
		OriginID:     trade.OriginID,
		VenueID:      trade.VenueID,
		Asset:        trade.Asset,
		Direction:    trade.Direction,
		Amount:       trade.Amount,
		DurationSec:  int64(trade.Duration.Seconds()),
		Status:       trade.Status,
		EntryPrice:   trade.EntryPrice,
		ExitPrice:    trade.ExitPrice,
		ProfitLoss:   trade.ProfitLoss,
		StartTime:    trade.StartTime,
		EndTime:      trade.EndTime,
		RecoveryStep: trade.RecoveryStep,
		Note:         trade.Note,
	}
}
