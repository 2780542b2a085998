package risk

import (
	"time"
)

// Code 为准入拒绝的稳定编码，适合告警与日志检索。
type Code string

const (
	CodeTradingDisabled     Code = "TRADING_DISABLED"
	CodeMaxConcurrent       Code = "MAX_CONCURRENT"
	CodeDailyLossLimit      Code = "DAILY_LOSS_LIMIT"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeRiskLimit           Code = "RISK_LIMIT"
	CodeConsecutiveLosses   Code = "CONSECUTIVE_LOSSES"
	CodeMarketClosed        Code = "MARKET_CLOSED"
)

// ForceStopSentinel 为强制停止后写入的连亏计数，保证任何准入检查都失败。
const ForceStopSentinel = 999

// Decision 为准入检查结果。
type Decision struct {
	Allowed bool
	Code    Code
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true, Reason: "风控检查通过"}
}

func deny(code Code, reason string) Decision {
	return Decision{Allowed: false, Code: code, Reason: reason}
}

// DailyState 为当日风控累计值，也是日志持久化的单位。
type DailyState struct {
	TradingDate          string
	DailyLoss            float64
	DailyProfit          float64
	ConsecutiveLosses    int
	MaxConsecutiveLosses int
	TradesToday          int
	Halted               bool
	HaltReason           string
	LastTradeAt          time.Time
}

// Summary 为风控状态摘要。
type Summary struct {
	TradingDate          string    `json:"trading_date"`
	TradingEnabled       bool      `json:"trading_enabled"`
	Halted               bool      `json:"halted"`
	HaltReason           string    `json:"halt_reason,omitempty"`
	DailyLoss            float64   `json:"daily_loss"`
	DailyProfit          float64   `json:"daily_profit"`
	DailyPnL             float64   `json:"daily_pnl"`
	RemainingDailyLoss   float64   `json:"remaining_daily_loss"`
	ConcurrentTrades     int       `json:"concurrent_trades"`
	ConsecutiveLosses    int       `json:"consecutive_losses"`
	MaxConsecutiveLosses int       `json:"max_consecutive_losses"`
	TradesToday          int       `json:"trades_today"`
	LastTradeAt          time.Time `json:"last_trade_at"`
	ActiveSequences      int       `json:"active_recovery_sequences"`
	SessionActive        bool      `json:"session_active"`
	SessionWinRate       float64   `json:"session_win_rate"`
}

// SequenceOutcome 为补仓序列的最终结果。
type SequenceOutcome string

const (
	SequenceOpen              SequenceOutcome = ""
	SequenceWon               SequenceOutcome = "won"
	SequenceMaxStepsExhausted SequenceOutcome = "max_steps_exhausted"
	SequenceCancelled         SequenceOutcome = "cancelled"
)

// RecoverySequence 为某个原始意图的补仓阶梯。
type RecoverySequence struct {
	ID             string
	OriginIntentID string
	Step           int
	MaxSteps       int
	BaseAmount     float64
	CurrentAmount  float64
	TradeIDs       []string
	TotalInvested  float64
	Complete       bool
	FinalOutcome   SequenceOutcome
	CreatedAt      time.Time
	ClosedAt       time.Time
}

func (s *RecoverySequence) clone() RecoverySequence {
	out := *s
	out.TradeIDs = append([]string(nil), s.TradeIDs...)
	return out
}
