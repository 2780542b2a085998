package execution

import (
	"context"

	"signal-trader/internal/risk"
	"signal-trader/internal/trading"
)

// 丢弃意图时使用的稳定代码，风控拒绝沿用 risk.Code。
const (
	DropAutoTradingDisabled = "AUTO_TRADING_DISABLED"
	DropBalanceUnavailable  = "BALANCE_UNAVAILABLE"
	DropAssetClosed         = "ASSET_CLOSED"
	DropPlacementFailed     = "PLACEMENT_FAILED"
	DropSchedulerStopped    = "SCHEDULER_STOPPED"
)

// Venue 是调度器依赖的执行端能力。
type Venue interface {
	GetBalance(ctx context.Context) (float64, error)
	IsAssetOpen(ctx context.Context, asset string) (bool, error)
	PlaceTrade(ctx context.Context, req trading.PlaceRequest) (trading.Placement, error)
	CheckOutcome(ctx context.Context, venueID string) (trading.Outcome, error)
}

// Canceller 为可选能力，停止时用于撤销在途交易。
type Canceller interface {
	Cancel(ctx context.Context, venueID string) error
}

// Reporter 接收调度过程中的事件，用于落库和对外展示。
type Reporter interface {
	ReportRejection(intent trading.TradeIntent, code, reason string)
	ReportTrade(trade trading.Trade)
	ReportRecovery(seq risk.RecoverySequence, intent trading.TradeIntent)
}

type nopReporter struct{}

func (nopReporter) ReportRejection(trading.TradeIntent, string, string)       {}
func (nopReporter) ReportTrade(trading.Trade)                                 {}
func (nopReporter) ReportRecovery(risk.RecoverySequence, trading.TradeIntent) {}

// Statistics 为调度器运行统计。
type Statistics struct {
	SignalsReceived int          `json:"signals_received"`
	SignalsRejected int          `json:"signals_rejected"`
	TradesExecuted  int          `json:"trades_executed"`
	Won             int          `json:"won"`
	Lost            int          `json:"lost"`
	Cancelled       int          `json:"cancelled"`
	Errors          int          `json:"errors"`
	WinRate         float64      `json:"win_rate"`
	ActiveTrades    int          `json:"active_trades"`
	PendingSignals  int          `json:"pending_signals"`
	QueuedSignals   int          `json:"queued_signals"`
	AutoTrading     bool         `json:"auto_trading"`
	Running         bool         `json:"running"`
	RiskSummary     risk.Summary `json:"risk_summary"`
}

type counters struct {
	received  int
	rejected  int
	executed  int
	won       int
	lost      int
	cancelled int
	errors    int
}
