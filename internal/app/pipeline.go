package app

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"signal-trader/internal/execution"
	"signal-trader/internal/monitor"
	"signal-trader/internal/risk"
	"signal-trader/internal/signal"
	"signal-trader/internal/trading"
)

// 提交结果编码，校验失败使用 signal 包的编码。
const (
	CodeIgnored  = "IGNORED"
	CodeQueued   = "QUEUED"
	CodeStopped  = execution.DropSchedulerStopped
	sourceManual = "manual"
)

// Components 为流水线依赖的组件。
type Components struct {
	Parser    *signal.Parser
	Ledger    *risk.Ledger
	Recovery  *risk.Sequencer
	Scheduler *execution.Scheduler
	Venue     execution.Venue
	Events    *monitor.Service
}

// SubmitResult 描述一条消息的处理结果。
type SubmitResult struct {
	Accepted bool                 `json:"accepted"`
	Code     string               `json:"code"`
	Reason   string               `json:"reason,omitempty"`
	Intent   *trading.TradeIntent `json:"intent,omitempty"`
}

// Statistics 为流水线统计，包含调度器统计与解析计数。
type Statistics struct {
	execution.Statistics
	IgnoredMessages int64        `json:"ignored_messages"`
	InvalidSignals  int64        `json:"invalid_signals"`
	Parser          signal.Stats `json:"parser"`
	Recommendations []string     `json:"recommendations"`
}

// Pipeline 串联解析、校验、风控与调度，是对外暴露的操作面。
type Pipeline struct {
	parser    *signal.Parser
	ledger    *risk.Ledger
	recovery  *risk.Sequencer
	scheduler *execution.Scheduler
	venue     execution.Venue
	events    *monitor.Service
	logger    *zap.Logger

	ignored atomic.Int64
	invalid atomic.Int64
}

// NewPipeline 组装流水线。
func NewPipeline(c Components, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case c.Parser == nil:
		return nil, fmt.Errorf("app: parser 不能为空")
	case c.Ledger == nil:
		return nil, fmt.Errorf("app: ledger 不能为空")
	case c.Recovery == nil:
		return nil, fmt.Errorf("app: recovery 不能为空")
	case c.Scheduler == nil:
		return nil, fmt.Errorf("app: scheduler 不能为空")
	case c.Venue == nil:
		return nil, fmt.Errorf("app: venue 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		parser:    c.Parser,
		ledger:    c.Ledger,
		recovery:  c.Recovery,
		scheduler: c.Scheduler,
		venue:     c.Venue,
		events:    c.Events,
		logger:    logger.Named("pipeline"),
	}, nil
}

// Submit 解析并校验一条原始消息，合法时放入调度队列。
// 无法识别的消息只计数，不产生事件。
func (p *Pipeline) Submit(source, text string) SubmitResult {
	intent, ok := p.parser.Parse(text)
	if !ok {
		p.ignored.Add(1)
		p.logger.Debug("消息未识别为信号", zap.String("source", source), zap.Int("length", len(text)))
		return SubmitResult{Code: CodeIgnored, Reason: "未识别出交易信号"}
	}

	if source == "" {
		source = sourceManual
	}
	if intent.Metadata == nil {
		intent.Metadata = make(map[string]string)
	}
	intent.Metadata["transport"] = source

	if err := p.parser.Validate(intent); err != nil {
		p.invalid.Add(1)
		code := signal.RejectionCode(err)
		p.logger.Warn("信号校验失败",
			zap.String("intent_id", intent.ID),
			zap.String("asset", intent.Asset),
			zap.String("code", code),
			zap.Error(err),
		)
		if p.events != nil {
			p.events.ReportRejection(intent, code, err.Error())
		}
		return SubmitResult{Code: code, Reason: err.Error(), Intent: &intent}
	}

	if !p.scheduler.Enqueue(intent) {
		return SubmitResult{Code: CodeStopped, Reason: "调度器已停止", Intent: &intent}
	}

	p.logger.Info("信号已接收",
		zap.String("intent_id", intent.ID),
		zap.String("asset", intent.Asset),
		zap.String("direction", string(intent.Direction)),
		zap.Float64("amount", intent.Amount),
		zap.Duration("duration", intent.Duration),
		zap.String("strategy", intent.Metadata["strategy"]),
		zap.String("source", source),
	)
	return SubmitResult{Accepted: true, Code: CodeQueued, Intent: &intent}
}

// Preview 只解析与校验，不入队。
func (p *Pipeline) Preview(text string) SubmitResult {
	intent, ok := p.parser.Parse(text)
	if !ok {
		return SubmitResult{Code: CodeIgnored, Reason: "未识别出交易信号"}
	}
	if err := p.parser.Validate(intent); err != nil {
		return SubmitResult{Code: signal.RejectionCode(err), Reason: err.Error(), Intent: &intent}
	}
	return SubmitResult{Accepted: true, Code: CodeQueued, Intent: &intent}
}

// Start 恢复当日风控状态、开启会话并启动调度器。
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.ledger.Restore(ctx); err != nil {
		return fmt.Errorf("app: 恢复风控状态失败: %w", err)
	}

	balance, err := p.venue.GetBalance(ctx)
	if err != nil {
		p.logger.Warn("启动时获取余额失败", zap.Error(err))
	}
	session := p.ledger.StartSession(balance)

	if err := p.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("app: 启动调度器失败: %w", err)
	}
	p.logger.Info("交易流水线已启动",
		zap.String("session_id", session.ID),
		zap.Float64("balance", balance),
		zap.Strings("assets", p.parser.AllowedAssets()),
	)
	return nil
}

// Stop 停止调度器并结束会话，ctx 控制等待在途交易结算的时长。
func (p *Pipeline) Stop(ctx context.Context) error {
	stopErr := p.scheduler.Stop(ctx)

	balanceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), venueTimeout)
	defer cancel()
	balance, err := p.venue.GetBalance(balanceCtx)
	if err != nil {
		p.logger.Warn("停止时获取余额失败", zap.Error(err))
	}

	if session, ok := p.ledger.EndSession(balance); ok {
		p.logger.Info("交易会话结束",
			zap.String("session_id", session.ID),
			zap.Int("trades", session.TotalTrades),
			zap.Float64("win_rate", session.WinRate()),
			zap.Float64("pnl", session.ProfitLoss),
		)
	}
	return stopErr
}

// Statistics 返回流水线统计快照。
func (p *Pipeline) Statistics() Statistics {
	return Statistics{
		Statistics:      p.scheduler.Statistics(),
		IgnoredMessages: p.ignored.Load(),
		InvalidSignals:  p.invalid.Load(),
		Parser:          p.parser.Stats(),
		Recommendations: p.ledger.Recommendations(),
	}
}

// ActiveTrades 返回在途交易。
func (p *Pipeline) ActiveTrades() []trading.Trade {
	return p.scheduler.ActiveTrades()
}

// PendingIntents 返回等待执行时间的意图。
func (p *Pipeline) PendingIntents() []trading.TradeIntent {
	return p.scheduler.PendingIntents()
}

// RecoverySequences 返回未完成的补仓序列。
func (p *Pipeline) RecoverySequences() []risk.RecoverySequence {
	return p.recovery.ActiveSequences()
}

// EnableAutoTrading 打开自动交易。
func (p *Pipeline) EnableAutoTrading() {
	p.scheduler.SetAutoTrading(true)
}

// DisableAutoTrading 关闭自动交易，之后出队的意图以 AUTO_TRADING_DISABLED 丢弃。
func (p *Pipeline) DisableAutoTrading() {
	p.scheduler.SetAutoTrading(false)
}

// ForceStopTrading 触发不可自动解除的停止。
func (p *Pipeline) ForceStopTrading(ctx context.Context, reason string) {
	if reason == "" {
		reason = "手动强制停止"
	}
	p.ledger.ForceStop(ctx, reason)
	if p.events != nil {
		p.events.RecordForceStop(ctx, reason, p.ledger.Summary())
	}
}

// ResumeTrading 解除强制停止。
func (p *Pipeline) ResumeTrading(ctx context.Context) {
	p.ledger.Resume(ctx)
}
