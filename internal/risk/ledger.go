package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-trader/internal/config"
	"signal-trader/internal/trading"
)

const (
	dateLayout      = "2006-01-02"
	dampingFactor   = 0.9
	balanceMultiple = 2
)

// Option 自定义 Ledger。
type Option func(*Ledger)

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithJournal 为账本挂载持久化日志，启动时恢复当日状态。
func WithJournal(j *Journal) Option {
	return func(l *Ledger) {
		l.journal = j
	}
}

// Ledger 维护跨执行路径共享的风控状态，是唯一的同步点。
type Ledger struct {
	risk    config.RiskConfig
	trading config.TradingConfig
	logger  *zap.Logger
	journal *Journal
	now     func() time.Time

	location   *time.Location
	nonTrading map[time.Weekday]struct{}

	mu                   sync.Mutex
	dailyLoss            decimal.Decimal
	dailyProfit          decimal.Decimal
	concurrent           int
	consecutiveLosses    int
	maxConsecutiveLosses int
	tradesToday          int
	lastTradeAt          time.Time
	tradingEnabled       bool
	halted               bool
	haltReason           string
	resetDate            string
	session              *sessionState
	sequences            map[string]*RecoverySequence
}

// NewLedger 创建风控账本，金额上下限矛盾视为致命配置错误。
func NewLedger(riskCfg config.RiskConfig, tradingCfg config.TradingConfig, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	if tradingCfg.MinAmount <= 0 {
		return nil, fmt.Errorf("risk: 最小金额必须为正: %.2f", tradingCfg.MinAmount)
	}
	if tradingCfg.MinAmount > tradingCfg.MaxAmount {
		return nil, fmt.Errorf("risk: 金额区间非法 min=%.2f max=%.2f", tradingCfg.MinAmount, tradingCfg.MaxAmount)
	}
	if riskCfg.MaxConcurrentTrades <= 0 {
		return nil, fmt.Errorf("risk: 最大并发交易数必须为正: %d", riskCfg.MaxConcurrentTrades)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	nonTrading, err := riskCfg.Weekdays()
	if err != nil {
		return nil, fmt.Errorf("risk: %w", err)
	}
	loc, err := tradingCfg.Location()
	if err != nil {
		return nil, fmt.Errorf("risk: %w", err)
	}

	l := &Ledger{
		risk:           riskCfg,
		trading:        tradingCfg,
		logger:         logger.Named("risk"),
		now:            time.Now,
		location:       loc,
		nonTrading:     nonTrading,
		dailyLoss:      decimal.Zero,
		dailyProfit:    decimal.Zero,
		tradingEnabled: true,
		sequences:      make(map[string]*RecoverySequence),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.resetDate = l.today()

	return l, nil
}

// Restore 从持久化日志恢复当日累计值，没有挂载日志时直接返回。
func (l *Ledger) Restore(ctx context.Context) error {
	if l.journal == nil {
		return nil
	}

	l.mu.Lock()
	today := l.today()
	l.mu.Unlock()

	state, found, err := l.journal.Load(ctx, today)
	if err != nil {
		return err
	}
	halted, reason, err := l.journal.LatestHalt(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if found {
		l.dailyLoss = decimal.NewFromFloat(state.DailyLoss)
		l.dailyProfit = decimal.NewFromFloat(state.DailyProfit)
		l.consecutiveLosses = state.ConsecutiveLosses
		l.maxConsecutiveLosses = state.MaxConsecutiveLosses
		l.tradesToday = state.TradesToday
		l.lastTradeAt = state.LastTradeAt
	}
	if halted {
		l.halted = true
		l.haltReason = reason
		l.consecutiveLosses = ForceStopSentinel
	}
	l.resetDate = today

	l.logger.Info("已恢复当日风控状态",
		zap.String("trading_date", today),
		zap.Bool("found", found),
		zap.Bool("halted", halted),
	)
	return nil
}

// Admit 按固定顺序执行准入检查，遇到第一个失败即返回。
func (l *Ledger) Admit(intent trading.TradeIntent, balance float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfNewDayLocked()

	amount := decimal.NewFromFloat(intent.Amount)
	bal := decimal.NewFromFloat(balance)

	switch {
	case !l.tradingEnabled:
		return deny(CodeTradingDisabled, "交易已被禁用")
	case l.halted:
		return deny(CodeTradingDisabled, fmt.Sprintf("交易已被强制停止: %s", l.haltReason))
	case l.consecutiveLosses >= l.risk.EmergencyConsecutiveLosses:
		return deny(CodeTradingDisabled, fmt.Sprintf("连续亏损 %d 次触发紧急停止", l.consecutiveLosses))
	case l.concurrent >= l.risk.MaxConcurrentTrades:
		return deny(CodeMaxConcurrent, fmt.Sprintf("并发交易数已达上限 %d", l.risk.MaxConcurrentTrades))
	case l.dailyLoss.GreaterThanOrEqual(decimal.NewFromFloat(l.risk.MaxDailyLoss)):
		return deny(CodeDailyLossLimit, fmt.Sprintf("当日亏损 %s 已达上限 %.2f", l.dailyLoss.StringFixed(2), l.risk.MaxDailyLoss))
	case !bal.GreaterThan(amount.Mul(decimal.NewFromInt(balanceMultiple))):
		return deny(CodeInsufficientBalance, fmt.Sprintf("余额 %.2f 不足金额 %.2f 的 %d 倍", balance, intent.Amount, balanceMultiple))
	case amount.GreaterThan(l.riskCap(bal)):
		return deny(CodeRiskLimit, fmt.Sprintf("金额 %.2f 超过余额的 %.2f%%", intent.Amount, l.risk.RiskPercentage))
	case l.consecutiveLosses >= l.risk.MaxConsecutiveLosses:
		return deny(CodeConsecutiveLosses, fmt.Sprintf("连续亏损 %d 次，暂停交易", l.consecutiveLosses))
	case l.marketClosedLocked():
		return deny(CodeMarketClosed, fmt.Sprintf("%s 为非交易日", l.now().In(l.location).Weekday()))
	}

	return allow()
}

// Size 将金额限制在 [min, min(max, 风险比例×余额)] 内，再按连亏次数做指数衰减并重新限制。
func (l *Ledger) Size(intent trading.TradeIntent, balance float64) float64 {
	l.mu.Lock()
	losses := l.consecutiveLosses
	l.mu.Unlock()

	minAmount := decimal.NewFromFloat(l.trading.MinAmount)
	upper := decimal.Min(decimal.NewFromFloat(l.trading.MaxAmount), l.riskCap(decimal.NewFromFloat(balance)))

	amount := clamp(decimal.NewFromFloat(intent.Amount), minAmount, upper)
	if losses > 0 {
		factor := decimal.NewFromFloat(math.Pow(dampingFactor, float64(losses)))
		amount = clamp(amount.Mul(factor).Round(2), minAmount, upper)
	}
	return amount.InexactFloat64()
}

func (l *Ledger) riskCap(balance decimal.Decimal) decimal.Decimal {
	return balance.Mul(decimal.NewFromFloat(l.risk.RiskPercentage)).Div(decimal.NewFromInt(100))
}

// clamp 在上限低于下限时返回下限。
func clamp(value, lower, upper decimal.Decimal) decimal.Decimal {
	if value.GreaterThan(upper) {
		value = upper
	}
	if value.LessThan(lower) {
		value = lower
	}
	return value
}

// RecordOutcome 记录终态交易，写入前先做跨日检查。
func (l *Ledger) RecordOutcome(ctx context.Context, trade trading.Trade) {
	l.mu.Lock()
	l.resetIfNewDayLocked()

	counted := false
	switch trade.Status {
	case trading.StatusWon:
		l.dailyProfit = l.dailyProfit.Add(decimal.NewFromFloat(trade.ProfitLoss))
		if !l.halted {
			l.consecutiveLosses = 0
		}
		counted = true
	case trading.StatusLost:
		l.dailyLoss = l.dailyLoss.Add(decimal.NewFromFloat(trade.Amount))
		if !l.halted {
			l.consecutiveLosses++
			if l.consecutiveLosses > l.maxConsecutiveLosses {
				l.maxConsecutiveLosses = l.consecutiveLosses
			}
		}
		counted = true
	}

	if counted {
		l.tradesToday++
		l.lastTradeAt = l.now()
	}
	if l.session != nil && l.session.snapshot.Active() {
		l.session.record(trade)
	}
	state := l.dailyStateLocked()
	l.mu.Unlock()

	l.logger.Debug("记录交易结果",
		zap.String("trade_id", trade.ID),
		zap.String("status", string(trade.Status)),
		zap.Float64("amount", trade.Amount),
		zap.Float64("pnl", trade.ProfitLoss),
		zap.Int("consecutive_losses", state.ConsecutiveLosses),
	)

	if counted {
		l.persist(ctx, state)
	}
}

// SetConcurrentTrades 同步在途交易数，调用方需保证与在途表大小一致。
func (l *Ledger) SetConcurrentTrades(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.concurrent = n
}

// ConcurrentTrades 返回当前在途交易数。
func (l *Ledger) ConcurrentTrades() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.concurrent
}

// SetTradingEnabled 切换交易开关，不影响强制停止状态。
func (l *Ledger) SetTradingEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tradingEnabled = enabled
}

// ForceStop 取消所有未完成的补仓序列、结束会话并锁死准入，跨日也不会解除。
func (l *Ledger) ForceStop(ctx context.Context, reason string) {
	l.mu.Lock()
	now := l.now()
	cancelled := 0
	for _, seq := range l.sequences {
		if closeSequence(seq, SequenceCancelled, now) {
			cancelled++
		}
	}
	if l.session != nil {
		l.session.end(0, now)
	}
	l.consecutiveLosses = ForceStopSentinel
	l.halted = true
	l.haltReason = reason
	state := l.dailyStateLocked()
	l.mu.Unlock()

	l.logger.Error("强制停止交易",
		zap.String("reason", reason),
		zap.Int("cancelled_sequences", cancelled),
	)

	l.persist(ctx, state)
	l.logEvent(ctx, "force_stop", reason, state.TradingDate)
}

// Resume 为强制停止的外部复位入口。
func (l *Ledger) Resume(ctx context.Context) {
	l.mu.Lock()
	wasHalted := l.halted
	l.halted = false
	l.haltReason = ""
	l.consecutiveLosses = 0
	l.tradingEnabled = true
	state := l.dailyStateLocked()
	l.mu.Unlock()

	if !wasHalted {
		return
	}
	l.logger.Warn("交易已恢复")
	l.persist(ctx, state)
	l.logEvent(ctx, "resume", "交易已由外部复位", state.TradingDate)
}

// Halted 表示是否处于强制停止状态。
func (l *Ledger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// StartSession 开启新会话，已有会话会被先行结束。
func (l *Ledger) StartSession(balance float64) Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.session != nil && l.session.snapshot.Active() {
		l.logger.Warn("结束上一个未关闭的会话", zap.String("session_id", l.session.snapshot.ID))
		l.session.end(balance, now)
	}
	l.session = newSessionState(balance, now)
	l.logger.Info("交易会话已开始", zap.String("session_id", l.session.snapshot.ID), zap.Float64("balance", balance))
	return l.session.snapshot
}

// EndSession 结束当前会话，balance 不为正时不记录期末余额。
func (l *Ledger) EndSession(balance float64) (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil {
		return Session{}, false
	}
	l.session.end(balance, l.now())
	snap := l.session.snapshot
	l.logger.Info("交易会话已结束",
		zap.String("session_id", snap.ID),
		zap.Int("trades", snap.TotalTrades),
		zap.Float64("win_rate", snap.WinRate()),
		zap.Float64("pnl", snap.ProfitLoss),
	)
	return snap, true
}

// Session 返回当前（或最近一次）会话快照。
func (l *Ledger) Session() (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return Session{}, false
	}
	return l.session.snapshot, true
}

// Summary 返回风控状态摘要。
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfNewDayLocked()

	active := 0
	for _, seq := range l.sequences {
		if !seq.Complete {
			active++
		}
	}

	remaining := decimal.NewFromFloat(l.risk.MaxDailyLoss).Sub(l.dailyLoss)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	summary := Summary{
		TradingDate:          l.resetDate,
		TradingEnabled:       l.tradingEnabled && !l.halted,
		Halted:               l.halted,
		HaltReason:           l.haltReason,
		DailyLoss:            l.dailyLoss.InexactFloat64(),
		DailyProfit:          l.dailyProfit.InexactFloat64(),
		DailyPnL:             l.dailyProfit.Sub(l.dailyLoss).InexactFloat64(),
		RemainingDailyLoss:   remaining.InexactFloat64(),
		ConcurrentTrades:     l.concurrent,
		ConsecutiveLosses:    l.consecutiveLosses,
		MaxConsecutiveLosses: l.maxConsecutiveLosses,
		TradesToday:          l.tradesToday,
		LastTradeAt:          l.lastTradeAt,
		ActiveSequences:      active,
	}
	if l.session != nil {
		summary.SessionActive = l.session.snapshot.Active()
		summary.SessionWinRate = l.session.snapshot.WinRate()
	}
	return summary
}

// Recommendations 根据当前风控状态给出操作建议。
func (l *Ledger) Recommendations() []string {
	summary := l.Summary()

	var out []string
	if summary.ConsecutiveLosses >= 3 {
		out = append(out, "连续亏损较多，建议降低下单金额")
	}
	if summary.DailyLoss > l.risk.MaxDailyLoss*0.8 {
		out = append(out, "接近当日亏损上限，请谨慎交易")
	}
	if float64(summary.ConcurrentTrades) >= float64(l.risk.MaxConcurrentTrades)*0.8 {
		out = append(out, "接近最大并发交易数")
	}
	if session, ok := l.Session(); ok && session.TotalTrades >= 10 && session.WinRate() < 40 {
		out = append(out, "会话胜率偏低，建议复盘信号来源")
	}
	if len(out) == 0 {
		out = append(out, "风险水平处于可接受范围")
	}
	return out
}

// DailyState 返回当日累计值快照。
func (l *Ledger) DailyState() DailyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDayLocked()
	return l.dailyStateLocked()
}

// resetIfNewDayLocked 在本地日期变化时清零当日累计值；同一天多次调用不产生任何变化。
// 强制停止状态不随跨日解除。
func (l *Ledger) resetIfNewDayLocked() {
	today := l.today()
	if today == l.resetDate {
		return
	}

	l.logger.Info("跨日重置风控累计值",
		zap.String("previous_date", l.resetDate),
		zap.String("trading_date", today),
		zap.String("daily_loss", l.dailyLoss.StringFixed(2)),
		zap.String("daily_profit", l.dailyProfit.StringFixed(2)),
	)
	l.dailyLoss = decimal.Zero
	l.dailyProfit = decimal.Zero
	l.tradesToday = 0
	if l.halted {
		l.consecutiveLosses = ForceStopSentinel
	} else {
		l.consecutiveLosses = 0
	}
	l.resetDate = today
}

func (l *Ledger) marketClosedLocked() bool {
	_, closed := l.nonTrading[l.now().In(l.location).Weekday()]
	return closed
}

func (l *Ledger) today() string {
	return l.now().In(l.location).Format(dateLayout)
}

func (l *Ledger) dailyStateLocked() DailyState {
	return DailyState{
		TradingDate:          l.resetDate,
		DailyLoss:            l.dailyLoss.InexactFloat64(),
		DailyProfit:          l.dailyProfit.InexactFloat64(),
		ConsecutiveLosses:    l.consecutiveLosses,
		MaxConsecutiveLosses: l.maxConsecutiveLosses,
		TradesToday:          l.tradesToday,
		Halted:               l.halted,
		HaltReason:           l.haltReason,
		LastTradeAt:          l.lastTradeAt,
	}
}

func (l *Ledger) persist(ctx context.Context, state DailyState) {
	if l.journal == nil {
		return
	}
	if err := l.journal.Save(ctx, state); err != nil {
		l.logger.Warn("保存风控日志失败", zap.Error(err))
	}
}

func (l *Ledger) logEvent(ctx context.Context, eventType, message, tradingDate string) {
	if l.journal == nil {
		return
	}
	if err := l.journal.LogEvent(ctx, eventType, message, "", tradingDate); err != nil {
		l.logger.Warn("写入风控事件失败", zap.Error(err))
	}
}
