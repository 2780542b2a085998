package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signal-trader/internal/config"
	"signal-trader/internal/risk"
	"signal-trader/internal/trading"
)

const venueCallTimeout = 30 * time.Second

// ErrAlreadyRunning 在重复启动时返回。
var ErrAlreadyRunning = errors.New("execution: 调度器已在运行")

// Option 自定义调度器。
type Option func(*Scheduler)

// WithReporter 设置事件接收方。
func WithReporter(r Reporter) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.reporter = r
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler 负责意图排队、延迟分发、下单与结算监控。
// 锁顺序固定为 Scheduler.mu 在前、Ledger 内部锁在后，执行端调用一律在锁外进行。
type Scheduler struct {
	cfg      config.SchedulerConfig
	ledger   *risk.Ledger
	recovery *risk.Sequencer
	venue    Venue
	reporter Reporter
	logger   *zap.Logger
	now      func() time.Time
	queue    *intentQueue

	mu          sync.Mutex
	inFlight    map[string]*trading.Trade
	delayed     map[string]trading.TradeIntent
	autoTrading bool
	stats       counters

	running atomic.Bool
	stopped atomic.Bool

	runMu        sync.Mutex
	base         context.Context
	intakeCancel context.CancelFunc
	settleCancel context.CancelFunc
	intake       *errgroup.Group
	settle       *errgroup.Group
}

// New 创建调度器。
func New(cfg config.SchedulerConfig, ledger *risk.Ledger, recovery *risk.Sequencer, venue Venue, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if ledger == nil {
		return nil, fmt.Errorf("execution: ledger 不能为空")
	}
	if recovery == nil {
		return nil, fmt.Errorf("execution: recovery sequencer 不能为空")
	}
	if venue == nil {
		return nil, fmt.Errorf("execution: venue 不能为空")
	}
	if cfg.DelayPollInterval <= 0 || cfg.MonitorInterval <= 0 {
		return nil, fmt.Errorf("execution: 轮询间隔必须为正")
	}
	if cfg.SettlementBuffer < 0 {
		return nil, fmt.Errorf("execution: 结算缓冲不能为负")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		cfg:         cfg,
		ledger:      ledger,
		recovery:    recovery,
		venue:       venue,
		reporter:    nopReporter{},
		logger:      logger.Named("execution"),
		now:         func() time.Time { return time.Now().UTC() },
		queue:       newIntentQueue(),
		inFlight:    make(map[string]*trading.Trade),
		delayed:     make(map[string]trading.TradeIntent),
		autoTrading: true,
		base:        context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start 启动分发、延迟提升与结算监控三个循环，立即返回。
// ctx 结束只会停止接收新意图，在途交易的结算持续到 Stop。
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running.Load() {
		return ErrAlreadyRunning
	}

	base := context.WithoutCancel(ctx)
	intakeCtx, intakeCancel := context.WithCancel(ctx)
	settleCtx, settleCancel := context.WithCancel(base)

	intake, intakeCtx := errgroup.WithContext(intakeCtx)
	settle, settleCtx := errgroup.WithContext(settleCtx)

	s.base = base
	s.intakeCancel = intakeCancel
	s.settleCancel = settleCancel
	s.intake = intake
	s.settle = settle
	s.stopped.Store(false)
	s.running.Store(true)

	intake.Go(func() error {
		s.dispatchLoop(intakeCtx)
		return nil
	})
	intake.Go(func() error {
		s.promoteLoop(intakeCtx)
		return nil
	})
	settle.Go(func() error {
		s.monitorLoop(settleCtx)
		return nil
	})

	s.logger.Info("调度器已启动",
		zap.Duration("delay_poll_interval", s.cfg.DelayPollInterval),
		zap.Duration("monitor_interval", s.cfg.MonitorInterval),
		zap.Duration("settlement_buffer", s.cfg.SettlementBuffer),
	)
	return nil
}

// Enqueue 将意图放入队列；调度器停止后直接丢弃并上报。
func (s *Scheduler) Enqueue(intent trading.TradeIntent) bool {
	s.mu.Lock()
	s.stats.received++
	s.mu.Unlock()

	if s.stopped.Load() {
		s.reject(intent, DropSchedulerStopped, "调度器已停止")
		return false
	}
	s.queue.Push(intent)
	s.logger.Debug("意图已入队",
		zap.String("intent_id", intent.ID),
		zap.String("asset", intent.Asset),
		zap.String("source", intent.Source),
	)
	return true
}

// SetAutoTrading 切换自动交易开关。
func (s *Scheduler) SetAutoTrading(enabled bool) {
	s.mu.Lock()
	s.autoTrading = enabled
	s.mu.Unlock()
	s.logger.Info("自动交易开关变更", zap.Bool("enabled", enabled))
}

// AutoTrading 返回自动交易开关状态。
func (s *Scheduler) AutoTrading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoTrading
}

// Running 表示调度器是否在运行。
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Statistics 返回运行统计快照。
func (s *Scheduler) Statistics() Statistics {
	s.mu.Lock()
	stats := Statistics{
		SignalsReceived: s.stats.received,
		SignalsRejected: s.stats.rejected,
		TradesExecuted:  s.stats.executed,
		Won:             s.stats.won,
		Lost:            s.stats.lost,
		Cancelled:       s.stats.cancelled,
		Errors:          s.stats.errors,
		ActiveTrades:    len(s.inFlight),
		PendingSignals:  len(s.delayed),
		AutoTrading:     s.autoTrading,
	}
	s.mu.Unlock()

	if stats.TradesExecuted > 0 {
		stats.WinRate = float64(stats.Won) / float64(stats.TradesExecuted) * 100
	}
	stats.QueuedSignals = s.queue.Len()
	stats.Running = s.running.Load()
	stats.RiskSummary = s.ledger.Summary()
	return stats
}

// ActiveTrades 返回在途交易快照，按开始时间排序。
func (s *Scheduler) ActiveTrades() []trading.Trade {
	s.mu.Lock()
	out := make([]trading.Trade, 0, len(s.inFlight))
	for _, trade := range s.inFlight {
		out = append(out, *trade)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// PendingIntents 返回等待执行时间的意图快照，按计划时间排序。
func (s *Scheduler) PendingIntents() []trading.TradeIntent {
	s.mu.Lock()
	out := make([]trading.TradeIntent, 0, len(s.delayed))
	for _, intent := range s.delayed {
		out = append(out, intent)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

func (s *Scheduler) venueContext() (context.Context, context.CancelFunc) {
	s.runMu.Lock()
	base := s.base
	s.runMu.Unlock()
	return context.WithTimeout(base, venueCallTimeout)
}

func (s *Scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}
