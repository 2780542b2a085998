package execution

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"signal-trader/internal/risk"
	"signal-trader/internal/trading"
)

const sourceRecovery = "recovery"

func (s *Scheduler) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.settleDue()
		}
	}
}

// settleDue 查询已过 duration+缓冲 的在途交易，返回本轮结算数。
func (s *Scheduler) settleDue() int {
	now := s.now()
	var due []trading.Trade

	s.mu.Lock()
	for _, trade := range s.inFlight {
		if trade.Status == trading.StatusActive && !now.Before(trade.DueAt(s.cfg.SettlementBuffer)) {
			due = append(due, *trade)
		}
	}
	s.mu.Unlock()

	settled := 0
	for _, trade := range due {
		ctx, cancel := s.venueContext()
		outcome, err := s.venue.CheckOutcome(ctx, trade.VenueID)
		cancel()

		if err != nil {
			s.logger.Error("查询结算结果失败",
				zap.String("trade_id", trade.ID),
				zap.String("venue_id", trade.VenueID),
				zap.Error(err),
			)
			if s.finish(trade.ID, trading.Outcome{Status: trading.StatusError}, fmt.Sprintf("查询结算结果失败: %v", err)) {
				settled++
			}
			continue
		}
		if !outcome.Status.Terminal() {
			continue
		}
		if s.finish(trade.ID, outcome, "") {
			settled++
		}
	}
	return settled
}

// finish 将在途交易置为终态、移出在途表并回写账本，然后驱动补仓序列。
func (s *Scheduler) finish(tradeID string, outcome trading.Outcome, note string) bool {
	s.mu.Lock()
	trade, ok := s.inFlight[tradeID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if err := trade.Transition(outcome.Status); err != nil {
		s.mu.Unlock()
		s.logger.Error("交易状态迁移失败", zap.String("trade_id", tradeID), zap.Error(err))
		return false
	}

	trade.EndTime = s.now()
	trade.Note = note
	if outcome.ExitPrice > 0 {
		trade.ExitPrice = outcome.ExitPrice
	}
	switch outcome.Status {
	case trading.StatusWon:
		trade.ProfitLoss = outcome.Profit
		s.stats.won++
	case trading.StatusLost:
		trade.ProfitLoss = outcome.Profit
		if trade.ProfitLoss == 0 {
			trade.ProfitLoss = -trade.Amount
		}
		s.stats.lost++
	case trading.StatusCancelled:
		s.stats.cancelled++
	case trading.StatusError:
		s.stats.errors++
	}

	delete(s.inFlight, tradeID)
	s.ledger.SetConcurrentTrades(len(s.inFlight))
	snapshot := *trade
	s.mu.Unlock()

	ctx, cancel := s.venueContext()
	s.ledger.RecordOutcome(ctx, snapshot)
	cancel()

	s.logger.Info("交易已结束",
		zap.String("trade_id", snapshot.ID),
		zap.String("status", string(snapshot.Status)),
		zap.Float64("amount", snapshot.Amount),
		zap.Float64("pnl", snapshot.ProfitLoss),
		zap.Int("recovery_step", snapshot.RecoveryStep),
	)
	s.reporter.ReportTrade(snapshot)

	switch snapshot.Status {
	case trading.StatusWon:
		s.recovery.Close(snapshot.OriginID, risk.SequenceWon)
	case trading.StatusLost:
		s.escalate(snapshot)
	default:
		s.recovery.Close(snapshot.OriginID, risk.SequenceCancelled)
	}
	return true
}

// escalate 在亏损后决定是否追加补仓意图。
func (s *Scheduler) escalate(trade trading.Trade) {
	if !s.recovery.Enabled() {
		return
	}
	origin := trade.OriginID

	if s.stopped.Load() {
		s.recovery.Close(origin, risk.SequenceCancelled)
		return
	}

	if !s.recovery.ShouldEscalate(origin) {
		if seq, ok := s.recovery.Sequence(origin); ok && !seq.Complete {
			outcome := risk.SequenceCancelled
			if seq.Step >= seq.MaxSteps {
				outcome = risk.SequenceMaxStepsExhausted
			}
			s.recovery.Close(origin, outcome)
		}
		return
	}

	s.recovery.Begin(origin, trade.Amount, trade.ID)

	ctx, cancel := s.venueContext()
	balance, err := s.venue.GetBalance(ctx)
	cancel()
	if err != nil {
		s.logger.Warn("补仓时获取余额失败", zap.String("origin_id", origin), zap.Error(err))
		s.recovery.Close(origin, risk.SequenceCancelled)
		return
	}

	amount, ok := s.recovery.NextAmount(origin, balance)
	if !ok {
		return
	}
	seq, _ := s.recovery.Sequence(origin)

	intent := trading.TradeIntent{
		ID:        trading.NewIntentID(),
		Asset:     trade.Asset,
		Direction: trade.Direction,
		Amount:    amount,
		Duration:  trade.Duration,
		Source:    sourceRecovery,
		Metadata: map[string]string{
			"parent_trade_id": trade.ID,
			"sequence_id":     seq.ID,
			"recovery_step":   strconv.Itoa(seq.Step),
		},
		ReceivedAt:   s.now(),
		OriginID:     origin,
		RecoveryStep: seq.Step,
		SequenceID:   seq.ID,
	}
	s.queue.Push(intent)

	s.logger.Info("补仓意图已入队",
		zap.String("intent_id", intent.ID),
		zap.String("origin_id", origin),
		zap.Int("step", seq.Step),
		zap.Float64("amount", amount),
	)
	s.reporter.ReportRecovery(seq, intent)
}

// Stop 先停止接收，再等待在途交易结算直到 ctx 结束，最后撤销剩余交易并按取消记账。
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.stopped.Store(true)

	s.runMu.Lock()
	intakeCancel, settleCancel := s.intakeCancel, s.settleCancel
	intake, settle := s.intake, s.settle
	s.runMu.Unlock()

	intakeCancel()
	if err := intake.Wait(); err != nil {
		s.logger.Warn("接收循环退出异常", zap.Error(err))
	}
	s.rejectLeftovers()

	s.logger.Info("已停止接收意图，等待在途交易结算", zap.Int("active_trades", s.activeCount()))
	s.awaitDrain(ctx)

	settleCancel()
	if err := settle.Wait(); err != nil {
		s.logger.Warn("结算循环退出异常", zap.Error(err))
	}
	s.rejectLeftovers()

	err := s.cancelRemaining()
	s.logger.Info("调度器已停止", zap.Error(err))
	return err
}

func (s *Scheduler) rejectLeftovers() {
	leftovers := s.queue.Drain()

	s.mu.Lock()
	for id, intent := range s.delayed {
		leftovers = append(leftovers, intent)
		delete(s.delayed, id)
	}
	s.mu.Unlock()

	for _, intent := range leftovers {
		s.reject(intent, DropSchedulerStopped, "调度器停止时意图尚未执行")
	}
}

func (s *Scheduler) awaitDrain(ctx context.Context) {
	if s.activeCount() == 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for s.activeCount() > 0 {
		select {
		case <-ctx.Done():
			s.logger.Warn("等待结算超时", zap.Int("active_trades", s.activeCount()))
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) cancelRemaining() error {
	var errs error
	canceller, _ := s.venue.(Canceller)

	for _, trade := range s.ActiveTrades() {
		note := "调度器停止时取消"
		if canceller != nil && trade.VenueID != "" {
			ctx, cancel := s.venueContext()
			err := canceller.Cancel(ctx, trade.VenueID)
			cancel()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("execution: 撤销交易 %s 失败: %w", trade.ID, err))
				note = fmt.Sprintf("调度器停止时撤销失败: %v", err)
			}
		}
		s.finish(trade.ID, trading.Outcome{Status: trading.StatusCancelled}, note)
	}
	return errs
}
