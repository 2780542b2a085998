package execution

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signal-trader/internal/risk"
	"signal-trader/internal/trading"
)

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	for {
		intent, ok := s.queue.Pop(ctx)
		if !ok {
			return
		}
		s.dispatch(intent)
	}
}

// dispatch 是唯一的下单路径：延迟判断、余额、准入、定额、可交易检查、下单。
func (s *Scheduler) dispatch(intent trading.TradeIntent) {
	if !s.AutoTrading() {
		s.reject(intent, DropAutoTradingDisabled, "自动交易已关闭")
		return
	}

	now := s.now()
	if intent.Scheduled() && intent.ScheduledAt.After(now) {
		s.mu.Lock()
		s.delayed[intent.ID] = intent
		s.mu.Unlock()
		s.logger.Info("意图进入延迟队列",
			zap.String("intent_id", intent.ID),
			zap.Time("scheduled_at", intent.ScheduledAt),
		)
		return
	}

	ctx, cancel := s.venueContext()
	defer cancel()

	balance, err := s.venue.GetBalance(ctx)
	if err != nil {
		s.reject(intent, DropBalanceUnavailable, fmt.Sprintf("获取余额失败: %v", err))
		return
	}

	decision := s.ledger.Admit(intent, balance)
	if !decision.Allowed {
		s.reject(intent, string(decision.Code), decision.Reason)
		return
	}

	requested := intent.Amount
	intent.Amount = s.ledger.Size(intent, balance)
	if intent.Amount != requested {
		s.logger.Debug("金额已调整",
			zap.String("intent_id", intent.ID),
			zap.Float64("requested", requested),
			zap.Float64("sized", intent.Amount),
		)
	}

	open, err := s.venue.IsAssetOpen(ctx, intent.Asset)
	if err != nil {
		s.reject(intent, DropAssetClosed, fmt.Sprintf("查询 %s 可交易状态失败: %v", intent.Asset, err))
		return
	}
	if !open {
		s.reject(intent, DropAssetClosed, fmt.Sprintf("%s 当前不可交易", intent.Asset))
		return
	}

	trade := trading.NewTrade(intent, s.now())
	s.mu.Lock()
	s.inFlight[trade.ID] = trade
	s.ledger.SetConcurrentTrades(len(s.inFlight))
	s.mu.Unlock()

	placement, err := s.venue.PlaceTrade(ctx, trading.PlaceRequest{
		TradeID:   trade.ID,
		Asset:     trade.Asset,
		Direction: trade.Direction,
		Amount:    trade.Amount,
		Duration:  trade.Duration,
	})
	if err != nil {
		s.finish(trade.ID, trading.Outcome{Status: trading.StatusError}, fmt.Sprintf("下单失败: %v", err))
		s.reject(intent, DropPlacementFailed, err.Error())
		return
	}

	s.mu.Lock()
	trade.VenueID = placement.VenueID
	trade.EntryPrice = placement.EntryPrice
	if !placement.OpenedAt.IsZero() {
		trade.StartTime = placement.OpenedAt
	}
	if err := trade.Transition(trading.StatusActive); err != nil {
		s.logger.Error("交易状态迁移失败", zap.String("trade_id", trade.ID), zap.Error(err))
	}
	s.stats.executed++
	snapshot := *trade
	s.mu.Unlock()

	if intent.IsRecovery() {
		s.recovery.RecordTrade(intent.OriginID, trade.ID, trade.Amount)
	}

	s.logger.Info("交易已下单",
		zap.String("trade_id", snapshot.ID),
		zap.String("venue_id", snapshot.VenueID),
		zap.String("asset", snapshot.Asset),
		zap.String("direction", string(snapshot.Direction)),
		zap.Float64("amount", snapshot.Amount),
		zap.Duration("duration", snapshot.Duration),
		zap.Int("recovery_step", snapshot.RecoveryStep),
	)
	s.reporter.ReportTrade(snapshot)
}

// reject 丢弃意图并上报原因；补仓意图被丢弃时同时取消其序列。
func (s *Scheduler) reject(intent trading.TradeIntent, code, reason string) {
	s.mu.Lock()
	s.stats.rejected++
	s.mu.Unlock()

	if intent.IsRecovery() {
		s.recovery.Close(intent.OriginID, risk.SequenceCancelled)
	}

	s.logger.Warn("意图被拒绝",
		zap.String("intent_id", intent.ID),
		zap.String("asset", intent.Asset),
		zap.String("code", code),
		zap.String("reason", reason),
	)
	s.reporter.ReportRejection(intent, code, reason)
}

// promoteLoop 定期把到期的延迟意图放回队列。
func (s *Scheduler) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DelayPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.promoteDue()
		}
	}
}

func (s *Scheduler) promoteDue() int {
	now := s.now()
	var due []trading.TradeIntent

	s.mu.Lock()
	for id, intent := range s.delayed {
		if !intent.ScheduledAt.After(now) {
			due = append(due, intent)
			delete(s.delayed, id)
		}
	}
	s.mu.Unlock()

	for _, intent := range due {
		s.logger.Info("延迟意图已到期", zap.String("intent_id", intent.ID), zap.Time("scheduled_at", intent.ScheduledAt))
		s.queue.Push(intent)
	}
	return len(due)
}
