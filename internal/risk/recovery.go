package risk

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-trader/internal/config"
)

// Sequencer 管理亏损补仓阶梯，状态保存在 Ledger 中并与其共用一把锁。
type Sequencer struct {
	ledger *Ledger
	cfg    config.RecoveryConfig
	logger *zap.Logger
}

// NewSequencer 创建补仓状态机。
func NewSequencer(ledger *Ledger, cfg config.RecoveryConfig, logger *zap.Logger) (*Sequencer, error) {
	if ledger == nil {
		return nil, errors.New("risk: ledger 不能为空")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("risk: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{ledger: ledger, cfg: cfg, logger: logger.Named("recovery")}, nil
}

// Enabled 表示补仓是否开启。
func (s *Sequencer) Enabled() bool {
	return s.cfg.Enabled
}

// ShouldEscalate 判断原始意图是否还能继续补仓。
func (s *Sequencer) ShouldEscalate(originID string) bool {
	if !s.cfg.Enabled {
		return false
	}

	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted || l.consecutiveLosses == 0 {
		return false
	}
	if seq, ok := l.sequences[originID]; ok {
		if seq.Complete || seq.Step >= seq.MaxSteps {
			return false
		}
	}
	return true
}

// Begin 返回原始意图对应的序列，不存在时以首笔亏损交易创建；同一意图只会有一个序列。
func (s *Sequencer) Begin(originID string, baseAmount float64, tradeID string) RecoverySequence {
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq, ok := l.sequences[originID]; ok {
		return seq.clone()
	}

	seq := &RecoverySequence{
		ID:             uuid.NewString(),
		OriginIntentID: originID,
		MaxSteps:       s.cfg.MaxSteps,
		BaseAmount:     baseAmount,
		CurrentAmount:  baseAmount,
		TradeIDs:       []string{tradeID},
		TotalInvested:  baseAmount,
		CreatedAt:      l.now(),
	}
	l.sequences[originID] = seq

	s.logger.Info("创建补仓序列",
		zap.String("sequence_id", seq.ID),
		zap.String("origin_id", originID),
		zap.Float64("base_amount", baseAmount),
		zap.Int("max_steps", seq.MaxSteps),
	)
	return seq.clone()
}

// NextAmount 推进一步并返回 base×multiplier^step；超过步数上限或超过余额比例时关闭序列并拒绝。
func (s *Sequencer) NextAmount(originID string, balance float64) (float64, bool) {
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.sequences[originID]
	if !ok || seq.Complete {
		return 0, false
	}

	now := l.now()
	if seq.Step >= seq.MaxSteps {
		closeSequence(seq, SequenceMaxStepsExhausted, now)
		s.logger.Warn("补仓步数已用尽", zap.String("sequence_id", seq.ID), zap.Int("max_steps", seq.MaxSteps))
		return 0, false
	}

	factor := decimal.NewFromFloat(math.Pow(s.cfg.Multiplier, float64(seq.Step+1)))
	next := decimal.NewFromFloat(seq.BaseAmount).Mul(factor).Round(2)
	limit := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(s.cfg.MaxBalanceFraction))
	if next.GreaterThan(limit) {
		closeSequence(seq, SequenceCancelled, now)
		s.logger.Warn("补仓金额超过余额比例上限",
			zap.String("sequence_id", seq.ID),
			zap.String("next_amount", next.StringFixed(2)),
			zap.String("limit", limit.StringFixed(2)),
		)
		return 0, false
	}

	seq.Step++
	seq.CurrentAmount = next.InexactFloat64()
	s.logger.Info("补仓序列推进",
		zap.String("sequence_id", seq.ID),
		zap.Int("step", seq.Step),
		zap.Float64("amount", seq.CurrentAmount),
	)
	return seq.CurrentAmount, true
}

// RecordTrade 将补仓交易计入序列。
func (s *Sequencer) RecordTrade(originID, tradeID string, amount float64) {
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.sequences[originID]
	if !ok || seq.Complete {
		return
	}
	seq.TradeIDs = append(seq.TradeIDs, tradeID)
	seq.TotalInvested = decimal.NewFromFloat(seq.TotalInvested).Add(decimal.NewFromFloat(amount)).InexactFloat64()
}

// Close 以给定结果关闭序列，对已关闭或不存在的序列无效果。
func (s *Sequencer) Close(originID string, outcome SequenceOutcome) bool {
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.sequences[originID]
	if !ok {
		return false
	}
	if !closeSequence(seq, outcome, l.now()) {
		return false
	}
	s.logger.Info("补仓序列结束",
		zap.String("sequence_id", seq.ID),
		zap.String("outcome", string(outcome)),
		zap.Int("step", seq.Step),
		zap.Float64("total_invested", seq.TotalInvested),
	)
	return true
}

// Sequence 返回序列快照。
func (s *Sequencer) Sequence(originID string) (RecoverySequence, bool) {
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.sequences[originID]
	if !ok {
		return RecoverySequence{}, false
	}
	return seq.clone(), true
}

// ActiveSequences 返回所有未完成的序列快照。
func (s *Sequencer) ActiveSequences() []RecoverySequence {
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]RecoverySequence, 0, len(l.sequences))
	for _, seq := range l.sequences {
		if !seq.Complete {
			out = append(out, seq.clone())
		}
	}
	return out
}

func closeSequence(seq *RecoverySequence, outcome SequenceOutcome, now time.Time) bool {
	if seq.Complete {
		return false
	}
	seq.Complete = true
	seq.FinalOutcome = outcome
	seq.ClosedAt = now
	return true
}
