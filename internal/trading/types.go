package trading

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction 表示二元期权方向。
type Direction string

const (
	DirectionUp   Direction = "call"
	DirectionDown Direction = "put"
)

// ParseDirection 将同义词映射为标准方向。
func ParseDirection(raw string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "call", "buy", "up", "higher", "bullish", "long", "📈", "🟢", "⬆️", "⬆":
		return DirectionUp, true
	case "put", "sell", "down", "lower", "bearish", "short", "📉", "🔴", "⬇️", "⬇":
		return DirectionDown, true
	default:
		return "", false
	}
}

// TradeIntent 是经过解析的交易意图，校验后只有金额允许被风控改写。
type TradeIntent struct {
	ID          string
	Asset       string
	Direction   Direction
	Amount      float64
	Duration    time.Duration
	Confidence  *int
	ScheduledAt time.Time
	Source      string
	Metadata    map[string]string
	ReceivedAt  time.Time

	// 补仓相关字段，只有补仓序列合成的意图才会填充
	OriginID     string
	RecoveryStep int
	SequenceID   string
}

// NewIntentID 生成意图 ID。
func NewIntentID() string {
	return uuid.NewString()
}

// Scheduled 表示意图是否绑定了执行时间。
func (i TradeIntent) Scheduled() bool {
	return !i.ScheduledAt.IsZero()
}

// IsRecovery 表示意图是否由补仓序列生成。
func (i TradeIntent) IsRecovery() bool {
	return i.OriginID != ""
}

// RootID 返回补仓序列使用的原始意图 ID。
func (i TradeIntent) RootID() string {
	if i.OriginID != "" {
		return i.OriginID
	}
	return i.ID
}

// Status 为交易状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusWon       Status = "won"
	StatusLost      Status = "lost"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal 表示状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusWon, StatusLost, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	default:
		return 2
	}
}

// ErrTerminalStatus 在终态交易上尝试迁移状态时返回。
var ErrTerminalStatus = errors.New("trading: 交易已处于终态")

// ErrInvalidTransition 在状态倒退时返回。
var ErrInvalidTransition = errors.New("trading: 非法的状态迁移")

// Trade 为一次已下单（或准备下单）的交易记录。
type Trade struct {
	ID           string
	IntentID     string
	OriginID     string
	VenueID      string
	Asset        string
	Direction    Direction
	Amount       float64
	Duration     time.Duration
	Status       Status
	EntryPrice   float64
	ExitPrice    float64
	ProfitLoss   float64
	StartTime    time.Time
	EndTime      time.Time
	RecoveryStep int
	Note         string
}

// NewTrade 根据意图创建 Pending 交易。
func NewTrade(intent TradeIntent, now time.Time) *Trade {
	return &Trade{
		ID:           uuid.NewString(),
		IntentID:     intent.ID,
		OriginID:     intent.RootID(),
		Asset:        intent.Asset,
		Direction:    intent.Direction,
		Amount:       intent.Amount,
		Duration:     intent.Duration,
		Status:       StatusPending,
		StartTime:    now,
		RecoveryStep: intent.RecoveryStep,
	}
}

// Transition 将交易迁移到新状态，状态只能前进且终态不可更改。
func (t *Trade) Transition(next Status) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalStatus, t.Status, next)
	}
	if next.rank() < t.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	return nil
}

// DueAt 返回交易应当结算的时间。
func (t *Trade) DueAt(buffer time.Duration) time.Time {
	return t.StartTime.Add(t.Duration + buffer)
}

// Outcome 为执行端返回的结算结果。
type Outcome struct {
	Status    Status
	Profit    float64
	ExitPrice float64
}

// Settled 表示执行端是否已给出最终结果。
func (o Outcome) Settled() bool {
	return o.Status == StatusWon || o.Status == StatusLost
}
