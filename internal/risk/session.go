package risk

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signal-trader/internal/trading"
)

// Session 为一次交易会话的统计快照。
type Session struct {
	ID           string    `json:"id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end,omitempty"`
	TotalTrades  int       `json:"total_trades"`
	Won          int       `json:"won"`
	Lost         int       `json:"lost"`
	Cancelled    int       `json:"cancelled"`
	ProfitLoss   float64   `json:"profit_loss"`
	StartBalance float64   `json:"start_balance"`
	EndBalance   float64   `json:"end_balance"`
}

// Active 表示会话是否仍在进行。
func (s Session) Active() bool {
	return s.End.IsZero()
}

// WinRate 返回胜率百分比。
func (s Session) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.Won) / float64(s.TotalTrades) * 100
}

type sessionState struct {
	snapshot Session
	pnl      decimal.Decimal
}

func newSessionState(balance float64, now time.Time) *sessionState {
	return &sessionState{
		snapshot: Session{ID: uuid.NewString(), Start: now, StartBalance: balance},
		pnl:      decimal.Zero,
	}
}

func (s *sessionState) record(trade trading.Trade) {
	switch trade.Status {
	case trading.StatusWon:
		s.snapshot.TotalTrades++
		s.snapshot.Won++
		s.pnl = s.pnl.Add(decimal.NewFromFloat(trade.ProfitLoss))
	case trading.StatusLost:
		s.snapshot.TotalTrades++
		s.snapshot.Lost++
		s.pnl = s.pnl.Sub(decimal.NewFromFloat(trade.Amount))
	case trading.StatusCancelled:
		s.snapshot.Cancelled++
	}
	s.snapshot.ProfitLoss = s.pnl.InexactFloat64()
}

func (s *sessionState) end(balance float64, now time.Time) {
	if !s.snapshot.Active() {
		return
	}
	s.snapshot.End = now
	if balance > 0 {
		s.snapshot.EndBalance = balance
	}
}
