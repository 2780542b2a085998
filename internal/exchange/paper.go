package exchange

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// PaperAccount 为模拟模式下的资金账户：下单时扣除本金，赢时返还本金加收益。
type PaperAccount struct {
	mu      sync.Mutex
	initial decimal.Decimal
	balance decimal.Decimal
	payout  decimal.Decimal
	trades  int
}

// NewPaperAccount 创建模拟账户，payout 为获胜收益率（如 0.8）。
func NewPaperAccount(initial, payout float64) (*PaperAccount, error) {
	if initial <= 0 {
		return nil, fmt.Errorf("exchange: 模拟账户初始余额必须为正: %.2f", initial)
	}
	if payout <= 0 || payout > 1 {
		return nil, fmt.Errorf("exchange: 收益率必须位于(0,1]: %.2f", payout)
	}
	start := decimal.NewFromFloat(initial)
	return &PaperAccount{
		initial: start,
		balance: start,
		payout:  decimal.NewFromFloat(payout),
	}, nil
}

// Balance 返回当前余额。
func (a *PaperAccount) Balance() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance.InexactFloat64()
}

// Reserve 扣除下单本金。
func (a *PaperAccount) Reserve(amount float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	stake := decimal.NewFromFloat(amount)
	if stake.GreaterThan(a.balance) {
		return fmt.Errorf("%w: 需要 %s，可用 %s", ErrInsufficientFunds, stake.StringFixed(2), a.balance.StringFixed(2))
	}
	a.balance = a.balance.Sub(stake)
	a.trades++
	return nil
}

// Settle 结算一笔交易并返回盈亏：赢时返还本金并加收益，输时本金不返还。
func (a *PaperAccount) Settle(amount float64, won bool) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	stake := decimal.NewFromFloat(amount)
	if !won {
		return stake.Neg().InexactFloat64()
	}
	profit := stake.Mul(a.payout).Round(2)
	a.balance = a.balance.Add(stake).Add(profit)
	return profit.InexactFloat64()
}

// Refund 返还被取消交易的本金。
func (a *PaperAccount) Refund(amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = a.balance.Add(decimal.NewFromFloat(amount))
}

// PnL 返回相对初始余额的累计盈亏。
func (a *PaperAccount) PnL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance.Sub(a.initial).InexactFloat64()
}
