package exchange

import "time"

// Quote 为某个交易对的最新报价。
type Quote struct {
	Symbol    string
	Last      float64
	Timestamp time.Time
}

// Fresh 判断报价是否在允许的时效内。
func (q Quote) Fresh(now time.Time, maxAge time.Duration) bool {
	if q.Last <= 0 {
		return false
	}
	if maxAge <= 0 || q.Timestamp.IsZero() {
		return true
	}
	return now.Sub(q.Timestamp) <= maxAge
}

// Fill 为市价单成交摘要。
type Fill struct {
	OrderID  string
	Symbol   string
	Side     string
	Quantity float64
	Price    float64
}

// BalanceSnapshot 为指定币种的账户余额。
type BalanceSnapshot struct {
	Currency string
	Total    float64
	Free     float64
}
