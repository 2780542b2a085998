package trading

import "time"

// PlaceRequest 为提交到执行端的下单请求。
type PlaceRequest struct {
	TradeID   string
	Asset     string
	Direction Direction
	Amount    float64
	Duration  time.Duration
}

// Placement 为执行端确认的下单结果。
type Placement struct {
	VenueID    string
	EntryPrice float64
	OpenedAt   time.Time
}
