package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"signal-trader/internal/trading"
)

type fakeQuotes struct {
	price float64
	ts    time.Time
	err   error
}

func (f *fakeQuotes) Ticker(ctx context.Context, symbol string) (Quote, error) {
	if f.err != nil {
		return Quote{}, f.err
	}
	return Quote{Symbol: symbol, Last: f.price, Timestamp: f.ts}, nil
}

type fakeOrders struct {
	fills []Fill
	sides []string
	free  float64
}

func (f *fakeOrders) MarketOrder(ctx context.Context, symbol, side string, quantity float64, reduceOnly bool) (Fill, error) {
	f.sides = append(f.sides, side)
	if len(f.fills) == 0 {
		return Fill{Symbol: symbol, Side: side, Quantity: quantity}, nil
	}
	fill := f.fills[0]
	f.fills = f.fills[1:]
	return fill, nil
}

func (f *fakeOrders) Balance(ctx context.Context, currency string) (BalanceSnapshot, error) {
	return BalanceSnapshot{Currency: currency, Free: f.free}, nil
}

type venueClock struct{ now time.Time }

func (c *venueClock) Now() time.Time { return c.now }

var venueStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestPaperVenueWinAndLoss(t *testing.T) {
	clock := &venueClock{now: venueStart}
	quotes := &fakeQuotes{price: 1.10, ts: venueStart}
	venue, err := newVenue(testVenueConfig(), quotes, nil, nil, WithVenueClock(clock.Now))
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}
	ctx := context.Background()

	open, err := venue.IsAssetOpen(ctx, "EURUSD")
	if err != nil || !open {
		t.Fatalf("expected EURUSD open, got %v %v", open, err)
	}

	up, err := venue.PlaceTrade(ctx, trading.PlaceRequest{Asset: "EURUSD", Direction: trading.DirectionUp, Amount: 10, Duration: time.Minute})
	if err != nil {
		t.Fatalf("place up: %v", err)
	}
	down, err := venue.PlaceTrade(ctx, trading.PlaceRequest{Asset: "EURUSD", Direction: trading.DirectionDown, Amount: 20, Duration: time.Minute})
	if err != nil {
		t.Fatalf("place down: %v", err)
	}
	if balance, _ := venue.GetBalance(ctx); balance != 970 {
		t.Fatalf("stakes should be reserved, balance %.2f", balance)
	}

	outcome, err := venue.CheckOutcome(ctx, up.VenueID)
	if err != nil || outcome.Status != trading.StatusPending {
		t.Fatalf("expected pending before expiry, got %+v %v", outcome, err)
	}

	clock.now = venueStart.Add(time.Minute)
	quotes.price = 1.12
	quotes.ts = clock.now

	won, err := venue.CheckOutcome(ctx, up.VenueID)
	if err != nil || won.Status != trading.StatusWon || won.Profit != 8 {
		t.Fatalf("expected win with profit 8, got %+v %v", won, err)
	}
	lost, err := venue.CheckOutcome(ctx, down.VenueID)
	if err != nil || lost.Status != trading.StatusLost || lost.Profit != -20 {
		t.Fatalf("expected loss of 20, got %+v %v", lost, err)
	}
	if balance, _ := venue.GetBalance(ctx); balance != 988 {
		t.Fatalf("expected balance 988, got %.2f", balance)
	}
	if venue.OpenPositions() != 0 {
		t.Fatalf("settled positions must be removed")
	}

	if _, err := venue.CheckOutcome(ctx, up.VenueID); !errors.Is(err, ErrUnknownTrade) {
		t.Fatalf("expected ErrUnknownTrade, got %v", err)
	}
}

func TestPaperVenueTieIsLoss(t *testing.T) {
	clock := &venueClock{now: venueStart}
	quotes := &fakeQuotes{price: 1.10, ts: venueStart}
	venue, err := newVenue(testVenueConfig(), quotes, nil, nil, WithVenueClock(clock.Now))
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}
	ctx := context.Background()

	placement, err := venue.PlaceTrade(ctx, trading.PlaceRequest{Asset: "EURUSD", Direction: trading.DirectionUp, Amount: 10, Duration: time.Minute})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	clock.now = venueStart.Add(2 * time.Minute)
	outcome, err := venue.CheckOutcome(ctx, placement.VenueID)
	if err != nil || outcome.Status != trading.StatusLost {
		t.Fatalf("expected tie to lose, got %+v %v", outcome, err)
	}
}

func TestVenueAssetGates(t *testing.T) {
	clock := &venueClock{now: venueStart}
	quotes := &fakeQuotes{price: 1.10, ts: venueStart.Add(-time.Hour)}
	venue, err := newVenue(testVenueConfig(), quotes, nil, nil, WithVenueClock(clock.Now))
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}
	ctx := context.Background()

	if open, _ := venue.IsAssetOpen(ctx, "GBPUSD"); open {
		t.Fatalf("unmapped asset must be closed")
	}
	if open, _ := venue.IsAssetOpen(ctx, "EURUSD"); open {
		t.Fatalf("stale quote must close the asset")
	}
	if _, err := venue.PlaceTrade(ctx, trading.PlaceRequest{Asset: "GBPUSD", Direction: trading.DirectionUp, Amount: 10}); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}

	quotes.err = errors.New("timeout")
	if _, err := venue.IsAssetOpen(ctx, "EURUSD"); err == nil {
		t.Fatalf("expected quote error to surface")
	}
}

func TestPaperVenueCancelRefunds(t *testing.T) {
	quotes := &fakeQuotes{price: 1.10, ts: venueStart}
	venue, err := newVenue(testVenueConfig(), quotes, nil, nil, WithVenueClock(func() time.Time { return venueStart }))
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}
	ctx := context.Background()

	placement, err := venue.PlaceTrade(ctx, trading.PlaceRequest{Asset: "EURUSD", Direction: trading.DirectionUp, Amount: 50, Duration: time.Minute})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := venue.Cancel(ctx, placement.VenueID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if balance, _ := venue.GetBalance(ctx); balance != 1000 {
		t.Fatalf("expected refund, balance %.2f", balance)
	}
}

func TestLiveVenueSettlesFromFills(t *testing.T) {
	cfg := testVenueConfig()
	cfg.Simulation = false
	clock := &venueClock{now: venueStart}
	quotes := &fakeQuotes{price: 2, ts: venueStart}
	orders := &fakeOrders{
		fills: []Fill{{OrderID: "o-1", Price: 2, Quantity: 5}, {OrderID: "o-2", Price: 1.9, Quantity: 5}},
		free:  250,
	}
	venue, err := newVenue(cfg, quotes, orders, nil, WithVenueClock(clock.Now))
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}
	ctx := context.Background()

	if balance, _ := venue.GetBalance(ctx); balance != 250 {
		t.Fatalf("expected live balance 250, got %.2f", balance)
	}

	placement, err := venue.PlaceTrade(ctx, trading.PlaceRequest{Asset: "EURUSD", Direction: trading.DirectionDown, Amount: 10, Duration: time.Minute})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if placement.VenueID != "o-1" || placement.EntryPrice != 2 {
		t.Fatalf("unexpected placement: %+v", placement)
	}

	clock.now = venueStart.Add(time.Minute)
	outcome, err := venue.CheckOutcome(ctx, placement.VenueID)
	if err != nil {
		t.Fatalf("check outcome: %v", err)
	}
	if outcome.Status != trading.StatusWon || outcome.ExitPrice != 1.9 {
		t.Fatalf("short should win on a falling price, got %+v", outcome)
	}
	if len(orders.sides) != 2 || orders.sides[0] != "sell" || orders.sides[1] != "buy" {
		t.Fatalf("unexpected order sides: %v", orders.sides)
	}
}
