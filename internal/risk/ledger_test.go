package risk

import (
	"context"
	"testing"
	"time"

	"signal-trader/internal/config"
	"signal-trader/internal/trading"
)

// 2026-03-10 为周二
var tuesdayNoon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPercentage:             2,
		MaxConcurrentTrades:        5,
		MaxDailyLoss:               500,
		MaxConsecutiveLosses:       5,
		EmergencyConsecutiveLosses: 10,
		NonTradingWeekdays:         []string{"saturday", "sunday"},
	}
}

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		AllowedAssets:   []string{"EURUSD"},
		MinAmount:       1,
		MaxAmount:       100,
		DefaultAmount:   10,
		DefaultDuration: 5 * time.Minute,
		MinConfidence:   70,
		Timezone:        "UTC",
	}
}

func newTestLedger(t *testing.T, clock *fakeClock) *Ledger {
	t.Helper()
	ledger, err := NewLedger(testRiskConfig(), testTradingConfig(), nil, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func intentOf(amount float64) trading.TradeIntent {
	return trading.TradeIntent{ID: "intent", Asset: "EURUSD", Direction: trading.DirectionUp, Amount: amount, Duration: 5 * time.Minute}
}

func lostTrade(amount float64) trading.Trade {
	return trading.Trade{ID: "t", Status: trading.StatusLost, Amount: amount}
}

func wonTrade(amount, profit float64) trading.Trade {
	return trading.Trade{ID: "t", Status: trading.StatusWon, Amount: amount, ProfitLoss: profit}
}

func TestNewLedgerRejectsInvertedBounds(t *testing.T) {
	tradingCfg := testTradingConfig()
	tradingCfg.MinAmount = 50
	tradingCfg.MaxAmount = 10

	if _, err := NewLedger(testRiskConfig(), tradingCfg, nil); err == nil {
		t.Fatalf("expected error for min > max")
	}
}

func TestAdmitAllowsHealthyIntent(t *testing.T) {
	clock := &fakeClock{now: tuesdayNoon}
	ledger := newTestLedger(t, clock)

	decision := ledger.Admit(intentOf(10), 1000)
	if !decision.Allowed {
		t.Fatalf("expected allow, got %+v", decision)
	}
}

func TestAdmitChecksInOrder(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(l *Ledger, c *fakeClock)
		amount  float64
		balance float64
		code    Code
	}{
		{"disabled", func(l *Ledger, _ *fakeClock) { l.SetTradingEnabled(false) }, 10, 1000, CodeTradingDisabled},
		{"concurrent", func(l *Ledger, _ *fakeClock) { l.SetConcurrentTrades(5) }, 10, 1000, CodeMaxConcurrent},
		{"daily loss", func(l *Ledger, _ *fakeClock) {
			l.RecordOutcome(context.Background(), lostTrade(300))
			l.RecordOutcome(context.Background(), wonTrade(10, 8))
			l.RecordOutcome(context.Background(), lostTrade(200))
		}, 10, 1000, CodeDailyLossLimit},
		{"balance", func(*Ledger, *fakeClock) {}, 10, 20, CodeInsufficientBalance},
		{"risk percentage", func(*Ledger, *fakeClock) {}, 30, 1000, CodeRiskLimit},
		{"consecutive losses", func(l *Ledger, _ *fakeClock) {
			for i := 0; i < 5; i++ {
				l.RecordOutcome(context.Background(), lostTrade(1))
			}
		}, 10, 1000, CodeConsecutiveLosses},
		{"emergency", func(l *Ledger, _ *fakeClock) {
			for i := 0; i < 10; i++ {
				l.RecordOutcome(context.Background(), lostTrade(1))
			}
		}, 10, 1000, CodeTradingDisabled},
		{"weekend", func(_ *Ledger, c *fakeClock) { c.now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }, 10, 1000, CodeMarketClosed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := &fakeClock{now: tuesdayNoon}
			ledger := newTestLedger(t, clock)
			tc.setup(ledger, clock)

			decision := ledger.Admit(intentOf(tc.amount), tc.balance)
			if decision.Allowed {
				t.Fatalf("expected deny with %s", tc.code)
			}
			if decision.Code != tc.code {
				t.Fatalf("expected code %s, got %s (%s)", tc.code, decision.Code, decision.Reason)
			}
			if decision.Reason == "" {
				t.Fatalf("deny without reason")
			}
		})
	}
}

func TestAdmitNeverAllowsAtConcurrencyCeiling(t *testing.T) {
	clock := &fakeClock{now: tuesdayNoon}
	ledger := newTestLedger(t, clock)

	for n := 5; n <= 8; n++ {
		ledger.SetConcurrentTrades(n)
		if ledger.Admit(intentOf(10), 1000).Allowed {
			t.Fatalf("admitted with %d concurrent trades", n)
		}
	}
	ledger.SetConcurrentTrades(4)
	if !ledger.Admit(intentOf(10), 1000).Allowed {
		t.Fatalf("expected allow below ceiling")
	}
}

func TestSizeClampsIntoBounds(t *testing.T) {
	clock := &fakeClock{now: tuesdayNoon}
	ledger := newTestLedger(t, clock)

	cases := []struct {
		amount, balance, want float64
	}{
		{0.1, 1000, 1},
		{10, 1000, 10},
		{500, 1000, 20},
		{500, 100000, 100},
		{50, 10, 1},
	}
	for _, tc := range cases {
		got := ledger.Size(intentOf(tc.amount), tc.balance)
		if got != tc.want {
			t.Fatalf("Size(%.2f, %.2f) = %.2f want %.2f", tc.amount, tc.balance, got, tc.want)
		}
	}
}

func TestSizeDampingIsMonotonic(t *testing.T) {
	clock := &fakeClock{now: tuesdayNoon}
	ledger := newTestLedger(t, clock)

	prev := ledger.Size(intentOf(100), 100000)
	if prev != 100 {
		t.Fatalf("expected undamped size 100, got %.2f", prev)
	}
	for n := 1; n <= 12; n++ {
		ledger.RecordOutcome(context.Background(), lostTrade(1))
		got := ledger.Size(intentOf(100), 100000)
		if got > prev {
			t.Fatalf("size increased after %d losses: %.2f > %.2f", n, got, prev)
		}
		if got < 1 || got > 100 {
			t.Fatalf("size %.2f out of bounds", got)
		}
		prev = got
	}

	ledger.RecordOutcome(context.Background(), wonTrade(10, 8))
	if got := ledger.Size(intentOf(100), 100000); got != 100 {
		t.Fatalf("win should reset damping, got %.2f", got)
	}
}

func TestRecordOutcomeAccumulates(t *testing.T) {
	clock := &fakeClock{now: tuesdayNoon}
	ledger := newTestLedger(t, clock)
	ctx := context.Background()

	ledger.RecordOutcome(ctx, lostTrade(10))
	ledger.RecordOutcome(ctx, lostTrade(20))
	ledger.RecordOutcome(ctx, wonTrade(10, 8))
	ledger.RecordOutcome(ctx, trading.Trade{ID: "x", Status: trading.StatusError, Amount: 50})

	summary := ledger.Summary()
	if summary.DailyLoss != 30 || summary.DailyProfit != 8 {
		t.Fatalf("unexpected accumulators: %+v", summary)
	}
	if summary.ConsecutiveLosses != 0 || summary.MaxConsecutiveLosses != 2 {
		t.Fatalf("unexpected streaks: %+v", summary)
	}
	if summary.TradesToday != 3 {
		t.Fatalf("expected 3 settled trades, got %d", summary.TradesToday)
	}
	if summary.DailyPnL != -22 {
		t.Fatalf("expected pnl -22, got %.2f", summary.DailyPnL)
	}
}

func TestDailyResetHappensOncePerDay(t *testing.T) {
	clock := &fakeClock{now: tuesdayNoon}
	ledger := newTestLedger(t, clock)
	ctx := context.Background()

	ledger.RecordOutcome(ctx, lostTrade(40))
	ledger.RecordOutcome(ctx, lostTrade(40))

	clock.Advance(13 * time.Hour)
	first := ledger.DailyState()
	if first.DailyLoss != 0 || first.ConsecutiveLosses != 0 || first.TradesToday != 0 {
		t.Fatalf("expected reset after date change, got %+v", first)
	}
	if first.MaxConsecutiveLosses != 2 {
		t.Fatalf("historical max must survive reset, got %d", first.MaxConsecutiveLosses)
	}

	ledger.RecordOutcome(ctx, lostTrade(5))
	clock.Advance(time.Hour)
	second := ledger.DailyState()
	if second.DailyLoss != 5 || second.ConsecutiveLosses != 1 {
		t.Fatalf("same-day reset must be a no-op, got %+v", second)
	}
}

func TestForceStopLatchesUntilResume(t *testing.T) {
	clock := &fakeClock{now: tuesdayNoon}
	ledger := newTestLedger(t, clock)
	seq, err := NewSequencer(ledger, config.RecoveryConfig{Enabled: true, Multiplier: 2, MaxSteps: 3, MaxBalanceFraction: 0.5}, nil)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}
	ctx := context.Background()

	ledger.StartSession(1000)
	ledger.RecordOutcome(ctx, lostTrade(10))
	seq.Begin("origin-1", 10, "trade-1")

	ledger.ForceStop(ctx, "manual")

	if decision := ledger.Admit(intentOf(10), 1000); decision.Allowed || decision.Code != CodeTradingDisabled {
		t.Fatalf("expected TRADING_DISABLED after force stop, got %+v", decision)
	}
	if s, _ := seq.Sequence("origin-1"); !s.Complete || s.FinalOutcome != SequenceCancelled {
		t.Fatalf("open sequence should be cancelled, got %+v", s)
	}
	if session, ok := ledger.Session(); !ok || session.Active() {
		t.Fatalf("session should be ended")
	}

	ledger.RecordOutcome(ctx, wonTrade(10, 8))
	clock.Advance(48 * time.Hour)
	if ledger.Admit(intentOf(10), 1000).Allowed {
		t.Fatalf("force stop must survive wins and daily resets")
	}

	ledger.Resume(ctx)
	if decision := ledger.Admit(intentOf(10), 1000); !decision.Allowed {
		t.Fatalf("expected allow after resume, got %+v", decision)
	}
}

func TestStartSessionEndsPrevious(t *testing.T) {
	clock := &fakeClock{now: tuesdayNoon}
	ledger := newTestLedger(t, clock)

	first := ledger.StartSession(1000)
	ledger.RecordOutcome(context.Background(), wonTrade(10, 8))
	ledger.RecordOutcome(context.Background(), lostTrade(10))
	second := ledger.StartSession(1005)

	if first.ID == second.ID {
		t.Fatalf("expected a new session id")
	}
	current, ok := ledger.Session()
	if !ok || current.ID != second.ID || current.TotalTrades != 0 {
		t.Fatalf("unexpected current session: %+v", current)
	}

	ended, ok := ledger.EndSession(990)
	if !ok || ended.Active() || ended.EndBalance != 990 {
		t.Fatalf("unexpected ended session: %+v", ended)
	}
}

func TestRecommendations(t *testing.T) {
	clock := &fakeClock{now: tuesdayNoon}
	ledger := newTestLedger(t, clock)

	if got := ledger.Recommendations(); len(got) != 1 {
		t.Fatalf("expected single all-clear recommendation, got %v", got)
	}

	for i := 0; i < 3; i++ {
		ledger.RecordOutcome(context.Background(), lostTrade(150))
	}
	ledger.SetConcurrentTrades(4)
	if got := ledger.Recommendations(); len(got) != 3 {
		t.Fatalf("expected three warnings, got %v", got)
	}
}
