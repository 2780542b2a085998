package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-trader/internal/config"
	"signal-trader/internal/trading"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		AllowedAssets:   []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD"},
		MinAmount:       1,
		MaxAmount:       100,
		DefaultAmount:   10,
		DefaultDuration: 5 * time.Minute,
		MinConfidence:   70,
		Timezone:        "UTC",
	}
}

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser(testTradingConfig(), nil, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return p
}

func TestParseStructuredStrategies(t *testing.T) {
	p := newTestParser(t)

	cases := []struct {
		name      string
		text      string
		asset     string
		direction trading.Direction
		amount    float64
		duration  time.Duration
		strategy  Strategy
	}{
		{"inline with amount", "EURUSD CALL $10 5M", "EURUSD", trading.DirectionUp, 10, 5 * time.Minute, StrategyStandard},
		{"inline bare amount", "GBPUSD PUT 15 3M", "GBPUSD", trading.DirectionDown, 15, 3 * time.Minute, StrategyStandard},
		{"unit glued to duration", "EURUSD CALL 15M", "EURUSD", trading.DirectionUp, 10, 15 * time.Minute, StrategyStandard},
		{"bare seconds", "EURUSD BUY 120", "EURUSD", trading.DirectionUp, 10, 120 * time.Second, StrategyStandard},
		{"amount clamped", "EURUSD CALL $500 5M", "EURUSD", trading.DirectionUp, 100, 5 * time.Minute, StrategyStandard},
		{"emoji", "USDJPY 📉 10 minutes", "USDJPY", trading.DirectionDown, 10, 10 * time.Minute, StrategyEmoji},
		{"labeled block", "Active Pair: EUR/USD (OTC)\nDirection: PUT\nAmount: $25\nExpiration: 3 min", "EURUSD", trading.DirectionDown, 25, 3 * time.Minute, StrategyLabeled},
		{"labeled without duration", "Asset: GBPUSD\nDirection: CALL", "GBPUSD", trading.DirectionUp, 10, 5 * time.Minute, StrategyLabeled},
		{"timed", "EURUSD CALL at 14:30 for 5 min", "EURUSD", trading.DirectionUp, 10, 5 * time.Minute, StrategyTimed},
		{"simple", "GBPUSD DOWN", "GBPUSD", trading.DirectionDown, 10, 5 * time.Minute, StrategySimple},
		{"dash separated pair", "EUR-USD sell 2m", "EURUSD", trading.DirectionDown, 10, 2 * time.Minute, StrategyStandard},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent, ok := p.Parse(tc.text)
			require.True(t, ok, "expected a match for %q", tc.text)
			assert.Equal(t, tc.asset, intent.Asset)
			assert.Equal(t, tc.direction, intent.Direction)
			assert.InDelta(t, tc.amount, intent.Amount, 1e-9)
			assert.Equal(t, tc.duration, intent.Duration)
			assert.Equal(t, string(tc.strategy), intent.Metadata["strategy"])
			assert.NotEmpty(t, intent.ID)
		})
	}
}

func TestParseFallsThroughDisallowedAsset(t *testing.T) {
	p := newTestParser(t)

	intent, ok := p.Parse("XAUUSD CALL 5M then EURUSD PUT 3M")
	require.True(t, ok)
	assert.Equal(t, "EURUSD", intent.Asset)
	assert.Equal(t, trading.DirectionDown, intent.Direction)
	assert.Equal(t, 3*time.Minute, intent.Duration)

	_, ok = p.Parse("BTCUSD CALL 5M")
	assert.False(t, ok)
}

func TestParseKeywordFallback(t *testing.T) {
	p := newTestParser(t)

	intent, ok := p.Parse("Strong signal on AUDUSD, going higher! $30 for 2 minutes, 85% accuracy")
	require.True(t, ok)
	assert.Equal(t, "AUDUSD", intent.Asset)
	assert.Equal(t, trading.DirectionUp, intent.Direction)
	assert.InDelta(t, 30, intent.Amount, 1e-9)
	assert.Equal(t, 2*time.Minute, intent.Duration)
	require.NotNil(t, intent.Confidence)
	assert.Equal(t, 85, *intent.Confidence)
	assert.Equal(t, string(StrategyKeyword), intent.Metadata["strategy"])
}

func TestParseKeywordBareNumbers(t *testing.T) {
	p := newTestParser(t)

	intent, ok := p.Parse("USDCAD looks bearish, 20 and 90")
	require.True(t, ok)
	assert.Equal(t, trading.DirectionDown, intent.Direction)
	assert.InDelta(t, 20, intent.Amount, 1e-9)
	assert.Equal(t, 90*time.Second, intent.Duration)
}

func TestParseRejectsUnrelatedText(t *testing.T) {
	p := newTestParser(t)

	for _, text := range []string{
		"",
		"Going up today, great market!",
		"EURUSD analysis coming soon",
		"good morning everyone 🚀",
	} {
		_, ok := p.Parse(text)
		assert.False(t, ok, "unexpected match for %q", text)
	}

	stats := p.Stats()
	assert.Equal(t, 4, stats.Attempts)
	assert.Equal(t, 4, stats.Ignored)
}

func TestParseConfidence(t *testing.T) {
	p := newTestParser(t)

	intent, ok := p.Parse("EURUSD CALL 5M confidence: 90")
	require.True(t, ok)
	require.NotNil(t, intent.Confidence)
	assert.Equal(t, 90, *intent.Confidence)

	intent, ok = p.Parse("EURUSD CALL 5M")
	require.True(t, ok)
	assert.Nil(t, intent.Confidence)
}

func TestParseResolvesClockTime(t *testing.T) {
	p := newTestParser(t)

	later, ok := p.Parse("EURUSD CALL at 14:30 for 5 min")
	require.True(t, ok)
	assert.True(t, later.ScheduledAt.Equal(time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)), "got %s", later.ScheduledAt)

	earlier, ok := p.Parse("EURUSD CALL at 09:15 for 5 min")
	require.True(t, ok)
	assert.True(t, earlier.ScheduledAt.Equal(time.Date(2026, 3, 11, 9, 15, 0, 0, time.UTC)), "got %s", earlier.ScheduledAt)

	invalid, ok := p.Parse("EURUSD CALL at 25:10 for 5 min")
	require.True(t, ok)
	assert.False(t, invalid.Scheduled())
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		raw, unit string
		want      time.Duration
	}{
		{"5", "", 5 * time.Minute},
		{"60", "", time.Hour},
		{"90", "", 90 * time.Second},
		{"5M", "", 5 * time.Minute},
		{"1", "h", time.Hour},
		{"30", "sec", 30 * time.Second},
		{"3", "minutes", 3 * time.Minute},
	}
	for _, tc := range cases {
		got, ok := parseDuration(tc.raw, tc.unit)
		require.True(t, ok, "%s %s", tc.raw, tc.unit)
		assert.Equal(t, tc.want, got, "%s %s", tc.raw, tc.unit)
	}

	_, ok := parseDuration("abc", "")
	assert.False(t, ok)
}

func TestNewParserRejectsInvertedBounds(t *testing.T) {
	cfg := testTradingConfig()
	cfg.MinAmount = 50
	cfg.MaxAmount = 10

	_, err := NewParser(cfg, nil)
	assert.Error(t, err)
}
