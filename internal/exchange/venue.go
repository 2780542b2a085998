package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-trader/internal/config"
	"signal-trader/internal/trading"
)

type quoteSource interface {
	Ticker(ctx context.Context, symbol string) (Quote, error)
}

type orderGateway interface {
	MarketOrder(ctx context.Context, symbol, side string, quantity float64, reduceOnly bool) (Fill, error)
	Balance(ctx context.Context, currency string) (BalanceSnapshot, error)
}

// VenueOption 自定义 Venue。
type VenueOption func(*Venue)

// WithVenueClock 替换时间源。
func WithVenueClock(now func() time.Time) VenueOption {
	return func(v *Venue) {
		if now != nil {
			v.now = now
		}
	}
}

// Venue 将定时到期的方向性交易映射到 ccxt 交易所：模拟模式下用真实报价结算模拟账户，
// 实盘模式下以市价开平仓。
type Venue struct {
	cfg     config.VenueConfig
	symbols map[string]string
	quotes  quoteSource
	orders  orderGateway
	paper   *PaperAccount
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	positions map[string]*openPosition
}

type openPosition struct {
	venueID   string
	asset     string
	symbol    string
	direction trading.Direction
	amount    float64
	quantity  float64
	entry     float64
	openedAt  time.Time
	expiresAt time.Time
}

// NewVenue 基于 ccxt 客户端创建执行端。
func NewVenue(cfg config.VenueConfig, client *Client, logger *zap.Logger, opts ...VenueOption) (*Venue, error) {
	if client == nil {
		return nil, errors.New("exchange: client 不能为空")
	}
	var orders orderGateway
	if !cfg.Simulation {
		orders = client
	}
	return newVenue(cfg, client, orders, logger, opts...)
}

func newVenue(cfg config.VenueConfig, quotes quoteSource, orders orderGateway, logger *zap.Logger, opts ...VenueOption) (*Venue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := &Venue{
		cfg:       cfg,
		symbols:   make(map[string]string, len(cfg.Symbols)),
		quotes:    quotes,
		orders:    orders,
		logger:    logger.Named("venue"),
		now:       time.Now,
		positions: make(map[string]*openPosition),
	}
	// viper 会把 map 键转为小写，这里统一成大写资产名
	for asset, symbol := range cfg.Symbols {
		v.symbols[strings.ToUpper(asset)] = symbol
	}

	if cfg.Simulation {
		paper, err := NewPaperAccount(cfg.InitialBalance, cfg.Payout)
		if err != nil {
			return nil, err
		}
		v.paper = paper
	} else if orders == nil {
		return nil, errors.New("exchange: 实盘模式需要下单通道")
	}

	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Simulation 表示是否为模拟模式。
func (v *Venue) Simulation() bool {
	return v.paper != nil
}

// GetBalance 返回可用余额。
func (v *Venue) GetBalance(ctx context.Context) (float64, error) {
	if v.paper != nil {
		return v.paper.Balance(), nil
	}

	snapshot, err := v.orders.Balance(ctx, v.cfg.QuoteCurrency)
	if err != nil {
		return 0, fmt.Errorf("exchange: 获取余额失败: %w", err)
	}
	if snapshot.Free > 0 {
		return snapshot.Free, nil
	}
	return snapshot.Total, nil
}

// IsAssetOpen 资产已配置映射且报价新鲜时视为可交易。
func (v *Venue) IsAssetOpen(ctx context.Context, asset string) (bool, error) {
	symbol, ok := v.symbols[strings.ToUpper(asset)]
	if !ok {
		return false, nil
	}

	quote, err := v.quotes.Ticker(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("exchange: 获取 %s 报价失败: %w", symbol, err)
	}
	return quote.Fresh(v.now(), v.cfg.MaxQuoteAge), nil
}

// PlaceTrade 以当前报价开仓。
func (v *Venue) PlaceTrade(ctx context.Context, req trading.PlaceRequest) (trading.Placement, error) {
	symbol, ok := v.symbols[strings.ToUpper(req.Asset)]
	if !ok {
		return trading.Placement{}, fmt.Errorf("%w: %s", ErrUnknownAsset, req.Asset)
	}
	if req.Amount <= 0 {
		return trading.Placement{}, fmt.Errorf("exchange: 下单金额必须为正: %.2f", req.Amount)
	}

	quote, err := v.quotes.Ticker(ctx, symbol)
	if err != nil {
		return trading.Placement{}, fmt.Errorf("exchange: 获取 %s 报价失败: %w", symbol, err)
	}
	now := v.now()
	if !quote.Fresh(now, v.cfg.MaxQuoteAge) {
		return trading.Placement{}, fmt.Errorf("%w: %s", ErrStaleQuote, symbol)
	}

	pos := &openPosition{
		asset:     req.Asset,
		symbol:    symbol,
		direction: req.Direction,
		amount:    req.Amount,
		entry:     quote.Last,
		quantity:  req.Amount / quote.Last,
		openedAt:  now,
		expiresAt: now.Add(req.Duration),
	}

	if v.paper != nil {
		if err := v.paper.Reserve(req.Amount); err != nil {
			return trading.Placement{}, err
		}
		pos.venueID = "paper-" + uuid.NewString()
	} else {
		fill, err := v.orders.MarketOrder(ctx, symbol, openSide(req.Direction), pos.quantity, false)
		if err != nil {
			return trading.Placement{}, fmt.Errorf("exchange: 开仓失败: %w", err)
		}
		pos.venueID = fill.OrderID
		if pos.venueID == "" {
			pos.venueID = uuid.NewString()
		}
		if fill.Price > 0 {
			pos.entry = fill.Price
		}
		if fill.Quantity > 0 {
			pos.quantity = fill.Quantity
		}
	}

	v.mu.Lock()
	v.positions[pos.venueID] = pos
	v.mu.Unlock()

	v.logger.Info("已开仓",
		zap.String("trade_id", req.TradeID),
		zap.String("venue_id", pos.venueID),
		zap.String("symbol", symbol),
		zap.String("direction", string(req.Direction)),
		zap.Float64("amount", req.Amount),
		zap.Float64("entry", pos.entry),
		zap.Bool("simulation", v.paper != nil),
	)

	return trading.Placement{VenueID: pos.venueID, EntryPrice: pos.entry, OpenedAt: now}, nil
}

// CheckOutcome 在到期后按报价结算，平价视为亏损。
func (v *Venue) CheckOutcome(ctx context.Context, venueID string) (trading.Outcome, error) {
	v.mu.Lock()
	pos, ok := v.positions[venueID]
	v.mu.Unlock()
	if !ok {
		return trading.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownTrade, venueID)
	}

	if v.now().Before(pos.expiresAt) {
		return trading.Outcome{Status: trading.StatusPending}, nil
	}

	quote, err := v.quotes.Ticker(ctx, pos.symbol)
	if err != nil {
		return trading.Outcome{}, fmt.Errorf("exchange: 获取 %s 报价失败: %w", pos.symbol, err)
	}
	if quote.Last <= 0 {
		return trading.Outcome{}, fmt.Errorf("%w: %s", ErrStaleQuote, pos.symbol)
	}

	exit := quote.Last
	var profit float64
	won := false

	if v.paper != nil {
		won = priceMovedInFavor(pos.direction, pos.entry, exit)
		profit = v.paper.Settle(pos.amount, won)
	} else {
		fill, err := v.orders.MarketOrder(ctx, pos.symbol, closeSide(pos.direction), pos.quantity, true)
		if err != nil {
			return trading.Outcome{}, fmt.Errorf("exchange: 平仓失败: %w", err)
		}
		if fill.Price > 0 {
			exit = fill.Price
		}
		profit = pos.quantity * (exit - pos.entry)
		if pos.direction == trading.DirectionDown {
			profit = -profit
		}
		won = profit > 0
	}

	v.mu.Lock()
	delete(v.positions, venueID)
	v.mu.Unlock()

	status := trading.StatusLost
	if won {
		status = trading.StatusWon
	}
	v.logger.Info("交易已结算",
		zap.String("venue_id", venueID),
		zap.String("status", string(status)),
		zap.Float64("entry", pos.entry),
		zap.Float64("exit", exit),
		zap.Float64("profit", profit),
	)
	return trading.Outcome{Status: status, Profit: profit, ExitPrice: exit}, nil
}

// Cancel 撤销在途交易：模拟模式返还本金，实盘模式立即平仓。
func (v *Venue) Cancel(ctx context.Context, venueID string) error {
	v.mu.Lock()
	pos, ok := v.positions[venueID]
	if ok {
		delete(v.positions, venueID)
	}
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrade, venueID)
	}

	if v.paper != nil {
		v.paper.Refund(pos.amount)
		return nil
	}
	if _, err := v.orders.MarketOrder(ctx, pos.symbol, closeSide(pos.direction), pos.quantity, true); err != nil {
		return fmt.Errorf("exchange: 撤销时平仓失败: %w", err)
	}
	return nil
}

// OpenPositions 返回执行端仍持有的交易数。
func (v *Venue) OpenPositions() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.positions)
}

func priceMovedInFavor(direction trading.Direction, entry, exit float64) bool {
	if direction == trading.DirectionUp {
		return exit > entry
	}
	return exit < entry
}

func openSide(direction trading.Direction) string {
	if direction == trading.DirectionUp {
		return "buy"
	}
	return "sell"
}

func closeSide(direction trading.Direction) string {
	if direction == trading.DirectionUp {
		return "sell"
	}
	return "buy"
}
