package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"signal-trader/internal/config"
)

// marketClient 为 ccxt 交易所实例的最小接口，便于测试替换。
type marketClient interface {
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
}

// Client 负责与交易所交互并实现重试机制。
type Client struct {
	cfg         config.VenueConfig
	logger      *zap.Logger
	api         marketClient
	loadMarkets func() error

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 按 venue.name 构造 ccxt 客户端，支持 binance 现货与 binanceusdm 合约。
func NewClient(cfg config.VenueConfig, logger *zap.Logger) (*Client, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	switch strings.ToLower(cfg.Name) {
	case "binanceusdm":
		userConfig["options"].(map[string]interface{})["defaultType"] = "future"
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return newClient(cfg, ex, func() error {
			_, err := ex.LoadMarkets()
			return err
		}, logger), nil
	case "binance":
		ex := ccxt.NewBinance(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return newClient(cfg, ex, func() error {
			_, err := ex.LoadMarkets()
			return err
		}, logger), nil
	default:
		return nil, fmt.Errorf("exchange: 不支持的交易所 %q", cfg.Name)
	}
}

func newClient(cfg config.VenueConfig, api marketClient, loadMarkets func() error, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loadMarkets == nil {
		loadMarkets = func() error { return nil }
	}
	return &Client{
		cfg:         cfg,
		logger:      logger.Named("exchange"),
		api:         api,
		loadMarkets: loadMarkets,
	}
}

// Ticker 获取交易对最新报价。
func (c *Client) Ticker(ctx context.Context, symbol string) (Quote, error) {
	var raw ccxt.Ticker
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		ticker, err := c.api.FetchTicker(symbol)
		if err != nil {
			return err
		}
		raw = ticker
		return nil
	})
	if err != nil {
		return Quote{}, err
	}

	quote := Quote{Symbol: symbol}
	if raw.Last != nil {
		quote.Last = *raw.Last
	}
	if raw.Timestamp != nil {
		quote.Timestamp = time.UnixMilli(*raw.Timestamp).UTC()
	}
	return quote, nil
}

// Balance 获取指定币种余额。
func (c *Client) Balance(ctx context.Context, currency string) (BalanceSnapshot, error) {
	var raw ccxt.Balances
	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		balances, err := c.api.FetchBalance()
		if err != nil {
			return err
		}
		raw = balances
		return nil
	})
	if err != nil {
		return BalanceSnapshot{}, err
	}

	snapshot := BalanceSnapshot{Currency: currency}
	if raw.Total != nil {
		if total, ok := raw.Total[currency]; ok && total != nil {
			snapshot.Total = *total
		}
	}
	if raw.Free != nil {
		if free, ok := raw.Free[currency]; ok && free != nil {
			snapshot.Free = *free
		}
	}
	return snapshot, nil
}

// MarketOrder 以市价下单，reduceOnly 用于平仓。
func (c *Client) MarketOrder(ctx context.Context, symbol, side string, quantity float64, reduceOnly bool) (Fill, error) {
	if quantity <= 0 {
		return Fill{}, fmt.Errorf("exchange: 下单数量必须为正: %f", quantity)
	}

	var opts []ccxt.CreateMarketOrderOptions
	if reduceOnly {
		opts = append(opts, ccxt.WithCreateMarketOrderParams(map[string]interface{}{"reduceOnly": true}))
	}

	// 下单不做自动重试，避免重复成交
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return Fill{}, err
	}
	order, err := c.api.CreateMarketOrder(symbol, side, quantity, opts...)
	if err != nil {
		normalized, _ := c.classifyError(err)
		c.logger.Error("市价单提交失败",
			zap.String("symbol", symbol),
			zap.String("side", side),
			zap.Float64("quantity", quantity),
			zap.Error(normalized),
		)
		return Fill{}, normalized
	}

	fill := Fill{Symbol: symbol, Side: side, Quantity: quantity}
	if order.Id != nil {
		fill.OrderID = *order.Id
	}
	switch {
	case order.Average != nil && *order.Average > 0:
		fill.Price = *order.Average
	case order.Price != nil:
		fill.Price = *order.Price
	}
	if order.Filled != nil && *order.Filled > 0 {
		fill.Quantity = *order.Filled
	}
	return fill, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", c.loadMarkets)
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("venue", c.cfg.Name))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)
		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中", zap.String("operation", operation), zap.Error(normalizedErr))
			return normalizedErr
		}
		if !retry || attempt >= maxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
		return err, IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}
