package app

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"signal-trader/internal/config"
	"signal-trader/internal/exchange"
	"signal-trader/internal/execution"
	"signal-trader/internal/monitor"
	"signal-trader/internal/risk"
	"signal-trader/internal/signal"
	"signal-trader/internal/store"
)

const venueTimeout = 30 * time.Second

// newVenue 基于 ccxt 创建执行端，simulation 模式下资金走本地模拟账户。
func newVenue(cfg config.VenueConfig, logger *zap.Logger) (*exchange.Venue, error) {
	client, err := exchange.NewClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app: 初始化交易所客户端失败: %w", err)
	}
	venue, err := exchange.NewVenue(cfg, client, logger)
	if err != nil {
		return nil, fmt.Errorf("app: 初始化执行端失败: %w", err)
	}
	return venue, nil
}

// buildPipeline 按配置组装解析器、风控账本、补仓序列、调度器与事件记录。
func buildPipeline(cfg *config.Config, logger *zap.Logger, st *store.Store, venue execution.Venue) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	events, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, err
	}
	journal, err := risk.NewJournal(st.DB(), logger)
	if err != nil {
		return nil, err
	}
	ledger, err := risk.NewLedger(cfg.Risk, cfg.Trading, logger, risk.WithJournal(journal))
	if err != nil {
		return nil, err
	}
	recovery, err := risk.NewSequencer(ledger, cfg.Recovery, logger)
	if err != nil {
		return nil, err
	}
	parser, err := signal.NewParser(cfg.Trading, logger)
	if err != nil {
		return nil, err
	}
	scheduler, err := execution.New(cfg.Scheduler, ledger, recovery, venue, logger, execution.WithReporter(events))
	if err != nil {
		return nil, err
	}

	return NewPipeline(Components{
		Parser:    parser,
		Ledger:    ledger,
		Recovery:  recovery,
		Scheduler: scheduler,
		Venue:     venue,
		Events:    events,
	}, logger)
}
