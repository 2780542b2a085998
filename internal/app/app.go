package app

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signal-trader/internal/config"
	"signal-trader/internal/store"
	"signal-trader/internal/transport"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 启动流水线与外围服务，阻塞直到 ctx 结束或某个服务失败，然后按 drain_timeout 优雅停止。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("venue", a.cfg.Venue.Name),
		zap.Bool("simulation", a.cfg.Venue.Simulation),
		zap.Strings("assets", a.cfg.Trading.AllowedAssets),
	)

	venue, err := newVenue(a.cfg.Venue, a.logger)
	if err != nil {
		return err
	}
	pipeline, err := buildPipeline(a.cfg, a.logger, a.store, venue)
	if err != nil {
		return err
	}
	return a.run(ctx, pipeline)
}

func (a *App) run(ctx context.Context, pipeline *Pipeline) error {
	var inbox *transport.Inbox
	if a.cfg.Inbox.Enabled {
		var err error
		inbox, err = transport.NewInbox(a.cfg.Inbox.Dir, func(_ context.Context, source, text string) {
			pipeline.Submit(source, text)
		}, a.logger)
		if err != nil {
			return err
		}
	}

	if err := pipeline.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.HTTP.Enabled {
		server := newAPIServer(pipeline, a.logger)
		g.Go(func() error {
			return server.Serve(gctx, a.cfg.HTTP.Addr)
		})
	}
	if inbox != nil {
		g.Go(func() error {
			return inbox.Run(gctx)
		})
	}
	if a.cfg.Scheduler.StatusInterval > 0 {
		g.Go(func() error {
			a.statusLoop(gctx, pipeline)
			return nil
		})
	}

	<-gctx.Done()
	a.logger.Info("系统收到退出信号，正在停止", zap.Duration("drain_timeout", a.cfg.Scheduler.DrainTimeout))

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Scheduler.DrainTimeout)
	defer cancel()
	stopErr := pipeline.Stop(stopCtx)

	return multierr.Combine(g.Wait(), stopErr)
}

// statusLoop 定期输出运行状态并落库。
func (a *App) statusLoop(ctx context.Context, pipeline *Pipeline) {
	ticker := time.NewTicker(a.cfg.Scheduler.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reportStatus(ctx, pipeline)
		}
	}
}

func (a *App) reportStatus(ctx context.Context, pipeline *Pipeline) {
	stats := pipeline.Statistics()

	balanceCtx, cancel := context.WithTimeout(ctx, venueTimeout)
	balance, err := pipeline.venue.GetBalance(balanceCtx)
	cancel()
	if err != nil {
		a.logger.Warn("状态报告获取余额失败", zap.Error(err))
	}

	a.logger.Info("运行状态",
		zap.Float64("balance", balance),
		zap.Int("signals_received", stats.SignalsReceived),
		zap.Int("trades_executed", stats.TradesExecuted),
		zap.Int("won", stats.Won),
		zap.Int("lost", stats.Lost),
		zap.Float64("win_rate", stats.WinRate),
		zap.Int("active_trades", stats.ActiveTrades),
		zap.Int("pending_signals", stats.PendingSignals),
		zap.Int64("ignored_messages", stats.IgnoredMessages),
		zap.Float64("daily_pnl", stats.RiskSummary.DailyPnL),
		zap.Bool("halted", stats.RiskSummary.Halted),
	)
	for _, rec := range stats.Recommendations {
		a.logger.Info("风控建议", zap.String("recommendation", rec))
	}
	if pipeline.events != nil {
		pipeline.events.RecordStatus(ctx, stats.Statistics, balance)
	}
}
