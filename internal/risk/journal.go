package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Journal 将每日风控累计值与风控事件写入 SQLite，供重启后恢复。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewJournal 创建风控日志并初始化表结构。
func NewJournal(db *sql.DB, logger *zap.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Journal{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := j.initSchema(); err != nil {
		return nil, err
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_daily_metrics (
			trading_date TEXT PRIMARY KEY,
			daily_loss REAL NOT NULL DEFAULT 0,
			daily_profit REAL NOT NULL DEFAULT 0,
			consecutive_losses INTEGER NOT NULL DEFAULT 0,
			max_consecutive_losses INTEGER NOT NULL DEFAULT 0,
			trades_today INTEGER NOT NULL DEFAULT 0,
			halted INTEGER NOT NULL DEFAULT 0,
			halt_reason TEXT,
			last_trade_at TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			trading_date TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_date ON risk_activity_log(trading_date);`,
	}

	for _, stmt := range schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Save 以交易日为主键写入当日状态。
func (j *Journal) Save(ctx context.Context, state DailyState) error {
	if state.TradingDate == "" {
		return errors.New("risk: trading_date 不能为空")
	}

	lastTrade := ""
	if !state.LastTradeAt.IsZero() {
		lastTrade = state.LastTradeAt.UTC().Format(time.RFC3339Nano)
	}
	halted := 0
	if state.Halted {
		halted = 1
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO risk_daily_metrics (trading_date, daily_loss, daily_profit, consecutive_losses,
			max_consecutive_losses, trades_today, halted, halt_reason, last_trade_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(trading_date) DO UPDATE SET
			daily_loss = excluded.daily_loss,
			daily_profit = excluded.daily_profit,
			consecutive_losses = excluded.consecutive_losses,
			max_consecutive_losses = excluded.max_consecutive_losses,
			trades_today = excluded.trades_today,
			halted = excluded.halted,
			halt_reason = excluded.halt_reason,
			last_trade_at = excluded.last_trade_at,
			updated_at = excluded.updated_at`,
		state.TradingDate, state.DailyLoss, state.DailyProfit, state.ConsecutiveLosses,
		state.MaxConsecutiveLosses, state.TradesToday, halted, state.HaltReason, lastTrade,
		j.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("risk: 保存日度状态失败: %w", err)
	}
	return nil
}

// Load 读取指定交易日的状态。
func (j *Journal) Load(ctx context.Context, tradingDate string) (DailyState, bool, error) {
	var (
		state     DailyState
		halted    int
		reason    sql.NullString
		lastTrade sql.NullString
	)

	row := j.db.QueryRowContext(ctx,
		`SELECT trading_date, daily_loss, daily_profit, consecutive_losses, max_consecutive_losses,
			trades_today, halted, halt_reason, last_trade_at
		 FROM risk_daily_metrics WHERE trading_date = ?`, tradingDate)
	switch err := row.Scan(&state.TradingDate, &state.DailyLoss, &state.DailyProfit, &state.ConsecutiveLosses,
		&state.MaxConsecutiveLosses, &state.TradesToday, &halted, &reason, &lastTrade); {
	case errors.Is(err, sql.ErrNoRows):
		return DailyState{}, false, nil
	case err != nil:
		return DailyState{}, false, fmt.Errorf("risk: 查询日度状态失败: %w", err)
	}

	state.Halted = halted == 1
	state.HaltReason = reason.String
	if lastTrade.Valid && lastTrade.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, lastTrade.String); err == nil {
			state.LastTradeAt = ts
		}
	}
	return state, true, nil
}

// LatestHalt 返回最近一个交易日记录的强制停止状态，强制停止跨日有效。
func (j *Journal) LatestHalt(ctx context.Context) (bool, string, error) {
	var (
		halted int
		reason sql.NullString
	)
	row := j.db.QueryRowContext(ctx,
		`SELECT halted, halt_reason FROM risk_daily_metrics ORDER BY trading_date DESC LIMIT 1`)
	switch err := row.Scan(&halted, &reason); {
	case errors.Is(err, sql.ErrNoRows):
		return false, "", nil
	case err != nil:
		return false, "", fmt.Errorf("risk: 查询停交易状态失败: %w", err)
	}
	return halted == 1, reason.String, nil
}

// LogEvent 记录风控事件。
func (j *Journal) LogEvent(ctx context.Context, eventType, message, details, tradingDate string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}
	if tradingDate == "" {
		tradingDate = j.now().UTC().Format(dateLayout)
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		j.now().UTC().Format(time.RFC3339), eventType, message, details, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}

	return nil
}

// Events 返回指定交易日的风控事件类型，按时间顺序。
func (j *Journal) Events(ctx context.Context, tradingDate string) ([]string, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT event_type FROM risk_activity_log WHERE trading_date = ? ORDER BY id`, tradingDate)
	if err != nil {
		return nil, fmt.Errorf("risk: 查询风险事件失败: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var eventType string
		if err := rows.Scan(&eventType); err != nil {
			return nil, fmt.Errorf("risk: 读取风险事件失败: %w", err)
		}
		out = append(out, eventType)
	}
	return out, rows.Err()
}
