package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Inbox     InboxConfig     `mapstructure:"inbox"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// TradingConfig 描述信号解析与下单金额的约束。
type TradingConfig struct {
	AllowedAssets   []string      `mapstructure:"allowed_assets"`
	MinAmount       float64       `mapstructure:"min_amount"`
	MaxAmount       float64       `mapstructure:"max_amount"`
	DefaultAmount   float64       `mapstructure:"default_amount"`
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	MinConfidence   int           `mapstructure:"min_confidence"`
	Timezone        string        `mapstructure:"timezone"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	RiskPercentage             float64  `mapstructure:"risk_percentage"`
	MaxConcurrentTrades        int      `mapstructure:"max_concurrent_trades"`
	MaxDailyLoss               float64  `mapstructure:"max_daily_loss"`
	MaxConsecutiveLosses       int      `mapstructure:"max_consecutive_losses"`
	EmergencyConsecutiveLosses int      `mapstructure:"emergency_consecutive_losses"`
	NonTradingWeekdays         []string `mapstructure:"non_trading_weekdays"`
}

// RecoveryConfig 控制亏损补仓序列。
type RecoveryConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	Multiplier         float64 `mapstructure:"multiplier"`
	MaxSteps           int     `mapstructure:"max_steps"`
	MaxBalanceFraction float64 `mapstructure:"max_balance_fraction"`
}

// SchedulerConfig 控制调度循环节奏。
type SchedulerConfig struct {
	DelayPollInterval time.Duration `mapstructure:"delay_poll_interval"`
	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	SettlementBuffer  time.Duration `mapstructure:"settlement_buffer"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	StatusInterval    time.Duration `mapstructure:"status_interval"`
}

// VenueConfig 描述执行端交易所配置。
type VenueConfig struct {
	Name           string            `mapstructure:"name"`
	APIKey         string            `mapstructure:"api_key"`
	APISecret      string            `mapstructure:"api_secret"`
	APIPass        string            `mapstructure:"api_password"`
	UseSandbox     bool              `mapstructure:"use_sandbox"`
	Simulation     bool              `mapstructure:"simulation"`
	InitialBalance float64           `mapstructure:"initial_balance"`
	Payout         float64           `mapstructure:"payout"`
	QuoteCurrency  string            `mapstructure:"quote_currency"`
	MaxQuoteAge    time.Duration     `mapstructure:"max_quote_age"`
	Symbols        map[string]string `mapstructure:"symbols"`
	Retry          RetryConfig       `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// HTTPConfig 控制运维接口。
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// InboxConfig 控制目录信号源。
type InboxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday 解析英文星期名称（大小写不敏感，支持三字母缩写）。
func ParseWeekday(name string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if day, ok := weekdayNames[key]; ok {
		return day, nil
	}
	if len(key) == 3 {
		for full, day := range weekdayNames {
			if strings.HasPrefix(full, key) {
				return day, nil
			}
		}
	}
	return time.Sunday, fmt.Errorf("config: 无法识别的星期 %q", name)
}

// Weekdays 返回禁止交易的星期集合。
func (c RiskConfig) Weekdays() (map[time.Weekday]struct{}, error) {
	days := make(map[time.Weekday]struct{}, len(c.NonTradingWeekdays))
	for _, name := range c.NonTradingWeekdays {
		day, err := ParseWeekday(name)
		if err != nil {
			return nil, err
		}
		days[day] = struct{}{}
	}
	return days, nil
}

// Location 解析交易日所使用的时区，为空时返回 UTC。
func (c TradingConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: 加载时区 %q 失败: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	err = multierr.Append(err, c.Trading.Validate())
	err = multierr.Append(err, c.Risk.Validate())
	err = multierr.Append(err, c.Recovery.Validate())

	if c.Scheduler.DelayPollInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.delay_poll_interval 必须大于0"))
	}
	if c.Scheduler.MonitorInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.monitor_interval 必须大于0"))
	}
	if c.Scheduler.SettlementBuffer < 0 {
		err = multierr.Append(err, errors.New("scheduler.settlement_buffer 不能为负"))
	}
	if c.Scheduler.DrainTimeout < 0 {
		err = multierr.Append(err, errors.New("scheduler.drain_timeout 不能为负"))
	}

	if c.Venue.Name == "" {
		err = multierr.Append(err, errors.New("venue.name 不能为空"))
	}
	if c.Venue.QuoteCurrency == "" {
		err = multierr.Append(err, errors.New("venue.quote_currency 不能为空"))
	}
	if c.Venue.Simulation && c.Venue.InitialBalance <= 0 {
		err = multierr.Append(err, errors.New("模拟模式下 venue.initial_balance 必须大于0"))
	}
	if c.Venue.Payout <= 0 || c.Venue.Payout > 1 {
		err = multierr.Append(err, errors.New("venue.payout 必须位于(0,1]"))
	}
	if !c.Venue.Simulation && (c.Venue.APIKey == "" || c.Venue.APISecret == "") {
		err = multierr.Append(err, errors.New("实盘模式需要配置 venue.api_key 与 venue.api_secret"))
	}
	if c.Venue.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("venue.retry.max_attempts 必须大于0"))
	}
	if c.Venue.Retry.MinDelay <= 0 || c.Venue.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("venue.retry.delay 必须为正"))
	}
	if c.Venue.Retry.MinDelay > c.Venue.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("venue.retry.min_delay 不能大于 max_delay"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		err = multierr.Append(err, errors.New("http.addr 不能为空"))
	}
	if c.Inbox.Enabled && c.Inbox.Dir == "" {
		err = multierr.Append(err, errors.New("inbox.dir 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// Validate 校验金额与资产白名单，最小/最大金额矛盾属于致命配置错误。
func (c TradingConfig) Validate() error {
	var err error

	if len(c.AllowedAssets) == 0 {
		err = multierr.Append(err, errors.New("trading.allowed_assets 至少包含一个资产"))
	}
	if c.MinAmount <= 0 {
		err = multierr.Append(err, errors.New("trading.min_amount 必须大于0"))
	}
	if c.MaxAmount < c.MinAmount {
		err = multierr.Append(err, errors.New("trading.max_amount 不能小于 min_amount"))
	}
	if c.DefaultAmount < c.MinAmount || c.DefaultAmount > c.MaxAmount {
		err = multierr.Append(err, errors.New("trading.default_amount 必须位于[min_amount,max_amount]"))
	}
	if c.DefaultDuration < time.Minute || c.DefaultDuration > time.Hour {
		err = multierr.Append(err, errors.New("trading.default_duration 必须位于[1m,1h]"))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 100 {
		err = multierr.Append(err, errors.New("trading.min_confidence 必须位于[0,100]"))
	}
	if _, locErr := c.Location(); locErr != nil {
		err = multierr.Append(err, locErr)
	}

	return err
}

// Validate 校验风控参数。
func (c RiskConfig) Validate() error {
	var err error

	if c.RiskPercentage <= 0 || c.RiskPercentage > 100 {
		err = multierr.Append(err, errors.New("risk.risk_percentage 必须位于(0,100]"))
	}
	if c.MaxConcurrentTrades <= 0 {
		err = multierr.Append(err, errors.New("risk.max_concurrent_trades 必须大于0"))
	}
	if c.MaxDailyLoss <= 0 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss 必须大于0"))
	}
	if c.MaxConsecutiveLosses <= 0 {
		err = multierr.Append(err, errors.New("risk.max_consecutive_losses 必须大于0"))
	}
	if c.EmergencyConsecutiveLosses < c.MaxConsecutiveLosses {
		err = multierr.Append(err, errors.New("risk.emergency_consecutive_losses 不能小于 max_consecutive_losses"))
	}
	if _, dayErr := c.Weekdays(); dayErr != nil {
		err = multierr.Append(err, dayErr)
	}

	return err
}

// Validate 校验补仓参数。
func (c RecoveryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var err error
	if c.Multiplier <= 1 {
		err = multierr.Append(err, errors.New("recovery.multiplier 必须大于1"))
	}
	if c.MaxSteps <= 0 {
		err = multierr.Append(err, errors.New("recovery.max_steps 必须大于0"))
	}
	if c.MaxBalanceFraction <= 0 || c.MaxBalanceFraction > 1 {
		err = multierr.Append(err, errors.New("recovery.max_balance_fraction 必须位于(0,1]"))
	}
	return err
}
