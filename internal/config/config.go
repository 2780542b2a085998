package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "signal"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Default 返回仅包含默认值的配置，供命令行工具与测试使用。
func Default() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	for i, asset := range cfg.Trading.AllowedAssets {
		cfg.Trading.AllowedAssets[i] = strings.ToUpper(strings.TrimSpace(asset))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("trading.allowed_assets", []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD"})
	v.SetDefault("trading.min_amount", 1.0)
	v.SetDefault("trading.max_amount", 100.0)
	v.SetDefault("trading.default_amount", 10.0)
	v.SetDefault("trading.default_duration", "5m")
	v.SetDefault("trading.min_confidence", 70)
	v.SetDefault("trading.timezone", "UTC")

	v.SetDefault("risk.risk_percentage", 2.0)
	v.SetDefault("risk.max_concurrent_trades", 5)
	v.SetDefault("risk.max_daily_loss", 500.0)
	v.SetDefault("risk.max_consecutive_losses", 5)
	v.SetDefault("risk.emergency_consecutive_losses", 10)
	v.SetDefault("risk.non_trading_weekdays", []string{"saturday", "sunday"})

	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.multiplier", 2.0)
	v.SetDefault("recovery.max_steps", 3)
	v.SetDefault("recovery.max_balance_fraction", 0.5)

	v.SetDefault("scheduler.delay_poll_interval", "5s")
	v.SetDefault("scheduler.monitor_interval", "1s")
	v.SetDefault("scheduler.settlement_buffer", "10s")
	v.SetDefault("scheduler.drain_timeout", "2m")
	v.SetDefault("scheduler.status_interval", "5m")

	v.SetDefault("venue.name", "binanceusdm")
	v.SetDefault("venue.use_sandbox", false)
	v.SetDefault("venue.simulation", true)
	v.SetDefault("venue.initial_balance", 1000.0)
	v.SetDefault("venue.payout", 0.8)
	v.SetDefault("venue.quote_currency", "USDT")
	v.SetDefault("venue.max_quote_age", "2m")
	v.SetDefault("venue.symbols", map[string]string{
		"EURUSD": "EUR/USDT:USDT",
		"GBPUSD": "GBP/USDT:USDT",
		"AUDUSD": "AUD/USDT:USDT",
	})
	v.SetDefault("venue.retry.max_attempts", 3)
	v.SetDefault("venue.retry.min_delay", "500ms")
	v.SetDefault("venue.retry.max_delay", "5s")

	v.SetDefault("database.path", "data/signal_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("inbox.enabled", false)
	v.SetDefault("inbox.dir", "data/inbox")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
