package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"signal-trader/internal/app"
	"signal-trader/internal/config"
	"signal-trader/internal/log"
	sig "signal-trader/internal/signal"
	"signal-trader/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "trader",
		Short:         "信号驱动的二元期权自动交易",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")

	root.AddCommand(newRunCmd(&configPath), newParseCmd(&configPath))
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "启动交易流水线、运维接口与收件箱监听",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}

			logger, err := log.NewLogger(cfg.Logging, cfg.App.Environment)
			if err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}
			defer func(logger *zap.Logger) {
				_ = logger.Sync()
			}(logger)

			sqliteStore, err := store.NewSQLite(cfg.Database)
			if err != nil {
				logger.Error("初始化数据库失败", zap.Error(err))
				return err
			}
			defer func() {
				if closeErr := sqliteStore.Close(); closeErr != nil {
					logger.Warn("关闭数据库失败", zap.Error(closeErr))
				}
			}()

			tradingApp := app.New(cfg, logger, sqliteStore)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := tradingApp.Run(ctx); err != nil {
				logger.Error("系统运行异常", zap.Error(err))
				return err
			}

			logger.Info("系统已安全退出")
			return nil
		},
	}
}

type parseOutput struct {
	Text     string      `json:"text"`
	Parsed   bool        `json:"parsed"`
	Valid    bool        `json:"valid"`
	Code     string      `json:"code,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Strategy string      `json:"strategy,omitempty"`
	Intent   interface{} `json:"intent,omitempty"`
}

func newParseCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "parse [message...]",
		Short: "解析消息并输出识别结果，不下单；无参数时逐行读取标准输入",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				cfg, err = config.Default()
				if err != nil {
					return err
				}
			}

			parser, err := sig.NewParser(cfg.Trading, nil)
			if err != nil {
				return err
			}

			messages := args
			if len(messages) == 0 {
				messages, err = readLines(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, text := range messages {
				if err := enc.Encode(describe(parser, text)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func describe(parser *sig.Parser, text string) parseOutput {
	out := parseOutput{Text: text}
	intent, ok := parser.Parse(text)
	if !ok {
		out.Code = app.CodeIgnored
		return out
	}
	out.Parsed = true
	out.Strategy = intent.Metadata["strategy"]
	out.Intent = intent
	if err := parser.Validate(intent); err != nil {
		out.Code = sig.RejectionCode(err)
		out.Reason = err.Error()
		return out
	}
	out.Valid = true
	return out
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取标准输入失败: %w", err)
	}
	return lines, nil
}
