package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const processedDir = "processed"

// maxMessageBytes 限制单条消息大小，超出部分直接丢弃。
const maxMessageBytes = 64 << 10

// Handler 处理一条原始消息。
type Handler func(ctx context.Context, source, text string)

// Inbox 监听目录，把新放入的 .txt/.msg 文件作为一条信号消息交给 Handler。
// 写入方应先写临时文件再重命名进目录，避免读到半截内容。
type Inbox struct {
	dir     string
	handler Handler
	logger  *zap.Logger
}

// NewInbox 创建收件箱监听器，目录不存在时自动创建。
func NewInbox(dir string, handler Handler, logger *zap.Logger) (*Inbox, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("transport: 收件箱目录不能为空")
	}
	if handler == nil {
		return nil, fmt.Errorf("transport: handler 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(dir, processedDir), 0o755); err != nil {
		return nil, fmt.Errorf("transport: 创建收件箱目录失败: %w", err)
	}
	return &Inbox{dir: dir, handler: handler, logger: logger.Named("inbox")}, nil
}

// Run 先处理目录中已有的消息，再持续监听直到 ctx 结束。
func (i *Inbox) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("transport: 创建文件监听失败: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(i.dir); err != nil {
		return fmt.Errorf("transport: 监听目录 %s 失败: %w", i.dir, err)
	}
	i.logger.Info("收件箱监听已启动", zap.String("dir", i.dir))

	if err := i.drainExisting(ctx); err != nil {
		i.logger.Warn("处理存量消息失败", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				i.consume(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			i.logger.Warn("文件监听异常", zap.Error(err))
		}
	}
}

func (i *Inbox) drainExisting(ctx context.Context) error {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return fmt.Errorf("transport: 读取收件箱失败: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		i.consume(ctx, filepath.Join(i.dir, name))
	}
	return nil
}

// consume 读取并归档单个消息文件，归档后同一文件不会被重复处理。
func (i *Inbox) consume(ctx context.Context, path string) {
	if !accepted(path) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			i.logger.Warn("读取消息文件失败", zap.String("path", path), zap.Error(err))
		}
		return
	}
	if len(data) == 0 {
		return
	}
	if len(data) > maxMessageBytes {
		data = data[:maxMessageBytes]
	}

	name := filepath.Base(path)
	if err := os.Rename(path, filepath.Join(i.dir, processedDir, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		i.logger.Warn("归档消息文件失败，直接删除", zap.String("path", path), zap.Error(err))
		if rmErr := os.Remove(path); rmErr != nil {
			i.logger.Error("删除消息文件失败，跳过该消息", zap.String("path", path), zap.Error(rmErr))
			return
		}
	}

	i.logger.Debug("收到收件箱消息", zap.String("file", name), zap.Int("bytes", len(data)))
	i.handler(ctx, "inbox:"+name, string(data))
}

func accepted(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".msg":
		return true
	default:
		return false
	}
}
