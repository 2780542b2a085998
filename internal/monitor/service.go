package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signal-trader/internal/execution"
	"signal-trader/internal/risk"
	"signal-trader/internal/store"
	"signal-trader/internal/trading"
)

const writeTimeout = 5 * time.Second

// Service 负责持久化监控事件，同时作为调度器的事件接收方。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ execution.Reporter = (*Service)(nil)

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger.Named("monitor"),
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

func (s *Service) record(eventType EventType, payload interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.Record(ctx, Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: payload}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(eventType)), zap.Error(err))
	}
}

// ReportRejection 记录被丢弃的意图。
func (s *Service) ReportRejection(intent trading.TradeIntent, code, reason string) {
	s.record(EventIntentRejected, RejectionPayload{
		IntentID:  intent.ID,
		Asset:     intent.Asset,
		Direction: intent.Direction,
		Amount:    intent.Amount,
		Source:    intent.Source,
		OriginID:  intent.OriginID,
		Code:      code,
		Reason:    reason,
	})
}

// ReportTrade 记录交易状态变化。
func (s *Service) ReportTrade(trade trading.Trade) {
	s.record(EventTradeUpdate, tradePayload(trade))
}

// ReportRecovery 记录补仓序列推进。
func (s *Service) ReportRecovery(seq risk.RecoverySequence, intent trading.TradeIntent) {
	s.record(EventRecovery, RecoveryPayload{
		SequenceID:    seq.ID,
		OriginID:      seq.OriginIntentID,
		Step:          seq.Step,
		MaxSteps:      seq.MaxSteps,
		NextIntentID:  intent.ID,
		NextAmount:    intent.Amount,
		TotalInvested: seq.TotalInvested,
	})
}

// RecordForceStop 记录强制停止。
func (s *Service) RecordForceStop(ctx context.Context, reason string, summary risk.Summary) {
	if err := s.Record(ctx, Event{
		Type:      EventForceStop,
		Timestamp: time.Now().UTC(),
		Payload:   ForceStopPayload{Reason: reason, Summary: summary},
	}); err != nil {
		s.logger.Warn("记录强制停止事件失败", zap.Error(err))
	}
}

// RecordStatus 记录周期性状态报告。
func (s *Service) RecordStatus(ctx context.Context, stats execution.Statistics, balance float64) {
	if err := s.Record(ctx, Event{
		Type:      EventStatus,
		Timestamp: time.Now().UTC(),
		Payload:   StatusPayload{Statistics: stats, Balance: balance},
	}); err != nil {
		s.logger.Warn("记录状态事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Time{}
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

// CountEvents 返回某类事件总数。
func (s *Service) CountEvents(ctx context.Context, eventType EventType) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM monitor_events WHERE event_type = ?`, string(eventType),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("monitor: 统计事件失败: %w", err)
	}
	return n, nil
}
