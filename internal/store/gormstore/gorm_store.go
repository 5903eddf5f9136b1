package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"marlin/internal/position"
	"marlin/internal/risk"
	storemodel "marlin/internal/store/model"
)

const riskSnapshotRowID = 1

// TradeRecord is one closed trade as it appears in the journal.
type TradeRecord struct {
	PositionID  string         `json:"position_id"`
	Symbol      string         `json:"symbol"`
	Side        string         `json:"side"`
	Stake       float64        `json:"stake"`
	Quantity    float64        `json:"quantity"`
	EntryPrice  float64        `json:"entry_price"`
	ExitPrice   float64        `json:"exit_price"`
	StopLoss    float64        `json:"stop_loss"`
	TakeProfit  float64        `json:"take_profit"`
	RealizedPnL float64        `json:"realized_pnl"`
	CloseReason string         `json:"close_reason"`
	Context     map[string]any `json:"context,omitempty"`
	OpenedAt    time.Time      `json:"opened_at"`
	ClosedAt    time.Time      `json:"closed_at"`
}

// RecordFromPosition builds a journal entry from a closed position.
// context carries the decision inputs (score, confidence, signal) so a trade
// can be audited later without replaying market data.
func RecordFromPosition(pos position.Position, context map[string]any) TradeRecord {
	return TradeRecord{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Side:        string(pos.Side),
		Stake:       pos.Stake,
		Quantity:    pos.Quantity,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   pos.ExitPrice,
		StopLoss:    pos.StopLoss,
		TakeProfit:  pos.TakeProfit,
		RealizedPnL: pos.RealizedPnL,
		CloseReason: string(pos.CloseReason),
		Context:     context,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    pos.ClosedAt,
	}
}

// Store implements the trade journal and risk snapshot persistence on
// Gorm + SQLite.
type Store struct {
	db *gorm.DB
}

var _ risk.SnapshotStore = (*Store)(nil)

// NewStore opens (or creates) the SQLite file at path and migrates the schema.
func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&storemodel.TradeRecordModel{}, &storemodel.RiskSnapshotModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP
	// reads while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AppendTrade writes a closed trade to the journal. Re-appending the same
// position id replaces the row, so retried writes stay idempotent.
func (s *Store) AppendTrade(ctx context.Context, rec TradeRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if strings.TrimSpace(rec.PositionID) == "" {
		return fmt.Errorf("trade record requires position_id")
	}
	model := newTradeRecordModel(rec)
	cols := []string{
		"symbol", "side", "stake", "quantity", "entry_price", "exit_price",
		"stop_loss", "take_profit", "realized_pnl", "close_reason", "context",
		"opened_at", "closed_at",
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "position_id"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).
		Create(&model).Error
}

// ListRecentTrades returns closed trades newest first, optionally filtered
// by symbol.
func (s *Store) ListRecentTrades(ctx context.Context, symbol string, limit, offset int) ([]TradeRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := s.db.WithContext(ctx).Model(&storemodel.TradeRecordModel{})
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		query = query.Where("UPPER(symbol) = ?", sym)
	}
	var models []storemodel.TradeRecordModel
	if err := query.
		Order("closed_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]TradeRecord, 0, len(models))
	for _, m := range models {
		out = append(out, tradeRecordModelToRecord(m))
	}
	return out, nil
}

// CountTrades returns the journal size, optionally filtered by symbol.
func (s *Store) CountTrades(ctx context.Context, symbol string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	query := s.db.WithContext(ctx).Model(&storemodel.TradeRecordModel{})
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		query = query.Where("UPPER(symbol) = ?", sym)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return int(total), nil
}

// SaveRiskSnapshot replaces the single persisted risk counter row.
func (s *Store) SaveRiskSnapshot(ctx context.Context, snap risk.Snapshot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	model := storemodel.RiskSnapshotModel{
		ID:            riskSnapshotRowID,
		Day:           snap.Day,
		TradeCount:    snap.TradeCount,
		RealizedLoss:  snap.RealizedLoss,
		LastTradeAtMs: snap.LastTradeAtMs,
		Equity:        snap.Equity,
		UpdatedAtMs:   time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"day", "trade_count", "realized_loss", "last_trade_at", "equity", "updated_at",
			}),
		}).
		Create(&model).Error
}

// LoadRiskSnapshot returns the persisted counters, if any.
func (s *Store) LoadRiskSnapshot(ctx context.Context) (risk.Snapshot, bool, error) {
	if s == nil || s.db == nil {
		return risk.Snapshot{}, false, fmt.Errorf("store not initialized")
	}
	var model storemodel.RiskSnapshotModel
	if err := s.db.WithContext(ctx).
		Where("id = ?", riskSnapshotRowID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return risk.Snapshot{}, false, nil
		}
		return risk.Snapshot{}, false, err
	}
	return risk.Snapshot{
		Day:           model.Day,
		TradeCount:    model.TradeCount,
		RealizedLoss:  model.RealizedLoss,
		LastTradeAtMs: model.LastTradeAtMs,
		Equity:        model.Equity,
	}, true, nil
}

func newTradeRecordModel(rec TradeRecord) storemodel.TradeRecordModel {
	var contextJSON []byte
	if len(rec.Context) > 0 {
		contextJSON, _ = json.Marshal(rec.Context)
	}
	return storemodel.TradeRecordModel{
		PositionID:  strings.TrimSpace(rec.PositionID),
		Symbol:      strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		Side:        strings.ToLower(strings.TrimSpace(rec.Side)),
		Stake:       rec.Stake,
		Quantity:    rec.Quantity,
		EntryPrice:  rec.EntryPrice,
		ExitPrice:   rec.ExitPrice,
		StopLoss:    rec.StopLoss,
		TakeProfit:  rec.TakeProfit,
		RealizedPnL: rec.RealizedPnL,
		CloseReason: strings.TrimSpace(rec.CloseReason),
		Context:     datatypes.JSON(contextJSON),
		OpenedAtMs:  timeToMillis(rec.OpenedAt),
		ClosedAtMs:  timeToMillis(rec.ClosedAt),
		CreatedAtMs: time.Now().UnixMilli(),
	}
}

func tradeRecordModelToRecord(m storemodel.TradeRecordModel) TradeRecord {
	var context map[string]any
	if len(m.Context) > 0 {
		_ = json.Unmarshal(m.Context, &context)
	}
	return TradeRecord{
		PositionID:  m.PositionID,
		Symbol:      m.Symbol,
		Side:        m.Side,
		Stake:       m.Stake,
		Quantity:    m.Quantity,
		EntryPrice:  m.EntryPrice,
		ExitPrice:   m.ExitPrice,
		StopLoss:    m.StopLoss,
		TakeProfit:  m.TakeProfit,
		RealizedPnL: m.RealizedPnL,
		CloseReason: m.CloseReason,
		Context:     context,
		OpenedAt:    millisToTime(m.OpenedAtMs),
		ClosedAt:    millisToTime(m.ClosedAtMs),
	}
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
