package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"condor/internal/types"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TradeModel is the persisted row for one terminal strategy order. Legs and
// fills are stored as JSON columns; history is read for reporting, never on
// the execution critical path.
type TradeModel struct {
	ID             uint   `gorm:"primaryKey"`
	OrderID        string `gorm:"uniqueIndex;size:64"`
	IdempotencyKey string `gorm:"index;size:128"`
	StrategyID     string `gorm:"index;size:64"`
	Description    string
	State          string `gorm:"size:32"`
	Reason         string
	LegsJSON       string `gorm:"type:text"`
	FillsJSON      string `gorm:"type:text"`
	CreatedAt      time.Time
	ResolvedAt     time.Time `gorm:"index"`
}

func (TradeModel) TableName() string { return "trades" }

type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("history database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&TradeModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Store{db: db}, nil
}

// Record persists one terminal order. Duplicate order ids are ignored so a
// replayed terminal event cannot double-write history.
func (s *Store) Record(rec types.TradeRecord) error {
	legs, err := json.Marshal(rec.Legs)
	if err != nil {
		return err
	}
	fills, err := json.Marshal(rec.Fills)
	if err != nil {
		return err
	}
	row := TradeModel{
		OrderID:        rec.OrderID,
		IdempotencyKey: rec.IdempotencyKey,
		StrategyID:     rec.StrategyID,
		Description:    rec.Description,
		State:          string(rec.State),
		Reason:         rec.Reason,
		LegsJSON:       string(legs),
		FillsJSON:      string(fills),
		CreatedAt:      rec.CreatedAt,
		ResolvedAt:     rec.ResolvedAt,
	}
	res := s.db.Where("order_id = ?", rec.OrderID).FirstOrCreate(&row)
	return res.Error
}

// TradesBetween lists terminal orders resolved in [from, to).
func (s *Store) TradesBetween(from, to time.Time) ([]TradeModel, error) {
	var rows []TradeModel
	err := s.db.Where("resolved_at >= ? AND resolved_at < ?", from, to).
		Order("resolved_at asc").Find(&rows).Error
	return rows, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
