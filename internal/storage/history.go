package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/config"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

// HistoryQuery filters history listings
type HistoryQuery struct {
	Search string
	Status models.Phase
	Limit  int
	Offset int
}

// HistoryStore persists terminal outcomes with gorm
type HistoryStore struct {
	db     *gorm.DB
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// OpenHistoryStore opens the configured driver and migrates the table
func OpenHistoryStore(cfg config.HistoryConfig, log zerolog.Logger) (*HistoryStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(mysqlDSN(cfg.MySQL))
	case "sqlite", "":
		dialector = sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if cfg.Driver == "mysql" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)
	}

	return NewHistoryStore(db, log)
}

// NewHistoryStore migrates the table on an open database
func NewHistoryStore(db *gorm.DB, log zerolog.Logger) (*HistoryStore, error) {
	if err := db.AutoMigrate(&models.GenerationRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history: %w", err)
	}
	return &HistoryStore{
		db:     db,
		logger: log.With().Str("component", "history").Logger(),
	}, nil
}

func mysqlDSN(cfg config.MySQLConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)
}

// Close waits for pending writes and closes the database
func (s *HistoryStore) Close() error {
	s.wg.Wait()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record saves a terminal snapshot once per job
func (s *HistoryStore) Record(ctx context.Context, state models.SessionState) error {
	if !state.Phase.Terminal() || state.JobID == "" {
		return nil
	}
	var req models.GenerationRequest
	if state.Request != nil {
		req = *state.Request
	}
	rec := models.NewGenerationRecord(req, state)

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// Get returns the record for a job
func (s *HistoryStore) Get(ctx context.Context, jobID string) (*models.GenerationRecord, error) {
	var rec models.GenerationRecord
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return &rec, nil
}

// List returns records newest first
func (s *HistoryStore) List(ctx context.Context, q HistoryQuery) ([]models.GenerationRecord, error) {
	tx := s.db.WithContext(ctx).Model(&models.GenerationRecord{})
	if search := strings.TrimSpace(q.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		tx = tx.Where("LOWER(prompt) LIKE ? OR LOWER(filename) LIKE ?", like, like)
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", string(q.Status))
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var out []models.GenerationRecord
	err := tx.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(q.Offset).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return out, nil
}

// DeleteByFilename soft-deletes records for an image
func (s *HistoryStore) DeleteByFilename(ctx context.Context, filename string) (int64, error) {
	res := s.db.WithContext(ctx).Where("filename = ?", filename).Delete(&models.GenerationRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete history: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// OnStateChange records terminal snapshots without blocking the session
func (s *HistoryStore) OnStateChange(state models.SessionState) {
	if !state.Phase.Terminal() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.Record(ctx, state); err != nil {
			s.logger.Warn().Err(err).Str("job_id", state.JobID).Msg("failed to record history")
		}
	}()
}

// Flush waits for background writes started by OnStateChange
func (s *HistoryStore) Flush(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
