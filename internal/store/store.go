// Package store persists owners, questionnaires and evaluations with gorm.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/drblury/cardiocheck/internal/evaluation"
	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// DefaultHistoryLimit caps history listings without an explicit limit.
const DefaultHistoryLimit = 50

// GormStore implements evaluation.Store.
type GormStore struct {
	db *gorm.DB
}

var _ evaluation.Store = (*GormStore)(nil)

// Open connects to dsn with the named driver.
func Open(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return New(db), nil
}

// New wraps an existing connection.
func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB returns the underlying connection.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates the schema.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&evaluation.Owner{}, &evaluation.Questionnaire{}, &evaluation.Evaluation{})
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveOwner inserts or updates an owner.
func (s *GormStore) SaveOwner(ctx context.Context, owner *evaluation.Owner) error {
	if owner.ID == "" {
		return errors.New("store: owner id is required")
	}
	return s.db.WithContext(ctx).Save(owner).Error
}

func (s *GormStore) FindOwnerByID(ctx context.Context, id string) (*evaluation.Owner, bool, error) {
	var owner evaluation.Owner
	found, err := first(s.db.WithContext(ctx), &owner, id)
	if !found {
		return nil, false, err
	}
	return &owner, true, nil
}

// CreateEvaluation stores the questionnaire and its pending evaluation in one
// transaction.
func (s *GormStore) CreateEvaluation(ctx context.Context, q *evaluation.Questionnaire, e *evaluation.Evaluation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(q).Error; err != nil {
			return fmt.Errorf("store: create questionnaire: %w", err)
		}
		if err := tx.Create(e).Error; err != nil {
			return fmt.Errorf("store: create evaluation: %w", err)
		}
		return nil
	})
}

// SaveEvaluation writes a terminal outcome. Only a PENDING row is updated, so
// a concurrent or repeated write can never move a terminal record. Repeating
// the stored outcome is a no-op; a different outcome fails with
// ErrTerminalState.
func (s *GormStore) SaveEvaluation(ctx context.Context, e *evaluation.Evaluation) error {
	db := s.db.WithContext(ctx)
	result := db.Model(&evaluation.Evaluation{}).
		Where("id = ? AND status = ?", e.ID, evaluation.StatusPending).
		Updates(map[string]any{
			"status":         e.Status,
			"result_code":    e.ResultCode,
			"recommendation": e.Recommendation,
			"updated_at":     e.UpdatedAt,
			"completed_at":   e.CompletedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("store: save evaluation %s: %w", e.ID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	stored, found, err := s.FindEvaluationByID(ctx, e.ID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("store: save evaluation %s: %w", e.ID, gorm.ErrRecordNotFound)
	}
	if stored.Status.Terminal() && stored.SameOutcome(e) {
		return nil
	}
	return fmt.Errorf("store: evaluation %s is %s: %w", e.ID, stored.Status, errspkg.ErrTerminalState)
}

func (s *GormStore) FindEvaluationByID(ctx context.Context, id string) (*evaluation.Evaluation, bool, error) {
	var e evaluation.Evaluation
	found, err := first(s.db.WithContext(ctx), &e, id)
	if !found {
		return nil, false, err
	}
	return &e, true, nil
}

func (s *GormStore) FindQuestionnaireByID(ctx context.Context, id string) (*evaluation.Questionnaire, bool, error) {
	var q evaluation.Questionnaire
	found, err := first(s.db.WithContext(ctx), &q, id)
	if !found {
		return nil, false, err
	}
	return &q, true, nil
}

// ListEvaluationsByOwner returns the owner's evaluations, newest first.
func (s *GormStore) ListEvaluationsByOwner(ctx context.Context, ownerID string, limit int) ([]*evaluation.Evaluation, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var list []*evaluation.Evaluation
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func first(db *gorm.DB, dest any, id string) (bool, error) {
	err := db.First(dest, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
