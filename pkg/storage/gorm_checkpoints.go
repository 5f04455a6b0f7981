package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/0xmhha/ledger-crawler/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// checkpointRow is the relational form of a checkpoint
type checkpointRow struct {
	ID            uint      `gorm:"primaryKey"`
	ChainID       int64     `gorm:"not null;uniqueIndex:idx_checkpoint_entity"`
	EntityAddress string    `gorm:"type:varchar(42);not null;uniqueIndex:idx_checkpoint_entity"`
	StartBlock    int64     `gorm:"not null"`
	EndBlock      int64     `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (checkpointRow) TableName() string {
	return "checkpoints"
}

// GormCheckpointStore keeps checkpoints in a relational database
type GormCheckpointStore struct {
	db *gorm.DB
}

// OpenPostgresCheckpointStore connects to postgres and migrates the checkpoints table
func OpenPostgresCheckpointStore(dsn string) (*GormCheckpointStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewGormCheckpointStore(db)
}

// NewGormCheckpointStore wraps an open database and migrates the checkpoints table
func NewGormCheckpointStore(db *gorm.DB) (*GormCheckpointStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&checkpointRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoints: %w", err)
	}
	return &GormCheckpointStore{db: db}, nil
}

// GetCheckpoint returns the checkpoint of an entity
func (s *GormCheckpointStore) GetCheckpoint(ctx context.Context, chainID int64, entity string) (*types.Checkpoint, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND entity_address = ?", chainID, strings.ToLower(entity)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if row.StartBlock < 0 || row.EndBlock < row.StartBlock {
		return nil, fmt.Errorf("%w: checkpoint %d/%s has range [%d, %d]",
			ErrCorrupt, chainID, entity, row.StartBlock, row.EndBlock)
	}
	return &types.Checkpoint{
		ChainID:       row.ChainID,
		EntityAddress: row.EntityAddress,
		StartBlock:    uint64(row.StartBlock),
		EndBlock:      uint64(row.EndBlock),
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

// PutCheckpoint inserts or replaces the checkpoint of an entity
func (s *GormCheckpointStore) PutCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	row := &checkpointRow{
		ChainID:       cp.ChainID,
		EntityAddress: strings.ToLower(cp.EntityAddress),
		StartBlock:    int64(cp.StartBlock),
		EndBlock:      int64(cp.EndBlock),
		UpdatedAt:     updated,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "chain_id"},
			{Name: "entity_address"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"start_block", "end_block", "updated_at",
		}),
	}).Create(row).Error
}

// Close closes the underlying connection pool
func (s *GormCheckpointStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
