package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/0xmhha/ledger-crawler/pkg/types"
	"github.com/cockroachdb/pebble"
)

// GetCheckpoint returns the checkpoint of an entity
func (s *PebbleStorage) GetCheckpoint(ctx context.Context, chainID int64, entity string) (*types.Checkpoint, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	data, err := s.get(CheckpointKey(chainID, entity))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var cp types.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: checkpoint %d/%s: %v", ErrCorrupt, chainID, entity, err)
	}
	if cp.EndBlock < cp.StartBlock {
		return nil, fmt.Errorf("%w: checkpoint %d/%s has end %d before start %d",
			ErrCorrupt, chainID, entity, cp.EndBlock, cp.StartBlock)
	}
	return &cp, nil
}

// PutCheckpoint inserts or replaces the checkpoint of an entity
func (s *PebbleStorage) PutCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	stored := *cp
	stored.EntityAddress = strings.ToLower(stored.EntityAddress)
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := s.db.Set(CheckpointKey(stored.ChainID, stored.EntityAddress), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}

