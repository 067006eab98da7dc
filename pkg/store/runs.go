package store

import (
	"context"
	"fmt"

	"github.com/ethpandaops/querybenchoor/pkg/model"
	"gorm.io/gorm"
)

func (s *store) CreateRun(ctx context.Context, run *model.TestRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

func (s *store) UpdateRun(ctx context.Context, run *model.TestRun) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	return nil
}

func (s *store) GetRun(ctx context.Context, id uint) (*model.TestRun, error) {
	var run model.TestRun
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, fmt.Errorf("getting run %d: %w", id, notFound(err))
	}

	return &run, nil
}

func (s *store) GetRunByKey(ctx context.Context, key string) (*model.TestRun, error) {
	var run model.TestRun
	if err := s.db.WithContext(ctx).
		Where("run_key = ?", key).
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting run %q: %w", key, notFound(err))
	}

	return &run, nil
}

// ListRuns returns the most recent runs first. A limit of zero or less
// returns all runs.
func (s *store) ListRuns(ctx context.Context, limit int) ([]model.TestRun, error) {
	tx := s.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}

	var runs []model.TestRun
	if err := tx.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// DeleteRun removes a run with its execution records and comparison
// results.
func (s *store) DeleteRun(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("test_run_id = ?", id).
			Delete(&model.ExecutionRecord{}).Error; err != nil {
			return fmt.Errorf("deleting execution records: %w", err)
		}

		if err := tx.Where("test_run_id = ?", id).
			Delete(&model.ComparisonResult{}).Error; err != nil {
			return fmt.Errorf("deleting comparison results: %w", err)
		}

		result := tx.Delete(&model.TestRun{}, id)
		if result.Error != nil {
			return fmt.Errorf("deleting run: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			return fmt.Errorf("deleting run %d: %w", id, ErrNotFound)
		}

		return nil
	})
}

// BulkCreateExecutionRecords inserts records in a single transaction.
// A record whose identity already exists fails the whole batch.
func (s *store) BulkCreateExecutionRecords(
	ctx context.Context, records []model.ExecutionRecord,
) error {
	if len(records) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(records, batchSize).Error; err != nil {
			return fmt.Errorf("bulk inserting execution records: %w", err)
		}

		return nil
	})
}

// ListExecutionRecords returns the records of a run in identity order.
func (s *store) ListExecutionRecords(
	ctx context.Context, runID uint,
) ([]model.ExecutionRecord, error) {
	var records []model.ExecutionRecord
	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", runID).
		Order("query_id ASC, platform ASC, iteration ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing execution records: %w", err)
	}

	return records, nil
}

// ReplaceComparisonResults swaps the comparison results of a run for
// results in a single transaction.
func (s *store) ReplaceComparisonResults(
	ctx context.Context, runID uint, results []model.ComparisonResult,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("test_run_id = ?", runID).
			Delete(&model.ComparisonResult{}).Error; err != nil {
			return fmt.Errorf("deleting comparison results: %w", err)
		}

		if len(results) == 0 {
			return nil
		}

		for i := range results {
			results[i].ID = 0
			results[i].TestRunID = runID
		}

		if err := tx.CreateInBatches(results, batchSize).Error; err != nil {
			return fmt.Errorf("inserting comparison results: %w", err)
		}

		return nil
	})
}

// ListComparisonResults returns the results of a run ordered by query.
func (s *store) ListComparisonResults(
	ctx context.Context, runID uint,
) ([]model.ComparisonResult, error) {
	var results []model.ComparisonResult
	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", runID).
		Order("query_id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing comparison results: %w", err)
	}

	return results, nil
}
