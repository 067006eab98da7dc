package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/querybenchoor/pkg/model"
	"gorm.io/gorm"
)

// UpsertQuery inserts a query or updates the query with the same name.
// Changing the source text or the native flag of an existing query drops
// its cached translation. On return q holds the stored row.
func (s *store) UpsertQuery(ctx context.Context, q *model.Query) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Query

		err := tx.Where("name = ?", q.Name).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(q).Error; err != nil {
				return fmt.Errorf("creating query: %w", err)
			}

			return nil
		}

		if err != nil {
			return fmt.Errorf("loading query: %w", err)
		}

		if existing.Native != q.Native {
			existing.InvalidateTranslation()
		}

		existing.SetSource(q.SourceSQL)
		existing.Description = q.Description
		existing.Complexity = q.Complexity
		existing.Active = q.Active
		existing.Native = q.Native

		if err := tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("updating query: %w", err)
		}

		*q = existing

		return nil
	})
}

func (s *store) GetQuery(ctx context.Context, id uint) (*model.Query, error) {
	var q model.Query
	if err := s.db.WithContext(ctx).First(&q, id).Error; err != nil {
		return nil, fmt.Errorf("getting query %d: %w", id, notFound(err))
	}

	return &q, nil
}

func (s *store) GetQueryByName(ctx context.Context, name string) (*model.Query, error) {
	var q model.Query
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&q).Error; err != nil {
		return nil, fmt.Errorf("getting query %q: %w", name, notFound(err))
	}

	return &q, nil
}

// ListQueries returns queries ordered by ID.
func (s *store) ListQueries(ctx context.Context, activeOnly bool) ([]model.Query, error) {
	tx := s.db.WithContext(ctx).Order("id ASC")
	if activeOnly {
		tx = tx.Where("active = ?", true)
	}

	var queries []model.Query
	if err := tx.Find(&queries).Error; err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}

	return queries, nil
}

// SaveTranslation writes only the translation cache columns of q.
func (s *store) SaveTranslation(ctx context.Context, q *model.Query) error {
	result := s.db.WithContext(ctx).
		Model(q).
		Select("target_sql", "source_hash", "translation_validated", "translation_error").
		Updates(q)
	if result.Error != nil {
		return fmt.Errorf("saving translation: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("saving translation for query %d: %w", q.ID, ErrNotFound)
	}

	return nil
}

// DeleteQuery removes a query with its execution records and comparison
// results.
func (s *store) DeleteQuery(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("query_id = ?", id).
			Delete(&model.ExecutionRecord{}).Error; err != nil {
			return fmt.Errorf("deleting execution records: %w", err)
		}

		if err := tx.Where("query_id = ?", id).
			Delete(&model.ComparisonResult{}).Error; err != nil {
			return fmt.Errorf("deleting comparison results: %w", err)
		}

		result := tx.Delete(&model.Query{}, id)
		if result.Error != nil {
			return fmt.Errorf("deleting query: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			return fmt.Errorf("deleting query %d: %w", id, ErrNotFound)
		}

		return nil
	})
}
