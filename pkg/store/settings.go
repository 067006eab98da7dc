package store

import (
	"context"
	"fmt"

	"github.com/ethpandaops/querybenchoor/pkg/model"
)

func (s *store) GetSetting(ctx context.Context, key string) (*model.Setting, error) {
	var setting model.Setting
	if err := s.db.WithContext(ctx).
		Where(&model.Setting{Key: key}).
		First(&setting).Error; err != nil {
		return nil, fmt.Errorf("getting setting %q: %w", key, notFound(err))
	}

	return &setting, nil
}

// SetSetting inserts or updates the setting with the same key.
func (s *store) SetSetting(ctx context.Context, setting *model.Setting) error {
	result := s.db.WithContext(ctx).
		Where(&model.Setting{Key: setting.Key}).
		Assign(map[string]any{
			"value":       setting.Value,
			"description": setting.Description,
		}).
		FirstOrCreate(setting)
	if result.Error != nil {
		return fmt.Errorf("upserting setting: %w", result.Error)
	}

	return nil
}

func (s *store) DeleteSetting(ctx context.Context, key string) error {
	result := s.db.WithContext(ctx).
		Where(&model.Setting{Key: key}).
		Delete(&model.Setting{})
	if result.Error != nil {
		return fmt.Errorf("deleting setting: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("deleting setting %q: %w", key, ErrNotFound)
	}

	return nil
}

func (s *store) ListSettings(ctx context.Context) ([]model.Setting, error) {
	var settings []model.Setting
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}

	return settings, nil
}

// SettingsMap returns all settings as key/value pairs.
func (s *store) SettingsMap(ctx context.Context) (map[string]string, error) {
	settings, err := s.ListSettings(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(settings))
	for _, setting := range settings {
		out[setting.Key] = setting.Value
	}

	return out, nil
}
