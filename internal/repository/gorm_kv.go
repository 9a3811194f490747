package repository

import (
	"context"
	"errors"
	"fmt"
	"quimicai-go/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormKV struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewGormKV 创建基于关系型数据库 kv_entries 表的 KVStore。
func NewGormKV(db *gorm.DB, ttl time.Duration) KVStore {
	return &gormKV{db: db, ttl: ttl}
}

func (g *gormKV) Get(ctx context.Context, key string) (string, error) {
	var entry model.KVEntry
	err := g.db.WithContext(ctx).Where("kv_key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
		return "", ErrKeyNotFound
	}
	return entry.Value, nil
}

func (g *gormKV) Set(ctx context.Context, key, value string) error {
	entry := model.KVEntry{Key: key, Value: value}
	if g.ttl > 0 {
		exp := time.Now().Add(g.ttl)
		entry.ExpiresAt = &exp
	}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"kv_value", "expires_at", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (g *gormKV) Delete(ctx context.Context, key string) error {
	if err := g.db.WithContext(ctx).Where("kv_key = ?", key).Delete(&model.KVEntry{}).Error; err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}
