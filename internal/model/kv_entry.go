package model

import "time"

// KVEntry 是 MySQL 中模拟浏览器 localStorage 的键值行。
type KVEntry struct {
	Key       string     `gorm:"column:kv_key;primaryKey;size:191"`
	Value     string     `gorm:"column:kv_value;type:longtext;not null"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime"`
}

func (KVEntry) TableName() string {
	return "kv_entries"
}
