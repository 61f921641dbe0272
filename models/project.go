package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Project groups properties renovated under one contract. Projects are
// managed by the portal; the sync only links properties to existing ones.
type Project struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	ExternalId string    `gorm:"size:64;not null;uniqueIndex" json:"external_id"`
	Name       string    `gorm:"size:255;not null" json:"name"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetProjectIdByExternalId returns nil when the project is unknown.
func GetProjectIdByExternalId(ctx context.Context, db *gorm.DB, externalId string) (*uint, error) {
	var p Project
	err := db.WithContext(ctx).Select("id").Where("external_id = ?", externalId).Take(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p.ID, nil
}
