package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type TriggerAttemptStatus string

const (
	TriggerAttemptSucceeded TriggerAttemptStatus = "SUCCEEDED"
	TriggerAttemptFailed    TriggerAttemptStatus = "FAILED"
)

// TriggerAttempt is the audit row written for every downstream extraction call.
// Fire-once eligibility is not read from here; it is derived from budget lines.
type TriggerAttempt struct {
	ID          uint                 `gorm:"primary_key" json:"id"`
	PropertyId  uint                 `gorm:"index;not null" json:"property_id"`
	ExternalId  string               `gorm:"size:64;not null" json:"external_id"`
	RunId       string               `gorm:"size:36;index" json:"run_id"`
	DocumentRef string               `gorm:"type:text" json:"document_ref"`
	Status      TriggerAttemptStatus `gorm:"size:20;not null;index" json:"status"`
	HttpStatus  int                  `json:"http_status"`
	Attempts    int                  `json:"attempts"`
	LastError   *string              `gorm:"type:text" json:"last_error"`
	DurationMs  int64                `json:"duration_ms"`
	CreatedAt   time.Time            `gorm:"autoCreateTime" json:"created_at"`
}

func ListTriggerAttempts(ctx context.Context, db *gorm.DB, propertyId uint) ([]TriggerAttempt, error) {
	var attempts []TriggerAttempt
	err := db.WithContext(ctx).Where("property_id = ?", propertyId).Order("id asc").Find(&attempts).Error
	return attempts, err
}
