package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Property is one real-estate unit tracked through the renovation pipeline.
// ExternalId is the correlation key shared with the source system.
type Property struct {
	ID                   uint                `gorm:"primary_key" json:"id"`
	ExternalId           string              `gorm:"size:64;not null;uniqueIndex" json:"external_id"`
	SourceRecordId       string              `gorm:"size:64;index" json:"source_record_id"`
	Status               string              `gorm:"size:255" json:"status"`
	Phase                Phase               `gorm:"size:40;index" json:"phase"`
	Address              string              `gorm:"size:255" json:"address"`
	City                 string              `gorm:"size:100" json:"city"`
	PostalCode           string              `gorm:"size:20" json:"postal_code"`
	RenovationType       string              `gorm:"size:100" json:"renovation_type"`
	Area                 decimal.NullDecimal `gorm:"type:decimal(10,2)" json:"area"`
	Contractor           string              `gorm:"size:255" json:"contractor"`
	ContractorPhone      string              `gorm:"size:32" json:"contractor_phone"`
	BudgetDocumentRef    string              `gorm:"type:text" json:"budget_document_ref"`
	BudgetAmount         decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"budget_amount"`
	VisitDate            *time.Time          `json:"visit_date"`
	RenovationStartDate  *time.Time          `json:"renovation_start_date"`
	RenovationEndDate    *time.Time          `json:"renovation_end_date"`
	KeyDeliveryDate      *time.Time          `json:"key_delivery_date"`
	ProjectId            *uint               `gorm:"index" json:"project_id"`
	IsReadyForInspection bool                `gorm:"not null;default:false" json:"is_ready_for_inspection"`
	IsReadyToRent        bool                `gorm:"not null;default:false" json:"is_ready_to_rent"`
	LastSyncedAt         *time.Time          `json:"last_synced_at"`
	CreatedAt            time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetPropertyByExternalId returns nil, nil when no row matches.
func GetPropertyByExternalId(ctx context.Context, db *gorm.DB, externalId string) (*Property, error) {
	var p Property
	err := db.WithContext(ctx).Where("external_id = ?", externalId).Take(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// GetPropertiesByExternalIds loads every row whose external id is in the list.
func GetPropertiesByExternalIds(ctx context.Context, db *gorm.DB, externalIds []string) ([]Property, error) {
	if len(externalIds) == 0 {
		return nil, nil
	}
	var props []Property
	err := db.WithContext(ctx).Where("external_id IN ?", externalIds).Find(&props).Error
	return props, err
}
