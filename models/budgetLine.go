package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	BudgetLineSourceExtraction = "extraction"
	BudgetLineSourceManual     = "manual"
)

// BudgetLine is one priced line of a renovation budget. Lines with source
// "extraction" are written back by the downstream document extraction job.
type BudgetLine struct {
	ID          uint            `gorm:"primary_key" json:"id"`
	PropertyId  uint            `gorm:"index:idx_budget_line_property_source,priority:1;not null" json:"property_id"`
	Source      string          `gorm:"index:idx_budget_line_property_source,priority:2;size:20;not null" json:"source"`
	Description string          `gorm:"size:255" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4)" json:"quantity"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// CountExtractedBudgetLines reports how many extraction output rows a property has.
func CountExtractedBudgetLines(ctx context.Context, db *gorm.DB, propertyId uint) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&BudgetLine{}).
		Where("property_id = ? AND source = ?", propertyId, BudgetLineSourceExtraction).
		Count(&n).Error
	return n, err
}
