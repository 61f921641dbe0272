package phasesync

import (
	"context"

	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"gorm.io/gorm"
)

// CascadeCounts reports what a reset removed.
type CascadeCounts struct {
	Elements      int64 `json:"elements"`
	Zones         int64 `json:"zones"`
	Inspections   int64 `json:"inspections"`
	PropertyReset bool  `json:"propertyReset"`
}

// ResetDependents rolls a property back to the initial phase. Elements, zones
// and inspections are deleted children first, then the workflow fields are
// cleared, all in one transaction. A second call on a reset property is a no-op.
func ResetDependents(ctx context.Context, db *gorm.DB, propertyId uint) (CascadeCounts, error) {
	var counts CascadeCounts
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Property
		if err := tx.Where("id = ?", propertyId).Take(&p).Error; err != nil {
			return err
		}

		res := tx.Where("property_id = ?", propertyId).Delete(&models.InspectionElement{})
		if res.Error != nil {
			return res.Error
		}
		counts.Elements = res.RowsAffected

		res = tx.Where("property_id = ?", propertyId).Delete(&models.InspectionZone{})
		if res.Error != nil {
			return res.Error
		}
		counts.Zones = res.RowsAffected

		res = tx.Where("property_id = ?", propertyId).Delete(&models.Inspection{})
		if res.Error != nil {
			return res.Error
		}
		counts.Inspections = res.RowsAffected

		updates := resetUpdates(&p)
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&models.Property{}).Where("id = ?", propertyId).Updates(updates).Error; err != nil {
			return err
		}
		counts.PropertyReset = true
		return nil
	})
	return counts, err
}

// resetUpdates lists the workflow fields that differ from their initial values.
func resetUpdates(p *models.Property) map[string]interface{} {
	updates := map[string]interface{}{}
	if p.Contractor != "" {
		updates["contractor"] = ""
	}
	if p.ContractorPhone != "" {
		updates["contractor_phone"] = ""
	}
	if p.VisitDate != nil {
		updates["visit_date"] = nil
	}
	if p.RenovationStartDate != nil {
		updates["renovation_start_date"] = nil
	}
	if p.RenovationEndDate != nil {
		updates["renovation_end_date"] = nil
	}
	if p.KeyDeliveryDate != nil {
		updates["key_delivery_date"] = nil
	}
	if p.IsReadyForInspection {
		updates["is_ready_for_inspection"] = false
	}
	if p.IsReadyToRent {
		updates["is_ready_to_rent"] = false
	}
	if p.Phase != models.PhaseInitial {
		updates["phase"] = models.PhaseInitial
	}
	if label := models.PhaseLabel(models.PhaseInitial); p.Status != label {
		updates["status"] = label
	}
	return updates
}
