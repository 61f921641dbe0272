package models

import (
	"log"

	"bitbucket.org/mmdatafocus/renovation_backend/config"
	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Project{}, &Property{},
		&Inspection{}, &InspectionZone{}, &InspectionElement{},
		&BudgetLine{},
		&PhaseSyncRun{}, &TriggerAttempt{},
	)
}

func MigrateTable() {
	if err := AutoMigrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}
