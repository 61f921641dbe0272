package phasesync

import (
	"bitbucket.org/mmdatafocus/renovation_backend/config"
	"gorm.io/gorm"
)

// Store resolves the database at call time, so the service can accept
// connections before the database is reachable.
type Store func() *gorm.DB

func StaticStore(db *gorm.DB) Store {
	return func() *gorm.DB { return db }
}

func defaultStore() *gorm.DB {
	return config.GetDB()
}
