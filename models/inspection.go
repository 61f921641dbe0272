package models

import "time"

const (
	InspectionKindInitial = "initial"
	InspectionKindFinal   = "final"
)

// Inspection is a checklist filled in on site. Inspections, zones and
// elements are created by the portal; the phase sync only deletes them.
// Every level carries the property id so a reset never depends on the parent chain.
type Inspection struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	PropertyId  uint       `gorm:"index;not null" json:"property_id"`
	Kind        string     `gorm:"size:20;not null" json:"kind"`
	Status      string     `gorm:"size:20" json:"status"`
	InspectedAt *time.Time `json:"inspected_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// InspectionZone is a room or area inside one inspection.
type InspectionZone struct {
	ID           uint      `gorm:"primary_key" json:"id"`
	InspectionId uint      `gorm:"index;not null" json:"inspection_id"`
	PropertyId   uint      `gorm:"index;not null" json:"property_id"`
	Name         string    `gorm:"size:100;not null" json:"name"`
	SortOrder    int       `json:"sort_order"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// InspectionElement is one checked item inside a zone.
type InspectionElement struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	ZoneId     uint      `gorm:"index;not null" json:"zone_id"`
	PropertyId uint      `gorm:"index;not null" json:"property_id"`
	Name       string    `gorm:"size:100;not null" json:"name"`
	Condition  string    `gorm:"size:20" json:"condition"`
	Notes      string    `gorm:"type:text" json:"notes"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
