package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// InfraHistory is a write-only snapshot of a canonical object taken at merge
// time. The core never reads it back; reporting consumes it downstream.
type InfraHistory struct {
	ID            int       `gorm:"primaryKey" json:"id"`
	InfraObjectId string    `gorm:"size:36;index;not null" json:"infra_object_id"`
	ScheduleId    string    `gorm:"size:64;index" json:"schedule_id"`
	Snapshot      string    `gorm:"type:text" json:"snapshot"`
	Description   string    `gorm:"size:255" json:"description"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SaveInfraHistory appends a snapshot row inside the caller's transaction.
func SaveInfraHistory(tx *gorm.DB, obj *InfraObject, description string) error {
	snapshot, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	history := InfraHistory{
		InfraObjectId: obj.ID,
		ScheduleId:    obj.ScheduleId,
		Snapshot:      string(snapshot),
		Description:   description,
	}
	return tx.Create(&history).Error
}
