package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vtmapdata/infra_backend/utils"
	"gorm.io/gorm"
)

// InfraObjectProcess is one machine detection inside one ingest batch,
// waiting for operator review. The linkage to a canonical object is a weak
// reference: InfraObjectId is set when the matcher found a candidate within
// radius and nil when the observation proposes a brand-new object. Records
// are mutated exactly once (approve or reject) and never deleted.
type InfraObjectProcess struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	CameraId     string    `gorm:"size:64;index;not null" json:"camera_id"`
	ScheduleId   string    `gorm:"size:64;index;not null" json:"schedule_id"`
	Category     string    `gorm:"size:64;not null" json:"category"`
	Name         string    `gorm:"size:255" json:"name"`
	Status       string    `gorm:"size:32" json:"status"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Location     string    `gorm:"size:512" json:"location"`
	DateCaptured time.Time `gorm:"index" json:"date_captured"`
	Confidence   float64   `json:"confidence"`
	Level        int       `json:"level"`
	Bbox         string    `gorm:"size:255" json:"bbox"`
	RealWidth    float64   `json:"real_width"`
	RealHeight   float64   `json:"real_height"`
	ImageUrl     string    `gorm:"size:512" json:"image_url"`
	Frame        int       `json:"frame"`
	Type         InfraType `gorm:"size:16" json:"type"`

	ProcessStatus ProcessStatus `gorm:"size:16;index" json:"process_status"`
	EventStatus   EventStatus   `gorm:"size:16;index" json:"event_status"`

	InfraObjectId *string      `gorm:"size:36;index" json:"infra_object_id"`
	InfraObject   *InfraObject `gorm:"foreignKey:InfraObjectId" json:"infra_object,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *InfraObjectProcess) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Linked reports the canonical object this observation was matched against.
// ok is false when the observation proposes a new object.
func (p *InfraObjectProcess) Linked() (objectId string, ok bool) {
	if p.InfraObjectId == nil || *p.InfraObjectId == "" {
		return "", false
	}
	return *p.InfraObjectId, true
}

// GetInfraObjectProcess fetches one process record with its linked object.
// Returns ErrorRecordNotFound for unknown ids.
func GetInfraObjectProcess(ctx context.Context, db *gorm.DB, id string) (*InfraObjectProcess, error) {
	var item InfraObjectProcess
	err := db.WithContext(ctx).Preload("InfraObject").Preload("InfraObject.Info").
		First(&item, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &item, nil
}

// FilterInfraProcesses lists a schedule's process records, optionally
// narrowed by object status, process status and event status, in capture-time
// order.
func FilterInfraProcesses(ctx context.Context, db *gorm.DB, scheduleId string, status string, processStatus string, eventStatus string) ([]*InfraObjectProcess, error) {
	q := db.WithContext(ctx).Where("schedule_id = ?", scheduleId)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if processStatus != "" {
		q = q.Where("process_status = ?", processStatus)
	}
	if eventStatus != "" {
		q = q.Where("event_status = ?", eventStatus)
	}

	var items []*InfraObjectProcess
	err := q.Order("date_captured ASC").Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListInfraProcessesBySchedule lists every process record of a schedule.
func ListInfraProcessesBySchedule(ctx context.Context, db *gorm.DB, scheduleId string) ([]*InfraObjectProcess, error) {
	var items []*InfraObjectProcess
	err := db.WithContext(ctx).Where("schedule_id = ?", scheduleId).
		Order("date_captured ASC").Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListPendingProcessesBySchedule lists a schedule's PENDING records in
// capture-time order, the order batch auto-approve applies them in.
func ListPendingProcessesBySchedule(ctx context.Context, db *gorm.DB, scheduleId string) ([]*InfraObjectProcess, error) {
	var items []*InfraObjectProcess
	err := db.WithContext(ctx).
		Where("schedule_id = ? AND process_status = ?", scheduleId, ProcessStatusPending).
		Preload("InfraObject").Preload("InfraObject.Info").
		Order("date_captured ASC").Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
