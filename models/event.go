package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Event is one row of an object's append-only audit trail. An event is
// "open" while EndTime is null and immutable once closed. Per object at most
// one event is open at a time, except an open REPAIR event, which acts as a
// hold and suppresses automated merges until an operator closes it.
type Event struct {
	ID            string      `gorm:"primaryKey;size:36" json:"id"`
	InfraObjectId string      `gorm:"size:36;index;not null" json:"infra_object_id"`
	DateCaptured  time.Time   `gorm:"index" json:"date_captured"`
	Status        string      `gorm:"size:32" json:"status"`
	EndTime       *time.Time  `json:"end_time"`
	Level         int         `json:"level"`
	Confidence    float64     `json:"confidence"`
	EventStatus   EventStatus `gorm:"size:16;index" json:"event_status"`
	ScheduleId    string      `gorm:"size:64;index" json:"schedule_id"`
	Description   string      `gorm:"type:text" json:"description"`
	Verified      bool        `json:"verified"`
	Bbox          string      `gorm:"size:255" json:"bbox"`
	RealWidth     float64     `json:"real_width"`
	RealHeight    float64     `json:"real_height"`
	ImageUrl      string      `gorm:"size:512" json:"image_url"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// IsOpen reports whether the event has not been superseded yet.
func (e *Event) IsOpen() bool {
	return e.EndTime == nil
}

// NewEventFromObject snapshots an object into a fresh open event of the
// given kind.
func NewEventFromObject(obj *InfraObject, verified bool, kind EventStatus) *Event {
	return &Event{
		InfraObjectId: obj.ID,
		DateCaptured:  obj.DateCaptured,
		Status:        obj.Status,
		Level:         obj.Level,
		Confidence:    obj.Confidence,
		EventStatus:   kind,
		ScheduleId:    obj.ScheduleId,
		Verified:      verified,
		Bbox:          obj.Bbox,
		RealWidth:     obj.RealWidth,
		RealHeight:    obj.RealHeight,
		ImageUrl:      obj.ImageUrl,
	}
}

// LatestEvent returns an object's most recent event by capture time, or nil
// when the object has no events yet.
func LatestEvent(tx *gorm.DB, objectId string) (*Event, error) {
	var event Event
	err := tx.Where("infra_object_id = ?", objectId).
		Order("date_captured DESC, created_at DESC").
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// IsRepairHeld reports whether the object's latest event is an open REPAIR
// event. While held, automated merges must not touch the object.
func IsRepairHeld(tx *gorm.DB, objectId string) (bool, error) {
	latest, err := LatestEvent(tx, objectId)
	if err != nil {
		return false, err
	}
	return latest != nil && latest.EventStatus == EventStatusRepair && latest.IsOpen(), nil
}

// CreateEvent appends a new open event.
func CreateEvent(tx *gorm.DB, event *Event) error {
	return tx.Create(event).Error
}

// CloseLatestEvent stamps the end time on the object's current open event.
// A no-op when the object has no open event.
func CloseLatestEvent(tx *gorm.DB, objectId string, closeTime time.Time) error {
	latest, err := LatestEvent(tx, objectId)
	if err != nil {
		return err
	}
	if latest == nil || !latest.IsOpen() {
		return nil
	}
	return tx.Model(&Event{}).Where("id = ?", latest.ID).
		Update("end_time", closeTime).Error
}

// CloseAndOpenEvent atomically (within the caller's transaction) closes the
// current open event at closeTime and appends newEvent.
func CloseAndOpenEvent(tx *gorm.DB, objectId string, closeTime time.Time, newEvent *Event) error {
	if err := CloseLatestEvent(tx, objectId, closeTime); err != nil {
		return err
	}
	newEvent.InfraObjectId = objectId
	return CreateEvent(tx, newEvent)
}

// ListEventsByObject returns an object's full audit trail, newest first.
func ListEventsByObject(ctx context.Context, db *gorm.DB, objectId string) ([]*Event, error) {
	var events []*Event
	err := db.WithContext(ctx).Where("infra_object_id = ?", objectId).
		Order("date_captured DESC, created_at DESC").Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
