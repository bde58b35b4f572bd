package workflow

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/vtmapdata/infra_backend/config"
	"github.com/vtmapdata/infra_backend/geocode"
	"github.com/vtmapdata/infra_backend/models"
	"github.com/vtmapdata/infra_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NewInfraRequest is an operator-entered object, bypassing the review queue.
type NewInfraRequest struct {
	Name       string  `json:"name" binding:"required"`
	Category   string  `json:"category" binding:"required"`
	Status     string  `json:"status" binding:"required"`
	CameraId   string  `json:"camera_id" binding:"required"`
	Latitude   float64 `json:"latitude" binding:"required"`
	Longitude  float64 `json:"longitude" binding:"required"`
	ManageUnit string  `json:"manage_unit"`
	Additional string  `json:"additional"`
}

type UpdateInfraRequest struct {
	InfraId    string  `json:"infra_id" binding:"required"`
	Name       string  `json:"name" binding:"required"`
	Category   string  `json:"category" binding:"required"`
	Status     string  `json:"status" binding:"required"`
	Latitude   float64 `json:"latitude" binding:"required"`
	Longitude  float64 `json:"longitude" binding:"required"`
	ManageUnit string  `json:"manage_unit"`
	Additional string  `json:"additional"`
}

// CreateInfraObject records an operator-entered object with full confidence
// and a CREATED event.
func CreateInfraObject(ctx context.Context, geocoder geocode.Geocoder, req *NewInfraRequest) (*models.InfraObject, error) {
	db := config.GetDB()

	address, err := geocoder.ReverseGeocode(ctx, req.Latitude, req.Longitude)
	if err != nil {
		return nil, err
	}

	obj := &models.InfraObject{
		Name:         req.Name,
		Category:     req.Category,
		DateCaptured: time.Now(),
		Status:       req.Status,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		Location:     address,
		CameraId:     req.CameraId,
		Confidence:   1,
		Level:        0,
		IsUpdated:    true,
		Type:         models.InfraTypeForCategory(req.Category),
		Info: models.InfraInfo{
			CreateAt:       time.Now(),
			KeyId:          utils.InfraKeyId(req.Category, req.Latitude, req.Longitude),
			ManageUnit:     req.ManageUnit,
			AdditionalData: req.Additional,
		},
	}

	var event *models.Event
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(obj).Error; err != nil {
			return err
		}
		event = models.NewEventFromObject(obj, false, models.EventStatusCreated)
		return models.CreateEvent(tx, event)
	})
	if err != nil {
		return nil, err
	}

	NotifyEvent(ctx, event, obj)
	return obj, nil
}

// UpdateInfraObject applies operator edits. Moving the object re-geocodes
// the address and re-derives the spatial key; every edit closes the current
// open event and opens an UPDATED one.
func UpdateInfraObject(ctx context.Context, geocoder geocode.Geocoder, req *UpdateInfraRequest) (*models.InfraObject, error) {
	db := config.GetDB()

	obj, err := models.GetInfraObjectById(ctx, db, req.InfraId)
	if err != nil {
		return nil, err
	}

	moved := req.Latitude != obj.Latitude || req.Longitude != obj.Longitude
	if moved {
		address, err := geocoder.ReverseGeocode(ctx, req.Latitude, req.Longitude)
		if err != nil {
			return nil, err
		}
		obj.Latitude = req.Latitude
		obj.Longitude = req.Longitude
		obj.Location = address
		obj.Info.KeyId = utils.InfraKeyId(req.Category, req.Latitude, req.Longitude)
	}

	obj.Name = req.Name
	obj.Category = req.Category
	obj.Status = req.Status
	obj.DateCaptured = time.Now()
	obj.Info.ManageUnit = req.ManageUnit
	obj.Info.AdditionalData = req.Additional

	var event *models.Event
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{FullSaveAssociations: true}).Save(obj).Error; err != nil {
			return err
		}
		event = models.NewEventFromObject(obj, false, models.EventStatusUpdated)
		return models.CloseAndOpenEvent(tx, obj.ID, obj.DateCaptured, event)
	})
	if err != nil {
		return nil, err
	}

	NotifyEvent(ctx, event, obj)
	return obj, nil
}

// DeleteInfraObject removes an object and its owned rows. Operator action
// only; the automated pipeline never deletes.
func DeleteInfraObject(ctx context.Context, id string) error {
	db := config.GetDB()

	obj, err := models.GetInfraObjectById(ctx, db, id)
	if err != nil {
		return err
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Process records stay for audit; drop their linkage so the FK does
		// not block the delete.
		if err := tx.Model(&models.InfraObjectProcess{}).Where("infra_object_id = ?", obj.ID).
			Update("infra_object_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Where("infra_object_id = ?", obj.ID).Delete(&models.InfraHistory{}).Error; err != nil {
			return err
		}
		if err := tx.Where("infra_object_id = ?", obj.ID).Delete(&models.Event{}).Error; err != nil {
			return err
		}
		if err := tx.Where("infra_object_id = ?", obj.ID).Delete(&models.InfraInfo{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.InfraObject{}, "id = ?", obj.ID).Error
	})
}

// NearbyObject pairs an inventory object with its distance from a query
// point.
type NearbyObject struct {
	Object         *models.InfraObject `json:"object"`
	DistanceMeters float64             `json:"distance_meters"`
}

// FindNearbyObjects lists every object within radius meters of a point,
// nearest first, with the computed distance attached.
func FindNearbyObjects(ctx context.Context, latitude float64, longitude float64, radius float64) ([]NearbyObject, error) {
	objects, err := models.FindObjectsWithinRadius(ctx, config.GetDB(), latitude, longitude, radius)
	if err != nil {
		return nil, err
	}

	nearby := make([]NearbyObject, 0, len(objects))
	for _, obj := range objects {
		nearby = append(nearby, NearbyObject{
			Object:         obj,
			DistanceMeters: utils.CalculateDistanceInMeters(latitude, longitude, obj.Latitude, obj.Longitude),
		})
	}
	sort.Slice(nearby, func(i, j int) bool {
		if nearby[i].DistanceMeters != nearby[j].DistanceMeters {
			return nearby[i].DistanceMeters < nearby[j].DistanceMeters
		}
		return nearby[i].Object.ID < nearby[j].Object.ID
	})
	return nearby, nil
}

// OpenRepair places a repair hold on an object: the current open event is
// closed and an open REPAIR event appended. While it stays open, automated
// merges leave the object untouched.
func OpenRepair(ctx context.Context, objectId string, description string) (*models.Event, error) {
	db := config.GetDB()

	var event *models.Event
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var obj models.InfraObject
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&obj, "id = ?", objectId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}

		held, err := models.IsRepairHeld(tx, obj.ID)
		if err != nil {
			return err
		}
		if held {
			return errors.New("object is already under repair")
		}

		now := time.Now()
		event = models.NewEventFromObject(&obj, false, models.EventStatusRepair)
		event.DateCaptured = now
		event.Description = description
		return models.CloseAndOpenEvent(tx, obj.ID, now, event)
	})
	if err != nil {
		return nil, err
	}

	NotifyEvent(ctx, event, nil)
	return event, nil
}

// CloseRepair releases a repair hold by stamping the open REPAIR event's end
// time. The explicit operator action; nothing in the core closes a repair.
func CloseRepair(ctx context.Context, objectId string) (*models.Event, error) {
	db := config.GetDB()

	var closed *models.Event
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		latest, err := models.LatestEvent(tx, objectId)
		if err != nil {
			return err
		}
		if latest == nil || latest.EventStatus != models.EventStatusRepair || !latest.IsOpen() {
			return errors.New("object has no open repair event")
		}

		now := time.Now()
		if err := tx.Model(&models.Event{}).Where("id = ?", latest.ID).
			Update("end_time", now).Error; err != nil {
			return err
		}
		latest.EndTime = &now
		closed = latest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}
