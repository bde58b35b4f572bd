package workflow

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vtmapdata/infra_backend/config"
	"github.com/vtmapdata/infra_backend/models"
	"github.com/vtmapdata/infra_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AcquireMergeLock serializes merges per canonical object across instances
// using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that runs the merge transaction.
func AcquireMergeLock(tx *gorm.DB, key string) error {
	lockName := fmt.Sprintf("merge:%s", key)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire merge lock for key=%s", key)
	}
	return nil
}

func ReleaseMergeLock(tx *gorm.DB, key string) {
	lockName := fmt.Sprintf("merge:%s", key)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}

// mergeLockKey picks the exclusion scope for one observation: the linked
// object id, or the spatial+category key for unlinked observations so two
// concurrent unlinked observations of the same spot cannot create duplicates.
func mergeLockKey(item *models.InfraObjectProcess) string {
	if objectId, ok := item.Linked(); ok {
		return objectId
	}
	return utils.InfraKeyId(item.Category, item.Latitude, item.Longitude)
}

// mergeObservation applies one approved observation to the canonical
// inventory inside the caller's transaction.
//
// Unlinked: create the object, snapshot history, open an Event kind NEW.
// Linked under an open REPAIR event: discard silently, touch nothing.
// Linked otherwise: refresh bookkeeping fields, snapshot history, and when
// the status changed, close the open event at the observation's capture time
// and open an Event kind UPDATED.
//
// Returns the emitted event (nil when none) and the object touched.
func mergeObservation(tx *gorm.DB, logger *logrus.Logger, item *models.InfraObjectProcess) (*models.Event, *models.InfraObject, error) {
	// Defense in depth: the review queue already gates on PENDING.
	if item.ProcessStatus != models.ProcessStatusPending {
		return nil, nil, utils.ErrProcessNotPending
	}

	objectId, linked := item.Linked()
	if !linked {
		obj := &models.InfraObject{
			CameraId:     item.CameraId,
			Category:     item.Category,
			Name:         item.Name,
			Status:       item.Status,
			Latitude:     item.Latitude,
			Longitude:    item.Longitude,
			Location:     item.Location,
			DateCaptured: item.DateCaptured,
			Confidence:   item.Confidence,
			Level:        item.Level,
			ScheduleId:   item.ScheduleId,
			Bbox:         item.Bbox,
			RealWidth:    item.RealWidth,
			RealHeight:   item.RealHeight,
			ImageUrl:     item.ImageUrl,
			Frame:        item.Frame,
			IsUpdated:    true,
			Type:         item.Type,
			Info: models.InfraInfo{
				CreateAt: time.Now(),
				KeyId:    utils.InfraKeyId(item.Category, item.Latitude, item.Longitude),
			},
		}
		if err := tx.Create(obj).Error; err != nil {
			config.LogError(logger, "reconcileWorkflow.go", "mergeObservation", "create infra object", item.ID, err)
			return nil, nil, err
		}
		if err := models.SaveInfraHistory(tx, obj, "created from approved observation"); err != nil {
			return nil, nil, err
		}

		event := models.NewEventFromObject(obj, true, models.EventStatusNew)
		if err := models.CreateEvent(tx, event); err != nil {
			return nil, nil, err
		}
		return event, obj, nil
	}

	var existing models.InfraObject
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&existing, "id = ?", objectId).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, utils.ErrorRecordNotFound
		}
		return nil, nil, err
	}

	// An open REPAIR event holds the object; automated merges must not
	// overwrite manual repair work.
	held, err := models.IsRepairHeld(tx, existing.ID)
	if err != nil {
		return nil, nil, err
	}
	if held {
		return nil, &existing, nil
	}

	statusChanged := existing.Status != item.Status

	existing.ScheduleId = item.ScheduleId
	existing.Status = item.Status
	existing.Name = item.Name
	existing.ImageUrl = item.ImageUrl
	existing.Frame = item.Frame
	existing.DateCaptured = item.DateCaptured
	existing.Confidence = item.Confidence
	existing.IsUpdated = true
	// existing was loaded without Info; keep the association out of the save.
	if err := tx.Omit(clause.Associations).Save(&existing).Error; err != nil {
		config.LogError(logger, "reconcileWorkflow.go", "mergeObservation", "update infra object", existing.ID, err)
		return nil, nil, err
	}
	if err := models.SaveInfraHistory(tx, &existing, "updated from approved observation"); err != nil {
		return nil, nil, err
	}

	if !statusChanged {
		// Bookkeeping-only refresh; the audit trail stays as it is.
		return nil, &existing, nil
	}

	event := models.NewEventFromObject(&existing, true, models.EventStatusUpdated)
	if err := models.CloseAndOpenEvent(tx, existing.ID, item.DateCaptured, event); err != nil {
		return nil, nil, err
	}
	return event, &existing, nil
}
