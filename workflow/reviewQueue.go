package workflow

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"github.com/vtmapdata/infra_backend/config"
	"github.com/vtmapdata/infra_backend/models"
	"github.com/vtmapdata/infra_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApprovalFailure records one item that could not be approved during a batch
// auto-approve.
type ApprovalFailure struct {
	ProcessId string `json:"process_id"`
	Reason    string `json:"reason"`
}

// BatchApprovalSummary is the partial-success result of ApproveAllForSchedule.
type BatchApprovalSummary struct {
	ScheduleId string                       `json:"schedule_id"`
	Approved   []*models.InfraObjectProcess `json:"approved"`
	Failed     []ApprovalFailure            `json:"failed"`
}

// GetProcess fetches one review-queue record.
func GetProcess(ctx context.Context, id string) (*models.InfraObjectProcess, error) {
	return models.GetInfraObjectProcess(ctx, config.GetDB(), id)
}

// FilterProcesses lists a schedule's records with optional status filters.
func FilterProcesses(ctx context.Context, scheduleId string, status string, processStatus string, eventStatus string) ([]*models.InfraObjectProcess, error) {
	return models.FilterInfraProcesses(ctx, config.GetDB(), scheduleId, status, processStatus, eventStatus)
}

// ListProcessesBySchedule lists every record of a schedule.
func ListProcessesBySchedule(ctx context.Context, scheduleId string) ([]*models.InfraObjectProcess, error) {
	return models.ListInfraProcessesBySchedule(ctx, config.GetDB(), scheduleId)
}

// ApproveProcess merges one PENDING observation into the canonical inventory
// and marks it APPROVED. Merge and status flip are one transactional unit;
// the per-object exclusion is a best-effort redis lock plus the authoritative
// MySQL advisory lock inside the transaction.
func ApproveProcess(ctx context.Context, id string) (*models.InfraObjectProcess, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	item, err := models.GetInfraObjectProcess(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if item.ProcessStatus != models.ProcessStatusPending {
		return nil, utils.ErrProcessNotPending
	}

	lockKey := mergeLockKey(item)
	redisLock := obtainRedisMergeLock(ctx, logger, lockKey)
	defer func() {
		if redisLock != nil {
			_ = redisLock.Release(ctx)
		}
	}()

	var emitted *models.Event
	var merged *models.InfraObject
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireMergeLock(tx, lockKey); err != nil {
			return err
		}
		defer ReleaseMergeLock(tx, lockKey)

		// Re-read under row lock; a concurrent approve may have won.
		var fresh models.InfraObjectProcess
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&fresh, "id = ?", id).Error; err != nil {
			return err
		}
		if fresh.ProcessStatus != models.ProcessStatusPending {
			return utils.ErrProcessNotPending
		}

		event, obj, err := mergeObservation(tx, logger, &fresh)
		if err != nil {
			return err
		}
		emitted = event
		merged = obj

		// Back-link the record to the object it merged into; for unlinked
		// observations this is the object the merge just created.
		updates := map[string]any{"process_status": models.ProcessStatusApproved}
		if merged != nil {
			updates["infra_object_id"] = merged.ID
		}
		return tx.Model(&models.InfraObjectProcess{}).Where("id = ?", id).
			Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}

	if emitted != nil {
		NotifyEvent(ctx, emitted, merged)
	}

	return models.GetInfraObjectProcess(ctx, db, id)
}

// RejectProcess marks one PENDING observation REJECTED without touching the
// inventory.
func RejectProcess(ctx context.Context, id string) (*models.InfraObjectProcess, error) {
	db := config.GetDB()

	item, err := models.GetInfraObjectProcess(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if item.ProcessStatus != models.ProcessStatusPending {
		return nil, utils.ErrProcessNotPending
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fresh models.InfraObjectProcess
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&fresh, "id = ?", id).Error; err != nil {
			return err
		}
		if fresh.ProcessStatus != models.ProcessStatusPending {
			return utils.ErrProcessNotPending
		}
		return tx.Model(&models.InfraObjectProcess{}).Where("id = ?", id).
			Update("process_status", models.ProcessStatusRejected).Error
	})
	if err != nil {
		return nil, err
	}

	return models.GetInfraObjectProcess(ctx, db, id)
}

// ApproveAllForSchedule applies ApproveProcess semantics to every PENDING
// record of a schedule in capture-time order. One item's failure is recorded
// and skipped, never fatal to the rest of the batch.
func ApproveAllForSchedule(ctx context.Context, scheduleId string) (*BatchApprovalSummary, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	pending, err := models.ListPendingProcessesBySchedule(ctx, db, scheduleId)
	if err != nil {
		return nil, err
	}

	summary := &BatchApprovalSummary{
		ScheduleId: scheduleId,
		Approved:   make([]*models.InfraObjectProcess, 0, len(pending)),
		Failed:     make([]ApprovalFailure, 0),
	}
	for _, item := range pending {
		approved, err := ApproveProcess(ctx, item.ID)
		if err != nil {
			config.LogError(logger, "reviewQueue.go", "ApproveAllForSchedule", "ApproveProcess", item.ID, err)
			summary.Failed = append(summary.Failed, ApprovalFailure{ProcessId: item.ID, Reason: err.Error()})
			continue
		}
		summary.Approved = append(summary.Approved, approved)
	}
	return summary, nil
}

// obtainRedisMergeLock is a best-effort optimization; reliability never
// depends on Redis because the MySQL advisory lock serializes the merge.
func obtainRedisMergeLock(ctx context.Context, logger *logrus.Logger, key string) *redislock.Lock {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil
	}
	lock, err := locker.Obtain(ctx, "merge:"+key, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		logger.WithFields(logrus.Fields{
			"funcName": "obtainRedisMergeLock",
			"lockKey":  key,
		}).Warn("could not obtain redis merge lock; proceeding with advisory lock only")
		return nil
	} else if err != nil {
		logger.WithFields(logrus.Fields{
			"funcName": "obtainRedisMergeLock",
			"lockKey":  key,
		}).Warn("error obtaining redis merge lock; proceeding with advisory lock only: " + err.Error())
		return nil
	}
	return lock
}
