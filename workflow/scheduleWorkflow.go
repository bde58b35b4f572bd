package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/vtmapdata/infra_backend/config"
	"github.com/vtmapdata/infra_backend/models"
	"github.com/vtmapdata/infra_backend/utils"
	"gorm.io/gorm"
)

// EndScheduleRequest closes out one camera run. Timestamps use the same
// layout as batch capture times.
type EndScheduleRequest struct {
	ScheduleId string `json:"schedule_id" binding:"required"`
	CameraId   string `json:"camera_id" binding:"required"`
	StartTime  string `json:"start_time" binding:"required"`
	EndTime    string `json:"end_time"`
}

// ScheduleSummary is the close-out result published downstream.
type ScheduleSummary struct {
	ScheduleId      string `json:"schedule_id"`
	CameraId        string `json:"camera_id"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	NotUpdatedCount int    `json:"not_updated_count"`
	LogUrl          string `json:"log_url,omitempty"`
}

// EndSchedule marks ASSET objects of the camera that were not captured inside
// the run window as not updated, uploads the list as a JSON log to object
// storage, and publishes a schedule notification. The log upload and the
// notification are best-effort and never roll back the close-out itself.
func EndSchedule(ctx context.Context, req *EndScheduleRequest) (*ScheduleSummary, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	startTime, err := time.Parse(captureTimeLayout, req.StartTime)
	if err != nil {
		return nil, fmt.Errorf("bad start_time: %w", err)
	}
	endTime := time.Now()
	if req.EndTime != "" {
		endTime, err = time.Parse(captureTimeLayout, req.EndTime)
		if err != nil {
			return nil, fmt.Errorf("bad end_time: %w", err)
		}
	}

	var notUpdated []*models.InfraObject
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		notUpdated, err = models.GetNotUpdatedInfraObjects(ctx, tx, req.CameraId, startTime, endTime)
		if err != nil {
			return err
		}
		if len(notUpdated) == 0 {
			return nil
		}

		ids := make([]string, 0, len(notUpdated))
		for _, obj := range notUpdated {
			obj.IsUpdated = false
			ids = append(ids, obj.ID)
		}
		return tx.Model(&models.InfraObject{}).Where("id IN ?", ids).
			Update("is_updated", false).Error
	})
	if err != nil {
		return nil, err
	}

	summary := &ScheduleSummary{
		ScheduleId:      req.ScheduleId,
		CameraId:        req.CameraId,
		StartTime:       req.StartTime,
		EndTime:         endTime.Format(captureTimeLayout),
		NotUpdatedCount: len(notUpdated),
	}

	logUrl, err := uploadScheduleLog(ctx, req.ScheduleId, notUpdated)
	if err != nil {
		config.LogError(logger, "scheduleWorkflow.go", "EndSchedule", "uploadScheduleLog", req.ScheduleId, err)
	} else {
		summary.LogUrl = logUrl
		logger.WithField("schedule_id", req.ScheduleId).Info("schedule log uploaded: " + logUrl)
	}

	NotifySchedule(ctx, summary)
	return summary, nil
}

func uploadScheduleLog(ctx context.Context, scheduleId string, objects []*models.InfraObject) (string, error) {
	return utils.UploadJSONToGCS(ctx, "infra-logs", scheduleId+".json", objects)
}
