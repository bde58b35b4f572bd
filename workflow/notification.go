package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/vtmapdata/infra_backend/config"
	"github.com/vtmapdata/infra_backend/models"
	"github.com/vtmapdata/infra_backend/utils"
)

// NotifyEvent publishes a lifecycle-event notification. Fire and forget: a
// publish failure is logged and swallowed because merge correctness never
// depends on notification delivery.
func NotifyEvent(ctx context.Context, event *models.Event, obj *models.InfraObject) {
	logger := config.GetLogger()

	data, err := json.Marshal(event)
	if err != nil {
		config.LogError(logger, "notification.go", "NotifyEvent", "marshal event", event.ID, err)
		return
	}

	name := ""
	if obj != nil {
		name = obj.Name
	}
	msg := config.NotificationMessage{
		Subject:       fmt.Sprintf("Alarm Notification with type %s", event.EventStatus),
		Content:       fmt.Sprintf("Alarm Notification with %s at %s", name, event.DateCaptured),
		Data:          string(data),
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	if _, err := config.PublishNotification(ctx, msg); err != nil {
		config.LogError(logger, "notification.go", "NotifyEvent", "publish", event.ID, err)
	}
}

// NotifySchedule publishes a schedule close-out summary. Best-effort, same as
// NotifyEvent.
func NotifySchedule(ctx context.Context, summary *ScheduleSummary) {
	logger := config.GetLogger()

	data, err := json.Marshal(summary)
	if err != nil {
		config.LogError(logger, "notification.go", "NotifySchedule", "marshal summary", summary.ScheduleId, err)
		return
	}

	msg := config.NotificationMessage{
		Subject:       "Schedule Notification",
		Content:       fmt.Sprintf("Schedule Notification with at %s and end at %s", summary.StartTime, summary.EndTime),
		Data:          string(data),
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	if _, err := config.PublishNotification(ctx, msg); err != nil {
		config.LogError(logger, "notification.go", "NotifySchedule", "publish", summary.ScheduleId, err)
	}
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
