package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/vtmapdata/infra_backend/config"
	"github.com/vtmapdata/infra_backend/geocode"
	"github.com/vtmapdata/infra_backend/models"
	"github.com/vtmapdata/infra_backend/utils"
	"gorm.io/gorm"
)

const captureTimeLayout = "2006-01-02 15:04:05"

// ParseDetectionBatch turns one detection batch into persisted PENDING
// process records. Each annotation is resolved against the batch taxonomy
// (a dangling category/image reference rejects the whole batch), risk-leveled
// from the injected table, reverse-geocoded, classified, and pre-linked via
// the nearest-neighbor matcher. Nothing is persisted unless every annotation
// resolves and geocodes; persistence itself is one transaction.
func ParseDetectionBatch(ctx context.Context, geocoder geocode.Geocoder, riskTable config.RiskTable, batch *models.DetectionBatch) ([]*models.InfraObjectProcess, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	items := make([]*models.InfraObjectProcess, 0, len(batch.Annotations))
	for i := range batch.Annotations {
		annotation := &batch.Annotations[i]

		item, err := BuildProcessRecord(batch, annotation, riskTable)
		if err != nil {
			config.LogError(logger, "batchParser.go", "ParseDetectionBatch", "BuildProcessRecord", annotation.ID, err)
			return nil, err
		}

		// The geocoder is the one externally-latent step; a failure surfaces
		// as retryable instead of silently defaulting the address.
		address, err := geocoder.ReverseGeocode(ctx, annotation.Location.Latitude, annotation.Location.Longitude)
		if err != nil {
			config.LogError(logger, "batchParser.go", "ParseDetectionBatch", "ReverseGeocode", annotation.ID, err)
			return nil, err
		}
		item.Location = address

		items = append(items, item)
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, item := range items {
			existing, err := models.FindNearestInfraWithinRadius(tx, item.CameraId, item.Category, item.Name,
				item.Latitude, item.Longitude, models.MatchRadiusMeters)
			if err != nil {
				return err
			}
			if existing == nil {
				item.EventStatus = models.EventStatusNew
			} else {
				item.EventStatus = models.EventStatusUpdated
				item.InfraObjectId = &existing.ID
				item.InfraObject = existing
			}
			if err := tx.Omit("InfraObject").Create(item).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "batchParser.go", "ParseDetectionBatch", "persist batch", batch.Info.ScheduleId, err)
		return nil, err
	}

	return items, nil
}

// BuildProcessRecord maps one annotation to an unpersisted process record.
// Dangling category/image references and unparseable capture times fail with
// ErrMalformedBatch.
func BuildProcessRecord(batch *models.DetectionBatch, annotation *models.Annotation, riskTable config.RiskTable) (*models.InfraObjectProcess, error) {
	category, ok := batch.CategoryById(annotation.CategoryId)
	if !ok {
		return nil, fmt.Errorf("%w: no matching category for annotation %d", utils.ErrMalformedBatch, annotation.ID)
	}

	image, ok := batch.ImageById(annotation.ImageId)
	if !ok {
		return nil, fmt.Errorf("%w: no matching image for annotation %d", utils.ErrMalformedBatch, annotation.ID)
	}

	dateCaptured, err := time.Parse(captureTimeLayout, image.DateCaptured)
	if err != nil {
		return nil, fmt.Errorf("%w: bad capture time on image %d: %v", utils.ErrMalformedBatch, image.ID, err)
	}

	return &models.InfraObjectProcess{
		CameraId:      batch.Info.CameraId,
		ScheduleId:    batch.Info.ScheduleId,
		Category:      category.Supercategory,
		Name:          category.Name,
		DateCaptured:  dateCaptured,
		Latitude:      annotation.Location.Latitude,
		Longitude:     annotation.Location.Longitude,
		Status:        annotation.Status,
		Confidence:    annotation.Conf,
		Level:         riskTable.LevelFor(category.Name),
		Bbox:          fmt.Sprintf("%v", annotation.Bbox),
		RealWidth:     annotation.RealWidth,
		RealHeight:    annotation.RealHeight,
		ImageUrl:      image.PathUrl,
		Frame:         image.Frame,
		Type:          models.InfraTypeForCategory(category.Supercategory),
		ProcessStatus: models.ProcessStatusPending,
	}, nil
}
