package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vtmapdata/infra_backend/utils"
	"gorm.io/gorm"
)

// MatchRadiusMeters is the fixed nearest-neighbor search radius used to link
// a detection to a known object. 5 meters: camera GPS jitter stays inside
// this for pole-mounted assets, and it matches the geohash key cell size.
const MatchRadiusMeters = 5.0

// InfraObject is the canonical inventory record for one real-world
// infrastructure item. Created on the first unmatched observation, mutated by
// every approved matched observation, removed only by operator action.
type InfraObject struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	CameraId     string    `gorm:"size:64;index;not null" json:"camera_id"`
	Category     string    `gorm:"size:64;index;not null" json:"category"`
	Name         string    `gorm:"size:255" json:"name"`
	Status       string    `gorm:"size:32" json:"status"`
	Latitude     float64   `gorm:"index:idx_infra_objects_lat_lon" json:"latitude"`
	Longitude    float64   `gorm:"index:idx_infra_objects_lat_lon" json:"longitude"`
	Location     string    `gorm:"size:512" json:"location"`
	DateCaptured time.Time `json:"date_captured"`
	Confidence   float64   `json:"confidence"`
	Level        int       `json:"level"`
	ScheduleId   string    `gorm:"size:64;index" json:"schedule_id"`
	Bbox         string    `gorm:"size:255" json:"bbox"`
	RealWidth    float64   `json:"real_width"`
	RealHeight   float64   `json:"real_height"`
	ImageUrl     string    `gorm:"size:512" json:"image_url"`
	Frame        int       `json:"frame"`
	IsUpdated    bool      `json:"is_updated"`
	Type         InfraType `gorm:"size:16;index" json:"type"`

	Info InfraInfo `gorm:"foreignKey:InfraObjectId" json:"info"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// InfraInfo is the owned info block: creation time, the deterministic
// spatial+category key, and operator-entered metadata.
type InfraInfo struct {
	ID             int       `gorm:"primaryKey" json:"id"`
	InfraObjectId  string    `gorm:"size:36;index;not null" json:"infra_object_id"`
	KeyId          string    `gorm:"size:80;index" json:"key_id"`
	ManageUnit     string    `gorm:"size:255" json:"manage_unit"`
	AdditionalData string    `gorm:"type:text" json:"additional_data"`
	Avatar         string    `gorm:"size:512" json:"avatar"`
	OriginalImage  string    `gorm:"size:512" json:"original_image"`
	CreateAt       time.Time `json:"create_at"`
}

func (o *InfraObject) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}

// GetInfraObjectById fetches one canonical object with its info block.
// Returns ErrorRecordNotFound for unknown ids.
func GetInfraObjectById(ctx context.Context, db *gorm.DB, id string) (*InfraObject, error) {
	var obj InfraObject
	err := db.WithContext(ctx).Preload("Info").First(&obj, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &obj, nil
}

// FindNearestInfraWithinRadius returns the closest known object to the query
// point among candidates matching cameraId, category and (when non-empty)
// exact name, or nil when none lies within MatchRadiusMeters. Read-only.
//
// ST_Distance_Sphere works in meters; ties break on minimum distance then id
// so repeated queries stay deterministic.
func FindNearestInfraWithinRadius(db *gorm.DB, cameraId string, category string, name string, latitude float64, longitude float64, radius float64) (*InfraObject, error) {
	if cameraId == "" || category == "" {
		return nil, errors.New("cameraId and category are required")
	}
	if radius <= 0 {
		return nil, errors.New("radius must be positive")
	}

	var candidates []InfraObject
	err := db.Raw(`
		SELECT * FROM infra_objects
		WHERE camera_id = ?
		  AND category = ?
		  AND (? = '' OR name = ?)
		  AND ST_Distance_Sphere(POINT(longitude, latitude), POINT(?, ?)) <= ?
		ORDER BY ST_Distance_Sphere(POINT(longitude, latitude), POINT(?, ?)) ASC, id ASC
		LIMIT 1
	`, cameraId, category, name, name, longitude, latitude, radius, longitude, latitude).
		Scan(&candidates).Error
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	nearest := candidates[0]
	if err := db.Preload("Info").First(&nearest, "id = ?", nearest.ID).Error; err != nil {
		return nil, err
	}
	return &nearest, nil
}

// FindObjectsWithinRadius lists every object within radius meters of a point,
// regardless of camera or category.
func FindObjectsWithinRadius(ctx context.Context, db *gorm.DB, latitude float64, longitude float64, radius float64) ([]*InfraObject, error) {
	var objects []*InfraObject
	err := db.WithContext(ctx).Raw(`
		SELECT * FROM infra_objects
		WHERE ST_Distance_Sphere(POINT(longitude, latitude), POINT(?, ?)) <= ?
	`, longitude, latitude, radius).Scan(&objects).Error
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// GetLostInfraObjects lists objects whose status is LOST.
func GetLostInfraObjects(ctx context.Context, db *gorm.DB) ([]*InfraObject, error) {
	var objects []*InfraObject
	err := db.WithContext(ctx).Where("status = ?", "LOST").Find(&objects).Error
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// InfraStatistic is one camera's object count for a category/status pair.
type InfraStatistic struct {
	Category string `json:"category"`
	Status   string `json:"status"`
	Count    int64  `json:"count"`
}

// GetInfraStatisticsByCamera aggregates a camera's inventory by category and
// status.
func GetInfraStatisticsByCamera(ctx context.Context, db *gorm.DB, cameraId string) ([]InfraStatistic, error) {
	var stats []InfraStatistic
	err := db.WithContext(ctx).Model(&InfraObject{}).
		Select("category, status, COUNT(*) AS count").
		Where("camera_id = ?", cameraId).
		Group("category").Group("status").
		Order("category ASC, status ASC").
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GetNotUpdatedInfraObjects lists ASSET objects of a camera that were not
// captured inside the schedule window. Used at schedule close-out.
func GetNotUpdatedInfraObjects(ctx context.Context, db *gorm.DB, cameraId string, startTime time.Time, endTime time.Time) ([]*InfraObject, error) {
	var objects []*InfraObject
	err := db.WithContext(ctx).
		Where("camera_id = ?", cameraId).
		Where("type = ?", InfraTypeAsset).
		Where("date_captured NOT BETWEEN ? AND ?", startTime, endTime).
		Find(&objects).Error
	if err != nil {
		return nil, err
	}
	return objects, nil
}
