package models

// DetectionBatch is the ingest document for one camera run: the images the
// analysis pipeline looked at, its category taxonomy, and the per-detection
// annotations referencing both by id.
type DetectionBatch struct {
	Info        BatchInfo    `json:"info" binding:"required"`
	Images      []Image      `json:"images" binding:"required,dive"`
	Categories  []Category   `json:"categories" binding:"required,dive"`
	Annotations []Annotation `json:"annotations" binding:"required,dive"`
}

type BatchInfo struct {
	CameraId   string `json:"camera_id" binding:"required"`
	ScheduleId string `json:"schedule_id" binding:"required"`
}

type Image struct {
	ID           int    `json:"id"`
	PathUrl      string `json:"path_url" binding:"required"`
	DateCaptured string `json:"date_captured" binding:"required"`
	Frame        int    `json:"frame"`
}

type Category struct {
	ID            int    `json:"id"`
	Name          string `json:"name" binding:"required"`
	Supercategory string `json:"supercategory" binding:"required"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Annotation struct {
	ID         int        `json:"id"`
	CategoryId int        `json:"category_id"`
	ImageId    int        `json:"image_id"`
	Location   Location   `json:"location"`
	Status     string     `json:"status" binding:"required"`
	Conf       float64    `json:"conf"`
	Bbox       [4]float64 `json:"bbox"`
	RealWidth  float64    `json:"real_width"`
	RealHeight float64    `json:"real_height"`
}

// CategoryById resolves an annotation's category reference.
func (b *DetectionBatch) CategoryById(id int) (*Category, bool) {
	for i := range b.Categories {
		if b.Categories[i].ID == id {
			return &b.Categories[i], true
		}
	}
	return nil, false
}

// ImageById resolves an annotation's image reference.
func (b *DetectionBatch) ImageById(id int) (*Image, bool) {
	for i := range b.Images {
		if b.Images[i].ID == id {
			return &b.Images[i], true
		}
	}
	return nil, false
}
