package repository

import "time"

// InputMetadata describes the uploaded file.
type InputMetadata struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size,omitempty"`
}

// OutputData is the model outcome as exposed to callers.
type OutputData struct {
	Result string `json:"result"`
}

// Prediction represents a persisted classification. Rows are written once and
// never updated. Exactly one of ImageData or ImageKey holds the original bytes.
type Prediction struct {
	ID               uint          `gorm:"primaryKey;autoIncrement"`
	OwnerID          string        `gorm:"column:owner_id;size:128;not null;index:idx_predictions_owner_label,priority:1"`
	InputData        InputMetadata `gorm:"column:input_data;serializer:json;type:json"`
	OutputData       OutputData    `gorm:"column:output_data;serializer:json;type:json"`
	OutputLabel      string        `gorm:"column:output_label;size:255;not null;index:idx_predictions_owner_label,priority:2"`
	ImageData        []byte        `gorm:"column:image_data"`
	ImageKey         string        `gorm:"column:image_key;size:512"`
	ImageContentType string        `gorm:"column:image_content_type;size:128"`
	ImageSize        int64         `gorm:"column:image_size"`
	CreatedAt        time.Time     `gorm:"column:created_at;not null"`
}

// TableName overrides the default table name.
func (Prediction) TableName() string {
	return "predictions"
}
