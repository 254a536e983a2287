package usecase

import (
	"fmt"
	"time"

	"github.com/gozale/safran-api/internal/repository"
)

// InputData is the caller-facing view of the upload metadata.
type InputData struct {
	Filename string `json:"filename"`
}

// OutputData is the caller-facing view of the classification.
type OutputData struct {
	Result string `json:"result"`
}

// Record is the caller-facing shape of a stored prediction.
type Record struct {
	ID         uint       `json:"id"`
	InputData  InputData  `json:"input_data"`
	OutputData OutputData `json:"output_data"`
	Timestamp  time.Time  `json:"timestamp"`
	ImageURL   *string    `json:"image_url"`
}

// ImageURL is the path from which the original upload of id can be fetched.
func ImageURL(id uint) string {
	return fmt.Sprintf("/predictions/%d/image", id)
}

// Project maps a stored prediction to a Record. The image reference is only
// filled in when includeImage is set.
func Project(p *repository.Prediction, includeImage bool) Record {
	record := Record{
		ID:         p.ID,
		InputData:  InputData{Filename: p.InputData.Filename},
		OutputData: OutputData{Result: p.OutputData.Result},
		Timestamp:  p.CreatedAt,
	}
	if includeImage {
		url := ImageURL(p.ID)
		record.ImageURL = &url
	}
	return record
}
