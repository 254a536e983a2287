package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gozale/safran-api/internal/storage"
)

// ErrNotFound is returned for missing rows and for rows owned by someone else.
var ErrNotFound = errors.New("prediction not found")

// BlobStore holds original image bytes outside the database.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (*storage.Object, error)
	Remove(ctx context.Context, key string) error
}

// Image is an open stream over a stored original upload.
type Image struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
}

// PredictionRepository persists predictions with gorm. When a BlobStore is
// configured the raw bytes go there and the row keeps only the object key.
type PredictionRepository struct {
	db     *gorm.DB
	blobs  BlobStore
	logger *zap.Logger
}

// NewPredictionRepository creates a new repository instance. blobs may be nil.
func NewPredictionRepository(db *gorm.DB, blobs BlobStore, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{db: db, blobs: blobs, logger: logger.Named("prediction_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Prediction{})
}

// Create persists a single prediction together with its image bytes.
func (r *PredictionRepository) Create(ctx context.Context, p *Prediction) error {
	return r.CreateBatch(ctx, []*Prediction{p})
}

// CreateBatch persists all predictions in one transaction. Either every row is
// committed with its bytes or none is; uploaded blobs are removed on failure.
func (r *PredictionRepository) CreateBatch(ctx context.Context, predictions []*Prediction) error {
	if len(predictions) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, p := range predictions {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.ImageContentType == "" && len(p.ImageData) > 0 {
			p.ImageContentType = mimetype.Detect(p.ImageData).String()
		}
		if p.ImageSize == 0 {
			p.ImageSize = int64(len(p.ImageData))
		}
	}

	uploaded, err := r.offloadImages(ctx, predictions)
	if err != nil {
		r.removeBlobs(ctx, uploaded)
		return err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range predictions {
			if err := tx.Create(p).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for _, p := range predictions {
			p.ID = 0
		}
		r.removeBlobs(ctx, uploaded)
		return fmt.Errorf("failed to insert predictions: %w", err)
	}
	return nil
}

// ListByOwner returns the owner's predictions in creation order without image bytes.
func (r *PredictionRepository) ListByOwner(ctx context.Context, ownerID string) ([]*Prediction, error) {
	predictions := make([]*Prediction, 0)
	err := r.db.WithContext(ctx).
		Omit("image_data").
		Where("owner_id = ?", ownerID).
		Order("id ASC").
		Find(&predictions).Error
	if err != nil {
		return nil, err
	}
	return predictions, nil
}

// FindByOwnerAndID retrieves a prediction matching the id and owner, without image bytes.
func (r *PredictionRepository) FindByOwnerAndID(ctx context.Context, ownerID string, id uint) (*Prediction, error) {
	var p Prediction
	err := r.db.WithContext(ctx).
		Omit("image_data").
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// OpenImage opens the original upload of a prediction owned by ownerID.
func (r *PredictionRepository) OpenImage(ctx context.Context, ownerID string, id uint) (*Image, error) {
	var p Prediction
	err := r.db.WithContext(ctx).
		Select("id", "image_data", "image_key", "image_content_type", "image_size").
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if p.ImageKey != "" {
		if r.blobs == nil {
			return nil, fmt.Errorf("prediction %d references blob %q but no blob store is configured", p.ID, p.ImageKey)
		}
		obj, err := r.blobs.Get(ctx, p.ImageKey)
		if errors.Is(err, storage.ErrObjectNotFound) {
			r.logger.Warn("image blob missing", zap.Uint("prediction_id", p.ID), zap.String("key", p.ImageKey))
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		contentType := p.ImageContentType
		if contentType == "" {
			contentType = obj.ContentType
		}
		return &Image{Body: obj.Body, Size: obj.Size, ContentType: contentType}, nil
	}

	if len(p.ImageData) == 0 {
		return nil, ErrNotFound
	}
	return &Image{
		Body:        io.NopCloser(bytes.NewReader(p.ImageData)),
		Size:        int64(len(p.ImageData)),
		ContentType: p.ImageContentType,
	}, nil
}

// CountByLabel returns the number of predictions per label for ownerID.
// Labels without predictions are absent; the map is empty, not nil, for new owners.
func (r *PredictionRepository) CountByLabel(ctx context.Context, ownerID string) (map[string]int64, error) {
	var rows []struct {
		Label string
		Count int64
	}
	err := r.db.WithContext(ctx).
		Model(&Prediction{}).
		Select("output_label AS label, COUNT(*) AS count").
		Where("owner_id = ?", ownerID).
		Group("output_label").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Label] = row.Count
	}
	return counts, nil
}

func (r *PredictionRepository) offloadImages(ctx context.Context, predictions []*Prediction) ([]string, error) {
	if r.blobs == nil {
		return nil, nil
	}
	uploaded := make([]string, 0, len(predictions))
	for _, p := range predictions {
		if len(p.ImageData) == 0 {
			continue
		}
		var ext string
		if m := mimetype.Lookup(p.ImageContentType); m != nil {
			ext = m.Extension()
		}
		key := fmt.Sprintf("predictions/%s/%s%s", url.PathEscape(p.OwnerID), uuid.NewString(), ext)
		if err := r.blobs.Put(ctx, key, p.ImageData, p.ImageContentType); err != nil {
			return uploaded, err
		}
		uploaded = append(uploaded, key)
		p.ImageKey = key
		p.ImageData = nil
	}
	return uploaded, nil
}

func (r *PredictionRepository) removeBlobs(ctx context.Context, keys []string) {
	cleanupCtx := context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := r.blobs.Remove(cleanupCtx, key); err != nil {
			r.logger.Warn("failed to remove orphaned image", zap.String("key", key), zap.Error(err))
		}
	}
}
