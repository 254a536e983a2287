package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gozale/safran-api/internal/apperr"
	"github.com/gozale/safran-api/internal/imageprocessor"
	"github.com/gozale/safran-api/internal/logging"
	"github.com/gozale/safran-api/internal/metrics"
	"github.com/gozale/safran-api/internal/repository"
)

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	Create(ctx context.Context, p *repository.Prediction) error
	CreateBatch(ctx context.Context, predictions []*repository.Prediction) error
	ListByOwner(ctx context.Context, ownerID string) ([]*repository.Prediction, error)
	FindByOwnerAndID(ctx context.Context, ownerID string, id uint) (*repository.Prediction, error)
	OpenImage(ctx context.Context, ownerID string, id uint) (*repository.Image, error)
	CountByLabel(ctx context.Context, ownerID string) (map[string]int64, error)
}

// Preprocessor turns encoded image bytes into model input.
type Preprocessor interface {
	Preprocess(data []byte) (*imageprocessor.Tensor, error)
}

// Classifier maps model input to a label.
type Classifier interface {
	Classify(ctx context.Context, tensor *imageprocessor.Tensor) (string, error)
}

// Upload is one file received from a caller.
type Upload struct {
	Filename string
	Data     []byte
}

// Result is the outcome of classifying and storing one upload.
type Result struct {
	Filename     string `json:"filename"`
	Label        string `json:"result"`
	PredictionID uint   `json:"prediction_id"`
	ImageURL     string `json:"image_url"`
}

// Options tunes the pipeline.
type Options struct {
	AllowedExtensions []string
	StatsCacheTTL     time.Duration
}

// DefaultAllowedExtensions lists the upload extensions accepted by default.
func DefaultAllowedExtensions() []string {
	return []string{".jpg", ".jpeg", ".png", ".webp"}
}

// PredictionUseCase encapsulates the classification pipeline and the read-back API.
type PredictionUseCase struct {
	repo         PredictionRepository
	cache        Cache
	preprocessor Preprocessor
	classifier   Classifier
	metrics      *metrics.PipelineMetrics
	logger       *zap.Logger
	allowed      map[string]struct{}
	statsTTL     time.Duration
}

// NewPredictionUseCase constructs a new use case instance. cache and m may be nil.
func NewPredictionUseCase(repo PredictionRepository, cache Cache, preprocessor Preprocessor, classifier Classifier, m *metrics.PipelineMetrics, logger *zap.Logger, opts Options) *PredictionUseCase {
	if cache == nil {
		cache = NopCache{}
	}
	exts := opts.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultAllowedExtensions()
	}
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	ttl := opts.StatsCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &PredictionUseCase{
		repo:         repo,
		cache:        cache,
		preprocessor: preprocessor,
		classifier:   classifier,
		metrics:      m,
		logger:       logger.Named("prediction_usecase"),
		allowed:      allowed,
		statsTTL:     ttl,
	}
}

// HandleSingle validates, classifies and stores one upload.
func (uc *PredictionUseCase) HandleSingle(ctx context.Context, ownerID string, upload Upload) (result *Result, err error) {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.handle_single", requestID)
	defer func() { uc.metrics.RecordResult("single", err, string(apperr.KindOf(err))) }()

	if err := uc.validateFilename(upload.Filename); err != nil {
		opLogger.Info("rejected upload", zap.String("filename", upload.Filename))
		return nil, err
	}

	label, err := uc.classify(ctx, upload)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify", requestID, err)
		opLogger.Error("classification failed", append(logging.ErrorFields(wrapped), zap.String("filename", upload.Filename))...)
		return nil, wrapped
	}

	p := uc.newPrediction(ownerID, upload, label)
	start := time.Now()
	err = uc.repo.Create(ctx, p)
	uc.metrics.ObserveStage(metrics.StageStore, start)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.save_prediction", requestID,
			apperr.New(apperr.KindStorage, "failed to save prediction", err))
		opLogger.Error("failed to persist prediction", logging.ErrorFields(wrapped)...)
		return nil, wrapped
	}

	uc.afterCommit(ctx, ownerID, p)
	opLogger.Info("prediction stored", zap.Uint("prediction_id", p.ID), zap.String("label", label))
	return resultFor(p), nil
}

// HandleBatch processes uploads all-or-nothing: every name is validated, then
// every image is classified, and only then are all records written in one
// transaction. Results keep the input order.
func (uc *PredictionUseCase) HandleBatch(ctx context.Context, ownerID string, uploads []Upload) (results []Result, err error) {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.handle_batch", requestID)
	defer func() { uc.metrics.RecordResult("batch", err, string(apperr.KindOf(err))) }()

	if len(uploads) == 0 {
		return nil, apperr.New(apperr.KindInvalidRequest, "at least one file is required", nil)
	}
	for _, upload := range uploads {
		if err := uc.validateFilename(upload.Filename); err != nil {
			opLogger.Info("rejected batch", zap.String("filename", upload.Filename), zap.Int("files", len(uploads)))
			return nil, err
		}
	}

	predictions := make([]*repository.Prediction, 0, len(uploads))
	for _, upload := range uploads {
		label, err := uc.classify(ctx, upload)
		if err != nil {
			named := apperr.New(apperr.KindOf(err), fmt.Sprintf("%s: %s", upload.Filename, apperr.MessageOf(err)), err)
			wrapped := logging.NewOperationError("usecase.classify", requestID, named)
			opLogger.Error("classification failed", append(logging.ErrorFields(wrapped), zap.String("filename", upload.Filename))...)
			return nil, wrapped
		}
		predictions = append(predictions, uc.newPrediction(ownerID, upload, label))
	}

	start := time.Now()
	err = uc.repo.CreateBatch(ctx, predictions)
	uc.metrics.ObserveStage(metrics.StageStore, start)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.save_predictions", requestID,
			apperr.New(apperr.KindStorage, "failed to save predictions", err))
		opLogger.Error("failed to persist batch", append(logging.ErrorFields(wrapped), zap.Int("files", len(uploads)))...)
		return nil, wrapped
	}

	results = make([]Result, 0, len(predictions))
	for _, p := range predictions {
		uc.afterCommit(ctx, ownerID, p)
		results = append(results, *resultFor(p))
	}
	opLogger.Info("batch stored", zap.Int("files", len(results)))
	return results, nil
}

// ListPredictions returns the owner's history without image references.
func (uc *PredictionUseCase) ListPredictions(ctx context.Context, ownerID string) ([]Record, error) {
	predictions, err := uc.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, uc.storageError(ctx, "usecase.list_predictions", err)
	}
	records := make([]Record, 0, len(predictions))
	for _, p := range predictions {
		records = append(records, Project(p, false))
	}
	return records, nil
}

// GetPrediction returns one prediction of the owner. The image reference is
// set when original bytes are stored for it.
func (uc *PredictionUseCase) GetPrediction(ctx context.Context, ownerID string, id uint) (*Record, error) {
	p, err := uc.repo.FindByOwnerAndID(ctx, ownerID, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("prediction")
	}
	if err != nil {
		return nil, uc.storageError(ctx, "usecase.get_prediction", err)
	}
	record := Project(p, p.ImageSize > 0 || p.ImageKey != "")
	return &record, nil
}

// OpenImage opens the original upload. The caller closes the body.
func (uc *PredictionUseCase) OpenImage(ctx context.Context, ownerID string, id uint) (*repository.Image, error) {
	img, err := uc.repo.OpenImage(ctx, ownerID, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("image")
	}
	if err != nil {
		return nil, uc.storageError(ctx, "usecase.open_image", err)
	}
	return img, nil
}

func (uc *PredictionUseCase) validateFilename(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := uc.allowed[ext]; !ok {
		return apperr.UnsupportedFileType(filename)
	}
	return nil
}

func (uc *PredictionUseCase) classify(ctx context.Context, upload Upload) (string, error) {
	start := time.Now()
	tensor, err := uc.preprocessor.Preprocess(upload.Data)
	uc.metrics.ObserveStage(metrics.StagePreprocess, start)
	if err != nil {
		return "", err
	}

	start = time.Now()
	label, err := uc.classifier.Classify(ctx, tensor)
	uc.metrics.ObserveStage(metrics.StageInference, start)
	if err != nil {
		return "", err
	}
	return label, nil
}

func (uc *PredictionUseCase) newPrediction(ownerID string, upload Upload, label string) *repository.Prediction {
	return &repository.Prediction{
		OwnerID: ownerID,
		InputData: repository.InputMetadata{
			Filename: upload.Filename,
			Size:     len(upload.Data),
		},
		OutputData:  repository.OutputData{Result: label},
		OutputLabel: label,
		ImageData:   upload.Data,
		CreatedAt:   time.Now().UTC(),
	}
}

func (uc *PredictionUseCase) afterCommit(ctx context.Context, ownerID string, p *repository.Prediction) {
	uc.metrics.RecordLabel(p.OutputLabel)
	uc.invalidateStats(ctx, ownerID)
}

func (uc *PredictionUseCase) storageError(ctx context.Context, operation string, err error) error {
	requestID := logging.RequestIDFromContext(ctx)
	wrapped := logging.NewOperationError(operation, requestID,
		apperr.New(apperr.KindStorage, "failed to read predictions", err))
	logging.WithOperation(uc.logger, operation, requestID).Error("storage read failed", logging.ErrorFields(wrapped)...)
	return wrapped
}

func resultFor(p *repository.Prediction) *Result {
	return &Result{
		Filename:     p.InputData.Filename,
		Label:        p.OutputLabel,
		PredictionID: p.ID,
		ImageURL:     ImageURL(p.ID),
	}
}
