package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gozale/safran-api/internal/apperr"
	"github.com/gozale/safran-api/internal/imageprocessor"
	"github.com/gozale/safran-api/internal/logging"
	"github.com/gozale/safran-api/internal/repository"
)

type stubRepository struct {
	rows        []*repository.Prediction
	createErr   error
	createCalls int
	listErr     error
	countCalls  int
	nextID      uint
	// afterCount runs once the counts are taken, before they are returned.
	afterCount func()
}

func (s *stubRepository) Create(ctx context.Context, p *repository.Prediction) error {
	return s.CreateBatch(ctx, []*repository.Prediction{p})
}

func (s *stubRepository) CreateBatch(ctx context.Context, predictions []*repository.Prediction) error {
	s.createCalls++
	if s.createErr != nil {
		return s.createErr
	}
	for _, p := range predictions {
		s.nextID++
		p.ID = s.nextID
		s.rows = append(s.rows, p)
	}
	return nil
}

func (s *stubRepository) ListByOwner(ctx context.Context, ownerID string) ([]*repository.Prediction, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*repository.Prediction
	for _, p := range s.rows {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubRepository) FindByOwnerAndID(ctx context.Context, ownerID string, id uint) (*repository.Prediction, error) {
	for _, p := range s.rows {
		if p.ID == id && p.OwnerID == ownerID {
			copied := *p
			copied.ImageData = nil
			copied.ImageSize = int64(len(p.ImageData))
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) OpenImage(ctx context.Context, ownerID string, id uint) (*repository.Image, error) {
	for _, p := range s.rows {
		if p.ID == id && p.OwnerID == ownerID && len(p.ImageData) > 0 {
			return &repository.Image{Body: io.NopCloser(bytes.NewReader(p.ImageData)), Size: int64(len(p.ImageData))}, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) CountByLabel(ctx context.Context, ownerID string) (map[string]int64, error) {
	s.countCalls++
	counts := make(map[string]int64)
	for _, p := range s.rows {
		if p.OwnerID == ownerID {
			counts[p.OutputLabel]++
		}
	}
	if hook := s.afterCount; hook != nil {
		s.afterCount = nil
		hook()
	}
	return counts, nil
}

type stubCache struct {
	values   map[string]string
	getErr   error
	incrKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: make(map[string]string)}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	value, ok := s.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return value, nil
}

func (s *stubCache) Incr(ctx context.Context, key string) (int64, error) {
	n, _ := strconv.ParseInt(s.values[key], 10, 64)
	n++
	s.values[key] = strconv.FormatInt(n, 10)
	s.incrKeys = append(s.incrKeys, key)
	return n, nil
}

// stubPreprocessor rejects payloads starting with "bad".
type stubPreprocessor struct {
	calls int
}

func (s *stubPreprocessor) Preprocess(data []byte) (*imageprocessor.Tensor, error) {
	s.calls++
	if bytes.HasPrefix(data, []byte("bad")) {
		return nil, apperr.New(apperr.KindPreprocess, "unable to decode image", errors.New("garbage"))
	}
	return &imageprocessor.Tensor{Shape: []int64{1, 1}, Data: []float32{float32(len(data))}}, nil
}

// stubClassifier labels a tensor by its single value.
type stubClassifier struct {
	labels map[float32]string
	err    error
}

func (s *stubClassifier) Classify(ctx context.Context, tensor *imageprocessor.Tensor) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if label, ok := s.labels[tensor.Data[0]]; ok {
		return label, nil
	}
	return "tabby cat", nil
}

type fixture struct {
	uc           *PredictionUseCase
	repo         *stubRepository
	cache        *stubCache
	preprocessor *stubPreprocessor
	classifier   *stubClassifier
}

func newFixture() *fixture {
	f := &fixture{
		repo:         &stubRepository{},
		cache:        newStubCache(),
		preprocessor: &stubPreprocessor{},
		classifier:   &stubClassifier{labels: map[float32]string{3: "goldfish"}},
	}
	f.uc = NewPredictionUseCase(f.repo, f.cache, f.preprocessor, f.classifier, nil, zap.NewNop(), Options{})
	return f
}

func TestHandleSingleStoresPrediction(t *testing.T) {
	f := newFixture()
	ctx := logging.WithRequestID(context.Background(), "req-1")

	result, err := f.uc.HandleSingle(ctx, "u1", Upload{Filename: "cat.JPG", Data: []byte("image")})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Label != "tabby cat" {
		t.Fatalf("unexpected label %q", result.Label)
	}
	if result.PredictionID == 0 {
		t.Fatal("expected prediction id")
	}
	if len(f.repo.rows) != 1 {
		t.Fatalf("expected 1 stored row, got %d", len(f.repo.rows))
	}
	stored := f.repo.rows[0]
	if stored.OwnerID != "u1" || stored.InputData.Filename != "cat.JPG" || stored.OutputData.Result != "tabby cat" {
		t.Fatalf("unexpected stored row: %+v", stored)
	}
	if !bytes.Equal(stored.ImageData, []byte("image")) {
		t.Fatal("expected original bytes to be stored")
	}
	if len(f.cache.incrKeys) != 1 || f.cache.incrKeys[0] != "stats:gen:u1" {
		t.Fatalf("expected stats generation bump, got %v", f.cache.incrKeys)
	}
}

func TestHandleSingleRejectsUnsupportedExtension(t *testing.T) {
	for _, name := range []string{"doc.pdf", "noext", "image.jpg.exe", "archive.PNG.zip", ""} {
		f := newFixture()
		_, err := f.uc.HandleSingle(context.Background(), "u1", Upload{Filename: name, Data: []byte("image")})
		if !apperr.Is(err, apperr.KindUnsupportedFileType) {
			t.Fatalf("%q: expected unsupported file type, got %v", name, err)
		}
		if f.repo.createCalls != 0 {
			t.Fatalf("%q: expected no storage writes, got %d", name, f.repo.createCalls)
		}
		if f.preprocessor.calls != 0 {
			t.Fatalf("%q: expected no preprocessing, got %d", name, f.preprocessor.calls)
		}
	}
}

func TestHandleSingleAcceptsCaseInsensitiveExtensions(t *testing.T) {
	for _, name := range []string{"a.jpg", "b.JPEG", "c.Png", "d.webp"} {
		f := newFixture()
		if _, err := f.uc.HandleSingle(context.Background(), "u1", Upload{Filename: name, Data: []byte("x")}); err != nil {
			t.Fatalf("%q: unexpected error: %v", name, err)
		}
	}
}

func TestHandleSinglePropagatesFailures(t *testing.T) {
	f := newFixture()
	_, err := f.uc.HandleSingle(context.Background(), "u1", Upload{Filename: "a.png", Data: []byte("bad bytes")})
	if !apperr.Is(err, apperr.KindPreprocess) {
		t.Fatalf("expected preprocess error, got %v", err)
	}

	f = newFixture()
	f.classifier.err = apperr.New(apperr.KindInference, "inference failed", errors.New("ort"))
	_, err = f.uc.HandleSingle(context.Background(), "u1", Upload{Filename: "a.png", Data: []byte("ok")})
	if !apperr.Is(err, apperr.KindInference) {
		t.Fatalf("expected inference error, got %v", err)
	}
	if f.repo.createCalls != 0 {
		t.Fatalf("expected no writes after inference failure, got %d", f.repo.createCalls)
	}

	f = newFixture()
	f.repo.createErr = errors.New("connection reset")
	_, err = f.uc.HandleSingle(logging.WithRequestID(context.Background(), "req-9"), "u1", Upload{Filename: "a.png", Data: []byte("ok")})
	if !apperr.Is(err, apperr.KindStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "usecase.save_prediction" || opErr.RequestID != "req-9" {
		t.Fatalf("unexpected operation error: %+v", opErr)
	}
	if len(f.cache.incrKeys) != 0 {
		t.Fatal("stats must not be invalidated when nothing was stored")
	}
}

func TestHandleBatchPreservesOrder(t *testing.T) {
	f := newFixture()
	uploads := []Upload{
		{Filename: "a.jpg", Data: []byte("aaa")},
		{Filename: "b.png", Data: []byte("bbbbb")},
	}

	results, err := f.uc.HandleBatch(context.Background(), "u1", uploads)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Filename != "a.jpg" || results[1].Filename != "b.png" {
		t.Fatalf("order not preserved: %+v", results)
	}
	if results[0].Label != "goldfish" || results[1].Label != "tabby cat" {
		t.Fatalf("unexpected labels: %+v", results)
	}
	if results[0].PredictionID == results[1].PredictionID {
		t.Fatal("expected distinct prediction ids")
	}
	if results[1].ImageURL != "/predictions/2/image" {
		t.Fatalf("unexpected image url %q", results[1].ImageURL)
	}
	if f.repo.createCalls != 1 {
		t.Fatalf("expected a single batch write, got %d", f.repo.createCalls)
	}
}

func TestHandleBatchIsAllOrNothing(t *testing.T) {
	f := newFixture()
	_, err := f.uc.HandleBatch(context.Background(), "u1", []Upload{
		{Filename: "a.jpg", Data: []byte("ok")},
		{Filename: "doc.pdf", Data: []byte("ok")},
	})
	if !apperr.Is(err, apperr.KindUnsupportedFileType) {
		t.Fatalf("expected unsupported file type, got %v", err)
	}
	if f.preprocessor.calls != 0 {
		t.Fatalf("expected validation before any preprocessing, got %d calls", f.preprocessor.calls)
	}

	f = newFixture()
	_, err = f.uc.HandleBatch(context.Background(), "u1", []Upload{
		{Filename: "a.jpg", Data: []byte("ok")},
		{Filename: "b.jpg", Data: []byte("bad")},
	})
	if !apperr.Is(err, apperr.KindPreprocess) {
		t.Fatalf("expected preprocess error, got %v", err)
	}
	if !strings.Contains(apperr.MessageOf(err), "b.jpg") {
		t.Fatalf("expected offending filename in message, got %q", apperr.MessageOf(err))
	}
	if f.repo.createCalls != 0 || len(f.repo.rows) != 0 {
		t.Fatalf("expected nothing persisted, got %d rows", len(f.repo.rows))
	}

	f = newFixture()
	if _, err := f.uc.HandleBatch(context.Background(), "u1", nil); !apperr.Is(err, apperr.KindInvalidRequest) {
		t.Fatalf("expected invalid request for empty batch, got %v", err)
	}
}

func TestReadBackIsScopedToOwner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	result, err := f.uc.HandleSingle(ctx, "alice", Upload{Filename: "a.png", Data: []byte("pixels")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	record, err := f.uc.GetPrediction(ctx, "alice", result.PredictionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.ImageURL == nil || *record.ImageURL != ImageURL(result.PredictionID) {
		t.Fatalf("expected image url on detail, got %v", record.ImageURL)
	}

	img, err := f.uc.OpenImage(ctx, "alice", result.PredictionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := io.ReadAll(img.Body)
	if !bytes.Equal(data, []byte("pixels")) {
		t.Fatalf("image bytes differ: %q", data)
	}

	if _, err := f.uc.GetPrediction(ctx, "bob", result.PredictionID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for foreign detail, got %v", err)
	}
	if _, err := f.uc.OpenImage(ctx, "bob", result.PredictionID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for foreign image, got %v", err)
	}
	if _, err := f.uc.GetPrediction(ctx, "alice", 999); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for missing id, got %v", err)
	}

	list, err := f.uc.ListPredictions(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 || list[0].ImageURL != nil {
		t.Fatalf("expected one record without image url, got %+v", list)
	}
}

func TestListPredictionsStorageError(t *testing.T) {
	f := newFixture()
	f.repo.listErr = errors.New("db down")
	_, err := f.uc.ListPredictions(context.Background(), "u1")
	if !apperr.Is(err, apperr.KindStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if strings.Contains(apperr.MessageOf(err), "db down") {
		t.Fatal("internal error leaked into public message")
	}
}

func TestGetStatsUsesCacheUntilNextWrite(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	empty, err := f.uc.GetStats(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty stats, got %#v", empty)
	}

	for _, data := range []string{"aaa", "bb", "ccc"} {
		if _, err := f.uc.HandleSingle(ctx, "u1", Upload{Filename: "x.png", Data: []byte(data)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	stats, err := f.uc.GetStats(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats["goldfish"] != 2 || stats["tabby cat"] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
	calls := f.repo.countCalls

	cached, err := f.uc.GetStats(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.repo.countCalls != calls {
		t.Fatal("expected cached stats to be served")
	}
	if cached["goldfish"] != 2 {
		t.Fatalf("unexpected cached stats: %v", cached)
	}

	if _, err := f.uc.HandleSingle(ctx, "u1", Upload{Filename: "y.png", Data: []byte("zzz")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fresh, err := f.uc.GetStats(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh["goldfish"] != 3 {
		t.Fatalf("expected invalidated stats to be recomputed, got %v", fresh)
	}
}

func TestGetStatsIgnoresSnapshotTakenBeforeConcurrentWrite(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.repo.afterCount = func() {
		if _, err := f.uc.HandleSingle(ctx, "u1", Upload{Filename: "a.jpg", Data: []byte("aaa")}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	stale, err := f.uc.GetStats(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected the snapshot taken before the write, got %v", stale)
	}

	stats, err := f.uc.GetStats(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var total int64
	for _, n := range stats {
		total += n
	}
	if total != int64(len(f.repo.rows)) || stats["goldfish"] != 1 {
		t.Fatalf("stats %v do not match %d stored predictions", stats, len(f.repo.rows))
	}
}

func TestGetStatsFallsBackWhenCacheFails(t *testing.T) {
	f := newFixture()
	f.cache.getErr = errors.New("redis down")

	if _, err := f.uc.HandleSingle(context.Background(), "u1", Upload{Filename: "x.png", Data: []byte("aaa")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats, err := f.uc.GetStats(context.Background(), "u1")
	if err != nil {
		t.Fatalf("expected fallback to repository, got %v", err)
	}
	if stats["goldfish"] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestProjectOnlyIncludesImageWhenAsked(t *testing.T) {
	p := &repository.Prediction{
		ID:         7,
		InputData:  repository.InputMetadata{Filename: "cat.jpg"},
		OutputData: repository.OutputData{Result: "tabby cat"},
	}
	if got := Project(p, false); got.ImageURL != nil {
		t.Fatalf("expected no image url, got %v", *got.ImageURL)
	}
	got := Project(p, true)
	if got.ImageURL == nil || *got.ImageURL != "/predictions/7/image" {
		t.Fatalf("unexpected image url %v", got.ImageURL)
	}
	if got.InputData.Filename != "cat.jpg" || got.OutputData.Result != "tabby cat" {
		t.Fatalf("unexpected projection: %+v", got)
	}
}
