package inference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gozale/safran-api/internal/apperr"
	"github.com/gozale/safran-api/internal/imageprocessor"
)

type stubSession struct {
	scores []float32
	err    error
	calls  int
	mu     sync.Mutex
}

func (s *stubSession) Run(input []float32, shape []int64) ([]float32, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.scores, nil
}

// sumSession scores label i by how close the input mean is to i.
type sumSession struct{ classes int }

func (s sumSession) Run(input []float32, shape []int64) ([]float32, error) {
	var sum float32
	for _, v := range input {
		sum += v
	}
	mean := sum / float32(len(input))
	out := make([]float32, s.classes)
	for i := range out {
		d := mean - float32(i)
		out[i] = -d * d
	}
	return out, nil
}

func testTensor(fill float32) *imageprocessor.Tensor {
	data := make([]float32, 3*4*4)
	for i := range data {
		data[i] = fill
	}
	return &imageprocessor.Tensor{Shape: []int64{1, 3, 4, 4}, Data: data}
}

func TestArgMaxFirstMaximumWins(t *testing.T) {
	cases := []struct {
		name   string
		values []float32
		want   int
	}{
		{"empty", nil, -1},
		{"single", []float32{0.3}, 0},
		{"tie at start", []float32{0.9, 0.9, 0.1}, 0},
		{"tie in middle", []float32{0.1, 0.7, 0.2, 0.7}, 1},
		{"negative", []float32{-3, -1, -2}, 1},
	}
	for _, tc := range cases {
		if got := ArgMax(tc.values); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestClassifyReturnsLabelFromTable(t *testing.T) {
	labels := []string{"tench", "goldfish", "great white shark"}
	session := &stubSession{scores: []float32{0.1, 0.8, 0.1}}
	engine, err := NewEngine(session, labels, []int64{-1, 3, 4, 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 2; i++ {
		label, err := engine.Classify(context.Background(), testTensor(0.5))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if label != "goldfish" {
			t.Fatalf("expected goldfish, got %s", label)
		}
	}
}

func TestClassifyIsSafeForConcurrentCalls(t *testing.T) {
	labels := []string{"zero", "one", "two", "three"}
	engine, err := NewEngine(sumSession{classes: len(labels)}, labels, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(class int) {
			defer wg.Done()
			label, err := engine.Classify(context.Background(), testTensor(float32(class)))
			if err != nil {
				errs <- err
				return
			}
			if label != labels[class] {
				errs <- errors.New("cross-contaminated result: " + label)
			}
		}(i % len(labels))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestClassifyFailures(t *testing.T) {
	labels := []string{"a", "b"}

	cases := []struct {
		name    string
		session *stubSession
		shape   []int64
		tensor  *imageprocessor.Tensor
	}{
		{"runtime error", &stubSession{err: errors.New("ort exploded")}, nil, testTensor(0)},
		{"empty output", &stubSession{scores: nil}, nil, testTensor(0)},
		{"index outside labels", &stubSession{scores: []float32{0, 0, 5}}, nil, testTensor(0)},
		{"shape mismatch", &stubSession{scores: []float32{1, 0}}, []int64{1, 3, 224, 224}, testTensor(0)},
		{"data length mismatch", &stubSession{scores: []float32{1, 0}}, nil,
			&imageprocessor.Tensor{Shape: []int64{1, 3, 4, 4}, Data: []float32{1}}},
	}

	for _, tc := range cases {
		engine, err := NewEngine(tc.session, labels, tc.shape)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		_, err = engine.Classify(context.Background(), tc.tensor)
		if !apperr.Is(err, apperr.KindInference) {
			t.Fatalf("%s: expected inference error, got %v", tc.name, err)
		}
	}
}

func TestClassifyDoesNotRunOnShapeMismatch(t *testing.T) {
	session := &stubSession{scores: []float32{1}}
	engine, err := NewEngine(session, []string{"a"}, []int64{1, 3, 8, 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := engine.Classify(context.Background(), testTensor(0)); err == nil {
		t.Fatal("expected error")
	}
	if session.calls != 0 {
		t.Fatalf("expected no session calls, got %d", session.calls)
	}
}

func TestNewEngineRequiresLabels(t *testing.T) {
	if _, err := NewEngine(&stubSession{}, nil, nil); err == nil {
		t.Fatal("expected error for empty labels")
	}
	if _, err := NewEngine(nil, []string{"a"}, nil); err == nil {
		t.Fatal("expected error for nil session")
	}
}

func TestLoadLabels(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "labels.json")
	if err := os.WriteFile(jsonPath, []byte(`["tench", "goldfish"]`), 0o600); err != nil {
		t.Fatal(err)
	}
	labels, err := LoadLabels(jsonPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(labels) != 2 || labels[1] != "goldfish" {
		t.Fatalf("unexpected labels: %v", labels)
	}

	txtPath := filepath.Join(dir, "labels.txt")
	if err := os.WriteFile(txtPath, []byte("tench\n\n goldfish \nshark\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	labels, err = LoadLabels(txtPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(labels) != 3 || labels[1] != "goldfish" {
		t.Fatalf("unexpected labels: %v", labels)
	}

	emptyPath := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(emptyPath, []byte(`[]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadLabels(emptyPath); err == nil {
		t.Fatal("expected error for empty label table")
	}
}
