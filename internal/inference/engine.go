package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/gozale/safran-api/internal/apperr"
	"github.com/gozale/safran-api/internal/imageprocessor"
)

// Session runs a single forward pass. Implementations must be safe for
// concurrent use or serialize internally.
type Session interface {
	Run(input []float32, shape []int64) ([]float32, error)
}

// Engine maps model output to labels. Labels and session are fixed at
// construction and never change afterwards.
type Engine struct {
	session    Session
	labels     []string
	inputShape []int64
}

// NewEngine wires a loaded session to its label table.
func NewEngine(session Session, labels []string, inputShape []int64) (*Engine, error) {
	if session == nil {
		return nil, errors.New("inference session is required")
	}
	if len(labels) == 0 {
		return nil, errors.New("label table is empty")
	}
	return &Engine{
		session:    session,
		labels:     append([]string(nil), labels...),
		inputShape: append([]int64(nil), inputShape...),
	}, nil
}

// Labels returns a copy of the label table.
func (e *Engine) Labels() []string {
	return append([]string(nil), e.labels...)
}

// Classify runs the model on tensor and returns the label with the highest score.
func (e *Engine) Classify(ctx context.Context, tensor *imageprocessor.Tensor) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if tensor == nil {
		return "", apperr.New(apperr.KindInference, "inference failed", errors.New("nil tensor"))
	}
	if err := e.checkShape(tensor); err != nil {
		return "", apperr.New(apperr.KindInference, "inference failed", err)
	}

	scores, err := e.session.Run(tensor.Data, tensor.Shape)
	if err != nil {
		return "", apperr.New(apperr.KindInference, "inference failed", err)
	}

	idx := ArgMax(scores)
	if idx < 0 {
		return "", apperr.New(apperr.KindInference, "inference failed", errors.New("model returned no scores"))
	}
	if idx >= len(e.labels) {
		return "", apperr.New(apperr.KindInference, "inference failed",
			fmt.Errorf("output index %d outside label table of %d", idx, len(e.labels)))
	}
	return e.labels[idx], nil
}

func (e *Engine) checkShape(tensor *imageprocessor.Tensor) error {
	expected := int64(1)
	for _, d := range tensor.Shape {
		expected *= d
	}
	if int64(len(tensor.Data)) != expected {
		return fmt.Errorf("tensor has %d values for shape %v", len(tensor.Data), tensor.Shape)
	}
	if len(e.inputShape) == 0 {
		return nil
	}
	if len(e.inputShape) != len(tensor.Shape) {
		return fmt.Errorf("tensor shape %v does not match model input %v", tensor.Shape, e.inputShape)
	}
	for i, d := range e.inputShape {
		// Dynamic axes are exported as -1 or 0.
		if d > 0 && d != tensor.Shape[i] {
			return fmt.Errorf("tensor shape %v does not match model input %v", tensor.Shape, e.inputShape)
		}
	}
	return nil
}

// ArgMax returns the index of the largest value, or -1 for an empty slice.
// The first occurrence wins on ties.
func ArgMax(values []float32) int {
	if len(values) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
