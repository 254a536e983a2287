package inference

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ONNXConfig locates the model and the onnxruntime shared library.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
}

// ONNXSession wraps a dynamic onnxruntime session. Tensors are allocated per
// call, so concurrent Run calls never share buffers.
type ONNXSession struct {
	session    *ort.DynamicAdvancedSession
	inputShape []int64
	logger     *zap.Logger
}

// NewONNXSession initializes the runtime environment and loads the model once.
func NewONNXSession(cfg ONNXConfig, logger *zap.Logger) (*ONNXSession, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("model path is required")
	}
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("model declares no inputs or outputs")
	}

	inputName := cfg.InputName
	if inputName == "" {
		inputName = inputs[0].Name
	}
	outputName := cfg.OutputName
	if outputName == "" {
		outputName = outputs[0].Name
	}

	var inputShape []int64
	for _, info := range inputs {
		if info.Name == inputName {
			inputShape = append(inputShape, info.Dimensions...)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, []string{inputName}, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Info("model loaded",
		zap.String("model_path", cfg.ModelPath),
		zap.String("input", inputName),
		zap.String("output", outputName),
		zap.Int64s("input_shape", inputShape),
	)

	return &ONNXSession{session: session, inputShape: inputShape, logger: logger}, nil
}

// InputShape returns the model's declared input dimensions.
func (s *ONNXSession) InputShape() []int64 {
	return append([]int64(nil), s.inputShape...)
}

// Run executes one forward pass and returns a copy of the first output.
func (s *ONNXSession) Run(input []float32, shape []int64) ([]float32, error) {
	in, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer func() { _ = in.Destroy() }()

	outs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{in}, outs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if outs[0] == nil {
		return nil, errors.New("no output from model")
	}
	defer func() { _ = outs[0].Destroy() }()

	tensor, ok := outs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("model output is not a float32 tensor")
	}
	data := tensor.GetData()
	scores := make([]float32, len(data))
	copy(scores, data)
	return scores, nil
}

// Close releases the session and the runtime environment.
func (s *ONNXSession) Close() error {
	var errs []error
	if s.session != nil {
		errs = append(errs, s.session.Destroy())
	}
	errs = append(errs, ort.DestroyEnvironment())
	return errors.Join(errs...)
}
