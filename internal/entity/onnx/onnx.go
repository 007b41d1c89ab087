// Package onnx runs entity models through ONNX Runtime.
package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"entity-extractor/internal/entity"
	"entity-extractor/internal/logging"

	ort "github.com/yalue/onnxruntime_go"
)

type Config struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// platform default search.
	LibraryPath string
	// InputName and OutputName pick the tensors to bind when the model
	// declares more than one. Empty means the first declared.
	InputName  string
	OutputName string
	// IntraOpThreads caps the threads one Run may use. Zero leaves the
	// runtime default.
	IntraOpThreads int
	Logger         *slog.Logger
}

// Backend opens ONNX models. The runtime environment is process-wide and is
// initialized by the first Open.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

var envMu sync.Mutex

func New(cfg Config) *Backend {
	return &Backend{cfg: cfg, logger: logging.OrDefault(cfg.Logger)}
}

func (b *Backend) initEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if b.cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(b.cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	b.logger.Info("onnxruntime initialized", "library", b.cfg.LibraryPath)
	return nil
}

// Shutdown destroys the runtime environment. Sessions must be closed first.
func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func (b *Backend) Open(path string) (entity.Session, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open onnx model: %w", err)
	}
	if err := b.initEnvironment(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("read onnx signature: %w", err)
	}
	in, err := pick(inputs, b.cfg.InputName, "input")
	if err != nil {
		return nil, err
	}
	out, err := pick(outputs, b.cfg.OutputName, "output")
	if err != nil {
		return nil, err
	}
	if len(inputs) > 1 {
		b.logger.Warn("onnx model declares several inputs, only one is fed", "using", in.Name, "declared", len(inputs))
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()

	if b.cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(b.cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{in.Name}, []string{out.Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &Session{
		session: session,
		input:   in,
		output:  out,
		logger:  b.logger,
	}, nil
}

func pick(infos []ort.InputOutputInfo, name, kind string) (entity.TensorInfo, error) {
	for _, info := range infos {
		if name != "" && info.Name != name {
			continue
		}
		if info.OrtValueType != ort.ONNXTypeTensor {
			return entity.TensorInfo{}, fmt.Errorf("onnx %s %q is not a tensor", kind, info.Name)
		}
		return entity.TensorInfo{
			Name:     info.Name,
			Shape:    append([]int64(nil), info.Dimensions...),
			DataType: dataTypeName(info.DataType),
		}, nil
	}
	if name != "" {
		return entity.TensorInfo{}, fmt.Errorf("onnx model has no %s named %q", kind, name)
	}
	return entity.TensorInfo{}, fmt.Errorf("onnx model declares no %s", kind)
}

func dataTypeName(t ort.TensorElementDataType) string {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return "float32"
	case ort.TensorElementDataTypeDouble:
		return "float64"
	case ort.TensorElementDataTypeInt64:
		return "int64"
	case ort.TensorElementDataTypeInt32:
		return "int32"
	default:
		return fmt.Sprintf("onnx-type-%d", int(t))
	}
}

// Session is one loaded model. ONNX Runtime allows concurrent Run calls on
// a session.
type Session struct {
	session *ort.DynamicAdvancedSession
	input   entity.TensorInfo
	output  entity.TensorInfo
	logger  *slog.Logger
}

func (s *Session) Input() entity.TensorInfo  { return s.input }
func (s *Session) Output() entity.TensorInfo { return s.output }

// Run feeds in to the model as its declared element type and returns the
// output as float64.
func (s *Session) Run(ctx context.Context, in entity.Tensor) (entity.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return entity.Tensor{}, err
	}
	if err := checkShape(s.input, in); err != nil {
		return entity.Tensor{}, err
	}

	value, err := newValue(s.input.DataType, in)
	if err != nil {
		return entity.Tensor{}, err
	}
	defer value.Destroy()

	s.logger.Debug("onnx input tensor", "name", s.input.Name, "dtype", s.input.DataType, "shape", in.Shape)

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{value}, outputs); err != nil {
		return entity.Tensor{}, fmt.Errorf("onnx run: %w", err)
	}
	if outputs[0] == nil {
		return entity.Tensor{}, fmt.Errorf("onnx run: no output for %q", s.output.Name)
	}
	defer outputs[0].Destroy()

	return fromValue(outputs[0])
}

func (s *Session) Close() error {
	return s.session.Destroy()
}

// checkShape enforces the declared rank and every fixed dimension.
func checkShape(info entity.TensorInfo, in entity.Tensor) error {
	n := int64(1)
	for _, d := range in.Shape {
		n *= d
	}
	if in.Rank() == 0 || n != int64(len(in.Data)) {
		return fmt.Errorf("%w: shape %v does not match %d values", entity.ErrShape, in.Shape, len(in.Data))
	}
	if len(info.Shape) == 0 {
		return nil
	}
	if in.Rank() != len(info.Shape) {
		return fmt.Errorf("%w: %s expects rank %d %v, got %v", entity.ErrShape, info.Name, len(info.Shape), info.Shape, in.Shape)
	}
	for i, d := range info.Shape {
		if d > 0 && in.Shape[i] != d {
			return fmt.Errorf("%w: %s dimension %d must be %d, got %d", entity.ErrShape, info.Name, i, d, in.Shape[i])
		}
	}
	return nil
}

type numeric interface {
	float32 | float64 | int32 | int64
}

func convert[T numeric](src []float64) []T {
	dst := make([]T, len(src))
	for i, v := range src {
		dst[i] = T(v)
	}
	return dst
}

func newTensor[T numeric](in entity.Tensor) (ort.Value, error) {
	t, err := ort.NewTensor(ort.NewShape(in.Shape...), convert[T](in.Data))
	if err != nil {
		return nil, fmt.Errorf("create onnx tensor: %w", err)
	}
	return t, nil
}

func newValue(dtype string, in entity.Tensor) (ort.Value, error) {
	switch dtype {
	case "float32":
		return newTensor[float32](in)
	case "float64":
		return newTensor[float64](in)
	case "int64":
		return newTensor[int64](in)
	case "int32":
		return newTensor[int32](in)
	default:
		return nil, fmt.Errorf("unsupported onnx input type %s", dtype)
	}
}

func toFloat64[T numeric](src []T) []float64 {
	dst := make([]float64, len(src))
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst
}

// fromValue copies an output tensor out of native memory.
func fromValue(v ort.Value) (entity.Tensor, error) {
	shape := []int64(v.GetShape())
	var data []float64
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		data = toFloat64(t.GetData())
	case *ort.Tensor[float64]:
		data = toFloat64(t.GetData())
	case *ort.Tensor[int64]:
		data = toFloat64(t.GetData())
	case *ort.Tensor[int32]:
		data = toFloat64(t.GetData())
	default:
		return entity.Tensor{}, fmt.Errorf("unsupported onnx output %T", v)
	}
	return entity.Tensor{Shape: append([]int64(nil), shape...), Data: data}, nil
}
