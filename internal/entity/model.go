// Package entity holds the entity classification model: a handle that is
// loaded once and then runs batch predictions over numeric hypotheses.
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"entity-extractor/internal/logging"
)

var ErrClosed = errors.New("entity model is closed")

// TensorInfo describes a declared model input or output. A dimension of -1
// is dynamic.
type TensorInfo struct {
	Name     string  `json:"name"`
	Shape    []int64 `json:"shape"`
	DataType string  `json:"dataType"`
}

// Backend loads a model artifact into an inference session.
type Backend interface {
	Open(path string) (Session, error)
}

type Session interface {
	Input() TensorInfo
	Output() TensorInfo
	Run(ctx context.Context, in Tensor) (Tensor, error)
	Close() error
}

// Class is the winning entity class of one hypothesis row.
type Class struct {
	Index int     `json:"index"`
	Label string  `json:"label,omitempty"`
	Score float64 `json:"score"`
}

type Option func(*Model)

func WithLogger(l *slog.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// WithLabels names output classes by index.
func WithLabels(labels []string) Option {
	return func(m *Model) { m.labels = append([]string(nil), labels...) }
}

// Model is a loaded classification model. It is safe for concurrent use;
// Close waits for in-flight predictions.
type Model struct {
	labels []string
	logger *slog.Logger

	mu      sync.RWMutex
	session Session
}

// Load opens the model at path with backend. The returned handle owns the
// session until Close.
func Load(path string, backend Backend, opts ...Option) (*Model, error) {
	if backend == nil {
		return nil, errors.New("load entity model: nil backend")
	}

	m := &Model{}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger)

	session, err := backend.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load entity model %s: %w", path, err)
	}
	m.session = session

	in, out := session.Input(), session.Output()
	m.logger.Info("entity model loaded",
		"path", path,
		"input", in.Name,
		"inputShape", in.Shape,
		"output", out.Name,
		"outputShape", out.Shape,
		"labels", len(m.labels),
	)
	if n := len(out.Shape); len(m.labels) > 0 && n > 0 && out.Shape[n-1] > 0 && int(out.Shape[n-1]) != len(m.labels) {
		m.logger.Warn("label count does not match model output",
			"labels", len(m.labels),
			"classes", out.Shape[n-1],
		)
	}
	return m, nil
}

// LoadLabels reads one class label per line.
func LoadLabels(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	text := strings.TrimRight(string(b), "\r\n\t ")
	if text == "" {
		return nil, fmt.Errorf("read labels: %s is empty", path)
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return lines, nil
}

// Predict runs the model over every row of hypothesis and returns the
// runtime's output as is.
func (m *Model) Predict(ctx context.Context, hypothesis Tensor) (Tensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.session == nil {
		return Tensor{}, ErrClosed
	}

	m.logger.Debug("predicting entities", "shape", hypothesis.Shape, "hypothesis", hypothesis.Data)

	out, err := m.session.Run(ctx, hypothesis)
	if err != nil {
		return Tensor{}, fmt.Errorf("predict entity: %w", err)
	}
	return out, nil
}

// Classes reduces a prediction to its best class per row. A rank-1 output
// already holds one class index per row; a rank-2 output holds one score per
// class. Any other rank fails with ErrShape.
func (m *Model) Classes(out Tensor) ([]Class, error) {
	if out.Rank() == 1 {
		classes := make([]Class, len(out.Data))
		for i, v := range out.Data {
			idx := int(v)
			classes[i] = Class{Index: idx, Label: m.label(idx), Score: 1}
		}
		return classes, nil
	}

	idx, err := out.Argmax()
	if err != nil {
		return nil, err
	}
	classes := make([]Class, len(idx))
	for row, i := range idx {
		classes[row] = Class{Index: i, Label: m.label(i), Score: out.Row(row)[i]}
	}
	return classes, nil
}

func (m *Model) label(i int) string {
	if i < 0 || i >= len(m.labels) {
		return ""
	}
	return m.labels[i]
}

// Labels returns the class names by index, or nil when none were given.
func (m *Model) Labels() []string {
	return append([]string(nil), m.labels...)
}

func (m *Model) Input() TensorInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return TensorInfo{}
	}
	return m.session.Input()
}

func (m *Model) Output() TensorInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return TensorInfo{}
	}
	return m.session.Output()
}

// Close releases the session. Calling it again is a no-op.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	if err != nil {
		return fmt.Errorf("close entity model: %w", err)
	}
	return nil
}
