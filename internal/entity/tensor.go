package entity

import (
	"encoding/json"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrShape reports a tensor whose shape does not fit where it is used.
var ErrShape = errors.New("incompatible tensor shape")

// Tensor is a dense row-major numeric array. The first dimension is the
// batch: one row per hypothesis.
type Tensor struct {
	Shape []int64   `json:"shape"`
	Data  []float64 `json:"data"`
}

func NewTensor(shape []int64, data []float64) (Tensor, error) {
	if len(shape) == 0 {
		return Tensor{}, fmt.Errorf("%w: tensor needs at least one dimension", ErrShape)
	}
	n := int64(1)
	for i, d := range shape {
		if d <= 0 {
			return Tensor{}, fmt.Errorf("%w: dimension %d is %d", ErrShape, i, d)
		}
		n *= d
	}
	if int64(len(data)) != n {
		return Tensor{}, fmt.Errorf("%w: shape %v holds %d values, got %d", ErrShape, shape, n, len(data))
	}
	return Tensor{Shape: append([]int64(nil), shape...), Data: data}, nil
}

// FromRows builds a rank-2 tensor from equal-length rows.
func FromRows(rows [][]float64) (Tensor, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return Tensor{}, fmt.Errorf("%w: no rows", ErrShape)
	}
	width := len(rows[0])
	data := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return Tensor{}, fmt.Errorf("%w: row %d has %d values, want %d", ErrShape, i, len(row), width)
		}
		data = append(data, row...)
	}
	return NewTensor([]int64{int64(len(rows)), int64(width)}, data)
}

// ParseJSON reads a nested JSON array of numbers of any depth and infers its
// shape from the nesting.
func ParseJSON(b []byte) (Tensor, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return Tensor{}, fmt.Errorf("parse tensor: %w", err)
	}

	var shape []int64
	for cur := v; ; {
		arr, ok := cur.([]any)
		if !ok {
			break
		}
		if len(arr) == 0 {
			return Tensor{}, fmt.Errorf("%w: empty dimension %d", ErrShape, len(shape))
		}
		shape = append(shape, int64(len(arr)))
		cur = arr[0]
	}
	if len(shape) == 0 {
		return Tensor{}, fmt.Errorf("%w: tensor must be a JSON array", ErrShape)
	}

	var data []float64
	if err := flatten(v, shape, &data); err != nil {
		return Tensor{}, err
	}
	return NewTensor(shape, data)
}

func flatten(v any, shape []int64, out *[]float64) error {
	if len(shape) == 0 {
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%w: element %v is not a number", ErrShape, v)
		}
		*out = append(*out, f)
		return nil
	}
	arr, ok := v.([]any)
	if !ok || int64(len(arr)) != shape[0] {
		return fmt.Errorf("%w: ragged array, want %d elements", ErrShape, shape[0])
	}
	for _, e := range arr {
		if err := flatten(e, shape[1:], out); err != nil {
			return err
		}
	}
	return nil
}

func (t Tensor) Rank() int { return len(t.Shape) }

// Rows is the size of the batch dimension.
func (t Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return int(t.Shape[0])
}

func (t Tensor) width() int {
	w := 1
	for _, d := range t.Shape[1:] {
		w *= int(d)
	}
	return w
}

// Row returns row i flattened. The slice aliases t.Data.
func (t Tensor) Row(i int) []float64 {
	w := t.width()
	return t.Data[i*w : (i+1)*w]
}

func (t Tensor) RowSlices() [][]float64 {
	rows := make([][]float64, t.Rows())
	for i := range rows {
		rows[i] = t.Row(i)
	}
	return rows
}

// Matrix views a rank-2 tensor as a gonum matrix sharing t.Data.
func (t Tensor) Matrix() (*mat.Dense, error) {
	if t.Rank() != 2 {
		return nil, fmt.Errorf("%w: matrix needs rank 2, got %d", ErrShape, t.Rank())
	}
	return mat.NewDense(int(t.Shape[0]), int(t.Shape[1]), t.Data), nil
}

// Argmax returns the index of the highest score in every row of a rank-2
// tensor.
func (t Tensor) Argmax() ([]int, error) {
	m, err := t.Matrix()
	if err != nil {
		return nil, fmt.Errorf("argmax: %w", err)
	}
	rows, _ := m.Dims()
	idx := make([]int, rows)
	for i := range idx {
		idx[i] = floats.MaxIdx(m.RawRowView(i))
	}
	return idx, nil
}
