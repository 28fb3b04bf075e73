// Package tensor holds the dense float64 tensors passed between the schedule,
// the reconstruction loop and the samplers. The leading dimension is always the batch.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var ErrShape = errors.New("tensor shape mismatch")

// Tensor is an n-dimensional row-major float64 array
type Tensor struct {
	Data  []float64
	Shape []int
}

func New(shape ...int) *Tensor {
	return &Tensor{Data: make([]float64, numel(shape)), Shape: slices.Clone(shape)}
}

// From wraps data without copying it.
func From(data []float64, shape ...int) (*Tensor, error) {
	if numel(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	return &Tensor{Data: data, Shape: slices.Clone(shape)}, nil
}

// Full returns a tensor of the given shape with every element set to v.
func Full(v float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func (t *Tensor) Numel() int { return numel(t.Shape) }

// Batch is the size of the leading dimension.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// RowLen is the number of elements in one batch entry.
func (t *Tensor) RowLen() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return numel(t.Shape[1:])
}

// Row returns a view of batch entry i.
func (t *Tensor) Row(i int) []float64 {
	n := t.RowLen()
	return t.Data[i*n : (i+1)*n]
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Data: slices.Clone(t.Data), Shape: slices.Clone(t.Shape)}
}

func (t *Tensor) SameShape(o *Tensor) bool {
	return o != nil && slices.Equal(t.Shape, o.Shape)
}

// Bytes is the in-memory size of the data.
func (t *Tensor) Bytes() uint64 { return uint64(len(t.Data)) * 8 }

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

func checkShapes(a, b *Tensor) error {
	if a == nil || b == nil {
		return fmt.Errorf("%w: nil tensor", ErrShape)
	}
	if !a.SameShape(b) {
		return fmt.Errorf("%w: %v vs %v", ErrShape, a.Shape, b.Shape)
	}
	return nil
}

// Add returns a + b.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkShapes(a, b); err != nil {
		return nil, err
	}
	out := a.Clone()
	floats.Add(out.Data, b.Data)
	return out, nil
}

// Sub returns a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkShapes(a, b); err != nil {
		return nil, err
	}
	out := New(a.Shape...)
	floats.SubTo(out.Data, a.Data, b.Data)
	return out, nil
}

// AddScaled returns a + alpha*b.
func AddScaled(a *Tensor, alpha float64, b *Tensor) (*Tensor, error) {
	if err := checkShapes(a, b); err != nil {
		return nil, err
	}
	out := New(a.Shape...)
	floats.AddScaledTo(out.Data, a.Data, alpha, b.Data)
	return out, nil
}

// Scale returns s*t.
func Scale(t *Tensor, s float64) *Tensor {
	out := t.Clone()
	floats.Scale(s, out.Data)
	return out
}

// ScaleRows multiplies batch entry i by coeffs[i].
func ScaleRows(t *Tensor, coeffs []float64) (*Tensor, error) {
	if len(coeffs) != t.Batch() {
		return nil, fmt.Errorf("%w: %d coefficients for batch %d", ErrShape, len(coeffs), t.Batch())
	}
	out := t.Clone()
	for i, c := range coeffs {
		floats.Scale(c, out.Row(i))
	}
	return out, nil
}

// Cat concatenates along the batch dimension.
func Cat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShape)
	}
	first := ts[0]
	if first == nil || len(first.Shape) == 0 {
		return nil, fmt.Errorf("%w: cannot concatenate scalars", ErrShape)
	}
	batch := 0
	for _, t := range ts {
		if t == nil || !slices.Equal(t.Shape[1:], first.Shape[1:]) {
			return nil, fmt.Errorf("%w: cannot concatenate %v with %v", ErrShape, first, t)
		}
		batch += t.Shape[0]
	}
	shape := slices.Clone(first.Shape)
	shape[0] = batch
	data := make([]float64, 0, numel(shape))
	for _, t := range ts {
		data = append(data, t.Data...)
	}
	return &Tensor{Data: data, Shape: shape}, nil
}

// Repeat stacks n copies of t along the batch dimension.
func Repeat(t *Tensor, n int) (*Tensor, error) {
	ts := make([]*Tensor, n)
	for i := range ts {
		ts[i] = t
	}
	return Cat(ts...)
}

// Chunk splits t into n equal parts along the batch dimension.
func (t *Tensor) Chunk(n int) ([]*Tensor, error) {
	if n < 1 || t.Batch()%n != 0 {
		return nil, fmt.Errorf("%w: cannot split batch %d into %d chunks", ErrShape, t.Batch(), n)
	}
	size := t.Batch() / n
	rowLen := t.RowLen()
	out := make([]*Tensor, n)
	for i := range out {
		shape := slices.Clone(t.Shape)
		shape[0] = size
		out[i] = &Tensor{
			Data:  slices.Clone(t.Data[i*size*rowLen : (i+1)*size*rowLen]),
			Shape: shape,
		}
	}
	return out, nil
}

// Std is the unbiased standard deviation over every element.
func (t *Tensor) Std() float64 {
	return stat.StdDev(t.Data, nil)
}

// Variance is the unbiased variance over every element.
func (t *Tensor) Variance() float64 {
	return stat.Variance(t.Data, nil)
}

func (t *Tensor) Mean() float64 {
	return stat.Mean(t.Data, nil)
}

// Norm is the L2 norm over every element.
func (t *Tensor) Norm() float64 {
	return floats.Norm(t.Data, 2)
}

// Finite reports whether every element is a finite number.
func (t *Tensor) Finite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// CosineSimilarity of a and b viewed as flat vectors.
func CosineSimilarity(a, b *Tensor) (float64, error) {
	if err := checkShapes(a, b); err != nil {
		return 0, err
	}
	na, nb := a.Norm(), b.Norm()
	if na == 0 || nb == 0 {
		return 0, fmt.Errorf("%w: cosine similarity of a zero tensor", ErrShape)
	}
	return floats.Dot(a.Data, b.Data) / (na * nb), nil
}
