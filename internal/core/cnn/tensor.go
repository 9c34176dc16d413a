package cnn

import "fmt"

// Shape is the height, width and channel count of a tensor. Flattened tensors
// have H = W = 1.
type Shape struct {
	H, W, C int
}

func (s Shape) Size() int {
	return s.H * s.W * s.C
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s.H, s.W, s.C)
}

// Tensor is a single HWC image or activation map stored row-major with the
// channel axis innermost.
type Tensor struct {
	Shape
	Data []float64
}

func NewTensor(h, w, c int) *Tensor {
	return &Tensor{Shape: Shape{H: h, W: w, C: c}, Data: make([]float64, h*w*c)}
}

func (t *Tensor) Index(y, x, c int) int {
	return (y*t.W+x)*t.C + c
}

func (t *Tensor) At(y, x, c int) float64 {
	return t.Data[t.Index(y, x, c)]
}

func (t *Tensor) Set(y, x, c int, v float64) {
	t.Data[t.Index(y, x, c)] = v
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: t.Shape, Data: data}
}
