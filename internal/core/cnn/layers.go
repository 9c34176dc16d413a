package cnn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

const (
	KindConv2D    = "Conv2D"
	KindMaxPool2D = "MaxPooling2D"
	KindFlatten   = "Flatten"
	KindDense     = "Dense"
)

// LayerSpec is the serialisable description of a layer.
type LayerSpec struct {
	Kind       string `json:"kind"`
	Filters    int    `json:"filters,omitempty"`
	Kernel     int    `json:"kernel,omitempty"`
	Pool       int    `json:"pool,omitempty"`
	Units      int    `json:"units,omitempty"`
	Activation string `json:"activation,omitempty"`
}

type Param struct {
	Name  string
	Value []float64
}

// Layer is a single stage of a Sequential model. Forward does not mutate the
// layer, so it can run for several samples concurrently. Backward accumulates
// parameter gradients into grads, which is aligned with Params().
type Layer interface {
	Spec() LayerSpec
	Build(in Shape, rng *rand.Rand) (Shape, error)
	OutputShape() Shape
	Params() []*Param
	Forward(in *Tensor) (*Tensor, any)
	Backward(state any, gradOut *Tensor, grads [][]float64) *Tensor
}

func NewLayer(spec LayerSpec) (Layer, error) {
	switch spec.Kind {
	case KindConv2D:
		return Conv2D(spec.Filters, spec.Kernel, spec.Activation), nil
	case KindMaxPool2D:
		return MaxPooling2D(spec.Pool), nil
	case KindFlatten:
		return Flatten(), nil
	case KindDense:
		return Dense(spec.Units, spec.Activation), nil
	default:
		return nil, fmt.Errorf("unknown layer kind '%s'", spec.Kind)
	}
}

func glorotUniform(rng *rand.Rand, values []float64, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range values {
		values[i] = (rng.Float64()*2 - 1) * limit
	}
}

type activationState struct {
	in  *Tensor
	z   []float64
	out *Tensor
}

// Conv2DLayer is a valid-padding, stride one convolution with square kernels.
type Conv2DLayer struct {
	filters    int
	kernel     int
	activation string

	act    Activation
	in     Shape
	out    Shape
	weight *Param // [ky][kx][cin][cout]
	bias   *Param
}

func Conv2D(filters, kernel int, activation string) *Conv2DLayer {
	return &Conv2DLayer{filters: filters, kernel: kernel, activation: activation}
}

func (l *Conv2DLayer) Spec() LayerSpec {
	return LayerSpec{Kind: KindConv2D, Filters: l.filters, Kernel: l.kernel, Activation: l.activation}
}

func (l *Conv2DLayer) Build(in Shape, rng *rand.Rand) (Shape, error) {
	if l.filters <= 0 || l.kernel <= 0 {
		return Shape{}, fmt.Errorf("conv2d requires positive filters and kernel size, got %d and %d", l.filters, l.kernel)
	}
	if in.H < l.kernel || in.W < l.kernel {
		return Shape{}, fmt.Errorf("conv2d kernel %dx%d does not fit input %v", l.kernel, l.kernel, in)
	}
	act, err := GetActivation(l.activation)
	if err != nil {
		return Shape{}, err
	}
	l.act = act
	l.in = in
	l.out = Shape{H: in.H - l.kernel + 1, W: in.W - l.kernel + 1, C: l.filters}

	fanIn := l.kernel * l.kernel * in.C
	fanOut := l.kernel * l.kernel * l.filters
	l.weight = &Param{Name: "kernel", Value: make([]float64, fanIn*l.filters)}
	l.bias = &Param{Name: "bias", Value: make([]float64, l.filters)}
	glorotUniform(rng, l.weight.Value, fanIn, fanOut)

	return l.out, nil
}

func (l *Conv2DLayer) OutputShape() Shape {
	return l.out
}

func (l *Conv2DLayer) Params() []*Param {
	return []*Param{l.weight, l.bias}
}

func (l *Conv2DLayer) weightRow(ky, kx, ci int) []float64 {
	start := ((ky*l.kernel+kx)*l.in.C + ci) * l.filters
	return l.weight.Value[start : start+l.filters]
}

func (l *Conv2DLayer) Forward(in *Tensor) (*Tensor, any) {
	z := make([]float64, l.out.Size())
	for y := 0; y < l.out.H; y++ {
		for x := 0; x < l.out.W; x++ {
			start := (y*l.out.W + x) * l.filters
			zrow := z[start : start+l.filters]
			copy(zrow, l.bias.Value)
			for ky := 0; ky < l.kernel; ky++ {
				for kx := 0; kx < l.kernel; kx++ {
					base := in.Index(y+ky, x+kx, 0)
					for ci := 0; ci < l.in.C; ci++ {
						if v := in.Data[base+ci]; v != 0 {
							floats.AddScaled(zrow, v, l.weightRow(ky, kx, ci))
						}
					}
				}
			}
		}
	}

	out := &Tensor{Shape: l.out, Data: make([]float64, len(z))}
	l.act.Forward(z, out.Data, l.filters)
	return out, &activationState{in: in, z: z, out: out}
}

func (l *Conv2DLayer) Backward(state any, gradOut *Tensor, grads [][]float64) *Tensor {
	st := state.(*activationState)
	dz := make([]float64, len(st.z))
	l.act.Backward(st.z, st.out.Data, gradOut.Data, dz, l.filters)

	dW, db := grads[0], grads[1]
	gradIn := &Tensor{Shape: l.in, Data: make([]float64, l.in.Size())}

	for y := 0; y < l.out.H; y++ {
		for x := 0; x < l.out.W; x++ {
			start := (y*l.out.W + x) * l.filters
			dzrow := dz[start : start+l.filters]
			floats.Add(db, dzrow)
			for ky := 0; ky < l.kernel; ky++ {
				for kx := 0; kx < l.kernel; kx++ {
					base := st.in.Index(y+ky, x+kx, 0)
					for ci := 0; ci < l.in.C; ci++ {
						wstart := ((ky*l.kernel+kx)*l.in.C + ci) * l.filters
						if v := st.in.Data[base+ci]; v != 0 {
							floats.AddScaled(dW[wstart:wstart+l.filters], v, dzrow)
						}
						gradIn.Data[base+ci] += floats.Dot(l.weight.Value[wstart:wstart+l.filters], dzrow)
					}
				}
			}
		}
	}

	return gradIn
}

// MaxPool2DLayer uses non-overlapping windows; trailing rows and columns that
// do not fill a window are dropped.
type MaxPool2DLayer struct {
	pool int
	in   Shape
	out  Shape
}

func MaxPooling2D(pool int) *MaxPool2DLayer {
	return &MaxPool2DLayer{pool: pool}
}

func (l *MaxPool2DLayer) Spec() LayerSpec {
	return LayerSpec{Kind: KindMaxPool2D, Pool: l.pool}
}

func (l *MaxPool2DLayer) Build(in Shape, _ *rand.Rand) (Shape, error) {
	if l.pool <= 0 {
		return Shape{}, fmt.Errorf("max pooling requires a positive pool size, got %d", l.pool)
	}
	if in.H < l.pool || in.W < l.pool {
		return Shape{}, fmt.Errorf("max pooling window %dx%d does not fit input %v", l.pool, l.pool, in)
	}
	l.in = in
	l.out = Shape{H: in.H / l.pool, W: in.W / l.pool, C: in.C}
	return l.out, nil
}

func (l *MaxPool2DLayer) OutputShape() Shape {
	return l.out
}

func (l *MaxPool2DLayer) Params() []*Param {
	return nil
}

func (l *MaxPool2DLayer) Forward(in *Tensor) (*Tensor, any) {
	out := &Tensor{Shape: l.out, Data: make([]float64, l.out.Size())}
	argmax := make([]int, len(out.Data))
	for y := 0; y < l.out.H; y++ {
		for x := 0; x < l.out.W; x++ {
			for c := 0; c < l.in.C; c++ {
				best, bestIdx := math.Inf(-1), -1
				for py := 0; py < l.pool; py++ {
					for px := 0; px < l.pool; px++ {
						idx := in.Index(y*l.pool+py, x*l.pool+px, c)
						if in.Data[idx] > best {
							best, bestIdx = in.Data[idx], idx
						}
					}
				}
				o := out.Index(y, x, c)
				out.Data[o] = best
				argmax[o] = bestIdx
			}
		}
	}
	return out, argmax
}

func (l *MaxPool2DLayer) Backward(state any, gradOut *Tensor, _ [][]float64) *Tensor {
	argmax := state.([]int)
	gradIn := &Tensor{Shape: l.in, Data: make([]float64, l.in.Size())}
	for o, idx := range argmax {
		gradIn.Data[idx] += gradOut.Data[o]
	}
	return gradIn
}

type FlattenLayer struct {
	in  Shape
	out Shape
}

func Flatten() *FlattenLayer {
	return &FlattenLayer{}
}

func (l *FlattenLayer) Spec() LayerSpec {
	return LayerSpec{Kind: KindFlatten}
}

func (l *FlattenLayer) Build(in Shape, _ *rand.Rand) (Shape, error) {
	l.in = in
	l.out = Shape{H: 1, W: 1, C: in.Size()}
	return l.out, nil
}

func (l *FlattenLayer) OutputShape() Shape {
	return l.out
}

func (l *FlattenLayer) Params() []*Param {
	return nil
}

func (l *FlattenLayer) Forward(in *Tensor) (*Tensor, any) {
	return &Tensor{Shape: l.out, Data: in.Data}, nil
}

func (l *FlattenLayer) Backward(_ any, gradOut *Tensor, _ [][]float64) *Tensor {
	return &Tensor{Shape: l.in, Data: gradOut.Data}
}

type DenseLayer struct {
	units      int
	activation string

	act    Activation
	in     Shape
	out    Shape
	weight *Param // [in][units]
	bias   *Param
}

func Dense(units int, activation string) *DenseLayer {
	return &DenseLayer{units: units, activation: activation}
}

func (l *DenseLayer) Spec() LayerSpec {
	return LayerSpec{Kind: KindDense, Units: l.units, Activation: l.activation}
}

func (l *DenseLayer) Build(in Shape, rng *rand.Rand) (Shape, error) {
	if l.units <= 0 {
		return Shape{}, fmt.Errorf("dense layer requires positive units, got %d", l.units)
	}
	if in.H != 1 || in.W != 1 {
		return Shape{}, fmt.Errorf("dense layer expects a flattened input, got %v", in)
	}
	act, err := GetActivation(l.activation)
	if err != nil {
		return Shape{}, err
	}
	l.act = act
	l.in = in
	l.out = Shape{H: 1, W: 1, C: l.units}
	l.weight = &Param{Name: "kernel", Value: make([]float64, in.C*l.units)}
	l.bias = &Param{Name: "bias", Value: make([]float64, l.units)}
	glorotUniform(rng, l.weight.Value, in.C, l.units)
	return l.out, nil
}

func (l *DenseLayer) OutputShape() Shape {
	return l.out
}

func (l *DenseLayer) Params() []*Param {
	return []*Param{l.weight, l.bias}
}

func (l *DenseLayer) Forward(in *Tensor) (*Tensor, any) {
	z := make([]float64, l.units)
	copy(z, l.bias.Value)
	for i, v := range in.Data {
		if v != 0 {
			floats.AddScaled(z, v, l.weight.Value[i*l.units:(i+1)*l.units])
		}
	}
	out := &Tensor{Shape: l.out, Data: make([]float64, l.units)}
	l.act.Forward(z, out.Data, l.units)
	return out, &activationState{in: in, z: z, out: out}
}

func (l *DenseLayer) Backward(state any, gradOut *Tensor, grads [][]float64) *Tensor {
	st := state.(*activationState)
	dz := make([]float64, l.units)
	l.act.Backward(st.z, st.out.Data, gradOut.Data, dz, l.units)

	dW, db := grads[0], grads[1]
	floats.Add(db, dz)

	gradIn := &Tensor{Shape: l.in, Data: make([]float64, l.in.C)}
	for i, v := range st.in.Data {
		row := l.weight.Value[i*l.units : (i+1)*l.units]
		if v != 0 {
			floats.AddScaled(dW[i*l.units:(i+1)*l.units], v, dz)
		}
		gradIn.Data[i] = floats.Dot(row, dz)
	}
	return gradIn
}
