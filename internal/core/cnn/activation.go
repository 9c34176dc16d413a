package cnn

import (
	"fmt"
	"math"
)

const (
	ReLU      = "relu"
	LeakyReLU = "leaky_relu"
	Tanh      = "tanh"
	ELU       = "elu"
	SELU      = "selu"
	Sigmoid   = "sigmoid"
	Softmax   = "softmax"
	Linear    = "linear"
)

const (
	leakyReLUAlpha = 0.2
	eluAlpha       = 1.0
	seluAlpha      = 1.6732632423543772848170429916717
	seluScale      = 1.0507009873554804934193349852946
)

// Activation is applied after the affine part of Conv2D and Dense layers.
// Elementwise activations ignore the group size; softmax normalises each
// consecutive group of values (the channel axis).
type Activation interface {
	Name() string
	Forward(z, out []float64, group int)
	// Backward writes dL/dz into gradIn given dL/dout.
	Backward(z, out, gradOut, gradIn []float64, group int)
}

func GetActivation(name string) (Activation, error) {
	switch name {
	case ReLU:
		return elementwise{name: name, f: relu, df: drelu}, nil
	case LeakyReLU:
		return elementwise{name: name, f: leakyRelu, df: dleakyRelu}, nil
	case Tanh:
		return elementwise{name: name, f: math.Tanh, df: dtanh}, nil
	case ELU:
		return elementwise{name: name, f: elu, df: delu}, nil
	case SELU:
		return elementwise{name: name, f: selu, df: dselu}, nil
	case Sigmoid:
		return elementwise{name: name, f: sigmoid, df: dsigmoid}, nil
	case Linear, "":
		return elementwise{name: Linear, f: func(z float64) float64 { return z }, df: func(_, _ float64) float64 { return 1 }}, nil
	case Softmax:
		return softmax{}, nil
	default:
		return nil, fmt.Errorf("unknown activation function '%s'", name)
	}
}

type elementwise struct {
	name string
	f    func(z float64) float64
	// df is the derivative given the pre-activation and the activation.
	df func(z, a float64) float64
}

func (e elementwise) Name() string {
	return e.name
}

func (e elementwise) Forward(z, out []float64, _ int) {
	for i, v := range z {
		out[i] = e.f(v)
	}
}

func (e elementwise) Backward(z, out, gradOut, gradIn []float64, _ int) {
	for i := range z {
		gradIn[i] = gradOut[i] * e.df(z[i], out[i])
	}
}

func relu(z float64) float64 {
	if z > 0 {
		return z
	}
	return 0
}

func drelu(z, _ float64) float64 {
	if z > 0 {
		return 1
	}
	return 0
}

func leakyRelu(z float64) float64 {
	if z > 0 {
		return z
	}
	return leakyReLUAlpha * z
}

func dleakyRelu(z, _ float64) float64 {
	if z > 0 {
		return 1
	}
	return leakyReLUAlpha
}

func dtanh(_, a float64) float64 {
	return 1 - a*a
}

func elu(z float64) float64 {
	if z > 0 {
		return z
	}
	return eluAlpha * (math.Exp(z) - 1)
}

func delu(z, a float64) float64 {
	if z > 0 {
		return 1
	}
	return a + eluAlpha
}

func selu(z float64) float64 {
	if z > 0 {
		return seluScale * z
	}
	return seluScale * seluAlpha * (math.Exp(z) - 1)
}

func dselu(z, _ float64) float64 {
	if z > 0 {
		return seluScale
	}
	return seluScale * seluAlpha * math.Exp(z)
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func dsigmoid(_, a float64) float64 {
	return a * (1 - a)
}

type softmax struct{}

func (softmax) Name() string {
	return Softmax
}

func (softmax) Forward(z, out []float64, group int) {
	if group <= 0 {
		group = len(z)
	}
	for start := 0; start < len(z); start += group {
		zs, os := z[start:start+group], out[start:start+group]
		maxZ := math.Inf(-1)
		for _, v := range zs {
			maxZ = math.Max(maxZ, v)
		}
		sum := 0.0
		for i, v := range zs {
			os[i] = math.Exp(v - maxZ)
			sum += os[i]
		}
		for i := range os {
			os[i] /= sum
		}
	}
}

func (softmax) Backward(_, out, gradOut, gradIn []float64, group int) {
	if group <= 0 {
		group = len(out)
	}
	for start := 0; start < len(out); start += group {
		os, gs := out[start:start+group], gradOut[start:start+group]
		dot := 0.0
		for i := range os {
			dot += os[i] * gs[i]
		}
		for i := range os {
			gradIn[start+i] = os[i] * (gs[i] - dot)
		}
	}
}
