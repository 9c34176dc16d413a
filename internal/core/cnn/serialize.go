package cnn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

type savedModel struct {
	Input  Shape       `json:"input"`
	Layers []LayerSpec `json:"layers"`
	// Little endian float32 values, base64 encoded by encoding/json.
	Weights [][]byte `json:"weights"`
}

func encodeFloats(values []float64) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	return buf
}

func decodeFloats(buf []byte, out []float64) error {
	if len(buf) != 4*len(out) {
		return fmt.Errorf("expected %d values but got %d bytes", len(out), len(buf))
	}
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:])))
	}
	return nil
}

// Save writes the architecture and weights as JSON. Weights are stored in
// single precision and optimizer state is not saved.
func (m *Sequential) Save(w io.Writer) error {
	saved := savedModel{Input: m.input}
	for _, layer := range m.layers {
		saved.Layers = append(saved.Layers, layer.Spec())
	}
	for _, p := range m.params {
		saved.Weights = append(saved.Weights, encodeFloats(p.Value))
	}

	if err := json.NewEncoder(w).Encode(saved); err != nil {
		return fmt.Errorf("error encoding model: %w", err)
	}
	return nil
}

func Load(r io.Reader) (*Sequential, error) {
	var saved savedModel
	if err := json.NewDecoder(r).Decode(&saved); err != nil {
		return nil, fmt.Errorf("error decoding model: %w", err)
	}

	layers := make([]Layer, 0, len(saved.Layers))
	for _, spec := range saved.Layers {
		layer, err := NewLayer(spec)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}

	model, err := NewSequential(saved.Input, 0, layers...)
	if err != nil {
		return nil, err
	}

	if len(saved.Weights) != len(model.params) {
		return nil, fmt.Errorf("model has %d parameter tensors but %d were saved", len(model.params), len(saved.Weights))
	}
	for i, p := range model.params {
		if err := decodeFloats(saved.Weights[i], p.Value); err != nil {
			return nil, fmt.Errorf("error loading parameter %d (%s): %w", i, p.Name, err)
		}
	}

	return model, nil
}
