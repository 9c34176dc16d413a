package cnn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"cnn-backend/internal/core/utils"

	"gonum.org/v1/gonum/floats"
)

// ErrStopTraining can be returned by an epoch callback to end Fit early.
var ErrStopTraining = errors.New("training stopped")

type Batch struct {
	Images []*Tensor
	Labels []float64
}

// Iterator is an endless source of batches. Len is the number of batches
// that make up one epoch.
type Iterator interface {
	Next() (Batch, error)
	Len() int
}

// Resetter is implemented by iterators that can rewind to the start of a
// fresh epoch.
type Resetter interface {
	Reset()
}

type EpochLogs struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
}

type EpochCallback func(logs EpochLogs) error

type BatchCallback func(epoch, batch, batches int)

type FitOptions struct {
	Epochs          int
	Validation      Iterator
	ValidationSteps int
	OnEpochEnd      []EpochCallback
	OnBatchEnd      BatchCallback
}

// History mirrors the history dict returned by keras Model.fit.
type History struct {
	Loss        []float64 `json:"loss"`
	Accuracy    []float64 `json:"accuracy"`
	ValLoss     []float64 `json:"val_loss"`
	ValAccuracy []float64 `json:"val_accuracy"`
}

func (h *History) Append(logs EpochLogs) {
	h.Loss = append(h.Loss, logs.Loss)
	h.Accuracy = append(h.Accuracy, logs.Accuracy)
	h.ValLoss = append(h.ValLoss, logs.ValLoss)
	h.ValAccuracy = append(h.ValAccuracy, logs.ValAccuracy)
}

func (h *History) Epochs() int {
	return len(h.Loss)
}

type Sequential struct {
	input  Shape
	layers []Layer
	params []*Param

	optimizer *Adam
	workers   int
}

func NewSequential(input Shape, seed int64, layers ...Layer) (*Sequential, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("sequential model requires at least one layer")
	}

	rng := rand.New(rand.NewSource(seed))
	shape := input
	var params []*Param
	for i, layer := range layers {
		out, err := layer.Build(shape, rng)
		if err != nil {
			return nil, fmt.Errorf("error building layer %d (%s): %w", i, layer.Spec().Kind, err)
		}
		shape = out
		params = append(params, layer.Params()...)
	}

	return &Sequential{
		input:   input,
		layers:  layers,
		params:  params,
		workers: utils.DefaultWorkers(),
	}, nil
}

func (m *Sequential) Compile(optimizer *Adam) {
	m.optimizer = optimizer
}

// SetWorkers bounds the number of goroutines used per batch.
func (m *Sequential) SetWorkers(n int) {
	if n > 0 {
		m.workers = n
	}
}

func (m *Sequential) InputShape() Shape {
	return m.input
}

func (m *Sequential) OutputShape() Shape {
	return m.layers[len(m.layers)-1].OutputShape()
}

func (m *Sequential) Layers() []Layer {
	return m.layers
}

func (m *Sequential) CountParams() int {
	total := 0
	for _, p := range m.params {
		total += len(p.Value)
	}
	return total
}

func (m *Sequential) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-14s %-18s %12s\n", "Layer", "Output Shape", "Param #")
	for _, layer := range m.layers {
		count := 0
		for _, p := range layer.Params() {
			count += len(p.Value)
		}
		fmt.Fprintf(&sb, "%-14s %-18s %12d\n", layer.Spec().Kind, layer.OutputShape(), count)
	}
	fmt.Fprintf(&sb, "Total params: %d\n", m.CountParams())
	return sb.String()
}

func (m *Sequential) forward(x *Tensor) (*Tensor, []any) {
	states := make([]any, len(m.layers))
	for i, layer := range m.layers {
		x, states[i] = layer.Forward(x)
	}
	return x, states
}

// Predict returns the first output unit, the probability of class index 1.
func (m *Sequential) Predict(x *Tensor) (float64, error) {
	if x.Shape != m.input {
		return 0, fmt.Errorf("expected input of shape %v, got %v", m.input, x.Shape)
	}
	out, _ := m.forward(x)
	return out.Data[0], nil
}

type batchResult struct {
	grads   [][]float64
	loss    float64
	correct int
}

type batchChunk struct {
	images []*Tensor
	labels []float64
	train  bool
}

func (m *Sequential) newGrads() [][]float64 {
	grads := make([][]float64, len(m.params))
	for i, p := range m.params {
		grads[i] = make([]float64, len(p.Value))
	}
	return grads
}

func (m *Sequential) runChunk(chunk batchChunk) (batchResult, error) {
	var res batchResult
	if chunk.train {
		res.grads = m.newGrads()
	}

	for i, x := range chunk.images {
		if x.Shape != m.input {
			return res, fmt.Errorf("expected input of shape %v, got %v", m.input, x.Shape)
		}
		out, states := m.forward(x)
		p := out.Data[0]
		loss, dp := BinaryCrossEntropy(p, chunk.labels[i])
		res.loss += loss
		if BinaryAccuracy(p, chunk.labels[i]) {
			res.correct++
		}
		if !chunk.train {
			continue
		}

		grad := &Tensor{Shape: out.Shape, Data: make([]float64, len(out.Data))}
		grad.Data[0] = dp
		offset := len(m.params)
		for l := len(m.layers) - 1; l >= 0; l-- {
			n := len(m.layers[l].Params())
			offset -= n
			grad = m.layers[l].Backward(states[l], grad, res.grads[offset:offset+n])
		}
	}

	return res, nil
}

// runBatch splits the batch across the worker pool and returns the summed
// loss, correct count and (when training) the summed gradients.
func (m *Sequential) runBatch(batch Batch, train bool) (batchResult, error) {
	if len(batch.Images) != len(batch.Labels) {
		return batchResult{}, fmt.Errorf("batch has %d images but %d labels", len(batch.Images), len(batch.Labels))
	}
	if len(batch.Images) == 0 {
		return batchResult{}, fmt.Errorf("empty batch")
	}

	workers := min(m.workers, len(batch.Images))
	per := (len(batch.Images) + workers - 1) / workers

	queue := make(chan batchChunk, workers)
	for start := 0; start < len(batch.Images); start += per {
		end := min(start+per, len(batch.Images))
		queue <- batchChunk{images: batch.Images[start:end], labels: batch.Labels[start:end], train: train}
	}
	close(queue)

	completed := make(chan utils.CompletedTask[batchResult], workers)
	utils.RunInPool(m.runChunk, queue, completed, workers)

	var total batchResult
	var firstErr error
	for res := range completed {
		if res.Error != nil {
			if firstErr == nil {
				firstErr = res.Error
			}
			continue
		}
		total.loss += res.Result.loss
		total.correct += res.Result.correct
		if train {
			if total.grads == nil {
				total.grads = res.Result.grads
			} else {
				for i := range total.grads {
					floats.Add(total.grads[i], res.Result.grads[i])
				}
			}
		}
	}

	return total, firstErr
}

// TrainOnBatch applies one optimizer step and returns the mean loss and
// accuracy of the batch before the update.
func (m *Sequential) TrainOnBatch(batch Batch) (float64, float64, error) {
	if m.optimizer == nil {
		return 0, 0, fmt.Errorf("model must be compiled before training")
	}
	res, err := m.runBatch(batch, true)
	if err != nil {
		return 0, 0, err
	}
	n := float64(len(batch.Images))
	for _, g := range res.grads {
		floats.Scale(1/n, g)
	}
	m.optimizer.Apply(m.params, res.grads)
	return res.loss / n, float64(res.correct) / n, nil
}

func (m *Sequential) TestOnBatch(batch Batch) (float64, float64, error) {
	res, err := m.runBatch(batch, false)
	if err != nil {
		return 0, 0, err
	}
	n := float64(len(batch.Images))
	return res.loss / n, float64(res.correct) / n, nil
}

// evaluateSteps averages loss and accuracy over steps batches, weighting by
// batch size.
func (m *Sequential) evaluateSteps(ctx context.Context, it Iterator, steps int) (float64, float64, error) {
	var lossSum, correctSum, seen float64
	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		batch, err := it.Next()
		if err != nil {
			return 0, 0, fmt.Errorf("error reading batch: %w", err)
		}
		loss, acc, err := m.TestOnBatch(batch)
		if err != nil {
			return 0, 0, err
		}
		n := float64(len(batch.Images))
		lossSum += loss * n
		correctSum += acc * n
		seen += n
	}
	if seen == 0 {
		return 0, 0, fmt.Errorf("no samples to evaluate")
	}
	return lossSum / seen, correctSum / seen, nil
}

// Evaluate runs one full pass over it. Iterators implementing Resetter are
// rewound first so every sample is scored exactly once.
func (m *Sequential) Evaluate(ctx context.Context, it Iterator) (float64, float64, error) {
	if r, ok := it.(Resetter); ok {
		r.Reset()
	}
	return m.evaluateSteps(ctx, it, it.Len())
}

func (m *Sequential) Fit(ctx context.Context, train Iterator, opts FitOptions) (*History, error) {
	if opts.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", opts.Epochs)
	}
	steps := train.Len()
	if steps == 0 {
		return nil, fmt.Errorf("training iterator is empty")
	}

	history := &History{}
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		var lossSum, accSum, seen float64
		for step := 0; step < steps; step++ {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			batch, err := train.Next()
			if err != nil {
				return history, fmt.Errorf("error reading training batch: %w", err)
			}
			loss, acc, err := m.TrainOnBatch(batch)
			if err != nil {
				return history, fmt.Errorf("error training on batch %d of epoch %d: %w", step, epoch, err)
			}
			n := float64(len(batch.Images))
			lossSum += loss * n
			accSum += acc * n
			seen += n
			if opts.OnBatchEnd != nil {
				opts.OnBatchEnd(epoch, step+1, steps)
			}
		}

		logs := EpochLogs{Epoch: epoch, Loss: lossSum / seen, Accuracy: accSum / seen}
		if opts.Validation != nil {
			valSteps := opts.Validation.Len()
			if opts.ValidationSteps > 0 {
				valSteps = min(valSteps, opts.ValidationSteps)
			}
			valLoss, valAcc, err := m.evaluateSteps(ctx, opts.Validation, valSteps)
			if err != nil {
				return history, fmt.Errorf("error validating epoch %d: %w", epoch, err)
			}
			logs.ValLoss, logs.ValAccuracy = valLoss, valAcc
		}
		history.Append(logs)

		slog.Debug("epoch finished", "epoch", epoch, "loss", logs.Loss, "accuracy", logs.Accuracy, "val_loss", logs.ValLoss, "val_accuracy", logs.ValAccuracy)

		for _, cb := range opts.OnEpochEnd {
			if err := cb(logs); err != nil {
				return history, err
			}
		}
	}

	return history, nil
}
