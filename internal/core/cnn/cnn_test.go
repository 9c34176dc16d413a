package cnn_test

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"testing"

	"cnn-backend/internal/core/cnn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceIterator struct {
	batches []cnn.Batch
	pos     int
}

func (it *sliceIterator) Next() (cnn.Batch, error) {
	b := it.batches[it.pos%len(it.batches)]
	it.pos++
	return b, nil
}

func (it *sliceIterator) Len() int {
	return len(it.batches)
}

// brightnessDataset makes dark images with label 0 and bright images with
// label 1.
func brightnessDataset(size, batches, batchSize int, seed int64) *sliceIterator {
	rng := rand.New(rand.NewSource(seed))
	it := &sliceIterator{}
	for b := 0; b < batches; b++ {
		var batch cnn.Batch
		for i := 0; i < batchSize; i++ {
			label := float64(i % 2)
			img := cnn.NewTensor(size, size, 3)
			for j := range img.Data {
				img.Data[j] = 0.1 + 0.6*label + 0.2*rng.Float64()
			}
			batch.Images = append(batch.Images, img)
			batch.Labels = append(batch.Labels, label)
		}
		it.batches = append(it.batches, batch)
	}
	return it
}

func smallConfig() cnn.Config {
	return cnn.Config{HiddenActivation: cnn.ReLU, OutputActivation: cnn.Sigmoid, Neurons: 32, ImageSize: 18, Seed: 7}
}

func TestActivations(t *testing.T) {
	cases := []struct {
		name string
		in   float64
		out  float64
	}{
		{cnn.ReLU, -1, 0},
		{cnn.ReLU, 2, 2},
		{cnn.LeakyReLU, -1, -0.2},
		{cnn.Tanh, 0, 0},
		{cnn.ELU, -1, math.Exp(-1) - 1},
		{cnn.SELU, 1, 1.0507009873554805},
		{cnn.Sigmoid, 0, 0.5},
		{cnn.Linear, -3, -3},
	}

	for _, c := range cases {
		act, err := cnn.GetActivation(c.name)
		require.NoError(t, err)
		out := make([]float64, 1)
		act.Forward([]float64{c.in}, out, 1)
		assert.InDelta(t, c.out, out[0], 1e-9, c.name)
	}

	_, err := cnn.GetActivation("swish")
	assert.Error(t, err)
}

func TestSoftmaxSingleUnitIsConstant(t *testing.T) {
	act, err := cnn.GetActivation(cnn.Softmax)
	require.NoError(t, err)

	out := make([]float64, 1)
	act.Forward([]float64{-12.5}, out, 1)
	assert.Equal(t, 1.0, out[0])

	grad := make([]float64, 1)
	act.Backward([]float64{-12.5}, out, []float64{3}, grad, 1)
	assert.Equal(t, 0.0, grad[0])

	out = make([]float64, 2)
	act.Forward([]float64{1, 1}, out, 2)
	assert.InDelta(t, 0.5, out[0], 1e-12)
	assert.InDelta(t, 0.5, out[1], 1e-12)
}

func TestConfigValidation(t *testing.T) {
	assert.NoError(t, cnn.DefaultConfig().Validate())

	bad := []func(c *cnn.Config){
		func(c *cnn.Config) { c.HiddenActivation = "sigmoid" },
		func(c *cnn.Config) { c.OutputActivation = "relu" },
		func(c *cnn.Config) { c.Neurons = 16 },
		func(c *cnn.Config) { c.Neurons = 1056 },
		func(c *cnn.Config) { c.Neurons = 33 },
		func(c *cnn.Config) { c.ImageSize = 10 },
	}
	for i, mutate := range bad {
		cfg := cnn.DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), "case %d", i)
	}

	assert.NoError(t, cnn.ValidateEpochs(20))
	assert.NoError(t, cnn.ValidateEpochs(200))
	assert.NoError(t, cnn.ValidateEpochs(125))
	assert.Error(t, cnn.ValidateEpochs(15))
	assert.Error(t, cnn.ValidateEpochs(205))
	assert.Error(t, cnn.ValidateEpochs(22))
}

func TestClassifierArchitecture(t *testing.T) {
	model, err := cnn.BuildClassifier(cnn.DefaultConfig())
	require.NoError(t, err)

	kinds := []string{}
	for _, l := range model.Layers() {
		kinds = append(kinds, l.Spec().Kind)
	}
	assert.Equal(t, []string{
		cnn.KindConv2D, cnn.KindMaxPool2D, cnn.KindConv2D, cnn.KindMaxPool2D,
		cnn.KindConv2D, cnn.KindFlatten, cnn.KindDense, cnn.KindDense,
	}, kinds)

	layers := model.Layers()
	assert.Equal(t, cnn.Shape{H: 62, W: 62, C: 64}, layers[0].OutputShape())
	assert.Equal(t, cnn.Shape{H: 12, W: 12, C: 512}, layers[4].OutputShape())
	assert.Equal(t, cnn.Shape{H: 1, W: 1, C: 73728}, layers[5].OutputShape())
	assert.Equal(t, cnn.Shape{H: 1, W: 1, C: 1}, model.OutputShape())

	// conv: 1792 + 36928 + 295424, dense: 9437312 + 129
	assert.Equal(t, 1792+36928+295424+9437312+129, model.CountParams())
}

func lossOf(t *testing.T, model *cnn.Sequential, batch cnn.Batch) float64 {
	loss, _, err := model.TestOnBatch(batch)
	require.NoError(t, err)
	return loss
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	model, err := cnn.NewSequential(cnn.Shape{H: 6, W: 6, C: 3}, 3,
		cnn.Conv2D(2, 3, cnn.Tanh),
		cnn.MaxPooling2D(2),
		cnn.Flatten(),
		cnn.Dense(3, cnn.ELU),
		cnn.Dense(1, cnn.Sigmoid),
	)
	require.NoError(t, err)

	batch := brightnessDataset(6, 1, 2, 11).batches[0]

	const eps = 1e-6
	for _, layer := range model.Layers() {
		for _, p := range layer.Params() {
			for _, j := range []int{0, len(p.Value) / 2, len(p.Value) - 1} {
				orig := p.Value[j]
				p.Value[j] = orig + eps
				plus := lossOf(t, model, batch)
				p.Value[j] = orig - eps
				minus := lossOf(t, model, batch)
				p.Value[j] = orig
				numeric := (plus - minus) / (2 * eps)

				analytic := analyticGradient(t, model, batch, p, j)
				assert.InDelta(t, numeric, analytic, 1e-5, "%s[%d]", p.Name, j)
			}
		}
	}
}

// analyticGradient recovers the averaged gradient of a single weight by
// training one step with an optimizer configured as plain gradient descent.
func analyticGradient(t *testing.T, model *cnn.Sequential, batch cnn.Batch, p *cnn.Param, j int) float64 {
	snapshot := make([][]float64, 0)
	for _, layer := range model.Layers() {
		for _, q := range layer.Params() {
			snapshot = append(snapshot, append([]float64(nil), q.Value...))
		}
	}

	// With beta1 = beta2 = 0 and a huge epsilon, Adam reduces to
	// p -= lr * g / eps.
	opt := &cnn.Adam{LearningRate: 1e6, Beta1: 0, Beta2: 0, Epsilon: 1e6}
	model.Compile(opt)
	before := p.Value[j]
	_, _, err := model.TrainOnBatch(batch)
	require.NoError(t, err)
	grad := (before - p.Value[j]) / 1.0

	i := 0
	for _, layer := range model.Layers() {
		for _, q := range layer.Params() {
			copy(q.Value, snapshot[i])
			i++
		}
	}
	return grad
}

func TestFitReducesLoss(t *testing.T) {
	model, err := cnn.BuildClassifier(smallConfig())
	require.NoError(t, err)
	model.SetWorkers(2)

	train := brightnessDataset(18, 4, 8, 1)
	test := brightnessDataset(18, 2, 8, 2)

	var epochs []int
	history, err := model.Fit(context.Background(), train, cnn.FitOptions{
		Epochs:          10,
		Validation:      test,
		ValidationSteps: 1,
		OnEpochEnd: []cnn.EpochCallback{func(logs cnn.EpochLogs) error {
			epochs = append(epochs, logs.Epoch)
			return nil
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, epochs)
	assert.Equal(t, 10, history.Epochs())
	assert.Len(t, history.ValLoss, 10)
	assert.Less(t, history.Loss[9], history.Loss[0])
	for _, acc := range history.ValAccuracy {
		assert.GreaterOrEqual(t, acc, 0.0)
		assert.LessOrEqual(t, acc, 1.0)
	}

	loss, acc, err := model.Evaluate(context.Background(), test)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss))
	assert.GreaterOrEqual(t, acc, 0.0)
}

func TestFitStopsOnCallback(t *testing.T) {
	model, err := cnn.BuildClassifier(smallConfig())
	require.NoError(t, err)

	history, err := model.Fit(context.Background(), brightnessDataset(18, 1, 4, 1), cnn.FitOptions{
		Epochs: 20,
		OnEpochEnd: []cnn.EpochCallback{func(logs cnn.EpochLogs) error {
			if logs.Epoch == 1 {
				return cnn.ErrStopTraining
			}
			return nil
		}},
	})
	assert.ErrorIs(t, err, cnn.ErrStopTraining)
	assert.Equal(t, 2, history.Epochs())
}

func TestFitHonoursContext(t *testing.T) {
	model, err := cnn.BuildClassifier(smallConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = model.Fit(ctx, brightnessDataset(18, 1, 4, 1), cnn.FitOptions{Epochs: 20})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSaveLoad(t *testing.T) {
	cfg := smallConfig()
	cfg.HiddenActivation = cnn.SELU
	model, err := cnn.BuildClassifier(cfg)
	require.NoError(t, err)

	img := brightnessDataset(18, 1, 1, 5).batches[0].Images[0]
	want, err := model.Predict(img)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, model.Save(&buf))

	loaded, err := cnn.Load(&buf)
	require.NoError(t, err)

	got, err := loaded.Predict(img)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-4)
	assert.Equal(t, model.CountParams(), loaded.CountParams())

	_, err = loaded.Predict(cnn.NewTensor(20, 20, 3))
	assert.Error(t, err)
}

func TestSoftmaxOutputPredictsOne(t *testing.T) {
	cfg := smallConfig()
	cfg.OutputActivation = cnn.Softmax
	model, err := cnn.BuildClassifier(cfg)
	require.NoError(t, err)

	p, err := model.Predict(brightnessDataset(18, 1, 1, 5).batches[0].Images[0])
	require.NoError(t, err)
	assert.Equal(t, 1.0, p)
}

func TestPredictedClassThreshold(t *testing.T) {
	assert.Equal(t, 0, cnn.PredictedClass(0.2))
	assert.Equal(t, 0, cnn.PredictedClass(0.5))
	assert.Equal(t, 1, cnn.PredictedClass(0.5000001))
	assert.Equal(t, 1, cnn.PredictedClass(1))

	// Accuracy and prediction agree on the boundary.
	assert.True(t, cnn.BinaryAccuracy(0.5, 0))
	assert.False(t, cnn.BinaryAccuracy(0.5, 1))
}

type resettableIterator struct {
	sliceIterator
	resets int
}

func (it *resettableIterator) Reset() {
	it.pos = 0
	it.resets++
}

func TestEvaluateRewindsIterator(t *testing.T) {
	model, err := cnn.BuildClassifier(smallConfig())
	require.NoError(t, err)

	test := &resettableIterator{sliceIterator: *brightnessDataset(18, 3, 2, 4)}
	_, err = model.Fit(context.Background(), brightnessDataset(18, 1, 2, 1), cnn.FitOptions{
		Epochs:          1,
		Validation:      test,
		ValidationSteps: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, test.pos)

	_, _, err = model.Evaluate(context.Background(), test)
	require.NoError(t, err)
	assert.Equal(t, 1, test.resets)
	assert.Equal(t, test.Len(), test.pos)
}
