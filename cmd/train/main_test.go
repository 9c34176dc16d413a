package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cnn-backend/internal/core/cnn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePreset(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "preset.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestParseArgsDefaults(t *testing.T) {
	opts, err := parseArgs(nil)
	require.NoError(t, err)

	assert.Equal(t, cnn.ReLU, opts.preset.HiddenActivation)
	assert.Equal(t, cnn.Sigmoid, opts.preset.OutputActivation)
	assert.Equal(t, cnn.DefaultNeurons, opts.preset.Neurons)
	assert.Equal(t, cnn.DefaultEpochs, opts.preset.Epochs)
	assert.Equal(t, "dataset/training_set", opts.preset.TrainDir)
	assert.NotZero(t, opts.preset.Seed)
	assert.Empty(t, opts.remote)
}

func TestParseArgsPresetWithOverrides(t *testing.T) {
	path := writePreset(t, `
hidden_activation: tanh
output_activation: softmax
neurons: 64
epochs: 40
seed: 3
train_dir: /data/train
test_dir: /data/test
`)

	opts, err := parseArgs([]string{"-config", path, "-epochs", "25", "-remote", "http://localhost:3001"})
	require.NoError(t, err)

	assert.Equal(t, cnn.Tanh, opts.preset.HiddenActivation)
	assert.Equal(t, cnn.Softmax, opts.preset.OutputActivation)
	assert.Equal(t, 64, opts.preset.Neurons)
	assert.Equal(t, 25, opts.preset.Epochs)
	assert.Equal(t, int64(3), opts.preset.Seed)
	assert.Equal(t, "/data/train", opts.preset.TrainDir)
	assert.Equal(t, "/data/test", opts.preset.TestDir)
	assert.Equal(t, cnn.DefaultImageSize, opts.preset.ImageSize)
	assert.Equal(t, "http://localhost:3001", opts.remote)
}

func TestParseArgsInvalid(t *testing.T) {
	_, err := parseArgs([]string{"-epochs", "21"})
	assert.Error(t, err)

	_, err = parseArgs([]string{"-hidden", "swish"})
	assert.Error(t, err)

	_, err = parseArgs([]string{"-neurons", "33"})
	assert.Error(t, err)

	_, err = parseArgs([]string{"-config", writePreset(t, "learning_rate: 0.1\n")})
	assert.Error(t, err)
}

func TestParseArgsRescaleOnlyTest(t *testing.T) {
	opts, err := parseArgs(nil)
	require.NoError(t, err)
	assert.False(t, opts.rescaleOnlyTest)

	opts, err = parseArgs([]string{"-rescale-only-test"})
	require.NoError(t, err)
	assert.True(t, opts.rescaleOnlyTest)
}

type failingIterator struct {
	calls int
}

func (it *failingIterator) Next() (cnn.Batch, error) {
	it.calls++
	return cnn.Batch{}, errors.New("test set should not be read")
}

func (it *failingIterator) Len() int {
	return 1
}

func TestFinishLocalAfterInterrupt(t *testing.T) {
	model, err := cnn.BuildClassifier(cnn.Config{HiddenActivation: cnn.ReLU, OutputActivation: cnn.Sigmoid, Neurons: 32, ImageSize: 18, Seed: 1})
	require.NoError(t, err)

	history := &cnn.History{}
	history.Append(cnn.EpochLogs{Epoch: 0, Loss: 0.7, Accuracy: 0.5, ValLoss: 0.69, ValAccuracy: 0.5})
	history.Append(cnn.EpochLogs{Epoch: 1, Loss: 0.6, Accuracy: 0.6, ValLoss: 0.68, ValAccuracy: 0.55})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := filepath.Join(t.TempDir(), "output")
	test := &failingIterator{}
	require.NoError(t, finishLocal(ctx, out, model, history, test))

	assert.FileExists(t, filepath.Join(out, "history.png"))
	assert.FileExists(t, filepath.Join(out, "model.json"))
	assert.Zero(t, test.calls)
}
