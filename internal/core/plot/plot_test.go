package plot_test

import (
	"bytes"
	"image/png"
	"testing"

	"cnn-backend/internal/core/cnn"
	"cnn-backend/internal/core/plot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderHistory(t *testing.T) {
	history := &cnn.History{}
	for i := 0; i < 5; i++ {
		history.Append(cnn.EpochLogs{
			Epoch:       i,
			Loss:        1 / float64(i+1),
			Accuracy:    0.5 + 0.08*float64(i),
			ValLoss:     1.2 / float64(i+1),
			ValAccuracy: 0.5 + 0.07*float64(i),
		})
	}

	var buf bytes.Buffer
	require.NoError(t, plot.RenderHistory(&buf, history))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 1200, img.Bounds().Dx())
	assert.Greater(t, img.Bounds().Dy(), 400)
}

func TestRenderHistorySingleFlatEpoch(t *testing.T) {
	history := &cnn.History{}
	history.Append(cnn.EpochLogs{Loss: 0.69, Accuracy: 0.5, ValLoss: 0.69, ValAccuracy: 0.5})

	var buf bytes.Buffer
	require.NoError(t, plot.RenderHistory(&buf, history))
	_, err := png.Decode(&buf)
	require.NoError(t, err)
}

func TestRenderHistoryEmpty(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, plot.RenderHistory(&buf, &cnn.History{}))
	assert.Error(t, plot.RenderHistory(&buf, nil))
}

func TestRenderSampleGrid(t *testing.T) {
	var images []*cnn.Tensor
	var labels []float64
	for i := 0; i < 32; i++ {
		img := cnn.NewTensor(8, 8, 3)
		for j := range img.Data {
			img.Data[j] = float64(i%2) * 0.9
		}
		images = append(images, img)
		labels = append(labels, float64(i%2))
	}

	var buf bytes.Buffer
	require.NoError(t, plot.RenderSampleGrid(&buf, images, labels, []string{"cats", "dogs"}))

	grid, err := png.Decode(&buf)
	require.NoError(t, err)
	// 5 columns and 5 rows even though 32 images were given.
	assert.Equal(t, 5*136+8, grid.Bounds().Dx())
	assert.Equal(t, 5*156+8, grid.Bounds().Dy())

	buf.Reset()
	require.NoError(t, plot.RenderSampleGrid(&buf, images[:3], labels[:3], []string{"cats", "dogs"}))
	grid, err = png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3*136+8, grid.Bounds().Dx())
	assert.Equal(t, 156+8, grid.Bounds().Dy())

	assert.Error(t, plot.RenderSampleGrid(&buf, images, labels[:2], nil))
	assert.Error(t, plot.RenderSampleGrid(&buf, nil, nil, nil))
}
