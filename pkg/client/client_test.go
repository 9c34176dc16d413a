package client_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	backend "cnn-backend/internal/api"
	"cnn-backend/internal/core"
	"cnn-backend/internal/core/cnn"
	"cnn-backend/internal/database"
	"cnn-backend/internal/messaging"
	"cnn-backend/internal/storage"
	"cnn-backend/pkg/api"
	"cnn-backend/pkg/client"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucket = "cnn-test"

func encodeSquare(t *testing.T, shade uint8) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: 255 - shade, B: shade / 3, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeSplit(t *testing.T, dir string, n int) {
	for i, class := range []string{"cats", "dogs"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, class), 0755))
		for j := 0; j < n; j++ {
			path := filepath.Join(dir, class, class+strconv.Itoa(j)+".png")
			require.NoError(t, os.WriteFile(path, encodeSquare(t, uint8(20+i*200+j)), 0644))
		}
	}
}

func startServer(t *testing.T) (*client.Client, string) {
	db, err := database.NewSqliteDatabase(":memory:")
	require.NoError(t, err)

	provider := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, provider.CreateBucket(context.Background(), bucket))

	root := t.TempDir()
	writeSplit(t, filepath.Join(root, "training_set"), 3)
	writeSplit(t, filepath.Join(root, "test_set"), 2)

	queue := messaging.NewInMemoryQueue()
	processor := core.NewTaskProcessor(db, provider, queue, queue, core.ProcessorConfig{Bucket: bucket, Concurrency: 1, Workers: 2})
	go processor.Start()
	t.Cleanup(queue.Close)

	service := backend.NewBackendService(db, provider, queue, backend.ServiceConfig{
		Bucket:           bucket,
		DefaultTrainDir:  filepath.Join(root, "training_set"),
		DefaultTestDir:   filepath.Join(root, "test_set"),
		ImageSize:        18,
		ProgressInterval: 20 * time.Millisecond,
	})

	router := chi.NewRouter()
	router.Route("/api/v1", service.AddRoutes)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return client.New(server.URL), root
}

func TestTrainingFlow(t *testing.T) {
	c, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	require.NoError(t, c.Health(ctx))

	opts, err := c.Options(ctx)
	require.NoError(t, err)
	assert.Equal(t, cnn.DefaultNeurons, opts.Neurons.Default)

	datasetId, err := c.CreateDataset(ctx, api.CreateDatasetRequest{})
	require.NoError(t, err)

	var progress []int
	ds, err := c.WaitForDataset(ctx, datasetId, 10*time.Millisecond, func(p int) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, "READY", ds.Status)
	assert.Equal(t, 6, ds.TrainCount)
	assert.Equal(t, 4, ds.TestCount)
	assert.Equal(t, 100, progress[len(progress)-1])

	var samples bytes.Buffer
	require.NoError(t, c.DownloadSamples(ctx, datasetId, &samples))
	_, err = png.Decode(&samples)
	require.NoError(t, err)

	modelId, err := c.TrainModel(ctx, api.TrainModelRequest{
		DatasetId:        datasetId,
		HiddenActivation: opts.HiddenActivation.Default,
		OutputActivation: opts.OutputActivation.Default,
		Neurons:          opts.Neurons.Min,
		Epochs:           opts.Epochs.Default,
		Seed:             11,
	})
	require.NoError(t, err)

	var epochs []int
	final, err := c.FollowProgress(ctx, modelId, func(update api.ProgressUpdate) {
		if update.Metric != nil {
			epochs = append(epochs, update.Metric.Epoch)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "TRAINED", final.Status)
	require.Len(t, epochs, opts.Epochs.Default)
	assert.Equal(t, 1, epochs[0])
	assert.Equal(t, opts.Epochs.Default, epochs[len(epochs)-1])

	model, err := c.GetModel(ctx, modelId)
	require.NoError(t, err)
	assert.Equal(t, 100.0, model.Progress)
	require.NotNil(t, model.TestAccuracy)
	assert.Len(t, model.History, opts.Epochs.Default)

	var plot bytes.Buffer
	require.NoError(t, c.DownloadPlot(ctx, modelId, &plot))
	_, err = png.Decode(&plot)
	require.NoError(t, err)

	prediction, err := c.Predict(ctx, modelId, "cat.png", bytes.NewReader(encodeSquare(t, 20)))
	require.NoError(t, err)
	assert.Contains(t, []string{"cats", "dogs"}, prediction.Class)

	require.NoError(t, c.DeleteModel(ctx, modelId))
	_, err = c.GetModel(ctx, modelId)
	assert.Equal(t, http.StatusNotFound, client.StatusCode(err))
}

func TestDatasetFailure(t *testing.T) {
	c, root := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	datasetId, err := c.CreateDataset(ctx, api.CreateDatasetRequest{
		TrainDir: filepath.Join(root, "missing"),
	})
	require.NoError(t, err)

	ds, err := c.WaitForDataset(ctx, datasetId, 10*time.Millisecond, nil)
	assert.ErrorIs(t, err, client.ErrDatasetFailed)
	assert.Equal(t, "FAILED", ds.Status)
}

func TestErrorStatus(t *testing.T) {
	c, _ := startServer(t)
	ctx := context.Background()

	_, err := c.GetModel(ctx, uuid.New())
	assert.Equal(t, http.StatusNotFound, client.StatusCode(err))

	err = c.StopModel(ctx, uuid.New())
	assert.Equal(t, http.StatusNotFound, client.StatusCode(err))

	_, err = c.TrainModel(ctx, api.TrainModelRequest{DatasetId: uuid.New(), HiddenActivation: "relu", OutputActivation: "sigmoid", Neurons: 33, Epochs: 20})
	assert.Equal(t, http.StatusUnprocessableEntity, client.StatusCode(err))

	assert.Zero(t, client.StatusCode(nil))
}
