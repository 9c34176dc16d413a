//go:build integration

package integrationtests

import (
	"bytes"
	"context"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	backend "cnn-backend/internal/api"
	"cnn-backend/internal/core"
	"cnn-backend/internal/core/cnn"
	"cnn-backend/internal/database"
	"cnn-backend/pkg/api"
	"cnn-backend/pkg/client"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainingWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	db := createDB(t)
	s3 := createS3Provider(t, ctx)
	publisher, receiver := setupRabbitMQContainer(t, ctx)

	root := t.TempDir()
	trainDir, testDir := filepath.Join(root, "training_set"), filepath.Join(root, "test_set")
	writeSplit(t, trainDir, 3)
	writeSplit(t, testDir, 2)

	worker := core.NewTaskProcessor(db, s3, publisher, receiver, core.ProcessorConfig{
		Bucket:      artifactBucket,
		Concurrency: 1,
		Workers:     2,
	})
	go worker.Start()
	defer worker.Stop()

	service := backend.NewBackendService(db, s3, publisher, backend.ServiceConfig{
		Bucket:           artifactBucket,
		DefaultTrainDir:  trainDir,
		DefaultTestDir:   testDir,
		ImageSize:        18,
		ProgressInterval: 100 * time.Millisecond,
	})
	router := chi.NewRouter()
	router.Route("/api/v1", service.AddRoutes)
	server := httptest.NewServer(router)
	defer server.Close()

	c := client.New(server.URL)

	datasetId, err := c.CreateDataset(ctx, api.CreateDatasetRequest{})
	require.NoError(t, err)

	ds, err := c.WaitForDataset(ctx, datasetId, 200*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, database.DatasetReady, ds.Status)
	assert.Equal(t, []string{"cats", "dogs"}, ds.ClassNames)

	var samples bytes.Buffer
	require.NoError(t, c.DownloadSamples(ctx, datasetId, &samples))
	_, err = png.Decode(&samples)
	require.NoError(t, err)

	modelId, err := c.TrainModel(ctx, api.TrainModelRequest{
		Name:             "integration",
		DatasetId:        datasetId,
		HiddenActivation: cnn.ELU,
		OutputActivation: cnn.Sigmoid,
		Neurons:          cnn.MinNeurons,
		Epochs:           cnn.MinEpochs,
		Seed:             5,
	})
	require.NoError(t, err)

	epochs := 0
	final, err := c.FollowProgress(ctx, modelId, func(update api.ProgressUpdate) {
		if update.Metric != nil {
			epochs++
		}
	})
	require.NoError(t, err)
	assert.Equal(t, database.ModelTrained, final.Status)
	assert.Equal(t, cnn.MinEpochs, epochs)

	model, err := c.GetModel(ctx, modelId)
	require.NoError(t, err)
	assert.Len(t, model.History, cnn.MinEpochs)
	require.NotNil(t, model.TestAccuracy)
	assert.GreaterOrEqual(t, *model.TestAccuracy, 0.0)
	assert.LessOrEqual(t, *model.TestAccuracy, 1.0)

	var plot bytes.Buffer
	require.NoError(t, c.DownloadPlot(ctx, modelId, &plot))
	_, err = png.Decode(&plot)
	require.NoError(t, err)

	image, err := os.Open(filepath.Join(trainDir, "cats", "cats0.png"))
	require.NoError(t, err)
	defer image.Close()

	prediction, err := c.Predict(ctx, modelId, "cats0.png", image)
	require.NoError(t, err)
	assert.Contains(t, ds.ClassNames, prediction.Class)

	require.NoError(t, c.DeleteModel(ctx, modelId))
	_, err = c.GetModel(ctx, modelId)
	assert.Equal(t, 404, client.StatusCode(err))
}
