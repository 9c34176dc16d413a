//go:build integration

package integrationtests

import (
	"bytes"
	"context"
	"testing"
	"time"

	"cnn-backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3Provider(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	provider := createS3Provider(t, ctx)

	modelId := uuid.New()
	content := []byte("weights")

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, provider.PutObject(ctx, artifactBucket, storage.ModelWeightsKey(modelId), bytes.NewReader(content)))
		require.NoError(t, provider.PutObject(ctx, artifactBucket, storage.ModelPlotKey(modelId), bytes.NewReader([]byte("png"))))

		data, err := provider.GetObject(ctx, artifactBucket, storage.ModelWeightsKey(modelId))
		require.NoError(t, err)
		assert.Equal(t, content, data)
	})

	t.Run("MissingObject", func(t *testing.T) {
		_, err := provider.GetObject(ctx, artifactBucket, storage.DatasetSamplesKey(uuid.New()))
		assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		objects, err := provider.ListObjects(ctx, artifactBucket, storage.ModelPrefix(modelId))
		require.NoError(t, err)

		names := make([]string, 0, len(objects))
		for _, obj := range objects {
			names = append(names, obj.Name)
		}
		assert.ElementsMatch(t, []string{storage.ModelWeightsKey(modelId), storage.ModelPlotKey(modelId)}, names)

		require.NoError(t, provider.DeleteObjects(ctx, artifactBucket, storage.ModelPrefix(modelId)))

		objects, err = provider.ListObjects(ctx, artifactBucket, storage.ModelPrefix(modelId))
		require.NoError(t, err)
		assert.Empty(t, objects)
	})

	t.Run("CreateExistingBucket", func(t *testing.T) {
		assert.NoError(t, provider.CreateBucket(ctx, artifactBucket))
	})
}
