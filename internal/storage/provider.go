package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

var ErrObjectNotFound = errors.New("object not found")

type Object struct {
	Name string
	Size int64
}

type Provider interface {
	CreateBucket(ctx context.Context, bucket string) error

	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	DeleteObjects(ctx context.Context, bucket, prefix string) error
}

func DatasetPrefix(datasetId uuid.UUID) string {
	return fmt.Sprintf("datasets/%s/", datasetId)
}

func DatasetSamplesKey(datasetId uuid.UUID) string {
	return DatasetPrefix(datasetId) + "samples.png"
}

func ModelPrefix(modelId uuid.UUID) string {
	return fmt.Sprintf("models/%s/", modelId)
}

func ModelPlotKey(modelId uuid.UUID) string {
	return ModelPrefix(modelId) + "history.png"
}

func ModelWeightsKey(modelId uuid.UUID) string {
	return ModelPrefix(modelId) + "model.json"
}
