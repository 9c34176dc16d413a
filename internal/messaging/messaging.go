package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	DatasetQueue    = "dataset_queue"
	TrainingQueue   = "training_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

var Queues = []string{DatasetQueue, TrainingQueue}

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type DatasetTaskPayload struct {
	DatasetId uuid.UUID
}

type TrainTaskPayload struct {
	ModelId uuid.UUID
}

type Publisher interface {
	PublishDatasetTask(ctx context.Context, payload DatasetTaskPayload) error

	PublishTrainTask(ctx context.Context, payload TrainTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
