package main

import (
	"context"
	"testing"
	"time"

	"cnn-backend/internal/database"
	"cnn-backend/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type drainingWorker struct {
	queue    *messaging.InMemoryQueue
	received chan struct{}
}

func (w *drainingWorker) Start() {
	for range w.queue.Tasks() {
		w.received <- struct{}{}
	}
}

func TestStartWorkerRequeuesMoreThanQueueCapacity(t *testing.T) {
	db, err := database.NewSqliteDatabase(":memory:")
	require.NoError(t, err)

	ds := database.Dataset{Id: uuid.New(), TrainDir: "train", TestDir: "test", Status: database.DatasetReady, CreationTime: time.Now().UTC()}
	require.NoError(t, db.Create(&ds).Error)

	const pending = 150
	for i := 0; i < pending; i++ {
		require.NoError(t, db.Create(&database.Model{
			Id:               uuid.New(),
			DatasetId:        ds.Id,
			HiddenActivation: "relu",
			OutputActivation: "sigmoid",
			Neurons:          32,
			Epochs:           20,
			ImageSize:        64,
			Status:           database.ModelQueued,
			CreationTime:     time.Now().UTC(),
		}).Error)
	}

	queue := messaging.NewInMemoryQueue()
	defer queue.Close()
	worker := &drainingWorker{queue: queue, received: make(chan struct{}, pending)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, startWorker(ctx, db, queue, worker))

	for i := 0; i < pending; i++ {
		select {
		case <-worker.received:
		case <-ctx.Done():
			t.Fatalf("received %d of %d tasks", i, pending)
		}
	}
	assert.Empty(t, queue.Tasks())
}
