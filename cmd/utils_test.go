package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cnn-backend/internal/api"
	"cnn-backend/internal/database"
	"cnn-backend/internal/messaging"
	"cnn-backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequeuePendingTasks(t *testing.T) {
	db, err := database.NewSqliteDatabase(":memory:")
	require.NoError(t, err)

	datasets := map[string]uuid.UUID{}
	for _, status := range []string{database.DatasetQueued, database.DatasetLoading, database.DatasetReady, database.DatasetFailed} {
		ds := database.Dataset{Id: uuid.New(), TrainDir: "train", TestDir: "test", Status: status, CreationTime: time.Now().UTC()}
		require.NoError(t, db.Create(&ds).Error)
		datasets[status] = ds.Id
	}

	models := map[string]uuid.UUID{}
	for _, status := range []string{database.ModelQueued, database.ModelTraining, database.ModelTrained, database.ModelStopped} {
		model := database.Model{
			Id:               uuid.New(),
			DatasetId:        datasets[database.DatasetReady],
			HiddenActivation: "relu",
			OutputActivation: "sigmoid",
			Neurons:          32,
			Epochs:           20,
			ImageSize:        64,
			Status:           status,
			CreationTime:     time.Now().UTC(),
		}
		require.NoError(t, db.Create(&model).Error)
		models[status] = model.Id
	}

	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	require.NoError(t, RequeuePendingTasks(context.Background(), db, queue))

	var gotDatasets, gotModels []uuid.UUID
	for i := 0; i < 4; i++ {
		select {
		case task := <-queue.Tasks():
			switch task.Type() {
			case messaging.DatasetQueue:
				var payload messaging.DatasetTaskPayload
				require.NoError(t, json.Unmarshal(task.Payload(), &payload))
				gotDatasets = append(gotDatasets, payload.DatasetId)
			case messaging.TrainingQueue:
				var payload messaging.TrainTaskPayload
				require.NoError(t, json.Unmarshal(task.Payload(), &payload))
				gotModels = append(gotModels, payload.ModelId)
			}
		case <-time.After(time.Second):
			t.Fatal("expected 4 requeued tasks")
		}
	}

	assert.ElementsMatch(t, []uuid.UUID{datasets[database.DatasetQueued], datasets[database.DatasetLoading]}, gotDatasets)
	assert.ElementsMatch(t, []uuid.UUID{models[database.ModelQueued], models[database.ModelTraining]}, gotModels)

	select {
	case task := <-queue.Tasks():
		t.Fatalf("unexpected task %s", task.Type())
	default:
	}
}

func TestNewRouter(t *testing.T) {
	db, err := database.NewSqliteDatabase(":memory:")
	require.NoError(t, err)

	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	service := api.NewBackendService(db, storage.NewLocalProvider(t.TempDir()), queue, api.ServiceConfig{Bucket: "test"})
	router := NewRouter(service, true)

	for _, path := range []string{"/api/v1/health", "/api/v1/options", "/"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/models", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	router.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
