package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cnn-backend/pkg/api"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

var ErrDatasetFailed = errors.New("dataset loading failed")

// Client calls the training service REST API.
type Client struct {
	client *resty.Client
}

func New(baseURL string) *Client {
	return &Client{
		client: resty.New().SetBaseURL(strings.TrimSuffix(baseURL, "/") + "/api/v1"),
	}
}

type statusError struct {
	method, path string
	code         int
	body         string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.method, e.path, e.code, strings.TrimSpace(e.body))
}

// StatusCode returns the HTTP status of a failed request, or 0 if err was not
// caused by an error response.
func StatusCode(err error) int {
	var serr *statusError
	if errors.As(err, &serr) {
		return serr.code
	}
	return 0
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	req := c.client.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	res, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("error calling %s %s: %w", method, path, err)
	}
	if !res.IsSuccess() {
		return &statusError{method: method, path: path, code: res.StatusCode(), body: res.String()}
	}
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) Options(ctx context.Context) (api.Options, error) {
	var opts api.Options
	err := c.do(ctx, http.MethodGet, "/options", nil, &opts)
	return opts, err
}

func (c *Client) CreateDataset(ctx context.Context, req api.CreateDatasetRequest) (uuid.UUID, error) {
	var res api.CreateDatasetResponse
	if err := c.do(ctx, http.MethodPost, "/datasets", req, &res); err != nil {
		return uuid.Nil, err
	}
	return res.DatasetId, nil
}

func (c *Client) GetDataset(ctx context.Context, datasetId uuid.UUID) (api.Dataset, error) {
	var ds api.Dataset
	err := c.do(ctx, http.MethodGet, "/datasets/"+datasetId.String(), nil, &ds)
	return ds, err
}

// WaitForDataset polls until the dataset is READY or FAILED. onProgress is
// called with every progress value seen and may be nil.
func (c *Client) WaitForDataset(ctx context.Context, datasetId uuid.UUID, interval time.Duration, onProgress func(int)) (api.Dataset, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ds, err := c.GetDataset(ctx, datasetId)
		if err != nil {
			return api.Dataset{}, err
		}
		if onProgress != nil {
			onProgress(ds.Progress)
		}

		switch ds.Status {
		case "READY":
			return ds, nil
		case "FAILED":
			return ds, fmt.Errorf("%w: %s", ErrDatasetFailed, ds.Error)
		}

		select {
		case <-ctx.Done():
			return api.Dataset{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) TrainModel(ctx context.Context, req api.TrainModelRequest) (uuid.UUID, error) {
	var res api.TrainModelResponse
	if err := c.do(ctx, http.MethodPost, "/models", req, &res); err != nil {
		return uuid.Nil, err
	}
	return res.ModelId, nil
}

func (c *Client) GetModel(ctx context.Context, modelId uuid.UUID) (api.Model, error) {
	var model api.Model
	err := c.do(ctx, http.MethodGet, "/models/"+modelId.String(), nil, &model)
	return model, err
}

func (c *Client) StopModel(ctx context.Context, modelId uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/models/"+modelId.String()+"/stop", nil, nil)
}

func (c *Client) DeleteModel(ctx context.Context, modelId uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/models/"+modelId.String(), nil, nil)
}

type streamMessage struct {
	Data  api.ProgressUpdate
	Error string
	Code  int
}

// FollowProgress reads the progress stream of a model and calls onUpdate for
// every message until the model reaches a terminal status. Streams closed
// early by the server are resumed after the last epoch seen.
func (c *Client) FollowProgress(ctx context.Context, modelId uuid.UUID, onUpdate func(api.ProgressUpdate)) (api.ProgressUpdate, error) {
	path := "/models/" + modelId.String() + "/progress"
	after := 0

	for {
		res, err := c.client.R().
			SetContext(ctx).
			SetDoNotParseResponse(true).
			SetQueryParam("after", strconv.Itoa(after)).
			Get(path)
		if err != nil {
			return api.ProgressUpdate{}, fmt.Errorf("error calling GET %s: %w", path, err)
		}

		final, done, err := func() (api.ProgressUpdate, bool, error) {
			body := res.RawBody()
			defer body.Close()

			if !res.IsSuccess() {
				data, _ := io.ReadAll(body)
				return api.ProgressUpdate{}, false, &statusError{method: http.MethodGet, path: path, code: res.StatusCode(), body: string(data)}
			}

			scanner := bufio.NewScanner(body)
			for scanner.Scan() {
				var msg streamMessage
				if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
					return api.ProgressUpdate{}, false, fmt.Errorf("error parsing progress message: %w", err)
				}
				if msg.Error != "" {
					return api.ProgressUpdate{}, false, &statusError{method: http.MethodGet, path: path, code: msg.Code, body: msg.Error}
				}

				if onUpdate != nil {
					onUpdate(msg.Data)
				}
				if msg.Data.Metric != nil {
					after = msg.Data.Metric.Epoch
				} else {
					return msg.Data, true, nil
				}
			}
			return api.ProgressUpdate{}, false, scanner.Err()
		}()
		if err != nil {
			return api.ProgressUpdate{}, err
		}
		if done {
			return final, nil
		}

		slog.Debug("progress stream closed before training finished, resuming", "model_id", modelId, "after", after)
		if err := ctx.Err(); err != nil {
			return api.ProgressUpdate{}, err
		}
	}
}

func (c *Client) download(ctx context.Context, path string, w io.Writer) error {
	res, err := c.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(path)
	if err != nil {
		return fmt.Errorf("error calling GET %s: %w", path, err)
	}
	body := res.RawBody()
	defer body.Close()

	if !res.IsSuccess() {
		data, _ := io.ReadAll(body)
		return &statusError{method: http.MethodGet, path: path, code: res.StatusCode(), body: string(data)}
	}

	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("error downloading %s: %w", path, err)
	}
	return nil
}

func (c *Client) DownloadSamples(ctx context.Context, datasetId uuid.UUID, w io.Writer) error {
	return c.download(ctx, "/datasets/"+datasetId.String()+"/samples", w)
}

func (c *Client) DownloadPlot(ctx context.Context, modelId uuid.UUID, w io.Writer) error {
	return c.download(ctx, "/models/"+modelId.String()+"/plot", w)
}

func (c *Client) Predict(ctx context.Context, modelId uuid.UUID, filename string, image io.Reader) (api.PredictResponse, error) {
	path := "/models/" + modelId.String() + "/predict"

	var result api.PredictResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetFileReader("image", filename, image).
		SetResult(&result).
		Post(path)
	if err != nil {
		return api.PredictResponse{}, fmt.Errorf("error calling POST %s: %w", path, err)
	}
	if !res.IsSuccess() {
		return api.PredictResponse{}, &statusError{method: http.MethodPost, path: path, code: res.StatusCode(), body: res.String()}
	}
	return result, nil
}
