package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cnn-backend/internal/core"
	"cnn-backend/internal/core/cnn"
	"cnn-backend/internal/core/plot"
	"cnn-backend/pkg/api"
	"cnn-backend/pkg/client"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v2"
)

// Preset is the yaml file accepted by -config. Flags given on the command
// line take precedence over its values.
type Preset struct {
	cnn.Config `yaml:",inline"`

	Epochs   int    `yaml:"epochs"`
	TrainDir string `yaml:"train_dir"`
	TestDir  string `yaml:"test_dir"`
	Output   string `yaml:"output"`
}

func defaultPreset() Preset {
	return Preset{
		Config:   cnn.DefaultConfig(),
		Epochs:   cnn.DefaultEpochs,
		TrainDir: "dataset/training_set",
		TestDir:  "dataset/test_set",
		Output:   "output",
	}
}

func loadPreset(path string) (Preset, error) {
	preset := defaultPreset()
	data, err := os.ReadFile(path)
	if err != nil {
		return preset, fmt.Errorf("error reading preset %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &preset); err != nil {
		return preset, fmt.Errorf("error parsing preset %s: %w", path, err)
	}
	return preset, nil
}

func (p Preset) validate() error {
	if err := p.Config.Validate(); err != nil {
		return err
	}
	return cnn.ValidateEpochs(p.Epochs)
}

type options struct {
	preset          Preset
	remote          string
	workers         int
	rescaleOnlyTest bool
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)

	defaults := defaultPreset()
	configPath := fs.String("config", "", "yaml preset with hyperparameters and dataset paths")
	trainDir := fs.String("train", defaults.TrainDir, "training set directory, one subdirectory per class")
	testDir := fs.String("test", defaults.TestDir, "test set directory, one subdirectory per class")
	hidden := fs.String("hidden", defaults.HiddenActivation, fmt.Sprintf("hidden layer activation %v", cnn.HiddenActivations))
	output := fs.String("output-activation", defaults.OutputActivation, fmt.Sprintf("output layer activation %v", cnn.OutputActivations))
	neurons := fs.Int("neurons", defaults.Neurons, "filters in the third convolution layer")
	epochs := fs.Int("epochs", defaults.Epochs, "number of training epochs")
	imageSize := fs.Int("image-size", defaults.ImageSize, "side length images are resized to")
	seed := fs.Int64("seed", time.Now().UnixNano(), "random seed for weights and augmentation")
	out := fs.String("out", defaults.Output, "directory for the plot and model weights")
	remote := fs.String("remote", "", "base url of a training server, trains locally when empty")
	workers := fs.Int("workers", 0, "goroutines per batch, 0 uses one per physical core")
	rescaleOnlyTest := fs.Bool("rescale-only-test", false, "evaluate on unaugmented test images")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	preset := defaults
	if *configPath != "" {
		var err error
		if preset, err = loadPreset(*configPath); err != nil {
			return options{}, err
		}
	}

	seedSet := false
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "train":
			preset.TrainDir = *trainDir
		case "test":
			preset.TestDir = *testDir
		case "hidden":
			preset.HiddenActivation = *hidden
		case "output-activation":
			preset.OutputActivation = *output
		case "neurons":
			preset.Neurons = *neurons
		case "epochs":
			preset.Epochs = *epochs
		case "image-size":
			preset.ImageSize = *imageSize
		case "seed":
			preset.Seed = *seed
			seedSet = true
		case "out":
			preset.Output = *out
		}
	})
	if !seedSet && preset.Seed == 0 {
		preset.Seed = *seed
	}

	if err := preset.validate(); err != nil {
		return options{}, err
	}

	return options{preset: preset, remote: *remote, workers: *workers, rescaleOnlyTest: *rescaleOnlyTest}, nil
}

func newBar(max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)
}

func trainLocal(ctx context.Context, opts options) error {
	p := opts.preset

	train, test, err := core.LoadSplits(p.TrainDir, p.TestDir, p.ImageSize, p.Seed, opts.workers, opts.rescaleOnlyTest)
	if err != nil {
		return err
	}
	slog.Info("Image dataset loading completed!", "train", train.Samples(), "test", test.Samples(), "classes", train.ClassNames())

	model, err := cnn.BuildClassifier(p.Config)
	if err != nil {
		return err
	}
	model.SetWorkers(opts.workers)
	fmt.Fprintln(os.Stderr, model.Summary())

	bar := newBar(p.Epochs*train.Len(), fmt.Sprintf("epoch 1/%d", p.Epochs))
	history, err := model.Fit(ctx, train, cnn.FitOptions{
		Epochs:          p.Epochs,
		Validation:      test,
		ValidationSteps: cnn.ValidationSteps,
		OnBatchEnd: func(epoch, batch, batches int) {
			_ = bar.Add(1)
		},
		OnEpochEnd: []cnn.EpochCallback{func(logs cnn.EpochLogs) error {
			_ = bar.Clear()
			fmt.Printf("Epoch %d: loss = %.4f, accuracy = %.4f\n", logs.Epoch+1, logs.Loss, logs.Accuracy)
			bar.Describe(fmt.Sprintf("epoch %d/%d", logs.Epoch+2, p.Epochs))
			return nil
		}},
	})
	_ = bar.Finish()
	if err != nil && (history == nil || history.Epochs() == 0) {
		return fmt.Errorf("training failed: %w", err)
	}
	if err != nil {
		slog.Warn("training ended early", "epochs", history.Epochs(), "error", err)
	} else {
		slog.Info("Model training completed!")
	}

	return finishLocal(ctx, p.Output, model, history, test)
}

// finishLocal writes the history plot and weights, then scores the test set
// unless ctx was cancelled during training.
func finishLocal(ctx context.Context, out string, model *cnn.Sequential, history *cnn.History, test cnn.Iterator) error {
	if err := os.MkdirAll(out, os.ModePerm); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	if err := writeFile(filepath.Join(out, "history.png"), func(f *os.File) error {
		return plot.RenderHistory(f, history)
	}); err != nil {
		return err
	}

	if err := writeFile(filepath.Join(out, "model.json"), func(f *os.File) error {
		return model.Save(f)
	}); err != nil {
		return err
	}

	if ctx.Err() != nil {
		slog.Warn("skipping test evaluation", "error", ctx.Err())
		return nil
	}

	testLoss, testAccuracy, err := model.Evaluate(ctx, test)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}
	fmt.Printf("Test loss: %.4f\nTest accuracy: %.4f\n", testLoss, testAccuracy)
	return nil
}

func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer f.Close()

	if err := write(f); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	slog.Info("wrote file", "path", path)
	return nil
}

func trainRemote(ctx context.Context, opts options) error {
	p := opts.preset
	c := client.New(opts.remote)

	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("server is not reachable: %w", err)
	}

	datasetId, err := c.CreateDataset(ctx, api.CreateDatasetRequest{TrainDir: p.TrainDir, TestDir: p.TestDir})
	if err != nil {
		return err
	}

	loading := newBar(100, "loading dataset")
	ds, err := c.WaitForDataset(ctx, datasetId, time.Second, func(progress int) {
		_ = loading.Set(progress)
	})
	_ = loading.Finish()
	if err != nil {
		return err
	}
	slog.Info("Image dataset loading completed!", "train", ds.TrainCount, "test", ds.TestCount, "classes", ds.ClassNames)

	modelId, err := c.TrainModel(ctx, api.TrainModelRequest{
		DatasetId:        datasetId,
		HiddenActivation: p.HiddenActivation,
		OutputActivation: p.OutputActivation,
		Neurons:          p.Neurons,
		Epochs:           p.Epochs,
		Seed:             p.Seed,
	})
	if err != nil {
		return err
	}
	slog.Info("training started", "model_id", modelId)

	bar := newBar(p.Epochs, "training")
	final, err := c.FollowProgress(ctx, modelId, func(update api.ProgressUpdate) {
		if update.Metric == nil {
			return
		}
		_ = bar.Clear()
		fmt.Printf("Epoch %d: loss = %.4f, accuracy = %.4f\n", update.Metric.Epoch, update.Metric.Loss, update.Metric.Accuracy)
		_ = bar.Set(update.CompletedEpochs)
	})
	_ = bar.Finish()
	if err != nil {
		return err
	}
	if final.Error != "" {
		return fmt.Errorf("training %s: %s", final.Status, final.Error)
	}

	model, err := c.GetModel(ctx, modelId)
	if err != nil {
		return err
	}
	if model.TestAccuracy != nil {
		fmt.Printf("Test accuracy: %.4f\n", *model.TestAccuracy)
	}

	if err := os.MkdirAll(p.Output, os.ModePerm); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	return writeFile(filepath.Join(p.Output, "history.png"), func(f *os.File) error {
		return c.DownloadPlot(ctx, modelId, f)
	})
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid arguments: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := trainLocal
	if opts.remote != "" {
		run = trainRemote
	}
	if err := run(ctx, opts); err != nil {
		log.Fatalf("%v", err)
	}
}
