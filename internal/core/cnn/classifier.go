package cnn

import (
	"fmt"
	"slices"
)

const (
	MinNeurons     = 32
	MaxNeurons     = 1024
	NeuronsStep    = 32
	DefaultNeurons = 512

	MinEpochs     = 20
	MaxEpochs     = 200
	EpochsStep    = 5
	DefaultEpochs = 20

	DefaultImageSize = 64
	DefaultBatchSize = 32
	// ValidationSteps is the number of test batches scored after every epoch.
	ValidationSteps = 10

	denseUnits   = 128
	convFilters  = 64
	kernelSize   = 3
	poolSize     = 2
	learningRate = 0.001
)

var (
	HiddenActivations = []string{ReLU, LeakyReLU, Tanh, ELU, SELU}
	OutputActivations = []string{Sigmoid, Softmax}
)

// Config holds the user selectable hyperparameters of the classifier.
type Config struct {
	HiddenActivation string `json:"hidden_activation" yaml:"hidden_activation"`
	OutputActivation string `json:"output_activation" yaml:"output_activation"`
	Neurons          int    `json:"neurons" yaml:"neurons"`
	ImageSize        int    `json:"image_size" yaml:"image_size"`
	Seed             int64  `json:"seed" yaml:"seed"`
}

func DefaultConfig() Config {
	return Config{
		HiddenActivation: ReLU,
		OutputActivation: Sigmoid,
		Neurons:          DefaultNeurons,
		ImageSize:        DefaultImageSize,
	}
}

func (c Config) Validate() error {
	if !slices.Contains(HiddenActivations, c.HiddenActivation) {
		return fmt.Errorf("invalid hidden layer activation '%s', must be one of %v", c.HiddenActivation, HiddenActivations)
	}
	if !slices.Contains(OutputActivations, c.OutputActivation) {
		return fmt.Errorf("invalid output layer activation '%s', must be one of %v", c.OutputActivation, OutputActivations)
	}
	if err := ValidateNeurons(c.Neurons); err != nil {
		return err
	}
	// Three valid 3x3 convolutions and two 2x2 pools need at least 18 pixels.
	if c.ImageSize < 18 {
		return fmt.Errorf("image size must be at least 18, got %d", c.ImageSize)
	}
	return nil
}

func ValidateNeurons(n int) error {
	if n < MinNeurons || n > MaxNeurons || (n-MinNeurons)%NeuronsStep != 0 {
		return fmt.Errorf("invalid number of neurons %d, must be in [%d, %d] with step %d", n, MinNeurons, MaxNeurons, NeuronsStep)
	}
	return nil
}

func ValidateEpochs(n int) error {
	if n < MinEpochs || n > MaxEpochs || (n-MinEpochs)%EpochsStep != 0 {
		return fmt.Errorf("invalid number of epochs %d, must be in [%d, %d] with step %d", n, MinEpochs, MaxEpochs, EpochsStep)
	}
	return nil
}

// ClassifierLayers is the fixed cat/dog architecture parameterised by the
// hidden activation, output activation and the filter count of the last
// convolution.
func ClassifierLayers(cfg Config) []Layer {
	return []Layer{
		Conv2D(convFilters, kernelSize, cfg.HiddenActivation),
		MaxPooling2D(poolSize),
		Conv2D(convFilters, kernelSize, cfg.HiddenActivation),
		MaxPooling2D(poolSize),
		Conv2D(cfg.Neurons, kernelSize, cfg.HiddenActivation),
		Flatten(),
		Dense(denseUnits, cfg.HiddenActivation),
		Dense(1, cfg.OutputActivation),
	}
}

// BuildClassifier builds and compiles the classifier with Adam and binary
// cross entropy.
func BuildClassifier(cfg Config) (*Sequential, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	input := Shape{H: cfg.ImageSize, W: cfg.ImageSize, C: 3}
	model, err := NewSequential(input, cfg.Seed, ClassifierLayers(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("error building classifier: %w", err)
	}
	model.Compile(NewAdam(learningRate))

	return model, nil
}
