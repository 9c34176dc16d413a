package api

var activationHelp = map[string]string{
	"cnn": "A convolutional neural network (CNN) learns to identify image features itself through convolution. " +
		"Convolutional layers scan the image with small filters for patterns, pooling layers summarise what the " +
		"filters found, and fully-connected layers use those features to classify the image.",
	"hidden_activation": "Activation function applied after every convolution and the hidden dense layer. " +
		"ReLU is a strong default. Leaky ReLU keeps a small gradient for negative inputs so neurons do not die. " +
		"tanh squashes values between -1 and 1. ELU is a smoother ReLU and SELU is a scaled ELU for " +
		"self-normalizing networks.",
	"output_activation": "Activation function of the single output unit. Sigmoid outputs a probability between 0 and 1 " +
		"and is the usual choice for binary classification. Softmax normalises outputs to sum to 1 and is meant for " +
		"multi-class outputs, so with one unit it always predicts 1.",
	"neurons": "Number of filters in the last convolutional layer.",
	"epochs":  "Number of full passes over the training images.",
	"relu":       "Outputs the input when positive and zero otherwise.",
	"leaky_relu": "Like ReLU but negative inputs are scaled by a small slope instead of zeroed.",
	"tanh":       "Hyperbolic tangent, squashes values between -1 and 1.",
	"elu":        "Exponential linear unit, smooth for negative inputs.",
	"selu":       "Scaled exponential linear unit for self-normalizing networks.",
	"sigmoid":    "Squashes the output between 0 and 1.",
	"softmax":    "Normalises outputs to probabilities that sum to 1.",
}
