package cnn

import "math"

const lossEpsilon = 1e-7

// BinaryCrossEntropy returns the loss for a predicted probability p and its
// gradient with respect to p. p is clipped to [eps, 1-eps]; the gradient is
// zero where clipping applies.
func BinaryCrossEntropy(p, label float64) (float64, float64) {
	clipped := math.Min(math.Max(p, lossEpsilon), 1-lossEpsilon)
	loss := -(label*math.Log(clipped) + (1-label)*math.Log(1-clipped))
	if clipped != p {
		return loss, 0
	}
	return loss, -label/clipped + (1-label)/(1-clipped)
}

// PredictedClass maps a probability to class 1 when it is strictly above 0.5.
func PredictedClass(p float64) int {
	if p > 0.5 {
		return 1
	}
	return 0
}

// BinaryAccuracy reports whether the class picked by PredictedClass matches
// label.
func BinaryAccuracy(p, label float64) bool {
	return PredictedClass(p) == PredictedClass(label)
}
