// Package inference turns an uploaded skin image into a predicted condition using a model served
// out of process.
package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	ErrInvalidImage  = errors.New("invalid image")
	ErrImageTooLarge = fmt.Errorf("%w: dimensions too large", ErrInvalidImage)
	ErrUnavailable   = errors.New("classifier unavailable")
)

// Labels maps model output indices to condition names.
var Labels = []string{"Acne", "Melanoma", "Normal", "Perioral_Dermatitis", "Rosacea", "Warts"}

const UnknownLabel = "Unknown"

func labelFor(i int) string {
	if i < 0 || i >= len(Labels) {
		return UnknownLabel
	}
	return Labels[i]
}

type Prediction struct {
	Label      string  `json:"predicted_label"`
	Confidence float64 `json:"confidence"`
}

// Classifier runs the model on a decoded image.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (Prediction, error)
}

// Unavailable is used when no model endpoint is configured.
type Unavailable struct{}

func (Unavailable) Classify(context.Context, image.Image) (Prediction, error) {
	return Prediction{}, ErrUnavailable
}

// top returns the index and value of the largest score.
func top(scores []float64) (int, float64) {
	best, bestScore := -1, 0.0
	for i, s := range scores {
		if best == -1 || s > bestScore {
			best, bestScore = i, s
		}
	}
	return best, bestScore
}
