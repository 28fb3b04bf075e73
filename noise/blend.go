// Package noise draws seeded gaussian noise and mixes it with reconstructed noise.
package noise

import (
	"errors"
	"fmt"
	"math"

	"img2img_alternative/tensor"
)

var ErrRandomness = errors.New("randomness must be within [0, 1]")

// Blend mixes reconstructed and random noise as
//
//	((1-r)*rec + r*random) / sqrt(r^2 + (1-r)^2)
//
// which keeps unit variance when both inputs are independent unit-variance noise.
// r = 0 returns rec and r = 1 returns random exactly.
func Blend(rec, random *tensor.Tensor, r float64) (*tensor.Tensor, error) {
	if math.IsNaN(r) || r < 0 || r > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrRandomness, r)
	}
	mixed, err := tensor.AddScaled(tensor.Scale(rec, 1-r), r, random)
	if err != nil {
		return nil, fmt.Errorf("error blending noise: %w", err)
	}
	return tensor.Scale(mixed, 1/math.Sqrt(r*r+(1-r)*(1-r))), nil
}
