package sampler

import (
	"context"
	"errors"
	"fmt"

	"img2img_alternative/entities"
	"img2img_alternative/tensor"
)

// Resume continues generation from combined, unit-variance noise. The noise
// is turned into the delta SampleImg2Img adds to the init latent, so that
// the sampler starts exactly at combined*sigmas[0] at full strength. The
// sampler sees the request with its seed advanced by one; req is not modified.
func Resume(ctx context.Context, s Sampler, req *entities.GenerationRequest, combined *tensor.Tensor, cond Conditioning, progress Progress) (*tensor.Tensor, error) {
	if req.InitLatent == nil {
		return nil, errors.New("missing init latent")
	}
	sigmas, err := s.Sigmas(req.Steps)
	if err != nil {
		return nil, err
	}
	if sigmas[0] == 0 {
		return nil, errors.New("sampler schedule starts at sigma 0")
	}

	delta, err := tensor.AddScaled(combined, -1/sigmas[0], req.InitLatent)
	if err != nil {
		return nil, fmt.Errorf("error computing noise delta: %w", err)
	}

	next := req.Copy()
	next.Seed++
	return s.SampleImg2Img(ctx, next, req.InitLatent, delta, cond, progress)
}
