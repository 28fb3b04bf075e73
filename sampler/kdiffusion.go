package sampler

import (
	"context"
	"fmt"
	"math"

	"img2img_alternative/entities"
	"img2img_alternative/model"
	"img2img_alternative/noise"
	"img2img_alternative/schedule"
	"img2img_alternative/tensor"
)

// cfgDenoiser evaluates the model once for both guidance branches and mixes them.
type cfgDenoiser struct {
	model    model.Denoiser
	schedule *schedule.Denoiser
	cond     model.Conditioning
	scale    float64
}

func newCFGDenoiser(m model.Denoiser, s *schedule.Denoiser, cond Conditioning, scale float64, batch int) (*cfgDenoiser, error) {
	if cond.Cond == nil || cond.Uncond == nil {
		return nil, fmt.Errorf("%w: missing conditioning", tensor.ErrShape)
	}
	if cond.Cond.Batch() != batch || cond.Uncond.Batch() != batch {
		return nil, fmt.Errorf("%w: conditioning batches %d/%d for latent batch %d",
			tensor.ErrShape, cond.Cond.Batch(), cond.Uncond.Batch(), batch)
	}
	crossAttn, err := tensor.Cat(cond.Uncond, cond.Cond)
	if err != nil {
		return nil, err
	}
	c := model.Conditioning{CrossAttn: crossAttn}
	if cond.Image != nil {
		if c.Concat, err = tensor.Repeat(cond.Image, 2); err != nil {
			return nil, err
		}
	}
	return &cfgDenoiser{model: m, schedule: s, cond: c, scale: scale}, nil
}

func (d *cfgDenoiser) denoise(ctx context.Context, x *tensor.Tensor, sigma float64) (*tensor.Tensor, error) {
	xIn, err := tensor.Repeat(x, 2)
	if err != nil {
		return nil, err
	}
	cSkip, cOut, cIn := d.schedule.ModelScalings(sigma)
	t := d.schedule.SigmaToT(sigma)
	ts := make([]float64, xIn.Batch())
	for i := range ts {
		ts[i] = t
	}

	out, err := d.model.ApplyModel(ctx, tensor.Scale(xIn, cIn), ts, d.cond)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
		return nil, fmt.Errorf("error applying model: %w", err)
	}
	both, err := tensor.AddScaled(tensor.Scale(xIn, cSkip), cOut, out)
	if err != nil {
		return nil, err
	}
	branches, err := both.Chunk(2)
	if err != nil {
		return nil, err
	}
	diff, err := tensor.Sub(branches[1], branches[0])
	if err != nil {
		return nil, err
	}
	return tensor.AddScaled(branches[0], d.scale, diff)
}

// derivative is (x - denoised) / sigma.
func derivative(x, denoised *tensor.Tensor, sigma float64) (*tensor.Tensor, error) {
	d, err := tensor.Sub(x, denoised)
	if err != nil {
		return nil, err
	}
	return tensor.Scale(d, 1/sigma), nil
}

// stepFunc advances x from sigmas[i] to sigmas[i+1].
type stepFunc func(ctx context.Context, d *cfgDenoiser, x *tensor.Tensor, sigmas schedule.Schedule, i int) (*tensor.Tensor, error)

type kdiffusion struct {
	name     string
	model    model.Model
	schedule *schedule.Denoiser
	// newStep is called once per sampling run.
	newStep func(req *entities.GenerationRequest) stepFunc
}

func (k *kdiffusion) Name() string { return k.name }

func (k *kdiffusion) Sigmas(steps int) (schedule.Schedule, error) {
	return k.schedule.Sigmas(steps)
}

// StartIndex is where img2img enters a steps-long schedule for strength.
func StartIndex(steps int, strength float64) int {
	tEnc := int(min(strength, 0.999) * float64(steps))
	return steps - tEnc - 1
}

func (k *kdiffusion) SampleImg2Img(ctx context.Context, req *entities.GenerationRequest, x, n *tensor.Tensor, cond Conditioning, progress Progress) (*tensor.Tensor, error) {
	if progress == nil {
		progress = noProgress{}
	}
	sigmas, err := k.Sigmas(req.Steps)
	if err != nil {
		return nil, err
	}
	sched := sigmas[StartIndex(req.Steps, req.DenoisingStrength):]

	xi, err := tensor.AddScaled(x, sched[0], n)
	if err != nil {
		return nil, fmt.Errorf("error noising latent: %w", err)
	}
	d, err := newCFGDenoiser(k.model, k.schedule, cond, req.CFGScale, x.Batch())
	if err != nil {
		return nil, err
	}

	step := k.newStep(req)
	progress.BeginSampling(sched.Steps())
	for i := 0; i < sched.Steps(); i++ {
		progress.Step()
		if xi, err = step(ctx, d, xi, sched, i); err != nil {
			return nil, fmt.Errorf("error at %s step %d: %w", k.name, i+1, err)
		}
		progress.StoreLatent(xi)
		if i < sched.Steps()-1 && progress.Interrupted() {
			return nil, ErrInterrupted
		}
	}
	return xi, nil
}

func newEuler(m model.Model, s *schedule.Denoiser) Sampler {
	return &kdiffusion{name: "Euler", model: m, schedule: s, newStep: func(*entities.GenerationRequest) stepFunc {
		return eulerStep
	}}
}

func eulerStep(ctx context.Context, d *cfgDenoiser, x *tensor.Tensor, sigmas schedule.Schedule, i int) (*tensor.Tensor, error) {
	denoised, err := d.denoise(ctx, x, sigmas[i])
	if err != nil {
		return nil, err
	}
	deriv, err := derivative(x, denoised, sigmas[i])
	if err != nil {
		return nil, err
	}
	return tensor.AddScaled(x, sigmas[i+1]-sigmas[i], deriv)
}

func newHeun(m model.Model, s *schedule.Denoiser) Sampler {
	return &kdiffusion{name: "Heun", model: m, schedule: s, newStep: func(*entities.GenerationRequest) stepFunc {
		return heunStep
	}}
}

func heunStep(ctx context.Context, d *cfgDenoiser, x *tensor.Tensor, sigmas schedule.Schedule, i int) (*tensor.Tensor, error) {
	denoised, err := d.denoise(ctx, x, sigmas[i])
	if err != nil {
		return nil, err
	}
	deriv, err := derivative(x, denoised, sigmas[i])
	if err != nil {
		return nil, err
	}
	dt := sigmas[i+1] - sigmas[i]
	x2, err := tensor.AddScaled(x, dt, deriv)
	if err != nil || sigmas[i+1] == 0 {
		return x2, err
	}

	denoised2, err := d.denoise(ctx, x2, sigmas[i+1])
	if err != nil {
		return nil, err
	}
	deriv2, err := derivative(x2, denoised2, sigmas[i+1])
	if err != nil {
		return nil, err
	}
	avg, err := tensor.Add(deriv, deriv2)
	if err != nil {
		return nil, err
	}
	return tensor.AddScaled(x, dt/2, avg)
}

func newEulerAncestral(m model.Model, s *schedule.Denoiser) Sampler {
	return &kdiffusion{name: "Euler a", model: m, schedule: s, newStep: func(req *entities.GenerationRequest) stepFunc {
		seed := req.Seed
		return func(ctx context.Context, d *cfgDenoiser, x *tensor.Tensor, sigmas schedule.Schedule, i int) (*tensor.Tensor, error) {
			denoised, err := d.denoise(ctx, x, sigmas[i])
			if err != nil {
				return nil, err
			}
			sigmaDown, sigmaUp := ancestralStep(sigmas[i], sigmas[i+1])
			deriv, err := derivative(x, denoised, sigmas[i])
			if err != nil {
				return nil, err
			}
			x, err = tensor.AddScaled(x, sigmaDown-sigmas[i], deriv)
			if err != nil || sigmas[i+1] == 0 {
				return x, err
			}
			return tensor.AddScaled(x, sigmaUp, noise.Randn(seed+int64(i)+1, x.Shape...))
		}
	}}
}

// ancestralStep splits the move to sigmaTo into a deterministic part down to
// sigmaDown and fresh noise of size sigmaUp.
func ancestralStep(sigmaFrom, sigmaTo float64) (sigmaDown, sigmaUp float64) {
	sigmaUp = min(sigmaTo, math.Sqrt(sigmaTo*sigmaTo*(sigmaFrom*sigmaFrom-sigmaTo*sigmaTo)/(sigmaFrom*sigmaFrom)))
	sigmaDown = math.Sqrt(max(sigmaTo*sigmaTo-sigmaUp*sigmaUp, 0))
	return sigmaDown, sigmaUp
}
