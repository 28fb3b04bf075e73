// Package reconstruction estimates the noise that a sampler would have to
// start from to produce a given latent, by integrating the sampler's update
// backwards from sigma = 0 up to the largest noise level.
package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"

	"img2img_alternative/model"
	"img2img_alternative/schedule"
	"img2img_alternative/tensor"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrNumeric       = errors.New("numeric hazard")
	ErrInterrupted   = errors.New("reconstruction interrupted")
)

// Variant selects the schedule indexing used by the integration loop.
type Variant int

const (
	Plain Variant = iota
	SigmaAdjusted
)

func VariantFor(sigmaAdjustment bool) Variant {
	if sigmaAdjustment {
		return SigmaAdjusted
	}
	return Plain
}

func (v Variant) String() string {
	if v == SigmaAdjusted {
		return "sigma-adjusted"
	}
	return "plain"
}

// rules holds the index arithmetic that differs between variants.
type rules struct {
	// offset is subtracted from i when reading the sigma that scales the input.
	offset int
	// firstStepDoubled reads the timestep from sigma[1] and divides the
	// direction by 2*sigma[1] on the first step.
	firstStepDoubled bool
	// normalizeBySigmaMax divides the result by the last schedule value
	// instead of its own standard deviation.
	normalizeBySigmaMax bool
}

func (v Variant) rules() rules {
	if v == SigmaAdjusted {
		return rules{offset: 1, firstStepDoubled: true, normalizeBySigmaMax: true}
	}
	return rules{}
}

func (r rules) scaleSigma(s schedule.Schedule, i int) float64 {
	return s[i-r.offset]
}

func (r rules) timestepSigma(s schedule.Schedule, i int) float64 {
	if r.firstStepDoubled && i == 1 {
		return s[i]
	}
	return s[i-r.offset]
}

func (r rules) directionDivisor(s schedule.Schedule, i int) float64 {
	if r.firstStepDoubled && i == 1 {
		return 2 * s[i]
	}
	return s[i-r.offset]
}

func (r rules) normalize(x *tensor.Tensor, s schedule.Schedule) (*tensor.Tensor, error) {
	divisor := x.Std()
	if r.normalizeBySigmaMax {
		divisor = s.Last()
	}
	if divisor == 0 {
		return nil, fmt.Errorf("%w: normalizing by zero", ErrNumeric)
	}
	out := tensor.Scale(x, 1/divisor)
	if !out.Finite() {
		return nil, fmt.Errorf("%w: reconstructed noise is not finite", ErrNumeric)
	}
	return out, nil
}

// Progress receives step accounting and is polled for cancellation between steps.
type Progress interface {
	AddJobs(n int)
	BeginSampling(steps int)
	Step()
	StoreLatent(x *tensor.Tensor)
	NextJob()
	Interrupted() bool
}

type noProgress struct{}

func (noProgress) AddJobs(int)                {}
func (noProgress) BeginSampling(int)          {}
func (noProgress) Step()                      {}
func (noProgress) StoreLatent(*tensor.Tensor) {}
func (noProgress) NextJob()                   {}
func (noProgress) Interrupted() bool          { return false }

// Input is everything one reconstruction reads.
type Input struct {
	Latent *tensor.Tensor
	Cond   *tensor.Tensor
	Uncond *tensor.Tensor
	// ImageConditioning is optional per-pixel conditioning, duplicated for both guidance branches.
	ImageConditioning *tensor.Tensor
	GuidanceScale     float64
	Steps             int
}

// Reconstructor runs the integration loop against one model.
type Reconstructor struct {
	model    model.Denoiser
	schedule *schedule.Denoiser
}

func NewReconstructor(m model.Model) (*Reconstructor, error) {
	if m == nil {
		return nil, errors.New("missing model")
	}
	s, err := model.NewScheduleDenoiser(m)
	if err != nil {
		return nil, fmt.Errorf("error building noise schedule: %w", err)
	}
	return &Reconstructor{model: m, schedule: s}, nil
}

func (r *Reconstructor) Schedule() *schedule.Denoiser { return r.schedule }

// Run integrates in.Latent from sigma = 0 to the largest sigma of a steps-long
// schedule and returns the normalized noise estimate. It returns an error
// wrapping ErrInterrupted if progress reports an interrupt or ctx is done
// between steps.
func (r *Reconstructor) Run(ctx context.Context, v Variant, in Input, progress Progress) (*tensor.Tensor, error) {
	if progress == nil {
		progress = noProgress{}
	}
	sigmas, err := r.schedule.ReconstructionSchedule(in.Steps)
	if err != nil {
		return nil, err
	}
	if err := checkInput(in); err != nil {
		return nil, err
	}

	fields := []capitan.Field{
		VariantKey.Field(v.String()),
		StepsKey.Field(in.Steps),
		GuidanceScaleKey.Field(in.GuidanceScale),
	}
	capitan.Info(ctx, Started, fields...)
	start := time.Now()

	noise, err := r.integrate(ctx, v.rules(), sigmas, in, progress)
	fields = append(fields, DurationMsKey.Field(int(time.Since(start).Milliseconds())))
	switch {
	case errors.Is(err, ErrInterrupted):
		capitan.Info(ctx, Cancelled, fields...)
		return nil, err
	case err != nil:
		capitan.Error(ctx, Failed, append(fields, ErrorKey.Field(err.Error()))...)
		return nil, err
	}
	capitan.Info(ctx, Completed, fields...)
	return noise, nil
}

func checkInput(in Input) error {
	if in.Latent == nil || in.Cond == nil || in.Uncond == nil {
		return fmt.Errorf("%w: latent and both conditionings are required", ErrShapeMismatch)
	}
	batch := in.Latent.Batch()
	if in.Cond.Batch() != batch || in.Uncond.Batch() != batch {
		return fmt.Errorf("%w: conditioning batches %d/%d for latent batch %d",
			ErrShapeMismatch, in.Cond.Batch(), in.Uncond.Batch(), batch)
	}
	if !in.Cond.SameShape(in.Uncond) {
		return fmt.Errorf("%w: conditional %v and unconditional %v embeddings differ", ErrShapeMismatch, in.Cond.Shape, in.Uncond.Shape)
	}
	if in.ImageConditioning != nil && in.ImageConditioning.Batch() != batch {
		return fmt.Errorf("%w: image conditioning batch %d for latent batch %d",
			ErrShapeMismatch, in.ImageConditioning.Batch(), batch)
	}
	return nil
}

func (r *Reconstructor) integrate(ctx context.Context, rules rules, sigmas schedule.Schedule, in Input, progress Progress) (*tensor.Tensor, error) {
	steps := sigmas.Steps()
	batch := in.Latent.Batch()

	crossAttn, err := tensor.Cat(in.Uncond, in.Cond)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	}
	cond := model.Conditioning{CrossAttn: crossAttn}
	if in.ImageConditioning != nil {
		if cond.Concat, err = tensor.Repeat(in.ImageConditioning, 2); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrShapeMismatch, err)
		}
	}

	progress.BeginSampling(steps)
	x := in.Latent.Clone()
	for i := 1; i <= steps; i++ {
		progress.Step()

		xIn, err := tensor.Repeat(x, 2)
		if err != nil {
			return nil, err
		}
		cOut, cIn := r.schedule.GuidanceScalings(rules.scaleSigma(sigmas, i))
		t := r.schedule.SigmaToT(rules.timestepSigma(sigmas, i))

		cIns := make([]float64, 2*batch)
		ts := make([]float64, 2*batch)
		for j := range cIns {
			cIns[j] = cIn
			ts[j] = t
		}
		scaled, err := tensor.ScaleRows(xIn, cIns)
		if err != nil {
			return nil, err
		}
		eps, err := r.model.ApplyModel(ctx, scaled, ts, cond)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrInterrupted, err)
			}
			return nil, fmt.Errorf("error applying model at step %d: %w", i, err)
		}
		if !eps.SameShape(xIn) {
			return nil, fmt.Errorf("%w: model returned %v for input %v", ErrShapeMismatch, eps.Shape, xIn.Shape)
		}

		both, err := tensor.AddScaled(xIn, cOut, eps)
		if err != nil {
			return nil, err
		}
		branches, err := both.Chunk(2)
		if err != nil {
			return nil, err
		}
		denoised, err := guide(branches[0], branches[1], in.GuidanceScale)
		if err != nil {
			return nil, err
		}

		div := rules.directionDivisor(sigmas, i)
		if div == 0 {
			return nil, fmt.Errorf("%w: zero sigma divisor at step %d", ErrNumeric, i)
		}
		d, err := tensor.Sub(x, denoised)
		if err != nil {
			return nil, err
		}
		dt := sigmas[i] - sigmas[i-1]
		if x, err = tensor.AddScaled(x, dt/div, d); err != nil {
			return nil, err
		}
		progress.StoreLatent(x)

		if i < steps {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInterrupted, err)
			}
			if progress.Interrupted() {
				return nil, ErrInterrupted
			}
		}
	}
	progress.NextJob()

	return rules.normalize(x, sigmas)
}

// guide applies classifier-free guidance: uncond + (cond - uncond) * scale.
func guide(uncond, cond *tensor.Tensor, scale float64) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(cond, uncond)
	if err != nil {
		return nil, err
	}
	return tensor.AddScaled(uncond, scale, diff)
}
