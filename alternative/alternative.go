// Package alternative runs img2img by reconstructing the noise behind the
// source latent and resuming a forward sampler from it.
package alternative

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zoobzio/pipz"

	"img2img_alternative/entities"
	"img2img_alternative/model"
	"img2img_alternative/noise"
	"img2img_alternative/reconstruction"
	"img2img_alternative/repositories/generations"
	"img2img_alternative/sampler"
	"img2img_alternative/system"
	"img2img_alternative/tensor"
)

// decodeSampler is the sampler the reconstruction mirrors.
const decodeSampler = "Euler"

// Progress is the job state a run reports into.
type Progress = reconstruction.Progress

type Config struct {
	Model model.Model
	// Repository is optional. When set every finished run is recorded.
	Repository generations.Repository
}

type Alternative struct {
	model    model.Model
	finder   *reconstruction.Finder
	repo     generations.Repository
	pipeline pipz.Chainable[*job]
}

// Result is the output of one run.
type Result struct {
	Latent   *tensor.Tensor
	Request  *entities.GenerationRequest
	Record   *entities.ImageGeneration
	CacheHit bool
}

type job struct {
	req      *entities.GenerationRequest
	opts     entities.AlternativeOptions
	progress Progress

	reconstructed *tensor.Tensor
	random        *tensor.Tensor
	combined      *tensor.Tensor
	latent        *tensor.Tensor
	cacheHit      bool
	err           error
}

func New(cfg Config) (*Alternative, error) {
	if cfg.Model == nil {
		return nil, errors.New("missing model")
	}
	finder, err := reconstruction.New(reconstruction.Config{Model: cfg.Model})
	if err != nil {
		return nil, err
	}

	a := &Alternative{
		model:  cfg.Model,
		finder: finder,
		repo:   cfg.Repository,
	}
	a.pipeline = pipz.NewSequence("img2img-alternative",
		pipz.Apply("find-noise", stage(a.findNoise)),
		pipz.Apply("random-noise", stage(a.randomNoise)),
		pipz.Apply("blend", stage(a.blend)),
		pipz.Apply("resume", stage(a.resume)),
	)
	return a, nil
}

// Finder exposes the reconstruction cache owner.
func (a *Alternative) Finder() *reconstruction.Finder { return a.finder }

// stage keeps the error a step failed with on the job.
func stage(fn func(ctx context.Context, j *job) error) func(context.Context, *job) (*job, error) {
	return func(ctx context.Context, j *job) (*job, error) {
		if err := fn(ctx, j); err != nil {
			j.err = err
			return j, err
		}
		return j, nil
	}
}

// ApplyOverrides returns the request the forward sampler runs with. req is not modified.
func ApplyOverrides(req *entities.GenerationRequest, opts entities.AlternativeOptions) *entities.GenerationRequest {
	out := req.Copy()
	if opts.OverrideSampler {
		out.SamplerName = decodeSampler
	}
	if opts.OverridePrompt {
		out.Prompt = opts.OriginalPrompt
		out.NegativePrompt = opts.OriginalNegativePrompt
	}
	if opts.OverrideSteps {
		out.Steps = opts.DecodeSteps
	}
	if opts.OverrideStrength {
		out.DenoisingStrength = 1.0
	}
	for key, value := range opts.ExtraParams() {
		out.SetExtraParam(key, value)
	}
	out.Seed = noise.ResolveSeed(out.Seed)
	out.Subseed = noise.ResolveSeed(out.Subseed)
	return out
}

// IsInterrupted reports whether err is a cooperative stop of either the
// reconstruction or the forward sampler.
func IsInterrupted(err error) bool {
	return errors.Is(err, reconstruction.ErrInterrupted) || errors.Is(err, sampler.ErrInterrupted)
}

// Run generates a variation of req.InitLatent. A zero BatchSize means the
// batch of the init latent.
func (a *Alternative) Run(ctx context.Context, req *entities.GenerationRequest, opts entities.AlternativeOptions, progress Progress) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if req.InitLatent == nil {
		return nil, errors.New("missing init latent")
	}
	if progress == nil {
		progress = &discard{}
	}

	start := time.Now()
	j := &job{req: ApplyOverrides(req, opts), opts: opts, progress: progress}
	if j.req.BatchSize == 0 {
		j.req.BatchSize = j.req.InitLatent.Batch()
	}

	if _, err := a.pipeline.Process(ctx, j); err != nil {
		if j.err != nil {
			return nil, j.err
		}
		return nil, err
	}

	record := entities.NewGeneration(j.req)
	record.CacheHit = j.cacheHit
	record.NoiseStd = j.combined.Std()
	record.DurationMs = time.Since(start).Milliseconds()
	record.Processed = true

	if a.repo != nil {
		if _, err := a.repo.Create(ctx, record); err != nil {
			return nil, fmt.Errorf("error saving generation: %w", err)
		}
	}

	return &Result{
		Latent:   j.latent,
		Request:  j.req,
		Record:   record,
		CacheHit: j.cacheHit,
	}, nil
}

func (a *Alternative) findNoise(ctx context.Context, j *job) error {
	req := reconstruction.Request{
		Latent:            j.req.InitLatent,
		ImageConditioning: j.req.ImageConditioning,
		BatchSize:         j.req.BatchSize,
		Prompt:            j.opts.OriginalPrompt,
		NegativePrompt:    j.opts.OriginalNegativePrompt,
		GuidanceScale:     j.opts.DecodeCFGScale,
		Steps:             j.opts.DecodeSteps,
		SigmaAdjustment:   j.opts.SigmaAdjustment,
	}
	j.cacheHit = a.finder.Memo().Contains(req.Key(), reconstruction.NewFingerprint(req.Latent))

	start := time.Now()
	rec, err := a.finder.FindNoise(ctx, req, j.progress)
	if err != nil {
		return err
	}
	j.reconstructed = rec

	if !j.cacheHit {
		log.Printf("Reconstructed noise in %d steps (%s), took %v",
			req.Steps, reconstruction.VariantFor(req.SigmaAdjustment), time.Since(start).Round(time.Millisecond))
		if memory, err := system.GetMemoryReadable(); err == nil {
			log.Printf("Noise %s, %s", system.Footprint(rec.Bytes()), memory)
		}
	}
	return nil
}

func (a *Alternative) randomNoise(_ context.Context, j *job) error {
	random, err := noise.CreateRandomTensors(noise.Params{
		Shape:           j.req.InitLatent.Shape[1:],
		Seeds:           j.req.Seeds(),
		Subseeds:        j.req.Subseeds(),
		SubseedStrength: j.req.SubseedStrength,
		SeedResizeFromH: j.req.SeedResizeFromH,
		SeedResizeFromW: j.req.SeedResizeFromW,
	})
	if err != nil {
		return fmt.Errorf("error creating random noise: %w", err)
	}
	j.random = random
	return nil
}

func (a *Alternative) blend(_ context.Context, j *job) error {
	combined, err := noise.Blend(j.reconstructed, j.random, j.opts.Randomness)
	if err != nil {
		return err
	}
	j.combined = combined
	return nil
}

func (a *Alternative) resume(ctx context.Context, j *job) error {
	s, err := sampler.Create(j.req.SamplerName, a.model)
	if err != nil {
		return err
	}

	cond, err := a.model.GetLearnedConditioning(ctx, model.Prompts(j.req.Prompt, j.req.BatchSize))
	if err != nil {
		return fmt.Errorf("error getting conditioning: %w", err)
	}
	uncond, err := a.model.GetLearnedConditioning(ctx, model.Prompts(j.req.NegativePrompt, j.req.BatchSize))
	if err != nil {
		return fmt.Errorf("error getting unconditional conditioning: %w", err)
	}

	latent, err := sampler.Resume(ctx, s, j.req, j.combined, sampler.Conditioning{
		Cond:   cond,
		Uncond: uncond,
		Image:  j.req.ImageConditioning,
	}, j.progress)
	if err != nil {
		return err
	}
	j.progress.NextJob()
	j.latent = latent
	return nil
}

type discard struct{}

func (*discard) AddJobs(int)                {}
func (*discard) BeginSampling(int)          {}
func (*discard) Step()                      {}
func (*discard) StoreLatent(*tensor.Tensor) {}
func (*discard) NextJob()                   {}
func (*discard) Interrupted() bool          { return false }
