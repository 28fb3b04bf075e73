package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/zoobzio/capitan"

	"img2img_alternative/model"
	"img2img_alternative/schedule"
	"img2img_alternative/tensor"
)

const (
	fingerprintScale = 10
	// FingerprintTolerance is the exclusive bound on the summed absolute
	// difference between two fingerprints that still counts as the same latent.
	FingerprintTolerance = 100
)

// Key holds every scalar a cached reconstruction depends on.
type Key struct {
	GuidanceScale   float64
	Steps           int
	Prompt          string
	NegativePrompt  string
	SigmaAdjustment bool
}

// Fingerprint is a latent quantized to a grid of 1/10, used only for
// approximate equality.
type Fingerprint struct {
	Shape []int
	Cells []int64
}

func NewFingerprint(latent *tensor.Tensor) Fingerprint {
	cells := make([]int64, len(latent.Data))
	for i, v := range latent.Data {
		cells[i] = int64(math.Round(v * fingerprintScale))
	}
	return Fingerprint{Shape: slices.Clone(latent.Shape), Cells: cells}
}

// Distance is the summed absolute difference between f and o. ok is false
// when the shapes differ.
func (f Fingerprint) Distance(o Fingerprint) (distance int64, ok bool) {
	if !slices.Equal(f.Shape, o.Shape) || len(f.Cells) != len(o.Cells) {
		return 0, false
	}
	for i, c := range f.Cells {
		d := c - o.Cells[i]
		if d < 0 {
			d = -d
		}
		distance += d
	}
	return distance, true
}

type entry struct {
	key         Key
	fingerprint Fingerprint
	noise       *tensor.Tensor
}

// Memo holds at most one reconstruction. Storing replaces the previous entry.
type Memo struct {
	mu    sync.Mutex
	entry *entry
}

// Lookup returns a copy of the stored noise when key matches exactly and the
// fingerprint is within FingerprintTolerance.
func (m *Memo) Lookup(key Key, fp Fingerprint) (noise *tensor.Tensor, distance int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil || m.entry.key != key {
		return nil, 0, false
	}
	distance, ok = m.entry.fingerprint.Distance(fp)
	if !ok || distance >= FingerprintTolerance {
		return nil, distance, false
	}
	return m.entry.noise.Clone(), distance, true
}

// Contains reports whether Lookup would hit, without copying the noise.
func (m *Memo) Contains(key Key, fp Fingerprint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil || m.entry.key != key {
		return false
	}
	distance, ok := m.entry.fingerprint.Distance(fp)
	return ok && distance < FingerprintTolerance
}

func (m *Memo) Store(key Key, fp Fingerprint, noise *tensor.Tensor) {
	m.mu.Lock()
	m.entry = &entry{key: key, fingerprint: fp, noise: noise.Clone()}
	m.mu.Unlock()
}

func (m *Memo) Reset() {
	m.mu.Lock()
	m.entry = nil
	m.mu.Unlock()
}

func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil {
		return 0
	}
	return 1
}

// Request describes one noise lookup.
type Request struct {
	Latent            *tensor.Tensor
	ImageConditioning *tensor.Tensor
	BatchSize         int
	Prompt            string
	NegativePrompt    string
	GuidanceScale     float64
	Steps             int
	SigmaAdjustment   bool
}

func (r Request) Key() Key {
	return Key{
		GuidanceScale:   r.GuidanceScale,
		Steps:           r.Steps,
		Prompt:          r.Prompt,
		NegativePrompt:  r.NegativePrompt,
		SigmaAdjustment: r.SigmaAdjustment,
	}
}

// Finder memoizes reconstructions for one model. Calls must not overlap.
type Finder struct {
	conditioner   model.Conditioner
	reconstructor *Reconstructor
	memo          Memo
}

type Config struct {
	Model model.Model
}

func New(cfg Config) (*Finder, error) {
	if cfg.Model == nil {
		return nil, errors.New("missing model")
	}
	r, err := NewReconstructor(cfg.Model)
	if err != nil {
		return nil, err
	}
	return &Finder{conditioner: cfg.Model, reconstructor: r}, nil
}

func (f *Finder) Reconstructor() *Reconstructor { return f.reconstructor }

// Memo exposes the single cached entry.
func (f *Finder) Memo() *Memo { return &f.memo }

// FindNoise returns the noise that reproduces req.Latent, reusing the cached
// entry when the request matches it. A miss adds one job to progress and only
// a successful reconstruction replaces the cache.
func (f *Finder) FindNoise(ctx context.Context, req Request, progress Progress) (*tensor.Tensor, error) {
	if progress == nil {
		progress = noProgress{}
	}
	if req.Steps < 1 {
		return nil, fmt.Errorf("%w: got %d", schedule.ErrInvalidSteps, req.Steps)
	}
	if req.Latent == nil || req.Latent.Batch() != req.BatchSize {
		return nil, fmt.Errorf("%w: latent %v for batch size %d", ErrShapeMismatch, req.Latent, req.BatchSize)
	}

	key := req.Key()
	fp := NewFingerprint(req.Latent)
	if noise, distance, ok := f.memo.Lookup(key, fp); ok {
		capitan.Info(ctx, CacheHit,
			VariantKey.Field(VariantFor(req.SigmaAdjustment).String()),
			StepsKey.Field(req.Steps),
			GuidanceScaleKey.Field(req.GuidanceScale),
			DistanceKey.Field(int(distance)),
		)
		return noise, nil
	}

	progress.AddJobs(1)

	cond, err := f.conditioner.GetLearnedConditioning(ctx, model.Prompts(req.Prompt, req.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("error getting conditioning: %w", err)
	}
	uncond, err := f.conditioner.GetLearnedConditioning(ctx, model.Prompts(req.NegativePrompt, req.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("error getting unconditional conditioning: %w", err)
	}

	noise, err := f.reconstructor.Run(ctx, VariantFor(req.SigmaAdjustment), Input{
		Latent:            req.Latent,
		Cond:              cond,
		Uncond:            uncond,
		ImageConditioning: req.ImageConditioning,
		GuidanceScale:     req.GuidanceScale,
		Steps:             req.Steps,
	}, progress)
	if err != nil {
		return nil, err
	}

	f.memo.Store(key, fp, noise)
	return noise, nil
}
