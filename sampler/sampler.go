// Package sampler holds the forward k-diffusion samplers used to continue
// generation from a noised latent.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"

	"img2img_alternative/entities"
	"img2img_alternative/model"
	"img2img_alternative/schedule"
	"img2img_alternative/tensor"
)

var (
	ErrUnknownSampler = errors.New("unknown sampler")
	ErrInterrupted    = errors.New("sampling interrupted")
)

// Progress receives step accounting and is polled for cancellation between steps.
type Progress interface {
	BeginSampling(steps int)
	Step()
	StoreLatent(x *tensor.Tensor)
	Interrupted() bool
}

type noProgress struct{}

func (noProgress) BeginSampling(int)          {}
func (noProgress) Step()                      {}
func (noProgress) StoreLatent(*tensor.Tensor) {}
func (noProgress) Interrupted() bool          { return false }

// Conditioning is what a sampler guides with.
type Conditioning struct {
	Cond   *tensor.Tensor
	Uncond *tensor.Tensor
	// Image is optional per-pixel conditioning.
	Image *tensor.Tensor
}

type Sampler interface {
	Name() string
	// Sigmas is the descending schedule the sampler uses for steps.
	Sigmas(steps int) (schedule.Schedule, error)
	// SampleImg2Img noises x by noise scaled to the starting sigma for
	// req.DenoisingStrength and denoises it back to sigma 0.
	SampleImg2Img(ctx context.Context, req *entities.GenerationRequest, x, noise *tensor.Tensor, cond Conditioning, progress Progress) (*tensor.Tensor, error)
}

type factory func(m model.Model, s *schedule.Denoiser) Sampler

type registration struct {
	name    string
	factory factory
}

// Samplers lists the registered samplers.
type Samplers []registration

var registry = Samplers{
	{name: "Euler", factory: newEuler},
	{name: "Euler a", factory: newEulerAncestral},
	{name: "Heun", factory: newHeun},
}

// String is what we fuzzy match against
func (s Samplers) String(i int) string {
	return s[i].name
}

func (s Samplers) Len() int {
	return len(s)
}

func Names() []string {
	names := make([]string, len(registry))
	for i, r := range registry {
		names[i] = r.name
	}
	return names
}

// Lookup resolves name to a registered sampler name, exactly (ignoring case)
// or by the best fuzzy match.
func Lookup(name string) (string, error) {
	for _, r := range registry {
		if strings.EqualFold(r.name, name) {
			return r.name, nil
		}
	}
	if name != "" {
		if results := fuzzy.FindFrom(name, registry); len(results) > 0 {
			return registry.String(results[0].Index), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSampler, name)
}

// Create builds the named sampler for m.
func Create(name string, m model.Model) (Sampler, error) {
	resolved, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	s, err := model.NewScheduleDenoiser(m)
	if err != nil {
		return nil, fmt.Errorf("error building noise schedule: %w", err)
	}
	for _, r := range registry {
		if r.name == resolved {
			return r.factory(m, s), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSampler, name)
}
