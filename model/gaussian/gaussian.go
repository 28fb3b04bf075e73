// Package gaussian is an analytic stand-in for a diffusion checkpoint.
//
// It models latents drawn from N(mu, 1) where mu is derived from the prompt
// embedding, so its denoiser is the exact posterior mean
//
//	D(x, sigma) = (x + sigma^2 * mu) / (1 + sigma^2)
//
// and its network output is whatever epsilon or v yields D under the
// k-diffusion scalings. Text embeddings are hashed from the prompt.
package gaussian

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync/atomic"

	"gonum.org/v1/gonum/stat"

	"img2img_alternative/model"
	"img2img_alternative/noise"
	"img2img_alternative/schedule"
	"img2img_alternative/tensor"
)

type Config struct {
	Parameterization schedule.Parameterization
	// AlphasCumprod defaults to schedule.DefaultAlphasCumprod.
	AlphasCumprod []float64
	Tokens        int
	EmbeddingDim  int
	// ConditionStrength scales the prompt embedding mean into the data mean.
	ConditionStrength float64
}

type Model struct {
	config   Config
	schedule *schedule.Denoiser
	calls    atomic.Int64
}

var _ model.Model = (*Model)(nil)

func New(cfg Config) (*Model, error) {
	if cfg.Parameterization == "" {
		cfg.Parameterization = schedule.Epsilon
	}
	if cfg.AlphasCumprod == nil {
		cfg.AlphasCumprod = schedule.DefaultAlphasCumprod()
	}
	if cfg.Tokens == 0 {
		cfg.Tokens = 77
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 64
	}
	if cfg.Tokens < 1 || cfg.EmbeddingDim < 1 {
		return nil, errors.New("embedding dimensions must be positive")
	}

	s, err := schedule.NewDenoiser(cfg.AlphasCumprod, cfg.Parameterization)
	if err != nil {
		return nil, err
	}

	return &Model{config: cfg, schedule: s}, nil
}

func (m *Model) Parameterization() schedule.Parameterization { return m.config.Parameterization }

func (m *Model) AlphasCumprod() []float64 { return m.config.AlphasCumprod }

// Calls is the number of ApplyModel evaluations so far.
func (m *Model) Calls() int64 { return m.calls.Load() }

func (m *Model) GetLearnedConditioning(ctx context.Context, prompts []string) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rowLen := m.config.Tokens * m.config.EmbeddingDim
	out := tensor.New(len(prompts), m.config.Tokens, m.config.EmbeddingDim)
	for i, prompt := range prompts {
		embed(prompt, out.Data[i*rowLen:(i+1)*rowLen])
	}
	return out, nil
}

// embed fills row with a deterministic embedding of prompt. The empty prompt embeds to zero.
func embed(prompt string, row []float64) {
	if prompt == "" {
		return
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	dist := noise.Normal(int64(h.Sum64()))
	for i := range row {
		row[i] = dist.Rand()
	}
}

func (m *Model) ApplyModel(ctx context.Context, x *tensor.Tensor, t []float64, cond model.Conditioning) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(t) != x.Batch() {
		return nil, fmt.Errorf("got %d timesteps for batch of %d", len(t), x.Batch())
	}
	if cond.CrossAttn == nil || cond.CrossAttn.Batch() != x.Batch() {
		return nil, fmt.Errorf("cross attention conditioning does not match batch of %d", x.Batch())
	}
	if cond.Concat != nil && cond.Concat.Batch() != x.Batch() {
		return nil, fmt.Errorf("concat conditioning batch %d does not match batch of %d", cond.Concat.Batch(), x.Batch())
	}
	m.calls.Add(1)

	out := tensor.New(x.Shape...)
	for b := 0; b < x.Batch(); b++ {
		sigma := m.schedule.TToSigma(t[b])
		cSkip, cOut, cIn := m.schedule.ModelScalings(sigma)
		mu := m.config.ConditionStrength * stat.Mean(cond.CrossAttn.Row(b), nil)

		in, dst := x.Row(b), out.Row(b)
		for i, u := range in {
			xi := u / cIn
			denoised := (xi + sigma*sigma*mu) / (1 + sigma*sigma)
			// denoised = xi*cSkip + output*cOut
			dst[i] = (denoised - xi*cSkip) / cOut
		}
	}
	return out, nil
}

// Latent draws a synthetic source latent of shape [batch, channels, size, size]
// from the model's data distribution for the given prompt.
func (m *Model) Latent(ctx context.Context, prompt string, batch, channels, size int, seed int64) (*tensor.Tensor, error) {
	cond, err := m.GetLearnedConditioning(ctx, model.Prompts(prompt, 1))
	if err != nil {
		return nil, err
	}
	mu := m.config.ConditionStrength * stat.Mean(cond.Row(0), nil)

	dist := noise.Normal(seed)
	dist.Mu = mu
	latent := tensor.New(batch, channels, size, size)
	for i := range latent.Data {
		latent.Data[i] = dist.Rand()
	}
	return latent, nil
}
