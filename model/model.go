// Package model describes the diffusion model capabilities the engine consumes.
// Loading weights and running a network are left to implementations.
package model

import (
	"context"

	"img2img_alternative/schedule"
	"img2img_alternative/tensor"
)

// Conditioning is what the denoiser is conditioned on for one batched call.
type Conditioning struct {
	// CrossAttn holds the text embeddings, one per batch entry.
	CrossAttn *tensor.Tensor
	// Concat is optional per-pixel conditioning concatenated to the input channels.
	Concat *tensor.Tensor
}

// Denoiser evaluates the network once.
type Denoiser interface {
	// ApplyModel returns the network output (epsilon or v) for the scaled input
	// x at the per-batch timesteps t.
	ApplyModel(ctx context.Context, x *tensor.Tensor, t []float64, cond Conditioning) (*tensor.Tensor, error)
}

// Conditioner encodes prompts into embeddings.
type Conditioner interface {
	// GetLearnedConditioning returns one embedding per prompt, stacked along the batch dimension.
	GetLearnedConditioning(ctx context.Context, prompts []string) (*tensor.Tensor, error)
}

// Model is a loaded diffusion checkpoint.
type Model interface {
	Denoiser
	Conditioner

	Parameterization() schedule.Parameterization
	AlphasCumprod() []float64
}

// NewScheduleDenoiser builds the sigma schedule wrapper for m.
func NewScheduleDenoiser(m Model) (*schedule.Denoiser, error) {
	return schedule.NewDenoiser(m.AlphasCumprod(), m.Parameterization())
}

// Prompts repeats prompt n times.
func Prompts(prompt string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = prompt
	}
	return out
}
