package entities

import (
	"encoding/json"
	"maps"

	"img2img_alternative/tensor"
)

// GenerationRequest is one image-to-image generation. The init latent stands
// in for the encoded source image.
type GenerationRequest struct {
	InitLatent        *tensor.Tensor `json:"-"`
	ImageConditioning *tensor.Tensor `json:"-"`

	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt"`
	SamplerName       string  `json:"sampler_name"`
	Steps             int     `json:"steps"`
	CFGScale          float64 `json:"cfg_scale"`
	DenoisingStrength float64 `json:"denoising_strength"`
	BatchSize         int     `json:"batch_size"`
	Seed              int64   `json:"seed"`
	Subseed           int64   `json:"subseed"`
	SubseedStrength   float64 `json:"subseed_strength"`
	SeedResizeFromH   int     `json:"seed_resize_from_h,omitempty"`
	SeedResizeFromW   int     `json:"seed_resize_from_w,omitempty"`

	ExtraGenerationParams map[string]any `json:"extra_generation_params,omitempty"`
}

func UnmarshalGenerationRequest(data []byte) (GenerationRequest, error) {
	var r GenerationRequest
	err := json.Unmarshal(data, &r)
	return r, err
}

func (r *GenerationRequest) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Seeds returns one seed per batch entry starting at Seed.
func (r *GenerationRequest) Seeds() []int64 {
	return consecutive(r.Seed, r.BatchSize)
}

func (r *GenerationRequest) Subseeds() []int64 {
	return consecutive(r.Subseed, r.BatchSize)
}

func consecutive(start int64, n int) []int64 {
	out := make([]int64, max(n, 0))
	for i := range out {
		out[i] = start + int64(i)
	}
	return out
}

// Copy returns a shallow copy with its own ExtraGenerationParams map.
// Tensors are shared.
func (r *GenerationRequest) Copy() *GenerationRequest {
	c := *r
	c.ExtraGenerationParams = maps.Clone(r.ExtraGenerationParams)
	return &c
}

func (r *GenerationRequest) SetExtraParam(key string, value any) {
	if r.ExtraGenerationParams == nil {
		r.ExtraGenerationParams = make(map[string]any)
	}
	r.ExtraGenerationParams[key] = value
}
