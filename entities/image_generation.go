package entities

import (
	"encoding/json"
	"fmt"
	"time"
)

// ImageGeneration is the stored record of a finished generation.
type ImageGeneration struct {
	ID                    string         `json:"id"`
	Prompt                string         `json:"prompt"`
	NegativePrompt        string         `json:"negative_prompt"`
	SamplerName           string         `json:"sampler_name"`
	Steps                 int            `json:"steps"`
	CfgScale              float64        `json:"cfg_scale"`
	DenoisingStrength     float64        `json:"denoising_strength"`
	BatchSize             int            `json:"batch_size"`
	Seed                  int64          `json:"seed"`
	Subseed               int64          `json:"subseed"`
	SubseedStrength       float64        `json:"subseed_strength"`
	ExtraGenerationParams map[string]any `json:"extra_generation_params,omitempty"`
	CacheHit              bool           `json:"cache_hit"`
	NoiseStd              float64        `json:"noise_std"`
	DurationMs            int64          `json:"duration_ms"`
	Processed             bool           `json:"processed"`
	CreatedAt             time.Time      `json:"created_at"`
}

// NewGeneration records req. The request's seed is the one used for reconstruction.
func NewGeneration(req *GenerationRequest) *ImageGeneration {
	return &ImageGeneration{
		Prompt:                req.Prompt,
		NegativePrompt:        req.NegativePrompt,
		SamplerName:           req.SamplerName,
		Steps:                 req.Steps,
		CfgScale:              req.CFGScale,
		DenoisingStrength:     req.DenoisingStrength,
		BatchSize:             req.BatchSize,
		Seed:                  req.Seed,
		Subseed:               req.Subseed,
		SubseedStrength:       req.SubseedStrength,
		ExtraGenerationParams: req.ExtraGenerationParams,
	}
}

func (g *ImageGeneration) PrintJson() {
	p, _ := json.MarshalIndent(g, "", "    ")
	fmt.Println("generation: ", string(p))
}
