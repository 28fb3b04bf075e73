package entities

import (
	"errors"
	"fmt"
)

// Generation metadata keys written by the img2img alternative script.
const (
	ParamDecodePrompt         = "Decode prompt"
	ParamDecodeNegativePrompt = "Decode negative prompt"
	ParamDecodeCFGScale       = "Decode CFG scale"
	ParamDecodeSteps          = "Decode steps"
	ParamRandomness           = "Randomness"
	ParamSigmaAdjustment      = "Sigma Adjustment"
)

const (
	MinDecodeSteps    = 1
	MaxDecodeSteps    = 150
	MaxDecodeCFGScale = 15.0
)

var (
	ErrDecodeSteps    = errors.New("decode steps out of range")
	ErrDecodeCFGScale = errors.New("decode CFG scale out of range")
	ErrRandomness     = errors.New("randomness out of range")
)

// AlternativeOptions configure noise reconstruction and how it overrides the request.
type AlternativeOptions struct {
	// OverrideSampler forces the Euler sampler, which the reconstruction mirrors.
	OverrideSampler bool `json:"override_sampler" yaml:"override_sampler"`
	// OverridePrompt replaces the request prompts with the decode prompts.
	OverridePrompt bool `json:"override_prompt" yaml:"override_prompt"`
	// OriginalPrompt and OriginalNegativePrompt condition the reconstruction.
	OriginalPrompt         string `json:"original_prompt" yaml:"original_prompt"`
	OriginalNegativePrompt string `json:"original_negative_prompt" yaml:"original_negative_prompt"`
	// OverrideSteps makes the request use DecodeSteps.
	OverrideSteps bool `json:"override_steps" yaml:"override_steps"`
	DecodeSteps   int  `json:"decode_steps" yaml:"decode_steps"`
	// OverrideStrength forces a denoising strength of 1.
	OverrideStrength bool    `json:"override_strength" yaml:"override_strength"`
	DecodeCFGScale   float64 `json:"decode_cfg_scale" yaml:"decode_cfg_scale"`
	Randomness       float64 `json:"randomness" yaml:"randomness"`
	SigmaAdjustment  bool    `json:"sigma_adjustment" yaml:"sigma_adjustment"`
}

func DefaultAlternativeOptions() AlternativeOptions {
	return AlternativeOptions{
		OverrideSampler:  true,
		OverridePrompt:   true,
		OverrideSteps:    true,
		DecodeSteps:      50,
		OverrideStrength: true,
		DecodeCFGScale:   1.0,
		Randomness:       0.0,
		SigmaAdjustment:  false,
	}
}

func (o AlternativeOptions) Validate() error {
	if o.DecodeSteps < MinDecodeSteps || o.DecodeSteps > MaxDecodeSteps {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrDecodeSteps, o.DecodeSteps, MinDecodeSteps, MaxDecodeSteps)
	}
	if !(o.DecodeCFGScale >= 0 && o.DecodeCFGScale <= MaxDecodeCFGScale) {
		return fmt.Errorf("%w: %v not in [0, %v]", ErrDecodeCFGScale, o.DecodeCFGScale, MaxDecodeCFGScale)
	}
	if !(o.Randomness >= 0 && o.Randomness <= 1) {
		return fmt.Errorf("%w: %v not in [0, 1]", ErrRandomness, o.Randomness)
	}
	return nil
}

// ExtraParams is the generation metadata recorded for reproducibility.
func (o AlternativeOptions) ExtraParams() map[string]any {
	return map[string]any{
		ParamDecodePrompt:         o.OriginalPrompt,
		ParamDecodeNegativePrompt: o.OriginalNegativePrompt,
		ParamDecodeCFGScale:       o.DecodeCFGScale,
		ParamDecodeSteps:          o.DecodeSteps,
		ParamRandomness:           o.Randomness,
		ParamSigmaAdjustment:      o.SigmaAdjustment,
	}
}
