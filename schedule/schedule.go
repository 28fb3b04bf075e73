// Package schedule turns a model's training noise schedule into the sigma
// sequences and input/output scalings used by the samplers and by noise
// reconstruction.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
)

var (
	ErrInvalidSteps            = errors.New("step count must be at least 1")
	ErrUnknownParameterization = errors.New("unknown model parameterization")
	ErrInvalidNoiseSchedule    = errors.New("invalid noise schedule")
)

// Parameterization is what the model predicts.
type Parameterization string

const (
	// Epsilon models predict the added noise.
	Epsilon Parameterization = "eps"
	// Velocity models predict v = alpha*noise - sigma*x0.
	Velocity Parameterization = "v"
)

func ParseParameterization(s string) (Parameterization, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "eps", "epsilon":
		return Epsilon, nil
	case "v", "velocity", "v-prediction":
		return Velocity, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownParameterization, s)
}

// Skip is the number of leading scaling coefficients to drop before reading
// (c_out, c_in). Velocity models prepend c_skip.
func (p Parameterization) Skip() int {
	if p == Velocity {
		return 1
	}
	return 0
}

// Schedule is an ordered list of noise levels.
type Schedule []float64

// Flip returns the schedule in reverse order.
func (s Schedule) Flip() Schedule {
	out := slices.Clone(s)
	slices.Reverse(out)
	return out
}

func (s Schedule) Steps() int { return len(s) - 1 }

func (s Schedule) Last() float64 { return s[len(s)-1] }

const sigmaData = 1.0

// Denoiser wraps a discrete DDPM noise schedule.
type Denoiser struct {
	parameterization Parameterization
	sigmas           []float64
	logSigmas        []float64
}

// ScaledLinearAlphasCumprod builds alphas_cumprod from
// betas = linspace(sqrt(start), sqrt(end), numTrain)^2.
func ScaledLinearAlphasCumprod(numTrain int, betaStart, betaEnd float64) []float64 {
	alphasCumprod := make([]float64, numTrain)
	sqrtStart := math.Sqrt(betaStart)
	sqrtEnd := math.Sqrt(betaEnd)
	prod := 1.0
	for i := 0; i < numTrain; i++ {
		beta := sqrtStart
		if numTrain > 1 {
			beta += float64(i) / float64(numTrain-1) * (sqrtEnd - sqrtStart)
		}
		prod *= 1.0 - beta*beta
		alphasCumprod[i] = prod
	}
	return alphasCumprod
}

// DefaultAlphasCumprod is the Stable Diffusion 1.x/2.x training schedule.
func DefaultAlphasCumprod() []float64 {
	return ScaledLinearAlphasCumprod(1000, 0.00085, 0.012)
}

func NewDenoiser(alphasCumprod []float64, parameterization Parameterization) (*Denoiser, error) {
	if parameterization != Epsilon && parameterization != Velocity {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParameterization, parameterization)
	}
	if len(alphasCumprod) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 training timesteps, got %d", ErrInvalidNoiseSchedule, len(alphasCumprod))
	}

	d := &Denoiser{
		parameterization: parameterization,
		sigmas:           make([]float64, len(alphasCumprod)),
		logSigmas:        make([]float64, len(alphasCumprod)),
	}
	for i, a := range alphasCumprod {
		if a <= 0 || a >= 1 {
			return nil, fmt.Errorf("%w: alphas_cumprod[%d] = %v is outside (0, 1)", ErrInvalidNoiseSchedule, i, a)
		}
		d.sigmas[i] = math.Sqrt((1 - a) / a)
		d.logSigmas[i] = math.Log(d.sigmas[i])
	}
	return d, nil
}

func (d *Denoiser) Parameterization() Parameterization { return d.parameterization }

func (d *Denoiser) SigmaMin() float64 { return d.sigmas[0] }

func (d *Denoiser) SigmaMax() float64 { return d.sigmas[len(d.sigmas)-1] }

// Sigmas returns steps+1 noise levels from SigmaMax down to SigmaMin followed by 0.
func (d *Denoiser) Sigmas(steps int) (Schedule, error) {
	if steps < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSteps, steps)
	}

	tMax := float64(len(d.sigmas) - 1)
	ts := []float64{tMax}
	if steps > 1 {
		ts = floats.Span(make([]float64, steps), tMax, 0)
	}

	out := make(Schedule, steps+1)
	for i, t := range ts {
		out[i] = d.TToSigma(t)
	}
	out[steps] = 0
	return out, nil
}

// ReconstructionSchedule is Sigmas(steps) in ascending order, starting at 0.
func (d *Denoiser) ReconstructionSchedule(steps int) (Schedule, error) {
	sigmas, err := d.Sigmas(steps)
	if err != nil {
		return nil, err
	}
	return sigmas.Flip(), nil
}

// TToSigma interpolates log sigma between the neighbouring training timesteps.
func (d *Denoiser) TToSigma(t float64) float64 {
	t = min(max(t, 0), float64(len(d.sigmas)-1))
	low := math.Floor(t)
	high := math.Ceil(t)
	w := t - low
	logSigma := (1-w)*d.logSigmas[int(low)] + w*d.logSigmas[int(high)]
	return math.Exp(logSigma)
}

// SigmaToT is the inverse of TToSigma. Levels at or below zero map to t = 0.
func (d *Denoiser) SigmaToT(sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	logSigma := math.Log(sigma)

	lowIdx := 0
	for i, ls := range d.logSigmas {
		if logSigma >= ls {
			lowIdx = i
		}
	}
	lowIdx = min(lowIdx, len(d.logSigmas)-2)
	highIdx := lowIdx + 1

	low, high := d.logSigmas[lowIdx], d.logSigmas[highIdx]
	w := (low - logSigma) / (low - high)
	w = min(max(w, 0), 1)
	return (1-w)*float64(lowIdx) + w*float64(highIdx)
}

// scalings lists the coefficients in model order:
// eps: (c_out, c_in), v: (c_skip, c_out, c_in).
func (d *Denoiser) scalings(sigma float64) []float64 {
	denom := math.Sqrt(sigma*sigma + sigmaData*sigmaData)
	cIn := 1 / denom
	if d.parameterization == Velocity {
		cSkip := sigmaData * sigmaData / (sigma*sigma + sigmaData*sigmaData)
		cOut := -sigma * sigmaData / denom
		return []float64{cSkip, cOut, cIn}
	}
	return []float64{-sigma, cIn}
}

// GuidanceScalings returns (c_out, c_in) for sigma after dropping the
// parameterization's leading coefficients.
func (d *Denoiser) GuidanceScalings(sigma float64) (cOut, cIn float64) {
	s := d.scalings(sigma)[d.parameterization.Skip():]
	return s[0], s[1]
}

// ModelScalings returns (c_skip, c_out, c_in) as used by a full denoiser
// evaluation. Epsilon models have c_skip = 1.
func (d *Denoiser) ModelScalings(sigma float64) (cSkip, cOut, cIn float64) {
	s := d.scalings(sigma)
	if d.parameterization == Velocity {
		return s[0], s[1], s[2]
	}
	return 1, s[0], s[1]
}
