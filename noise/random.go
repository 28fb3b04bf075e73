package noise

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"img2img_alternative/tensor"
)

// latentScale is the pixel to latent downscale factor of the autoencoder.
const latentScale = 8

// Params describes one batch of initial noise. Shape is the per-sample
// [channels, height, width] latent shape.
type Params struct {
	Shape           []int
	Seeds           []int64
	Subseeds        []int64
	SubseedStrength float64
	// SeedResizeFromH and SeedResizeFromW are pixel sizes. When both are set the
	// noise is drawn at that size and pasted centred into Shape, so a seed keeps
	// its composition across resolutions.
	SeedResizeFromH int
	SeedResizeFromW int
}

// ResolveSeed replaces -1 with a random seed.
func ResolveSeed(seed int64) int64 {
	if seed == -1 {
		return int64(rand.Uint32())
	}
	return seed
}

// Seeds returns seed, seed+1, ... for a batch of n.
func Seeds(seed int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = seed + int64(i)
	}
	return out
}

// pcgStream is the fixed PCG increment; the seed picks the state.
const pcgStream = 0x9e3779b97f4a7c15

// Normal returns a standard normal distribution whose draws are fully
// determined by seed.
func Normal(seed int64) distuv.Normal {
	return distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(uint64(seed), pcgStream)}
}

// Randn returns a tensor of standard normal samples seeded by seed.
func Randn(seed int64, shape ...int) *tensor.Tensor {
	dist := Normal(seed)
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = dist.Rand()
	}
	return t
}

// CreateRandomTensors returns a [len(Seeds), C, H, W] noise tensor.
func CreateRandomTensors(p Params) (*tensor.Tensor, error) {
	if len(p.Shape) != 3 {
		return nil, fmt.Errorf("%w: noise shape must be [C, H, W], got %v", tensor.ErrShape, p.Shape)
	}
	if len(p.Seeds) == 0 {
		return nil, errors.New("missing seeds")
	}

	noiseShape := slices.Clone(p.Shape)
	resize := p.SeedResizeFromH > 0 && p.SeedResizeFromW > 0
	if resize {
		noiseShape[1] = p.SeedResizeFromH / latentScale
		noiseShape[2] = p.SeedResizeFromW / latentScale
	}

	samples := make([]*tensor.Tensor, len(p.Seeds))
	for i, seed := range p.Seeds {
		n := Randn(seed, noiseShape...)

		if p.SubseedStrength != 0 && p.Subseeds != nil {
			var subseed int64
			if i < len(p.Subseeds) {
				subseed = p.Subseeds[i]
			}
			sub := Randn(subseed, noiseShape...)
			n.Data = Slerp(p.SubseedStrength, n.Data, sub.Data)
		}

		if resize && !slices.Equal(noiseShape, p.Shape) {
			n = pasteCentred(n, Randn(seed, p.Shape...))
		}

		n.Shape = append([]int{1}, n.Shape...)
		samples[i] = n
	}
	return tensor.Cat(samples...)
}

// pasteCentred copies the overlapping centre of src into dst, both [C, H, W].
func pasteCentred(src, dst *tensor.Tensor) *tensor.Tensor {
	channels := dst.Shape[0]
	sh, sw := src.Shape[1], src.Shape[2]
	dh, dw := dst.Shape[1], dst.Shape[2]

	dx := floorHalf(dw - sw)
	dy := floorHalf(dh - sh)
	w, h := sw, sh
	if dx < 0 {
		w = sw + 2*dx
	}
	if dy < 0 {
		h = sh + 2*dy
	}
	tx, ty := max(dx, 0), max(dy, 0)
	sx, sy := max(-dx, 0), max(-dy, 0)

	for c := 0; c < channels; c++ {
		for y := 0; y < h; y++ {
			srcRow := src.Data[(c*sh+sy+y)*sw+sx:]
			dstRow := dst.Data[(c*dh+ty+y)*dw+tx:]
			copy(dstRow[:w], srcRow[:w])
		}
	}
	return dst
}

func floorHalf(n int) int {
	return int(math.Floor(float64(n) / 2))
}

// Slerp spherically interpolates from low (val = 0) towards high (val = 1).
// Nearly parallel or zero inputs fall back to a linear mix.
func Slerp(val float64, low, high []float64) []float64 {
	out := make([]float64, len(low))
	lowNorm, highNorm := floats.Norm(low, 2), floats.Norm(high, 2)
	dot := 1.0
	if lowNorm != 0 && highNorm != 0 {
		dot = floats.Dot(low, high) / (lowNorm * highNorm)
	}
	if dot > 0.9995 {
		floats.AddScaledTo(out, floats.ScaleTo(out, 1-val, low), val, high)
		return out
	}

	omega := math.Acos(dot)
	so := math.Sin(omega)
	floats.AddScaledTo(out, floats.ScaleTo(out, math.Sin((1-val)*omega)/so, low), math.Sin(val*omega)/so, high)
	return out
}
