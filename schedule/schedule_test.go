package schedule

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDenoiser(t *testing.T, p Parameterization) *Denoiser {
	t.Helper()
	d, err := NewDenoiser(DefaultAlphasCumprod(), p)
	require.NoError(t, err)
	return d
}

func TestSigmasShape(t *testing.T) {
	d := newTestDenoiser(t, Epsilon)

	for _, steps := range []int{1, 2, 10, 50} {
		sigmas, err := d.Sigmas(steps)
		require.NoError(t, err)
		require.Len(t, sigmas, steps+1)
		assert.Equal(t, 0.0, sigmas.Last())
		assert.InDelta(t, d.SigmaMax(), sigmas[0], 1e-9)
		for i := 1; i < steps; i++ {
			assert.Less(t, sigmas[i], sigmas[i-1], "steps=%d i=%d", steps, i)
		}
		if steps > 1 {
			assert.InDelta(t, d.SigmaMin(), sigmas[steps-1], 1e-9)
		}
	}
}

func TestReconstructionScheduleAscends(t *testing.T) {
	d := newTestDenoiser(t, Epsilon)

	sigmas, err := d.ReconstructionSchedule(10)
	require.NoError(t, err)
	require.Len(t, sigmas, 11)
	assert.Equal(t, 0.0, sigmas[0])
	assert.InDelta(t, d.SigmaMax(), sigmas.Last(), 1e-9)
	for i := 1; i < len(sigmas); i++ {
		assert.Greater(t, sigmas[i], sigmas[i-1])
	}
}

func TestInvalidSteps(t *testing.T) {
	d := newTestDenoiser(t, Epsilon)

	_, err := d.Sigmas(0)
	assert.ErrorIs(t, err, ErrInvalidSteps)
	_, err = d.ReconstructionSchedule(-3)
	assert.ErrorIs(t, err, ErrInvalidSteps)
}

func TestSigmaTimestepRoundTrip(t *testing.T) {
	d := newTestDenoiser(t, Epsilon)

	for _, ts := range []float64{0, 1, 12.5, 499.25, 998.9, 999} {
		sigma := d.TToSigma(ts)
		assert.InDelta(t, ts, d.SigmaToT(sigma), 1e-6, "t=%v", ts)
	}
	assert.Equal(t, 0.0, d.SigmaToT(0))
	assert.Equal(t, 999.0, d.SigmaToT(d.SigmaMax()*2))
}

func TestScalingsSkipOffset(t *testing.T) {
	sigma := 2.0

	eps := newTestDenoiser(t, Epsilon)
	cOut, cIn := eps.GuidanceScalings(sigma)
	assert.InDelta(t, -2.0, cOut, 1e-12)
	assert.InDelta(t, 1/math.Sqrt(5), cIn, 1e-12)
	cSkip, _, _ := eps.ModelScalings(sigma)
	assert.Equal(t, 1.0, cSkip)

	v := newTestDenoiser(t, Velocity)
	assert.Equal(t, 1, Velocity.Skip())
	cOut, cIn = v.GuidanceScalings(sigma)
	assert.InDelta(t, -2/math.Sqrt(5), cOut, 1e-12)
	assert.InDelta(t, 1/math.Sqrt(5), cIn, 1e-12)
	cSkip, _, _ = v.ModelScalings(sigma)
	assert.InDelta(t, 0.2, cSkip, 1e-12)
}

func TestParseParameterization(t *testing.T) {
	p, err := ParseParameterization("V")
	require.NoError(t, err)
	assert.Equal(t, Velocity, p)

	p, err = ParseParameterization("")
	require.NoError(t, err)
	assert.Equal(t, Epsilon, p)

	_, err = ParseParameterization("x0")
	assert.ErrorIs(t, err, ErrUnknownParameterization)
}

func TestNewDenoiserRejectsBadSchedule(t *testing.T) {
	_, err := NewDenoiser([]float64{0.5}, Epsilon)
	assert.ErrorIs(t, err, ErrInvalidNoiseSchedule)

	_, err = NewDenoiser([]float64{0.9, 1.0}, Epsilon)
	assert.ErrorIs(t, err, ErrInvalidNoiseSchedule)
}
