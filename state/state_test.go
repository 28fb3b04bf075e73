package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"img2img_alternative/tensor"
)

func TestCounters(t *testing.T) {
	s := New()
	s.Begin(1)
	s.AddJobs(1)
	s.BeginSampling(4)
	s.Step()
	s.Step()

	snap := s.Snapshot()
	assert.Equal(t, Snapshot{SamplingSteps: 4, SamplingStep: 2, JobCount: 2}, snap)
	assert.InDelta(t, 0.25, snap.Percent(), 1e-12)

	s.NextJob()
	snap = s.Snapshot()
	assert.Equal(t, 1, snap.JobNo)
	assert.Equal(t, 0, snap.SamplingStep)
	assert.InDelta(t, 0.5, snap.Percent(), 1e-12)
}

func TestInterruptResetByBegin(t *testing.T) {
	var s State
	s.Interrupt()
	assert.True(t, s.Interrupted())

	s.StoreLatent(tensor.New(1, 2))
	require.NotNil(t, s.Latent())

	s.Begin(1)
	assert.False(t, s.Interrupted())
	assert.Nil(t, s.Latent())
}

func TestSubscribe(t *testing.T) {
	s := New()
	updates, cancel := s.Subscribe()

	s.Begin(3)
	s.BeginSampling(10)
	s.Step()

	var last Snapshot
	for range 3 {
		last = <-updates
	}
	assert.Equal(t, 1, last.SamplingStep)
	assert.Equal(t, 3, last.JobCount)

	cancel()
	cancel()
	_, ok := <-updates
	assert.False(t, ok)

	// publishing after unsubscribe must not panic
	s.Step()
}

func TestPercentWithoutJobs(t *testing.T) {
	assert.Zero(t, Snapshot{}.Percent())
	assert.Equal(t, 1.0, Snapshot{JobCount: 1, JobNo: 3}.Percent())
}
