package alternative

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"img2img_alternative/databases/sqlite"
	"img2img_alternative/entities"
	"img2img_alternative/model/gaussian"
	"img2img_alternative/reconstruction"
	"img2img_alternative/repositories/generations"
	"img2img_alternative/state"
	"img2img_alternative/tensor"
)

func newModel(t *testing.T) *gaussian.Model {
	t.Helper()
	m, err := gaussian.New(gaussian.Config{Tokens: 4, EmbeddingDim: 8, ConditionStrength: 1})
	require.NoError(t, err)
	return m
}

func sourceLatent(t *testing.T, m *gaussian.Model, seed int64) *tensor.Tensor {
	t.Helper()
	latent, err := m.Latent(context.Background(), "a lighthouse at dusk", 1, 4, 8, seed)
	require.NoError(t, err)
	return latent
}

func decodeOptions() entities.AlternativeOptions {
	opts := entities.DefaultAlternativeOptions()
	opts.OriginalPrompt = "a lighthouse at dusk"
	opts.OriginalNegativePrompt = "blurry"
	opts.DecodeSteps = 10
	return opts
}

func TestApplyOverrides(t *testing.T) {
	req := &entities.GenerationRequest{
		Prompt:            "a lighthouse in a storm",
		NegativePrompt:    "people",
		SamplerName:       "Heun",
		Steps:             30,
		CFGScale:          7,
		DenoisingStrength: 0.6,
		Seed:              -1,
		Subseed:           5,
	}
	opts := decodeOptions()

	out := ApplyOverrides(req, opts)
	assert.Equal(t, "Euler", out.SamplerName)
	assert.Equal(t, "a lighthouse at dusk", out.Prompt)
	assert.Equal(t, "blurry", out.NegativePrompt)
	assert.Equal(t, 10, out.Steps)
	assert.Equal(t, 1.0, out.DenoisingStrength)
	assert.GreaterOrEqual(t, out.Seed, int64(0))
	assert.Equal(t, int64(5), out.Subseed)
	assert.Equal(t, 7.0, out.CFGScale)

	for key, value := range opts.ExtraParams() {
		assert.Equal(t, value, out.ExtraGenerationParams[key], key)
	}

	// the caller's request is untouched
	assert.Equal(t, "Heun", req.SamplerName)
	assert.Equal(t, int64(-1), req.Seed)
	assert.Nil(t, req.ExtraGenerationParams)

	opts.OverrideSampler = false
	opts.OverridePrompt = false
	opts.OverrideSteps = false
	opts.OverrideStrength = false
	out = ApplyOverrides(req, opts)
	assert.Equal(t, "Heun", out.SamplerName)
	assert.Equal(t, "a lighthouse in a storm", out.Prompt)
	assert.Equal(t, "people", out.NegativePrompt)
	assert.Equal(t, 30, out.Steps)
	assert.Equal(t, 0.6, out.DenoisingStrength)
	assert.Equal(t, 10, out.ExtraGenerationParams[entities.ParamDecodeSteps])
}

func TestRunReusesReconstruction(t *testing.T) {
	ctx := context.Background()
	m := newModel(t)
	alt, err := New(Config{Model: m})
	require.NoError(t, err)

	latent := sourceLatent(t, m, 11)
	req := &entities.GenerationRequest{InitLatent: latent, CFGScale: 5, BatchSize: 1, Seed: 7, Subseed: 1}

	st := state.New()
	st.Begin(1)
	first, err := alt.Run(ctx, req, decodeOptions(), st)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	// ten reconstruction steps and ten Euler steps
	assert.Equal(t, int64(20), m.Calls())
	assert.Equal(t, []int{1, 4, 8, 8}, first.Latent.Shape)
	assert.True(t, first.Latent.Finite())

	snap := st.Snapshot()
	assert.Equal(t, 2, snap.JobCount)
	assert.Equal(t, 2, snap.JobNo)
	assert.Equal(t, 1.0, snap.Percent())

	second, err := alt.Run(ctx, req, decodeOptions(), nil)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.True(t, second.Record.CacheHit)
	assert.Equal(t, int64(30), m.Calls())
	assert.InDeltaSlice(t, first.Latent.Data, second.Latent.Data, 1e-12)

	assert.Equal(t, "Euler", second.Request.SamplerName)
	assert.Equal(t, int64(7), second.Request.Seed)
	assert.Equal(t, 10, second.Record.ExtraGenerationParams[entities.ParamDecodeSteps])
	assert.True(t, second.Record.Processed)
}

func TestRandomnessOneIgnoresSource(t *testing.T) {
	ctx := context.Background()
	m := newModel(t)
	alt, err := New(Config{Model: m})
	require.NoError(t, err)

	opts := decodeOptions()
	run := func(latent *tensor.Tensor, randomness float64) *Result {
		opts.Randomness = randomness
		res, err := alt.Run(ctx, &entities.GenerationRequest{InitLatent: latent, CFGScale: 1, Seed: 3}, opts, nil)
		require.NoError(t, err)
		return res
	}

	a, b := sourceLatent(t, m, 1), sourceLatent(t, m, 2)

	fromA, fromB := run(a, 1), run(b, 1)
	assert.InDeltaSlice(t, fromA.Latent.Data, fromB.Latent.Data, 1e-6)
	assert.InDelta(t, 1, fromA.Record.NoiseStd, 0.2)

	fromA, fromB = run(a, 0), run(b, 0)
	similarity, err := tensor.CosineSimilarity(fromA.Latent, fromB.Latent)
	require.NoError(t, err)
	assert.Less(t, similarity, 0.9)
}

func TestRunRejectsInvalidOptions(t *testing.T) {
	m := newModel(t)
	alt, err := New(Config{Model: m})
	require.NoError(t, err)

	opts := decodeOptions()
	opts.DecodeSteps = 0
	req := &entities.GenerationRequest{InitLatent: sourceLatent(t, m, 1)}
	_, err = alt.Run(context.Background(), req, opts, nil)
	assert.ErrorIs(t, err, entities.ErrDecodeSteps)

	_, err = alt.Run(context.Background(), &entities.GenerationRequest{}, decodeOptions(), nil)
	assert.Error(t, err)

	opts = decodeOptions()
	opts.DecodeCFGScale = math.NaN()
	_, err = alt.Run(context.Background(), req, opts, nil)
	assert.ErrorIs(t, err, entities.ErrDecodeCFGScale)

	opts = decodeOptions()
	opts.Randomness = math.NaN()
	_, err = alt.Run(context.Background(), req, opts, nil)
	assert.ErrorIs(t, err, entities.ErrRandomness)

	req.BatchSize = 2
	_, err = alt.Run(context.Background(), req, decodeOptions(), nil)
	assert.ErrorIs(t, err, reconstruction.ErrShapeMismatch)
	assert.Zero(t, m.Calls())
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

// interruptAfter stops the job once it has taken n steps in total.
type interruptAfter struct {
	*state.State
	n     int
	steps int
}

func (p *interruptAfter) Step() {
	p.State.Step()
	p.steps++
	if p.steps == p.n {
		p.Interrupt()
	}
}

func TestInterrupt(t *testing.T) {
	m := newModel(t)
	alt, err := New(Config{Model: m})
	require.NoError(t, err)
	req := &entities.GenerationRequest{InitLatent: sourceLatent(t, m, 1), CFGScale: 1}

	// during reconstruction
	_, err = alt.Run(context.Background(), req, decodeOptions(), &interruptAfter{State: state.New(), n: 3})
	require.Error(t, err)
	assert.True(t, IsInterrupted(err))
	assert.Equal(t, 0, alt.Finder().Memo().Len())

	// during the forward pass, after the reconstruction was cached
	_, err = alt.Run(context.Background(), req, decodeOptions(), &interruptAfter{State: state.New(), n: 13})
	require.Error(t, err)
	assert.True(t, IsInterrupted(err))
	assert.Equal(t, 1, alt.Finder().Memo().Len())
}

func TestRunRecordsGeneration(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "alternative_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo, err := generations.NewRepository(&generations.Config{DB: db})
	require.NoError(t, err)

	m := newModel(t)
	alt, err := New(Config{Model: m, Repository: repo})
	require.NoError(t, err)

	res, err := alt.Run(ctx, &entities.GenerationRequest{InitLatent: sourceLatent(t, m, 4), CFGScale: 2, Seed: 99}, decodeOptions(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Record.ID)

	stored, err := repo.GetByID(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(99), stored.Seed)
	assert.Equal(t, "Euler", stored.SamplerName)
	assert.Equal(t, "a lighthouse at dusk", stored.ExtraGenerationParams[entities.ParamDecodePrompt])
	assert.False(t, stored.CacheHit)
	assert.True(t, stored.Processed)
	assert.InDelta(t, res.Record.NoiseStd, stored.NoiseStd, 1e-12)
}
