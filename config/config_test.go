package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"img2img_alternative/entities"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.Alternative.DecodeSteps)
	assert.Equal(t, 1.0, cfg.Alternative.DecodeCFGScale)
	assert.True(t, cfg.Alternative.OverrideSampler)
	assert.False(t, cfg.Alternative.SigmaAdjustment)
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_DB_DIR", "/var/lib/alt")
	path := writeFile(t, "config.yaml", `
db_path: ${TEST_DB_DIR}/gens.db
progress: false
model:
  parameterization: v
  latent_size: 32
alternative:
  original_prompt: a cottage
  decode_steps: 20
  decode_cfg_scale: 1.5
  randomness: 0.25
  sigma_adjustment: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/alt/gens.db", cfg.DBPath)
	assert.False(t, cfg.Progress)
	assert.Equal(t, "v", cfg.Model.Parameterization)
	assert.Equal(t, 32, cfg.Model.LatentSize)
	assert.Equal(t, 4, cfg.Model.LatentChannels, "unset keys keep defaults")
	assert.Equal(t, "a cottage", cfg.Alternative.OriginalPrompt)
	assert.Equal(t, 20, cfg.Alternative.DecodeSteps)
	assert.Equal(t, 0.25, cfg.Alternative.Randomness)
	assert.True(t, cfg.Alternative.SigmaAdjustment)
	assert.True(t, cfg.Alternative.OverrideStrength)
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	tests := map[string]struct {
		yaml string
		err  error
	}{
		"steps":      {"alternative:\n  decode_steps: 151\n", entities.ErrDecodeSteps},
		"cfg":        {"alternative:\n  decode_cfg_scale: 15.5\n", entities.ErrDecodeCFGScale},
		"randomness": {"alternative:\n  randomness: -0.1\n", entities.ErrRandomness},
		"nan cfg":    {"alternative:\n  decode_cfg_scale: .nan\n", entities.ErrDecodeCFGScale},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tt.yaml))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	_, err := Load(writeFile(t, "config.yaml", "model:\n  parameterization: x0\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	envFile := writeFile(t, ".env", "IMG2IMG_ALT_DECODE_STEPS=30\nIMG2IMG_ALT_RANDOMNESS=0.5\n")
	require.NoError(t, LoadEnv(envFile))
	t.Cleanup(func() {
		_ = os.Unsetenv(EnvDecodeSteps)
		_ = os.Unsetenv(EnvRandomness)
	})
	t.Setenv(EnvSigmaAdjustment, "true")
	t.Setenv(EnvProgress, "false")

	cfg := Default()
	require.NoError(t, cfg.FromEnv())
	assert.Equal(t, 30, cfg.Alternative.DecodeSteps)
	assert.Equal(t, 0.5, cfg.Alternative.Randomness)
	assert.True(t, cfg.Alternative.SigmaAdjustment)
	assert.False(t, cfg.Progress)

	t.Setenv(EnvRandomness, "NaN")
	assert.ErrorIs(t, Default().FromEnv(), entities.ErrRandomness)

	t.Setenv(EnvDecodeCFGScale, "lots")
	assert.Error(t, Default().FromEnv())
}

func TestLoadEnvToleratesMissingFile(t *testing.T) {
	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), ".env")))
}
