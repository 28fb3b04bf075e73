package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"img2img_alternative/entities"
	"img2img_alternative/schedule"
)

// Config holds the engine configuration.
type Config struct {
	DBPath      string                      `yaml:"db_path"`
	Progress    bool                        `yaml:"progress"`
	Model       ModelConfig                 `yaml:"model"`
	Alternative entities.AlternativeOptions `yaml:"alternative"`
}

// ModelConfig shapes the built-in analytic model and its latents.
type ModelConfig struct {
	Parameterization  string  `yaml:"parameterization"`
	LatentChannels    int     `yaml:"latent_channels"`
	LatentSize        int     `yaml:"latent_size"`
	EmbeddingDim      int     `yaml:"embedding_dim"`
	Tokens            int     `yaml:"tokens"`
	ConditionStrength float64 `yaml:"condition_strength"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DBPath:   "img2img_alternative.db",
		Progress: true,
		Model: ModelConfig{
			Parameterization:  string(schedule.Epsilon),
			LatentChannels:    4,
			LatentSize:        64,
			EmbeddingDim:      64,
			Tokens:            77,
			ConditionStrength: 1,
		},
		Alternative: entities.DefaultAlternativeOptions(),
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment overrides.
const (
	EnvDBPath           = "IMG2IMG_ALT_DB_PATH"
	EnvProgress         = "IMG2IMG_ALT_PROGRESS"
	EnvParameterization = "IMG2IMG_ALT_PARAMETERIZATION"
	EnvDecodeSteps      = "IMG2IMG_ALT_DECODE_STEPS"
	EnvDecodeCFGScale   = "IMG2IMG_ALT_DECODE_CFG_SCALE"
	EnvRandomness       = "IMG2IMG_ALT_RANDOMNESS"
	EnvSigmaAdjustment  = "IMG2IMG_ALT_SIGMA_ADJUSTMENT"
)

// LoadEnv loads .env files into the process environment. Missing files are not an error.
func LoadEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	var existing []string
	for _, f := range filenames {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("error loading .env file: %w", err)
	}
	log.Println(".env file loaded successfully")
	return nil
}

// FromEnv applies IMG2IMG_ALT_* variables on top of cfg.
func (cfg *Config) FromEnv() error {
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvParameterization); v != "" {
		cfg.Model.Parameterization = v
	}

	var errs []error
	if v := os.Getenv(EnvProgress); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr(EnvProgress, err))
		cfg.Progress = b
	}
	if v := os.Getenv(EnvDecodeSteps); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr(EnvDecodeSteps, err))
		cfg.Alternative.DecodeSteps = n
	}
	if v := os.Getenv(EnvDecodeCFGScale); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, envErr(EnvDecodeCFGScale, err))
		cfg.Alternative.DecodeCFGScale = f
	}
	if v := os.Getenv(EnvRandomness); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, envErr(EnvRandomness, err))
		cfg.Alternative.Randomness = f
	}
	if v := os.Getenv(EnvSigmaAdjustment); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr(EnvSigmaAdjustment, err))
		cfg.Alternative.SigmaAdjustment = b
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return cfg.Validate()
}

func envErr(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("invalid %s: %w", name, err)
}

func (cfg *Config) Validate() error {
	if _, err := schedule.ParseParameterization(cfg.Model.Parameterization); err != nil {
		return err
	}
	if cfg.Model.LatentChannels < 1 || cfg.Model.LatentSize < 1 {
		return fmt.Errorf("latent shape must be positive, got %d channels of %dx%d",
			cfg.Model.LatentChannels, cfg.Model.LatentSize, cfg.Model.LatentSize)
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("missing db_path")
	}
	return cfg.Alternative.Validate()
}
