package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/zoobzio/capitan"

	"img2img_alternative/config"
	"img2img_alternative/reconstruction"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "img2img-alt",
		Short:   "Image variations from reconstructed diffusion noise",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")

	root.AddCommand(
		newRunCmd(&configPath),
		newHistoryCmd(&configPath),
		newSamplersCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the optional config file, .env and the environment.
func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.FromEnv(); err != nil {
		return nil, fmt.Errorf("error reading environment: %w", err)
	}
	return cfg, nil
}

// logReconstructions mirrors reconstruction lifecycle signals into the log.
func logReconstructions() func() {
	hit := capitan.Hook(reconstruction.CacheHit, func(_ context.Context, e *capitan.Event) {
		distance, _ := reconstruction.DistanceKey.From(e)
		log.Printf("Reusing reconstructed noise (fingerprint distance %d)", distance)
	})
	cancelled := capitan.Hook(reconstruction.Cancelled, func(_ context.Context, e *capitan.Event) {
		steps, _ := reconstruction.StepsKey.From(e)
		log.Printf("Noise reconstruction of %d steps cancelled", steps)
	})
	failed := capitan.Hook(reconstruction.Failed, func(_ context.Context, e *capitan.Event) {
		msg, _ := reconstruction.ErrorKey.From(e)
		log.Printf("Error reconstructing noise: %s", msg)
	})
	return func() {
		hit.Close()
		cancelled.Close()
		failed.Close()
	}
}
