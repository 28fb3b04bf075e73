package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"img2img_alternative/alternative"
	"img2img_alternative/config"
	"img2img_alternative/databases/sqlite"
	"img2img_alternative/entities"
	"img2img_alternative/gui/progress"
	"img2img_alternative/model/gaussian"
	"img2img_alternative/queue"
	"img2img_alternative/repositories/generations"
	"img2img_alternative/schedule"
	"img2img_alternative/system"
)

type runFlags struct {
	sourcePrompt string
	sourceSeed   int64

	prompt          string
	negativePrompt  string
	sampler         string
	steps           int
	cfgScale        float64
	strength        float64
	batchSize       int
	seed            int64
	subseed         int64
	subseedStrength float64

	randomness      float64
	decodeSteps     int
	decodeCFGScale  float64
	sigmaAdjustment bool
	noProgress      bool
}

func newRunCmd(configPath *string) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate a variation of a synthetic source latent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("randomness") {
				cfg.Alternative.Randomness = f.randomness
			}
			if flags.Changed("decode-steps") {
				cfg.Alternative.DecodeSteps = f.decodeSteps
			}
			if flags.Changed("decode-cfg") {
				cfg.Alternative.DecodeCFGScale = f.decodeCFGScale
			}
			if flags.Changed("sigma-adjustment") {
				cfg.Alternative.SigmaAdjustment = f.sigmaAdjustment
			}
			if f.noProgress {
				cfg.Progress = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return run(ctx, cfg, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.sourcePrompt, "source-prompt", "a lighthouse on a cliff at dusk", "prompt the synthetic source latent is drawn for")
	flags.Int64Var(&f.sourceSeed, "source-seed", 1, "seed of the synthetic source latent")
	flags.StringVarP(&f.prompt, "prompt", "p", "", "prompt of the variation")
	flags.StringVar(&f.negativePrompt, "negative-prompt", "", "negative prompt of the variation")
	flags.StringVar(&f.sampler, "sampler", "Euler a", "sampler name, matched fuzzily")
	flags.IntVar(&f.steps, "steps", 20, "sampling steps")
	flags.Float64Var(&f.cfgScale, "cfg-scale", 7, "classifier-free guidance scale")
	flags.Float64Var(&f.strength, "strength", 0.75, "denoising strength")
	flags.IntVar(&f.batchSize, "batch-size", 1, "images per batch")
	flags.Int64Var(&f.seed, "seed", -1, "seed, -1 for random")
	flags.Int64Var(&f.subseed, "subseed", -1, "variation seed, -1 for random")
	flags.Float64Var(&f.subseedStrength, "subseed-strength", 0, "variation strength")
	flags.Float64Var(&f.randomness, "randomness", 0, "share of fresh noise mixed into the reconstruction")
	flags.IntVar(&f.decodeSteps, "decode-steps", 50, "reconstruction steps")
	flags.Float64Var(&f.decodeCFGScale, "decode-cfg", 1, "reconstruction guidance scale")
	flags.BoolVar(&f.sigmaAdjustment, "sigma-adjustment", false, "use the sigma adjusted reconstruction")
	flags.BoolVar(&f.noProgress, "no-progress", false, "do not draw a progress bar")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, f runFlags) error {
	defer logReconstructions()()

	db, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	repo, err := generations.NewRepository(&generations.Config{DB: db})
	if err != nil {
		return err
	}

	parameterization, err := schedule.ParseParameterization(cfg.Model.Parameterization)
	if err != nil {
		return err
	}
	m, err := gaussian.New(gaussian.Config{
		Parameterization:  parameterization,
		Tokens:            cfg.Model.Tokens,
		EmbeddingDim:      cfg.Model.EmbeddingDim,
		ConditionStrength: cfg.Model.ConditionStrength,
	})
	if err != nil {
		return fmt.Errorf("error creating model: %w", err)
	}

	latent, err := m.Latent(ctx, f.sourcePrompt, f.batchSize, cfg.Model.LatentChannels, cfg.Model.LatentSize, f.sourceSeed)
	if err != nil {
		return fmt.Errorf("error creating source latent: %w", err)
	}
	log.Printf("Source latent %v (%s)", latent.Shape, system.Footprint(latent.Bytes()))

	alt, err := alternative.New(alternative.Config{Model: m, Repository: repo})
	if err != nil {
		return err
	}
	q, err := queue.New(queue.Config{Runner: alt, PollInterval: 100 * time.Millisecond})
	if err != nil {
		return err
	}
	go q.Start(ctx)
	defer q.Stop()

	opts := cfg.Alternative
	if opts.OriginalPrompt == "" {
		opts.OriginalPrompt = f.sourcePrompt
	}
	item := q.NewItem(&entities.GenerationRequest{
		InitLatent:        latent,
		Prompt:            f.prompt,
		NegativePrompt:    f.negativePrompt,
		SamplerName:       f.sampler,
		Steps:             f.steps,
		CFGScale:          f.cfgScale,
		DenoisingStrength: f.strength,
		BatchSize:         f.batchSize,
		Seed:              f.seed,
		Subseed:           f.subseed,
		SubseedStrength:   f.subseedStrength,
	}, opts)

	var outcome queue.Outcome
	if cfg.Progress {
		updates, unsubscribe := item.State.Subscribe()
		finished := make(chan struct{})
		go func() {
			outcome = item.Wait(ctx)
			unsubscribe()
			close(finished)
		}()
		if _, err := q.Add(item); err != nil {
			return err
		}
		if err := progress.Run(updates, func() { _ = q.Interrupt() }); err != nil {
			log.Printf("Error showing progress: %v", err)
		}
		<-finished
	} else {
		position, err := q.Add(item)
		if err != nil {
			return err
		}
		log.Printf("Queued generation #%s at position %d", item.ID, position)
		outcome = item.Wait(ctx)
	}

	if outcome.Err != nil {
		if alternative.IsInterrupted(outcome.Err) || errors.Is(outcome.Err, context.Canceled) {
			return errors.New("generation interrupted")
		}
		return outcome.Err
	}

	res := outcome.Result
	res.Record.PrintJson()
	fmt.Printf("latent %v: mean %.4f, std %.4f\n", res.Latent.Shape, res.Latent.Mean(), res.Latent.Std())
	if memory, err := system.GetMemoryReadable(); err == nil {
		fmt.Println(memory)
	}
	return nil
}
