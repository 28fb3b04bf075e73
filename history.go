package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"img2img_alternative/databases/sqlite"
	"img2img_alternative/repositories/generations"
	"img2img_alternative/sampler"
)

func newHistoryCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			db, err := sqlite.New(cmd.Context(), cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			repo, err := generations.NewRepository(&generations.Config{DB: db})
			if err != nil {
				return err
			}

			list, err := repo.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("error listing generations: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("no generations yet")
				return nil
			}

			for _, g := range list {
				cached := ""
				if g.CacheHit {
					cached = ", cached noise"
				}
				fmt.Printf("%s  %-14s %-8s %3d steps  cfg %.1f  seed %d  %dms%s\n    %q\n",
					g.ID, humanize.Time(g.CreatedAt), g.SamplerName, g.Steps, g.CfgScale, g.Seed,
					g.DurationMs, cached, g.Prompt)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of generations to show")

	return cmd
}

func newSamplersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "samplers",
		Short: "List available samplers",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range sampler.Names() {
				fmt.Println(name)
			}
			return nil
		},
	}
}
