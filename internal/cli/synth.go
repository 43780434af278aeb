package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/photdb/internal/synth"
	"github.com/okian/photdb/pkg/logger"
)

const waitTimeout = 5 * time.Minute

func newSynthCommand(e *env) *cobra.Command {
	var (
		cfg       = synth.DefaultConfig()
		outDir    string
		baseURL   string
		workers   int
		reconcile bool
	)
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Generate a synthetic field and write or submit its exposures",
		Long: `Synth generates a field of sources observed in several exposures with
gaussian positional scatter. The batches are written as YAML files with
--out, or posted to a running server with --url.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (outDir == "") == (baseURL == "") {
				return errors.New("exactly one of --out or --url is required")
			}
			ctx := cmd.Context()
			survey, err := synth.Generate(cfg)
			if err != nil {
				return err
			}
			e.log.Info(ctx, "survey generated",
				logger.Int("sources", len(survey.Sources)),
				logger.Int("exposures", len(survey.Batches)),
				logger.Int("detections", survey.Detections()))

			if outDir != "" {
				paths, err := synth.WriteBatches(outDir, survey.Batches)
				if err != nil {
					return err
				}
				return e.render(paths, func(w io.Writer) {
					for _, p := range paths {
						fmt.Fprintln(w, p)
					}
				})
			}

			client := synth.NewClient(baseURL, synth.WithClientLogger(e.log.Named("synth")))
			if err := client.Health(ctx); err != nil {
				return err
			}
			stats, err := client.Submit(ctx, survey.Batches, workers)
			if err != nil {
				return err
			}
			out := struct {
				Submit    synth.SubmitStats `json:"submit"`
				Reconcile any               `json:"reconcile,omitempty"`
			}{Submit: stats}
			if reconcile {
				wctx, cancel := context.WithTimeout(ctx, waitTimeout)
				defer cancel()
				if _, err := client.WaitIngested(wctx, stats.Accepted, 0); err != nil {
					return fmt.Errorf("wait for ingest: %w", err)
				}
				rep, err := client.Reconcile(ctx)
				if err != nil {
					return err
				}
				out.Reconcile = rep
			}
			return e.render(out, func(w io.Writer) {
				row(w, "ACCEPTED", "DUPLICATE", "FAILED", "ELAPSED")
				row(w, stats.Accepted, stats.Duplicate, stats.Failed, stats.Elapsed)
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&cfg.Exposures, "exposures", cfg.Exposures, "number of exposures")
	f.IntVar(&cfg.Sources, "sources", cfg.Sources, "number of sources in the field")
	f.Float64Var(&cfg.RA, "ra", cfg.RA, "field centre right ascension in degrees")
	f.Float64Var(&cfg.Dec, "dec", cfg.Dec, "field centre declination in degrees")
	f.Float64Var(&cfg.FieldDeg, "field", cfg.FieldDeg, "field side in degrees")
	f.Float64Var(&cfg.JitterArcsec, "jitter", cfg.JitterArcsec, "1-sigma positional scatter in arcseconds")
	f.Float64Var(&cfg.DetectFraction, "detect", cfg.DetectFraction, "probability a source is detected per exposure")
	f.Float64Var(&cfg.RefFraction, "ref", cfg.RefFraction, "fraction of sources with a reference position")
	f.StringVar(&cfg.Filter, "filter", cfg.Filter, "filter name")
	f.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	f.StringVar(&outDir, "out", "", "directory to write batch files to")
	f.StringVar(&baseURL, "url", "", "base URL of a running server")
	f.IntVar(&workers, "workers", 4, "concurrent submissions")
	f.BoolVar(&reconcile, "reconcile", false, "wait for ingest and reconcile after submitting")
	return cmd
}
