package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/okian/photdb/internal/adapters/repository"
	service "github.com/okian/photdb/internal/app"
	"github.com/okian/photdb/internal/config"
	"github.com/okian/photdb/internal/domain/catalog"
	"github.com/okian/photdb/internal/domain/model"
	"github.com/okian/photdb/internal/domain/types"
	"github.com/okian/photdb/pkg/logger"
)

// withService runs fn against a started service without the background
// reconcile loop.
func (e *env) withService(ctx context.Context, fn func(*service.Service) error) error {
	svc, stop, err := e.openService(ctx, false)
	if err != nil {
		return err
	}
	defer stop()
	return fn(svc)
}

func newMigrateCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if e.cfg.Driver == config.DriverMemory {
				fmt.Fprintln(e.stdout, "memory store has no schema")
				return nil
			}
			dialect, err := repository.ParseDialect(e.cfg.Driver)
			if err != nil {
				return err
			}
			st, err := repository.OpenSQL(ctx, dialect, e.cfg.DSN,
				repository.WithMaxOpenConns(e.cfg.MaxOpenConns),
				repository.WithSQLLogger(e.log.Named("sql")),
			)
			if err != nil {
				return err
			}
			defer st.Close()
			applied, err := st.Migrate(ctx)
			if err != nil {
				return err
			}
			version, err := st.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			out := struct {
				Applied int `json:"applied"`
				Version int `json:"version"`
			}{applied, version}
			return e.render(out, func(w io.Writer) {
				row(w, "APPLIED", "VERSION")
				row(w, out.Applied, out.Version)
			})
		},
	}
}

func newIngestCommand(e *env) *cobra.Command {
	var reconcile bool
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest exposure batches from YAML or JSON files",
		Long: `Ingest reads each file as one exposure batch and stores it synchronously.
A file named "-" is read from standard input.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return e.withService(ctx, func(svc *service.Service) error {
				reports := make([]catalog.IngestReport, 0, len(args))
				for _, path := range args {
					b, err := e.readBatch(path)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					rep, err := svc.Ingest(ctx, b)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					e.log.Debug(ctx, "batch ingested", logger.String("file", path), logger.String("exposure", rep.ExposureID))
					reports = append(reports, rep)
				}
				var rec *catalog.Report
				if reconcile {
					r, err := svc.Reconcile(ctx, 0, 0, 0)
					if err != nil {
						return err
					}
					rec = &r
				}
				out := struct {
					Ingested  []catalog.IngestReport `json:"ingested"`
					Reconcile *catalog.Report        `json:"reconcile,omitempty"`
				}{reports, rec}
				return e.render(out, func(w io.Writer) {
					row(w, "EXPOSURE", "MEASUREMENTS", "SKIPPED", "CREATED", "MATCHED", "FAILED", "ELAPSED")
					for _, r := range reports {
						row(w, r.ExposureID, r.Measurements, r.Skipped, r.ObjectsCreated, r.ObjectsMatched, r.ObjectsFailed, r.Elapsed)
					}
					if rec != nil {
						fmt.Fprintln(w)
						reportRows(w, *rec)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "reconcile unmatched measurements after ingest")
	return cmd
}

func (e *env) readBatch(path string) (catalog.Batch, error) {
	if path == "-" {
		return catalog.DecodeBatch(e.stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return catalog.Batch{}, err
	}
	defer f.Close()
	return catalog.DecodeBatch(f)
}

func reportRows(w io.Writer, r catalog.Report) {
	row(w, "RUN", "PASSES", "MATCHED", "CREATED", "FAILED", "ELAPSED")
	row(w, r.RunID, r.Passes, r.Matched, r.Created, r.Failed, r.Elapsed)
}

func newReconcileCommand(e *env) *cobra.Command {
	var (
		tol       float64
		batchSize int
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Link every unmatched measurement to a reference object",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tol < 0 || batchSize < 0 || workers < 0 {
				return fmt.Errorf("tolerance, batch size and workers must not be negative")
			}
			ctx := cmd.Context()
			return e.withService(ctx, func(svc *service.Service) error {
				rep, err := svc.Reconcile(ctx, tol, batchSize, workers)
				if err != nil {
					return err
				}
				return e.render(rep, func(w io.Writer) { reportRows(w, rep) })
			})
		},
	}
	cmd.Flags().Float64Var(&tol, "tolerance", 0, "match tolerance in arcseconds (default match_tolerance_arcsec)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "measurements per pass (default batch_size)")
	cmd.Flags().IntVar(&workers, "workers", 0, "partitioned workers (default reconcile_workers)")
	return cmd
}

func parsePosition(args []string) (float64, float64, error) {
	ra, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("ra: %w", err)
	}
	dec, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("dec: %w", err)
	}
	return ra, dec, nil
}

func newMatchCommand(e *env) *cobra.Command {
	var tol float64
	cmd := &cobra.Command{
		Use:   "match <ra> <dec>",
		Short: "Find the nearest reference object within a tolerance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ra, dec, err := parsePosition(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return e.withService(ctx, func(svc *service.Service) error {
				res, err := svc.Match(ctx, ra, dec, tol)
				if err != nil {
					return err
				}
				return e.render(res, func(w io.Writer) { matchRows(w, res) })
			})
		},
	}
	cmd.Flags().Float64Var(&tol, "tolerance", 0, "tolerance in arcseconds (default match_tolerance_arcsec)")
	return cmd
}

func matchRows(w io.Writer, res types.MatchResult) {
	if !res.Matched {
		fmt.Fprintf(w, "no object within %s arcsec\n", strconv.FormatFloat(res.Tolerance, 'f', -1, 64))
		return
	}
	objectRows(w, *res.Object)
}

func newCandidatesCommand(e *env) *cobra.Command {
	var radius float64
	cmd := &cobra.Command{
		Use:   "candidates <ra> <dec>",
		Short: "List reference objects inside the candidate box",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ra, dec, err := parsePosition(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return e.withService(ctx, func(svc *service.Service) error {
				objs, err := svc.Candidates(ctx, ra, dec, radius)
				if err != nil {
					return err
				}
				if objs == nil {
					objs = []model.ReferenceObject{}
				}
				return e.render(objs, func(w io.Writer) { objectRows(w, objs...) })
			})
		},
	}
	cmd.Flags().Float64Var(&radius, "radius", 0, "search radius in arcseconds (default match_tolerance_arcsec)")
	return cmd
}

func newObjectCommand(e *env) *cobra.Command {
	var q catalog.VisitQuery
	cmd := &cobra.Command{
		Use:   "object <id>",
		Short: "Show a reference object with its light curve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("object id: %w", err)
			}
			ctx := cmd.Context()
			return e.withService(ctx, func(svc *service.Service) error {
				sum, err := svc.Object(ctx, id, q)
				if err != nil {
					return err
				}
				return e.render(sum, func(w io.Writer) {
					objectRows(w, sum.Object)
					fmt.Fprintln(w)
					row(w, "VISITS", "MEAN_MAG", "STD_MAG")
					row(w, len(sum.Visits), sum.MeanMag, sum.StdMag)
					if len(sum.Visits) == 0 {
						return
					}
					fmt.Fprintln(w)
					visitRows(w, sum.Visits)
				})
			})
		},
	}
	cmd.Flags().IntVar(&q.MinVisits, "min-visits", service.DefaultMinVisits, "minimum linked visits to list")
	cmd.Flags().StringVar(&q.Filter, "filter", "", "only visits taken through this filter")
	cmd.Flags().StringSliceVar(&q.ExposureIDs, "exposure", nil, "only visits from these exposures (repeatable)")
	return cmd
}

func newObjectsCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "objects <min-id> <max-id>",
		Short: "List reference objects with ids in an inclusive range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			minID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("min id: %w", err)
			}
			maxID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("max id: %w", err)
			}
			ctx := cmd.Context()
			return e.withService(ctx, func(svc *service.Service) error {
				objs, err := svc.Objects(ctx, minID, maxID)
				if err != nil {
					return err
				}
				if objs == nil {
					objs = []model.ReferenceObject{}
				}
				return e.render(objs, func(w io.Writer) { objectRows(w, objs...) })
			})
		},
	}
}

func newExposureCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "exposure",
		Aliases: []string{"exposures"},
		Short:   "Inspect and calibrate exposures",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one exposure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return e.withService(ctx, func(svc *service.Service) error {
				x, err := svc.GetExposure(ctx, args[0])
				if err != nil {
					return err
				}
				return e.render(x, func(w io.Writer) { exposureRows(w, x) })
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <filter>",
		Short: "List exposure ids taken through a filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return e.withService(ctx, func(svc *service.Service) error {
				ids, err := svc.ListExposures(ctx, args[0])
				if err != nil {
					return err
				}
				if ids == nil {
					ids = []string{}
				}
				return e.render(ids, func(w io.Writer) {
					for _, id := range ids {
						fmt.Fprintln(w, id)
					}
				})
			})
		},
	}

	zeropoint := &cobra.Command{
		Use:   "zeropoint <id> <photzp>",
		Short: "Record the calibrated zero-point of an exposure",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			zp, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("photzp: %w", err)
			}
			ctx := cmd.Context()
			return e.withService(ctx, func(svc *service.Service) error {
				if err := svc.SetZeroPoint(ctx, args[0], zp); err != nil {
					return err
				}
				x, err := svc.GetExposure(ctx, args[0])
				if err != nil {
					return err
				}
				return e.render(x, func(w io.Writer) { exposureRows(w, x) })
			})
		},
	}

	visits := &cobra.Command{
		Use:   "visits <id>",
		Short: "List the detections recorded in one exposure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return e.withService(ctx, func(svc *service.Service) error {
				ev, err := svc.ExposureVisits(ctx, args[0])
				if err != nil {
					return err
				}
				if ev.Visits == nil {
					ev.Visits = []catalog.Visit{}
				}
				return e.render(ev, func(w io.Writer) {
					exposureRows(w, ev.Exposure)
					fmt.Fprintln(w)
					visitRows(w, ev.Visits)
				})
			})
		},
	}

	cmd.AddCommand(get, list, zeropoint, visits)
	return cmd
}

func newStatsCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show catalog statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return e.withService(ctx, func(svc *service.Service) error {
				st, err := svc.GetStats(ctx)
				if err != nil {
					return err
				}
				return e.render(st, func(w io.Writer) {
					row(w, "DRIVER", "EXPOSURES", "MEASUREMENTS", "UNMATCHED", "OBJECTS")
					row(w, st.Driver, st.Catalog.Exposures, st.Catalog.Measurements, st.Catalog.Unmatched, st.Catalog.Objects)
				})
			})
		},
	}
}
