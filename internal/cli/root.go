// Package cli implements the photdb command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	service "github.com/okian/photdb/internal/app"
	"github.com/okian/photdb/internal/config"
	"github.com/okian/photdb/pkg/logger"
)

// Output formats.
const (
	outputTable = "table"
	outputJSON  = "json"
)

// env is shared by every subcommand of one root command.
type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath string
	driver     string
	dsn        string
	logLevel   string
	output     string

	cfg *config.Config
	log logger.Logger
}

// NewRootCommand builds the photdb command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	e := &env{stdin: stdin, stdout: stdout, stderr: stderr}

	rc := &cobra.Command{
		Use:   "photdb",
		Short: "photdb is a photometric survey catalog with a cross-match engine.",
		Long: `photdb stores survey exposures and their detections, and links every
detection to a reference object on the sky.

Configuration is read from defaults, the YAML file named by --config or
PHOTDB_CONFIG, PHOTDB_* environment variables and finally the flags below.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.setup(cmd.Context())
		},
	}
	rc.PersistentFlags().StringVarP(&e.configPath, "config", "c", "", "YAML configuration file")
	rc.PersistentFlags().StringVar(&e.driver, "driver", "", "store driver: memory, sqlite, postgres or mysql")
	rc.PersistentFlags().StringVar(&e.dsn, "dsn", "", "store data source name")
	rc.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "debug, info, warn or error")
	rc.PersistentFlags().StringVarP(&e.output, "output", "o", outputTable, "output format: table or json")

	rc.AddCommand(newServeCommand(e))
	rc.AddCommand(newMigrateCommand(e))
	rc.AddCommand(newIngestCommand(e))
	rc.AddCommand(newReconcileCommand(e))
	rc.AddCommand(newMatchCommand(e))
	rc.AddCommand(newCandidatesCommand(e))
	rc.AddCommand(newObjectCommand(e))
	rc.AddCommand(newObjectsCommand(e))
	rc.AddCommand(newExposureCommand(e))
	rc.AddCommand(newStatsCommand(e))
	rc.AddCommand(newSynthCommand(e))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// setup loads configuration, applies flag overrides and initialises logging
// on stderr so stdout carries only command output.
func (e *env) setup(ctx context.Context) error {
	path := e.configPath
	if path == "" {
		return e.load(ctx, config.Load)
	}
	return e.load(ctx, func(ctx context.Context) (*config.Config, error) {
		return config.LoadFile(ctx, path)
	})
}

func (e *env) load(ctx context.Context, loadFn func(context.Context) (*config.Config, error)) error {
	cfg, err := loadFn(ctx)
	if err != nil {
		return err
	}
	if e.driver != "" {
		cfg.Driver = e.driver
	}
	if e.dsn != "" {
		cfg.DSN = e.dsn
	}
	if e.logLevel != "" {
		cfg.LogLevel = e.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if e.output != outputTable && e.output != outputJSON {
		return fmt.Errorf("unknown output format %q", e.output)
	}

	if err := logger.Init(logger.WithFormat(cfg.LogFormat), logger.WithOutput(e.stderr)); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	e.log = logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		e.log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	e.cfg = cfg
	return nil
}

// openService starts a service on the configured store. The background
// reconcile loop only runs when background is set. The returned func stops
// the service and releases the locker.
func (e *env) openService(ctx context.Context, background bool, extra ...service.Option) (*service.Service, func(), error) {
	locker, closeLocker, err := service.OpenLocker(ctx, e.cfg, e.log.Named("lock"))
	if err != nil {
		return nil, nil, fmt.Errorf("open locker: %w", err)
	}

	opts := service.Options(e.cfg)
	if !background {
		opts = append(opts, service.WithReconcile(e.cfg.BatchSize, e.cfg.ReconcileWorkers, 0))
	}
	opts = append(opts, service.WithLogger(e.log.Named("service")), service.WithLocker(locker, e.cfg.LockCellDeg))
	opts = append(opts, extra...)

	svc := service.New(opts...)
	if err := svc.Start(ctx); err != nil {
		_ = closeLocker()
		return nil, nil, err
	}
	return svc, func() {
		if err := svc.Stop(context.WithoutCancel(ctx)); err != nil {
			e.log.Error(ctx, "stop service", logger.Error(err))
		}
		if err := closeLocker(); err != nil {
			e.log.Error(ctx, "close locker", logger.Error(err))
		}
	}, nil
}
