package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/stepflow/config"
	"github.com/songzhibin97/stepflow/flows"
	"github.com/songzhibin97/stepflow/logging"
	"github.com/songzhibin97/stepflow/storage"
	"github.com/songzhibin97/stepflow/tracing"
	"github.com/songzhibin97/stepflow/workflow"
	"github.com/spf13/cobra"
)

var version = "dev"

// epoch anchors snowflake ids. It must stay fixed so ids from separate
// invocations sharing a store never collide.
var epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

type rootOptions struct {
	configPath string
	backend    string
	dbPath     string
	codec      string
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	opts   rootOptions
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "stepflow",
		Short:        "Run, suspend and resume durable step workflows",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.opts.configPath, "config", "c", "", "config file (yaml, json or toml)")
	f.StringVar(&a.opts.backend, "store", "", "run store backend: memory, redis or sqlite")
	f.StringVar(&a.opts.dbPath, "db", "", "SQLite database path")
	f.StringVar(&a.opts.codec, "codec", "", "snapshot codec: json or msgpack")

	root.AddCommand(
		newStartCmd(a),
		newResumeCmd(a),
		newStatusCmd(a),
		newInspectCmd(a),
		newDeleteCmd(a),
		newListCmd(a),
		newGCCmd(a),
		newWorkflowsCmd(a),
		newConfigCmd(a),
	)
	return root
}

// load resolves configuration, applying flag overrides last.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return err
	}
	if a.opts.backend != "" {
		cfg.Store.Backend = a.opts.backend
	}
	if a.opts.dbPath != "" {
		cfg.Store.SQLite.Path = a.opts.dbPath
	}
	if a.opts.codec != "" {
		cfg.Store.Codec = a.opts.codec
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

// withEngine opens the store, builds an engine with the built-in flows
// registered, runs fn and releases everything afterwards.
func (a *app) withEngine(ctx context.Context, fn func(e *workflow.Engine) error) (err error) {
	if a.cfg.Tracing.Enabled {
		shutdown, terr := tracing.Init(a.cfg.Tracing.ServiceName, version, a.cfg.Tracing.OutputFile)
		if terr != nil {
			return fmt.Errorf("failed to initialise tracing: %w", terr)
		}
		defer func() {
			err = errors.Join(err, shutdown(context.WithoutCancel(ctx)))
		}()
	}

	store, closeStore, err := openStore(a.cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeStore())
	}()

	e, err := workflow.NewEngine(
		generator.NewSnowflake(epoch, a.cfg.Engine.MachineID),
		store,
		workflow.WithLogger(a.logger),
		workflow.WithEventBufferSize(a.cfg.Engine.EventBufferSize),
		workflow.WithCacheTTL(a.cfg.Engine.CacheTTL),
	)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, e.Stop(context.WithoutCancel(ctx)))
	}()

	if err := flows.Register(e); err != nil {
		return fmt.Errorf("failed to register workflows: %w", err)
	}
	return fn(e)
}

// openStore builds the configured RunStore and its release function.
func openStore(cfg config.StoreConfig) (storage.RunStore, func() error, error) {
	codec, err := storage.CodecByName(cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(codec), noop, nil
	case config.BackendRedis:
		s, err := storage.NewRedisStore(storage.RedisOptions{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			KeyPrefix:   cfg.Redis.KeyPrefix,
			TerminalTTL: cfg.Redis.TerminalTTL,
			Codec:       codec,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.BackendSQLite:
		s, err := storage.NewSQLiteStore(cfg.SQLite.Path, codec)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
