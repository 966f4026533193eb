package main

import (
	"context"
	"errors"
	"time"

	"github.com/objectql/objectos-sub008/config"
	"github.com/objectql/objectos-sub008/logger"
	"github.com/objectql/objectos-sub008/tracing"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const version = "0.1.0"

// errReported signals that the command already printed its failure.
var errReported = errors.New("reported")

type cli struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger

	shutdownTracing tracing.ShutdownFunc
}

func newCLI() *cli {
	return &cli{v: config.New(), logger: zap.NewNop()}
}

func (c *cli) root() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "workflowctl",
		Short:             "Validate, convert and run workflow definitions",
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to config file.")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: console or json")
	flags.String("storage", "", "storage backend: memory, redis or sqlite")
	flags.Bool("trace", false, "write OpenTelemetry spans to the configured output")

	for key, flag := range map[string]string{
		"logger.level":    "log-level",
		"logger.format":   "log-format",
		"storage.type":    "storage",
		"tracing.enabled": "trace",
	} {
		if err := c.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(
		c.validateCmd(),
		c.toFlowCmd(),
		c.fromFlowCmd(),
		c.checkFlowCmd(),
		c.runCmd(),
	)
	return cmd
}

func (c *cli) setup(cmd *cobra.Command, args []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.Load(c.v, path)
	if err != nil {
		return err
	}
	c.cfg = cfg

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	c.logger = log

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(cfg.Tracing.ServiceName, version, cfg.Tracing.Output)
		if err != nil {
			return err
		}
		c.shutdownTracing = shutdown
	}
	return nil
}

func (c *cli) close() error {
	var err error
	if c.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = c.shutdownTracing(ctx)
		c.shutdownTracing = nil
	}
	_ = c.logger.Sync()
	return err
}
