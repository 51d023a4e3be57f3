package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/beanpuppy/retrobot/internal/config"
	"github.com/beanpuppy/retrobot/internal/logging"
)

type options struct {
	envFile   string
	logLevel  string
	logFormat string
	store     string
	dataDir   string
	dbPath    string
	adminAddr string

	cfg    config.Config
	logger *zap.Logger
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "retrobot:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "retrobot",
		Short:         "Play emulated games together in a chat channel",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format (console or json)")
	flags.StringVar(&opts.store, "store", "", "session store backend (dir or sqlite)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory of the dir store")
	flags.StringVar(&opts.dbPath, "db", "", "SQLite path of the sqlite store")
	flags.StringVar(&opts.adminAddr, "admin-addr", "", "admin API listen address")

	root.AddCommand(
		newServeCmd(opts),
		newRecoverCmd(opts),
		newSessionsCmd(opts),
		newStatusCmd(opts),
	)
	return root
}

// load resolves configuration: defaults, then the dotenv file and the
// environment, then any flag given on the command line.
func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	override := func(name string, dst *string, val string) {
		if flags.Changed(name) {
			*dst = val
		}
	}
	override("log-level", &cfg.LogLevel, o.logLevel)
	override("log-format", &cfg.LogFormat, o.logFormat)
	override("store", &cfg.Store, o.store)
	override("data-dir", &cfg.DataDir, o.dataDir)
	override("db", &cfg.DBPath, o.dbPath)
	override("admin-addr", &cfg.AdminAddr, o.adminAddr)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}
