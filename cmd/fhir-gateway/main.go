// Package main implements the fhir-gateway CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/gofhir/gateway/pkg/artifact"
	"github.com/gofhir/gateway/pkg/config"
	"github.com/gofhir/gateway/pkg/engine"
	"github.com/gofhir/gateway/pkg/gateway"
	"github.com/gofhir/gateway/pkg/logger"
	"github.com/gofhir/gateway/pkg/metrics"
)

const version = "0.1.0"

// errSilent makes the process exit with status 1 after the command already
// reported the problem.
var errSilent = errors.New("silent failure")

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	configFile   string
	igDir        string
	packageCache string
	load         []string
	logLevel     string
	logFormat    string
	workers      int
}

// app carries what the subcommands share.
type app struct {
	flags  globalFlags
	cfg    *config.Config
	log    *logger.Logger
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader

	promReg *prometheus.Registry
	metrics *metrics.Metrics
	store   *artifact.Store
	gateway *gateway.Gateway
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes the CLI and returns the exit status.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if a.log != nil {
		_ = a.log.Sync()
	}
	if err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fhir-gateway",
		Short:         "Validate FHIR resources against implementation guide profiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.configure(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configFile, "config", "", "YAML configuration file")
	pf.StringVar(&a.flags.igDir, "igs", "", "Artifact directory holding implementation guide packages (default ./igs)")
	pf.StringVar(&a.flags.packageCache, "package-cache", "", "FHIR package cache (default ~/.fhir/packages)")
	pf.StringArrayVar(&a.flags.load, "load", nil, "Profile to load after initialization: canonical, URL, name#version or path (repeatable)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "Log format: console, json")
	pf.IntVar(&a.flags.workers, "workers", 0, "Concurrent package loads and validations")

	root.AddCommand(
		a.validateCmd(),
		a.listCmd("resources", "List the concrete resource types", func(s *artifact.Store) []string { return s.ResourceNames() }),
		a.listCmd("structures", "List the canonical URLs of all StructureDefinitions", func(s *artifact.Store) []string { return s.StructureCanonicals() }),
		a.serveCmd(),
		a.versionCmd(),
	)
	return root
}

// configure loads the configuration and applies the flags on top of it.
func (a *app) configure(cmd *cobra.Command) error {
	cfg, err := config.Load(a.flags.configFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("igs") {
		cfg.IGDir = a.flags.igDir
	}
	if flags.Changed("package-cache") {
		cfg.PackageCache = a.flags.packageCache
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.flags.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.flags.logFormat
	}
	if flags.Changed("workers") {
		cfg.Workers = a.flags.workers
	}
	cfg.Profiles = append(cfg.Profiles, a.flags.load...)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := cfg.Logger(a.stderr)
	if err != nil {
		return err
	}
	a.log = log
	logger.SetDefault(a.log)
	a.cfg = cfg
	return nil
}

// setup opens the artifact store and builds the gateway. A failure is
// reported once and ends the process.
func (a *app) setup(ctx context.Context) error {
	a.promReg = prometheus.NewRegistry()
	a.metrics = metrics.New(a.promReg)

	opts := []artifact.Option{
		artifact.WithFetchTimeout(a.cfg.FetchTimeout),
		artifact.WithMaxDownloadBytes(a.cfg.MaxDownloadBytes),
		artifact.WithWorkers(a.cfg.Workers),
		artifact.WithMetrics(a.metrics),
		artifact.WithLogger(a.log),
	}
	if a.cfg.PackageCache != "" {
		opts = append(opts, artifact.WithPackageCache(a.cfg.PackageCache))
	}

	a.log.Info("Initializing validator from %s", a.cfg.IGDir)
	store, err := artifact.Open(ctx, a.cfg.IGDir, opts...)
	if err != nil {
		fmt.Fprintf(a.stderr, "There was an error initializing the validator: %v\n", err)
		return errSilent
	}

	eng, err := engine.New(store, engine.WithLogger(a.log))
	if err != nil {
		fmt.Fprintf(a.stderr, "There was an error initializing the validator: %v\n", err)
		return errSilent
	}

	for _, id := range a.cfg.Profiles {
		if err := store.LoadProfile(ctx, id); err != nil {
			a.log.Warn("%v", err)
		}
	}

	a.store = store
	a.gateway = gateway.New(eng, gateway.WithMetrics(a.metrics), gateway.WithLogger(a.log))
	return nil
}

func (a *app) listCmd(use, short string, list func(*artifact.Store) []string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			for _, name := range list(a.store) {
				fmt.Fprintln(a.stdout, name)
			}
			return nil
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(a.stdout, "fhir-gateway v%s\n", version)
		},
	}
}
