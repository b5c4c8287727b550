package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/chi-demo/middleware"
	"github.com/tendant/simple-migrate/pkg/simplemigrate"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/api"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/config"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/metrics"
	memorynode "github.com/tendant/simple-migrate/pkg/simplemigrate/node/memory"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/node/rest"
)

// migrationFlags are shared by plan and run.
type migrationFlags struct {
	limit      int
	workers    int
	identifier string
}

func (f *migrationFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.limit, "limit", 0, "stop after this many accepted identifiers (0 = whole catalog)")
	cmd.Flags().IntVar(&f.workers, "workers", simplemigrate.DefaultWorkers, "chains replayed concurrently")
	cmd.Flags().StringVar(&f.identifier, "identifier", "", "replay exactly this identifier instead of the catalog")
}

// overrides returns config options for the flags set on the command line.
func (f *migrationFlags) overrides(cmd *cobra.Command) []config.Option {
	var opts []config.Option
	if cmd.Flags().Changed("limit") {
		opts = append(opts, config.WithLimit(f.limit))
	}
	if cmd.Flags().Changed("workers") {
		opts = append(opts, config.WithWorkers(f.workers))
	}
	if cmd.Flags().Changed("identifier") {
		opts = append(opts, config.WithIdentifier(f.identifier))
	}
	return opts
}

// NewPlanCommand creates the plan command
func NewPlanCommand() *cobra.Command {
	var flags migrationFlags

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "List the revision chains without writing anything",
		Long:  `Enumerate the catalog, group identifiers into revision chains and print them in replay order.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadSettings()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd, logger, flags.overrides(cmd)...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			comps, err := cfg.Build(ctx)
			if err != nil {
				return err
			}
			defer comps.Close()

			plan, err := comps.Service.Plan(ctx)
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	var flags migrationFlags
	var dryRun bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay every chain onto the destination node",
		Long: `Replay every revision chain onto the destination node. Per-chain failures are
reported and audited; the command fails only when the catalog cannot be read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := loadSettings()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd, logger, flags.overrides(cmd)...)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = settings.MetricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var extra []simplemigrate.Option
			if dryRun {
				logger.Info("Dry run: writes go to an in-memory destination")
				extra = append(extra, simplemigrate.WithDestination(memorynode.New("dry-run")))
			}
			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector())
				m := metrics.New(reg)
				extra = append(extra, simplemigrate.WithAuditSink(m.Sink()))

				srv := &http.Server{Addr: metricsAddr, Handler: metricsRouter(reg)}
				go func() {
					logger.Info("Serving metrics", "addr", metricsAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("Metrics server failed", "err", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			comps, err := cfg.Build(ctx, extra...)
			if err != nil {
				return err
			}
			defer comps.Close()

			report, err := comps.Service.Run(ctx)
			if report != nil {
				printReport(cmd.OutOrStdout(), report)
			}
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "fetch and transform everything but write to an in-memory destination")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}

func metricsRouter(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return r
}

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run ledger over HTTP",
		Long: `Serve the run ledger under /api/v1 (runs and their steps). With SERVE_NODE=true
the destination node is also served under /node so other migrations can use
it as a REST node.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := loadSettings()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd, logger)
			if err != nil {
				return err
			}
			if cfg.DatabaseType == "none" {
				return errors.New("serve requires a ledger (set DATABASE_URL)")
			}

			comps, err := cfg.Build(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			server := app.DefaultApp()
			app.RoutesHealthz(server.R)
			app.RoutesHealthzReady(server.R)

			var handlerOpts []api.HandlerOption
			handlerOpts = append(handlerOpts, api.WithLogger(logger))
			if settings.JWTSecret != "" {
				handlerOpts = append(handlerOpts, api.WithJWTSecret([]byte(settings.JWTSecret)))
			}
			runHandler := api.NewRunHandler(comps.Repository, handlerOpts...)

			var apiKeyMiddleware func(http.Handler) http.Handler
			if settings.ApiKeySHA256 != "" {
				apiKeyMiddleware, err = middleware.ApiKeyMiddleware(middleware.ApiKeyConfig{
					APIKeys: map[string]string{
						"key1": settings.ApiKeySHA256,
					},
				})
				if err != nil {
					return fmt.Errorf("failed to initialize API key middleware: %w", err)
				}
			}

			var runRoutes http.Handler = runHandler.Routes()
			if apiKeyMiddleware != nil {
				runRoutes = apiKeyMiddleware(runRoutes)
			}
			server.R.Mount("/api/v1", runRoutes)
			if settings.ServeNode {
				logger.Info("Serving destination node", "node", cfg.Destination.Name, "path", "/node")
				server.R.Mount("/node", rest.NewHandler(comps.Destination, logger).Routes())
			}

			server.Run()
			return nil
		},
	}
	return cmd
}

// NewRunsCommand creates the runs command
func NewRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadSettings()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd, logger)
			if err != nil {
				return err
			}
			if cfg.DatabaseType == "none" {
				return errors.New("runs requires a ledger (set DATABASE_URL)")
			}

			repo, closeRepo, err := cfg.BuildRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRepo()

			runs, err := repo.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func printPlan(w io.Writer, plan *simplemigrate.Plan) {
	for i, key := range plan.Chains.Keys() {
		chain := plan.Chains[key]
		fmt.Fprintf(w, "(%d) %s\n", i+1, chain)
		for _, warning := range chain.Warnings {
			fmt.Fprintf(w, "    warning: %v\n", warning)
		}
	}
	for _, err := range plan.Malformed {
		fmt.Fprintf(w, "skipped: %v\n", err)
	}
	fmt.Fprintf(w, "%d identifiers accepted, %d malformed, %d chains\n",
		plan.Accepted, len(plan.Malformed), len(plan.Chains))
}

func printReport(w io.Writer, report *simplemigrate.RunReport) {
	run := report.Run
	for _, outcome := range report.Failed() {
		fmt.Fprintf(w, "aborted %s: %v\n", outcome.Key, outcome.Err)
	}
	fmt.Fprintf(w, "run %s %s: %d chains (%d complete, %d aborted), %d created, %d updated, %d skipped\n",
		run.ID, run.Status, run.Chains, run.CompleteChains, run.AbortedChains,
		run.Created, run.Updated, run.Skipped)
}

func printRuns(w io.Writer, runs []*simplemigrate.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tCHAINS\tCREATED\tUPDATED\tABORTED")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			run.ID, run.Status, run.StartedAt.Format(time.RFC3339),
			run.Chains, run.Created, run.Updated, run.AbortedChains)
	}
	if len(runs) == 0 {
		fmt.Fprintln(tw, "(no runs recorded)")
	}
	_ = tw.Flush()
}
