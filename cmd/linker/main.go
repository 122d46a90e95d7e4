package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppd-epc-link/internal/audit"
	"github.com/ppd-epc-link/internal/config"
	"github.com/ppd-epc-link/internal/db"
	"github.com/ppd-epc-link/internal/etl"
	"github.com/ppd-epc-link/internal/export"
	import_pkg "github.com/ppd-epc-link/internal/import"
	"github.com/ppd-epc-link/internal/logging"
	"github.com/ppd-epc-link/internal/match"
	"github.com/ppd-epc-link/internal/metrics"
	"github.com/ppd-epc-link/internal/rules"
	"github.com/ppd-epc-link/internal/store"
	"github.com/ppd-epc-link/internal/web"
	"github.com/ppd-epc-link/internal/web/handlers"
)

var (
	configFile string
	cfg        *config.Config
	logger     *zap.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "linker",
		Short: "Price Paid to EPC address linkage",
		Long:  `Links HM Land Registry Price Paid transactions to domestic Energy Performance Certificates by exact address keys`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configFile)
			if err != nil {
				return err
			}
			logger, err = logging.New(cfg.App.Env, cfg.Log.Level)
			return err
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./linker.yaml)")

	rootCmd.AddCommand(createMigrateCmd())
	rootCmd.AddCommand(createImportCmd())
	rootCmd.AddCommand(createLinkCmd())
	rootCmd.AddCommand(createDedupeCmd())
	rootCmd.AddCommand(createExportCmd())
	rootCmd.AddCommand(createServeCmd())
	rootCmd.AddCommand(createPingCmd())
	rootCmd.AddCommand(createRulesCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if logger != nil {
		logger.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(ctx context.Context) (*db.Connection, error) {
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return conn, nil
}

func loadTable() (*rules.Table, error) {
	table, err := rules.Load(cfg.Linkage.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule table: %w", err)
	}
	return table, nil
}

func createMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			defer logging.Timing(logger, "schema migration")()
			return conn.Migrate(logger)
		},
	}
}

func createPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Test database connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			fmt.Println("Database connection successful!")
			counts, err := store.New(conn.DB, logger).Counts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Price Paid transactions: %d\n", counts.Transactions)
			fmt.Printf("EPC certificates:        %d\n", counts.Certificates)
			fmt.Printf("Links:                   %d\n", counts.Links)
			return nil
		},
	}
}

func createImportCmd() *cobra.Command {
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import source data",
		Long:  `Import the Price Paid CSV (headerless) or an EPC certificates.csv`,
	}
	importCmd.AddCommand(createImportSourceCmd("ppd", "Import a Price Paid CSV"))
	importCmd.AddCommand(createImportSourceCmd("epc", "Import an EPC certificates.csv"))
	return importCmd
}

func createImportSourceCmd(sourceType, short string) *cobra.Command {
	return &cobra.Command{
		Use:   sourceType + " [filename]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			importer := import_pkg.NewCSVImporter(store.New(conn.DB, logger), logger)
			stats, err := importer.ImportFile(cmd.Context(), sourceType, args[0])
			if err != nil {
				return fmt.Errorf("failed to import %s: %w", args[0], err)
			}
			fmt.Printf("Import complete: %d read, %d imported, %d duplicates, %d errors in %s\n",
				stats.Read, stats.Imported, stats.Duplicates, stats.Errors, stats.Took.Round(time.Millisecond))
			return nil
		},
	}
}

func createLinkCmd() *cobra.Command {
	var fromYear, toYear, workers int
	var strict bool

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link transactions to certificates for a range of years",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if cmd.Flags().Changed("workers") {
				cfg.Linkage.Workers = workers
			}
			if cmd.Flags().Changed("strict") {
				cfg.Linkage.StrictPendingStages = strict
			}

			table, err := loadTable()
			if err != nil {
				return err
			}
			conn, err := connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			from, to, err := etl.ResolveYears(fromYear, toYear, time.Now(), cfg.Linkage.MinYear)
			if err != nil {
				return err
			}

			recorder := metrics.New(prometheus.DefaultRegisterer)
			engine := match.NewEngine(table,
				match.WithLogger(logger),
				match.WithRecorder(recorder),
				match.WithStrictPending(cfg.Linkage.StrictPendingStages),
			)
			st := store.New(conn.DB, logger)
			pipeline := etl.NewPipeline(st, st, engine, recorder, logger, etl.Options{
				ChunkSize: cfg.Linkage.ChunkSize,
				Workers:   cfg.Linkage.Workers,
				MinYear:   cfg.Linkage.MinYear,
			})

			tracker := audit.NewTracker(conn.DB, logger)
			runID, err := tracker.StartRun(ctx, from, to)
			if err != nil {
				return err
			}

			summary, runErr := pipeline.Run(ctx, from, to)
			if err := finishRun(tracker, runID, summary, runErr); err != nil {
				logger.Error("failed to record link run", zap.String("run_id", runID.String()), zap.Error(err))
			}
			if runErr != nil {
				return runErr
			}

			printSummary(runID, summary)
			return nil
		},
	}

	cmd.Flags().IntVar(&fromYear, "from-year", 0, "first transfer year (default: current year, or 1995 when only --to-year is set)")
	cmd.Flags().IntVar(&toYear, "to-year", 0, "last transfer year (default: current year)")
	cmd.Flags().IntVar(&workers, "workers", 0, "partitions linked concurrently")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when a stage without rules has eligible transactions")
	return cmd
}

// finishRun stores the run outcome even when the job context was cancelled
func finishRun(tracker *audit.Tracker, runID uuid.UUID, summary *etl.Summary, runErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var totals audit.Totals
	if summary != nil {
		totals = audit.Totals{
			Partitions:        summary.Partitions,
			Transactions:      int64(summary.Transactions),
			Certificates:      int64(summary.Certificates),
			Links:             int64(summary.Links),
			Unlinked:          int64(summary.Unlinked),
			Rejected:          int64(summary.Rejected.Total()),
			DuplicatesRemoved: summary.DuplicatesRemoved,
		}
		if err := tracker.RecordRuleStats(ctx, runID, summary.Stats); err != nil {
			return err
		}
	}
	return tracker.CompleteRun(ctx, runID, totals, runErr)
}

func printSummary(runID uuid.UUID, s *etl.Summary) {
	fmt.Printf("Run %s: %d-%d\n", runID, s.FromYear, s.ToYear)
	fmt.Printf("Partitions: %d (%d skipped)\n", s.Partitions, s.Skipped)
	fmt.Printf("Transactions: %d, certificates: %d\n", s.Transactions, s.Certificates)
	fmt.Printf("Links: %d, unlinked transactions: %d, rejected records: %d\n", s.Links, s.Unlinked, s.Rejected.Total())
	fmt.Printf("Duplicate links removed: %d\n", s.DuplicatesRemoved)
	fmt.Printf("Took: %s\n\n", s.Duration.Round(time.Millisecond))

	fmt.Printf("%-18s %5s %10s %10s %10s\n", "STAGE", "RULE", "ELIGIBLE", "LINKS", "LINKED")
	for _, st := range s.Stats {
		if st.Pending {
			fmt.Printf("%-18s %5s %10d %10s %10s\n", st.Stage, "-", st.Eligible, "pending", "-")
			continue
		}
		fmt.Printf("%-18s %5d %10d %10d %10d\n", st.Stage, st.Rule, st.Eligible, st.NewLinks, st.LinkedTransactions)
	}
}

func createDedupeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe",
		Short: "Remove duplicate links",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			done := logging.Timing(logger, "duplicate sweep")
			removed, err := store.New(conn.DB, logger).DedupeLinks(cmd.Context())
			done()
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d duplicate links\n", removed)
			return nil
		},
	}
}

func createExportCmd() *cobra.Command {
	var year, fromYear, toYear int
	var outDir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write links to one CSV per transfer year",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outDir == "" {
				outDir = cfg.Export.Dir
			}
			if year != 0 {
				fromYear, toYear = year, year
			}
			from, to, err := etl.ResolveYears(fromYear, toYear, time.Now(), cfg.Linkage.MinYear)
			if err != nil {
				return err
			}

			conn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			exporter := export.NewExporter(store.New(conn.DB, logger), logger)
			paths, err := exporter.ExportRange(cmd.Context(), from, to, outDir)
			for _, p := range paths {
				fmt.Printf("Wrote %s\n", p)
			}
			return err
		},
	}

	cmd.Flags().IntVar(&year, "year", 0, "single transfer year")
	cmd.Flags().IntVar(&fromYear, "from-year", 0, "first transfer year")
	cmd.Flags().IntVar(&toYear, "to-year", 0, "last transfer year")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default export.dir)")
	return cmd
}

func createServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the linkage status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := loadTable()
			if err != nil {
				return err
			}
			conn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			api := &handlers.APIHandler{
				Runs:   audit.NewTracker(conn.DB, logger),
				Counts: store.New(conn.DB, logger),
				Table:  table,
				Logger: logger,
			}
			metrics.New(prometheus.DefaultRegisterer)
			server := web.NewServer(cfg.Web, api, prometheus.DefaultGatherer, logger)

			fmt.Printf("Serving on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
			return server.Start(cmd.Context())
		},
	}
}

func createRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the loaded stage and rule table",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := loadTable()
			if err != nil {
				return err
			}

			for _, stage := range table.Stages {
				fmt.Printf("%s", stage.Name)
				if stage.Description != "" {
					fmt.Printf(": %s", stage.Description)
				}
				fmt.Println()
				for _, p := range stage.Eligibility {
					fmt.Printf("  eligible when %s\n", p)
				}
				if stage.Pending {
					fmt.Println("  pending, no rules")
				}
				for _, r := range stage.Rules {
					fmt.Printf("  %3d  %-40s = %s\n", r.Priority, r.TransactionVariant, r.CertificateVariant)
					for _, p := range r.Transaction {
						fmt.Printf("       where transaction %s\n", p)
					}
					for _, p := range r.Certificate {
						fmt.Printf("       where certificate %s\n", p)
					}
				}
			}
			return nil
		},
	}
}
