package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3i-Members/member-insights-processor-sub001/internal/dispatch"
	"github.com/3i-Members/member-insights-processor-sub001/internal/filters"
	"github.com/3i-Members/member-insights-processor-sub001/internal/runlog"
	"github.com/3i-Members/member-insights-processor-sub001/internal/selection"
	"github.com/3i-Members/member-insights-processor-sub001/internal/worker"
	"github.com/3i-Members/member-insights-processor-sub001/pkg/id"
	"github.com/3i-Members/member-insights-processor-sub001/pkg/logger"
	"github.com/3i-Members/member-insights-processor-sub001/pkg/tokens"
	"github.com/3i-Members/member-insights-processor-sub001/storage"
	"github.com/3i-Members/member-insights-processor-sub001/storage/claims"
)

// NewRunCommand returns the command that executes one dispatch run.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one dispatch pass over the eligible contact population",
		Long: `Run one dispatch pass over the eligible contact population.

The run ends when the fill query returns no new candidates and all
in-flight contacts have completed. SIGINT/SIGTERM stops further fill
queries and drains in-flight workers before exiting.`,
		RunE: runDispatch,
		Args: cobra.NoArgs,
	}
	bindRunFlags(cmd)
	return cmd
}

func runDispatch(cobraCmd *cobra.Command, _ []string) error {
	config, err := ReadConfig()
	if err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}

	log, err := logger.NewLogger(config.Log.Format, config.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(cobraCmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobStart := time.Now().UTC()
	runID, err := id.NewRunID(jobStart)
	if err != nil {
		return fmt.Errorf("failed to generate run id: %w", err)
	}

	ds, err := storage.NewDatastore(config.Datastore.Engine, config.Datastore.URI,
		storage.WithLogger(log),
		storage.WithMaxOpenConns(config.Datastore.MaxOpenConns),
		storage.WithMaxIdleConns(config.Datastore.MaxIdleConns),
		storage.WithConnMaxIdleTime(config.Datastore.ConnMaxIdleTime),
		storage.WithConnMaxLifetime(config.Datastore.ConnMaxLifetime),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := ds.Close(); err != nil {
			log.Warn("datastore close failed", zap.Error(err))
		}
	}()

	filterFile, err := filters.Load(config.Selection.FiltersPath)
	if err != nil {
		return err
	}
	allowedPairs := filterFile.AllowedPairs()

	builder, err := selection.NewBuilder(selection.Config{
		EvidenceTable:    config.Selection.EvidenceTable,
		MembershipTable:  config.Selection.MembershipTable,
		ProcessedTable:   config.Selection.ProcessedTable,
		Generator:        config.Selection.Generator,
		JobStartTime:     jobStart,
		AllowedPairs:     allowedPairs,
		PrioritizeRecent: config.Selection.PrioritizeRecent,
		Placeholder:      ds.Placeholder,
	})
	if err != nil {
		return err
	}
	candidates := storage.NewCandidateSource(ds, builder)
	evidence := storage.NewEvidenceSource(ds, config.Selection.EvidenceTable,
		config.Selection.ProcessedTable, config.Selection.Generator, allowedPairs)

	primaryLog := storage.NewSQLProcessedLog(ds, config.Selection.ProcessedTable)
	if err := primaryLog.EnsureSchema(ctx); err != nil {
		return err
	}
	fallbackLog, err := storage.NewFileProcessedLog(config.Run.FallbackLogPath)
	if err != nil {
		return err
	}
	processedLog := storage.NewTieredProcessedLog(primaryLog, fallbackLog, log)

	claimStore, err := newClaimStore(ctx, config, ds)
	if err != nil {
		return err
	}

	recorder, err := runlog.NewFSRecorder(config.Run.OutputDir, runID)
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			log.Warn("run recorder close failed", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := dispatch.NewMetrics(registry)
	if config.Metrics.Enabled {
		shutdown := serveMetrics(config.Metrics.Addr, registry, log)
		defer shutdown()
	}

	// The downstream generation step is deployment-specific; this binary
	// ships an acknowledge-only processor that records what each batch
	// would contain. Deployments supply the model-backed implementation.
	processor := worker.BatchProcessorFunc(func(_ context.Context, contactID, batchID string, records []storage.EvidenceRecord) error {
		log.Info("batch dispatched",
			zap.String("contact_id", contactID),
			zap.String("batch_id", batchID),
			zap.Int("records", len(records)))
		return nil
	})

	contactWorker := worker.New(evidence, processedLog, processor,
		tokens.Budget{MaxTokens: config.Dispatch.MaxTotalTokensPerCall},
		config.Selection.Generator,
		worker.WithLogger(log),
		worker.WithRecorder(recorder),
	)

	dispatcher, err := dispatch.New(dispatch.Config{
		RunID:                 runID,
		MaxConcurrentContacts: config.Dispatch.MaxConcurrentContacts,
		FetchLimit:            config.Dispatch.FetchLimit,
		ClaimTTL:              config.Claims.TTL,
		ContentionBackoffMin:  config.Dispatch.ContentionBackoffMin,
		ContentionBackoffMax:  config.Dispatch.ContentionBackoffMax,
	}, candidates, claimStore, contactWorker,
		dispatch.WithLogger(log),
		dispatch.WithRecorder(recorder),
		dispatch.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	run, err := dispatcher.Run(ctx)
	if err != nil {
		return err
	}
	log.Info("run complete",
		zap.String("run_id", run.RunID),
		zap.String("artifacts", recorder.Dir()),
		zap.Int("scheduled", run.Totals.Scheduled),
		zap.Int("succeeded", run.Totals.Succeeded),
		zap.Int("failed", run.Totals.Failed),
		zap.Int("contended", run.Totals.Contended))
	return nil
}

func newClaimStore(ctx context.Context, config Config, ds *storage.Datastore) (claims.Store, error) {
	switch config.Claims.Medium {
	case "filesystem":
		return claims.NewFilesystemStore(config.Claims.Root)
	case "sql":
		store, err := claims.NewSQLStore(ds.DB, config.Datastore.Engine, config.Claims.Table)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return claims.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("undefined claim medium: '%s'", config.Claims.Medium)
	}
}

// serveMetrics exposes the registry on /metrics and returns a shutdown
// function.
func serveMetrics(addr string, registry *prometheus.Registry, log logger.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info("metrics endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics endpoint shutdown failed", zap.Error(err))
		}
	}
}
