package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quarrylab/shufflefetch/internal/api"
	"github.com/quarrylab/shufflefetch/internal/codec"
	"github.com/quarrylab/shufflefetch/internal/config"
	"github.com/quarrylab/shufflefetch/internal/fetcher"
	"github.com/quarrylab/shufflefetch/internal/httpconn"
	"github.com/quarrylab/shufflefetch/internal/logging"
	"github.com/quarrylab/shufflefetch/internal/merge"
	"github.com/quarrylab/shufflefetch/internal/metrics"
	"github.com/quarrylab/shufflefetch/internal/output"
	"github.com/quarrylab/shufflefetch/internal/runner"
)

func newFetchCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch one partition's attempt outputs",
		Long: `Reads a work manifest, fans the per-host batches out over a fetcher
pool, and writes every output under the configured directory. SIGINT or
SIGTERM shuts the in-flight fetchers down and exits after they unwind.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFetch(cmd.Context(), manifestPath)
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to the fetch manifest (required)")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func runFetch(parent context.Context, manifestPath string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging.Development, cfg.App.ID)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	metrics.Init()

	manifest, err := runner.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	merger, err := merge.NewDirMerger(cfg.Output.Dir, log)
	if err != nil {
		return err
	}
	taskOutput, err := merge.NewDirTaskOutput(cfg.Output.Dir)
	if err != nil {
		return err
	}
	allocator := output.NewAllocator(output.Config{
		TotalBytes:     cfg.Memory.TotalBytes,
		MaxSingleBytes: cfg.MaxSingleBytes(),
	}, taskOutput, merger, log)
	merger.BindAllocator(allocator)

	c, err := codec.ForName(cfg.Codec.Compression)
	if err != nil {
		return err
	}

	cb := runner.NewTrackingCallback(log)
	builder := fetcher.NewBuilder(cb, allocator, cfg.App.ID, []byte(cfg.App.Secret)).
		WithCodec(c).
		WithConnectionParams(httpconn.Params{
			ConnectTimeout: cfg.ConnectTimeout(),
			ReadTimeout:    cfg.ReadTimeout(),
			KeepAlive:      cfg.Fetch.KeepAlive,
			BufferSize:     cfg.Fetch.BufferSize,
			SSL:            cfg.Fetch.SSL,
		}).
		WithReadAhead(cfg.Codec.Readahead, cfg.Codec.ReadaheadBytes).
		WithLogger(log)

	pool, err := runner.New(builder, cfg.Fetch.Parallelism, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	debug := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewServer(allocator, merger, log).Handler(),
	}
	go func() {
		if err := debug.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("debug server exited", zap.Error(err))
		}
	}()
	defer func() { _ = debug.Close() }()

	works := manifest.Works()
	workCh := make(chan runner.Work, len(works))
	for _, w := range works {
		workCh <- w
	}
	close(workCh)

	log.Info("starting fetch",
		zap.String("run_id", pool.RunID()),
		zap.Int("partition", manifest.Partition),
		zap.Int("hosts", len(works)),
		zap.Int("parallelism", cfg.Fetch.Parallelism))

	results := pool.Run(ctx, workCh)

	unfetched := 0
	for _, res := range results {
		unfetched += len(res.Remaining)
	}
	succeeded, failed, connectFailed, fetchedBytes := cb.Counts()
	sum := merger.Summary()
	log.Info("fetch finished",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("connect_failed", connectFailed),
		zap.Int("unfetched", unfetched),
		zap.Int64("fetched_bytes", fetchedBytes),
		zap.Int("memory_segments", sum.MemorySegments),
		zap.Int("disk_files", len(sum.DiskFiles)))

	if ctx.Err() != nil {
		return fmt.Errorf("fetch interrupted: %w", ctx.Err())
	}
	if failed > 0 || unfetched > 0 {
		return fmt.Errorf("fetch incomplete: %d failed, %d unfetched", failed, unfetched)
	}
	return nil
}
