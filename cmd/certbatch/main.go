// Command certbatch runs one generate/send batch from a YAML job file
// without the HTTP server. Progress lines go to stdout, logs to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/JonMunkholm/certmailer/internal/checkpoint"
	"github.com/JonMunkholm/certmailer/internal/config"
	"github.com/JonMunkholm/certmailer/internal/core"
	"github.com/JonMunkholm/certmailer/internal/credentials"
	"github.com/JonMunkholm/certmailer/internal/dataset"
	"github.com/JonMunkholm/certmailer/internal/delivery"
	"github.com/JonMunkholm/certmailer/internal/logging"
	"github.com/JonMunkholm/certmailer/internal/render"
	"github.com/joho/godotenv"
)

func main() {
	jobPath := flag.String("job", "", "path to the YAML job file")
	resume := flag.String("checkpoint", "", "checkpoint id to resume (overrides the job file)")
	validateOnly := flag.Bool("validate", false, "validate the job and exit")
	list := flag.Bool("list", false, "list saved checkpoints and exit")
	flag.Parse()

	// Load keeps variables already set in the shell.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		die("load configuration: %v", err)
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	os.Exit(run(cfg, logger, options{
		jobPath:      *jobPath,
		checkpointID: *resume,
		validateOnly: *validateOnly,
		list:         *list,
	}))
}

type options struct {
	jobPath      string
	checkpointID string
	validateOnly bool
	list         bool
}

func run(cfg *config.Config, logger *slog.Logger, opts options) int {
	ctx := context.Background()

	store, closeStore, err := checkpoint.Open(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open checkpoint store: %v\n", err)
		return 1
	}
	defer closeStore()

	if opts.list {
		return listCheckpoints(ctx, os.Stdout, store)
	}

	if strings.TrimSpace(opts.jobPath) == "" && opts.checkpointID == "" {
		fmt.Fprintln(os.Stderr, "-job or -checkpoint is required")
		return 2
	}

	jobCfg, err := loadJob(ctx, store, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ds, err := dataset.Open(jobCfg.DataRef)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load dataset: %v\n", err)
		return 1
	}

	mailer := delivery.New(delivery.Options{
		Host:    cfg.SMTP.Host,
		Port:    cfg.SMTP.Port,
		TLS:     cfg.SMTP.TLS,
		Timeout: cfg.SMTP.Timeout,
		Logger:  logger,
	})
	orch := core.New(
		core.WithRenderer(render.New(render.Options{
			OutputDir: cfg.Render.OutputDir,
			Command:   render.ParseCommand(cfg.Render.Command),
			Extension: cfg.Render.Extension,
			Timeout:   cfg.Render.Timeout,
			Logger:    logger,
		})),
		core.WithMailer(mailer),
		core.WithCredentials(credentials.Chain{
			credentials.Static{Address: cfg.SMTP.Username, Secret: cfg.SMTP.Password},
			credentials.NewFile(cfg.SMTP.CredentialsFile),
		}),
		core.WithCheckpointStore(store),
		core.WithRetryPolicy(core.RetryPolicy{
			MaxAttempts: cfg.Batch.MaxAttempts,
			Delay:       cfg.Batch.RetryDelay,
			Multiplier:  cfg.Batch.RetryMultiplier,
			MaxDelay:    cfg.Batch.MaxRetryDelay,
		}),
		core.WithSendInterval(cfg.Batch.SendInterval),
		core.WithLogCapacity(cfg.Batch.LogBuffer),
		core.WithFailedRowsPath(cfg.Batch.FailedRowsPath),
		core.WithLogger(logger),
	)

	if opts.validateOnly {
		report, err := orch.Validate(ctx, ds, jobCfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, core.FormatUserError(err))
			return 1
		}
		return printReport(os.Stdout, ds.Len(), report)
	}

	job, err := orch.Start(ctx, ds, jobCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, core.FormatUserError(err))
		return 1
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		if err := job.Stop(); errors.Is(err, core.ErrAlreadyStopped) {
			return
		}
		fmt.Fprintln(os.Stderr, "stop requested, finishing the current row (Ctrl-C again to abort)")

		// A second signal abandons the row in flight.
		<-sigCh
		fmt.Fprintln(os.Stderr, "aborting")
		os.Exit(130)
	}()

	streamProgress(ctx, os.Stdout, job)
	<-job.Done()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "error", err)
	}

	summary := job.Summary()
	printSummary(os.Stdout, summary, cfg.Batch.FailedRowsPath)
	if summary.FailedCount > 0 {
		return 1
	}
	return 0
}

// loadJob builds the job configuration from the job file, the saved
// checkpoint, or both. A checkpoint alone reuses its saved configuration.
func loadJob(ctx context.Context, store checkpoint.Store, opts options) (core.JobConfig, error) {
	var jobCfg core.JobConfig
	if opts.jobPath != "" {
		jf, err := readJobFile(opts.jobPath)
		if err != nil {
			return jobCfg, err
		}
		jobCfg = jf.config()
	}
	if opts.checkpointID != "" {
		jobCfg.CheckpointID = opts.checkpointID
	}

	if jobCfg.CheckpointID != "" && jobCfg.Mode == "" {
		cp, err := store.Load(ctx, jobCfg.CheckpointID)
		if err != nil {
			return jobCfg, errors.New(core.FormatUserError(err))
		}
		dataRef := jobCfg.DataRef
		jobCfg = cp.Config
		jobCfg.CheckpointID = cp.ID
		if dataRef != "" {
			jobCfg.DataRef = dataRef
		}
	}

	if jobCfg.DataRef == "" {
		return jobCfg, errors.New("no dataset given: set dataset in the job file")
	}
	return jobCfg, nil
}

// streamProgress prints log lines as they arrive until the job finishes.
func streamProgress(ctx context.Context, w io.Writer, job *core.Job) {
	obs := job.Subscribe()
	defer obs.Close()

	for {
		u, err := obs.Next(ctx)
		if err != nil {
			return
		}
		if u.Dropped > 0 {
			fmt.Fprintf(w, "... %d lines dropped\n", u.Dropped)
		}
		for _, line := range u.Lines {
			fmt.Fprintln(w, line)
		}
	}
}

func printReport(w io.Writer, rows int, report core.ValidationReport) int {
	for _, issue := range report.FilenameIssues {
		fmt.Fprintf(w, "warning: row %d: %s contains %q, replaced in filename\n", issue.Row, issue.Field, issue.Chars)
	}
	if err := report.Err(); err != nil {
		fmt.Fprintln(w, core.FormatUserError(err))
		if msg := core.MapError(err); msg.Detail != "" {
			fmt.Fprintf(w, "  %s\n", msg.Detail)
		}
		return 1
	}
	fmt.Fprintf(w, "ok: %d rows ready\n", rows)
	return 0
}

func printSummary(w io.Writer, s core.Summary, failedPath string) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Status:    %s (%d/%d rows)\n", s.Status, s.Processed, s.Total)
	fmt.Fprintf(w, "Generated: %d (%d failed)\n", s.Counts.Generated, s.Counts.GenerateFailed)
	fmt.Fprintf(w, "Sent:      %d (%d failed)\n", s.Counts.Sent, s.Counts.SendFailed)
	if s.CheckpointID != "" {
		fmt.Fprintf(w, "Checkpoint: %s\n", s.CheckpointID)
	}
	if s.FailedCount == 0 {
		return
	}
	fmt.Fprintf(w, "Failed rows: %d\n", s.FailedCount)
	for _, fr := range s.FailedRows {
		fmt.Fprintf(w, "  row %d (%s): %s\n", fr.RowIndex+1, fr.Stage, fr.Error)
	}
	if failedPath != "" {
		fmt.Fprintf(w, "Failed rows written to %s\n", failedPath)
	}
}

func listCheckpoints(ctx context.Context, w io.Writer, store checkpoint.Store) int {
	list, err := store.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list checkpoints: %v\n", err)
		return 1
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "no checkpoints")
		return 0
	}
	for _, cp := range list {
		fmt.Fprintf(w, "%s  %-11s  %d rows  generated %d  sent %d  %s\n",
			cp.ID, cp.Status, cp.RowCount, cp.Counts.Generated, cp.Counts.Sent, cp.Label)
	}
	return 0
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
