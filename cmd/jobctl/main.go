// jobctl is an operational CLI for the pipeline worker: it submits
// jobs, queries their status, and reports usage statistics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"kneeproc/internal/config"
	"kneeproc/internal/dispatch"
	"kneeproc/internal/job"
	"kneeproc/internal/stats"
)

const usage = `Usage: jobctl <command> [flags]

Commands:
  submit   Submit a scan for processing
  status   Show the status of a job
  stats    Show aggregate usage statistics

Run 'jobctl <command> -h' for command flags.
`

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "submit":
		err = runSubmit(ctx, os.Args[2:])
	case "status":
		err = runStatus(ctx, os.Args[2:])
	case "stats":
		err = runStats(ctx, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context) (*redis.Client, *config.WorkerConfig, error) {
	cfg := config.LoadWorkerConfig()
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect to %s: %w", opt.Addr, err)
	}
	return rdb, cfg, nil
}

func runSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	input := fs.String("input", "", "path to the input scan (required)")
	model := fs.String("model", "", "segmentation model selection")
	contact := fs.String("contact", "", "contact identifier for usage tracking")
	retain := fs.Bool("retain", false, "retain the scan for research")
	fs.Parse(args)

	if *input == "" {
		return fmt.Errorf("submit: -input is required")
	}
	if _, err := os.Stat(*input); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	rdb, cfg, err := connect(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	options := map[string]string{}
	if *model != "" {
		options["segmentation_model"] = *model
	}

	j := job.New(filepath.Base(*input), *input, options, *retain, *contact)
	store := job.NewStore(rdb)
	if err := store.Create(ctx, j); err != nil {
		return err
	}

	asynqOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return err
	}
	enqueuer := dispatch.NewEnqueuer(asynqOpt, cfg.Queue)
	defer enqueuer.Close()
	if err := enqueuer.Enqueue(ctx, j.ID); err != nil {
		return err
	}

	position, err := store.Position(ctx, j.ID)
	if err != nil {
		return err
	}
	eta, err := stats.NewRecorder(rdb).ETA(ctx, position)
	if err != nil {
		return err
	}

	return printJSON(map[string]any{
		"job_id":                 j.ID,
		"queue_position":         position,
		"estimated_wait_seconds": eta,
	})
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("status: expected exactly one job ID")
	}

	rdb, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	reporter := job.NewStatusReporter(job.NewStore(rdb), stats.NewRecorder(rdb))
	view, err := reporter.Status(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(view)
}

func runStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Parse(args)

	rdb, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	snapshot, err := stats.NewRecorder(rdb).Snapshot(ctx)
	if err != nil {
		return err
	}
	return printJSON(snapshot)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
