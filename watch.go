package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"quel-tryon-client/modules/common/database"
	"quel-tryon-client/modules/common/model"
	redisutil "quel-tryon-client/modules/common/redis"
	"quel-tryon-client/modules/polling"
)

var (
	watchKind    string
	watchTimeout time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Poll one job and print each status change",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchKind, "kind", string(model.KindClassic), "Job kind, selects the poll interval")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 30*time.Minute, "Give up after this long")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}
	kind, err := model.ParseKind(watchKind)
	if err != nil {
		return err
	}

	cfg, log, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, watchTimeout)
	defer cancel()

	rdb, err := redisutil.Connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rdb.Close()

	repo, err := database.NewClient(cfg, rdb, log)
	if err != nil {
		return err
	}

	engine := polling.NewEngine(repo, polling.Options{
		Interval:      cfg.PollInterval,
		BackoffFactor: cfg.PollBackoffFactor,
		Logger:        log,
	})

	out := cmd.OutOrStdout()
	var last *model.GenerationJob
	sub := engine.Subscribe(ctx, id.String(), kind, func(job *model.GenerationJob) {
		last = job
		line := fmt.Sprintf("%s  %s  %s", time.Now().Format(time.RFC3339), job.ID, job.Status)
		switch job.Status {
		case model.StatusCompleted:
			line += "  " + job.ResultAsset
		case model.StatusFailed:
			line += "  " + job.ErrorInfo
		}
		fmt.Fprintln(out, line)
	})

	<-sub.Done()
	if last != nil && last.Status.IsTerminal() {
		if last.Status == model.StatusFailed {
			return fmt.Errorf("job %s failed", last.ID)
		}
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stopped watching %s: %w", id, err)
	}
	return nil
}
