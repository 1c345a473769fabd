package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/watch"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <local-dir> <bucket>",
		Short: "Upload files as they change under a directory",
		Long: `Watch a local directory and upload every file that is created or modified,
once it has stopped changing for the debounce window. Runs until interrupted.

Deletions are not propagated.`,
		Args: cobra.ExactArgs(2),
		RunE: runWatch,
	}

	cmd.Flags().String("prefix", "", "remote name prefix")
	cmd.Flags().Bool("initial-scan", false, "upload every existing file on start")
	cmd.Flags().Duration("debounce", 2*time.Second, "quiet period before a changed file is uploaded")
	cmd.Flags().Bool("skip-dotfiles", false, "ignore files and directories starting with a dot")
	cmd.Flags().Int("parallel-parts", 0, "concurrent part uploads per large file (overrides config)")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	prefix, err := cmd.Flags().GetString("prefix")
	if err != nil {
		return err
	}

	initialScan, err := cmd.Flags().GetBool("initial-scan")
	if err != nil {
		return err
	}

	debounce, err := cmd.Flags().GetDuration("debounce")
	if err != nil {
		return err
	}

	skipDotfiles, err := cmd.Flags().GetBool("skip-dotfiles")
	if err != nil {
		return err
	}

	if debounce < 100*time.Millisecond {
		return fmt.Errorf("--debounce must be at least 100ms, got %s", debounce)
	}

	ctx, intr := shutdownContext(cmd.Context(), cc.Logger)

	bucketID, err := resolveBucketID(ctx, cc.Manager, args[1])
	if err != nil {
		return err
	}

	release, err := acquireWatchLock(cc.DataDir, args[0])
	if err != nil {
		return err
	}
	defer release()
	intr.OnForcedExit(release)

	w := watch.New(cc.Transfers, watch.Options{
		Root:         args[0],
		BucketID:     bucketID,
		Prefix:       prefix,
		Debounce:     debounce,
		Parallel:     cc.Cfg.Transfers.ParallelUploads,
		InitialScan:  initialScan,
		SkipDotfiles: skipDotfiles,
	}, cc.Logger)

	cc.Statusf("Watching %s (Ctrl-C to stop)\n", args[0])

	if err := w.Run(ctx); err != nil {
		return err
	}

	if cause := context.Cause(ctx); errors.Is(cause, errInterrupted) {
		cc.Statusf("Stopped: %v\n", cause)
	}

	stats := w.Stats()
	cc.Statusf("Uploaded %d file(s), %d failed\n", stats.Uploaded, stats.Failed)

	return nil
}
