// Command sharpsync-demo is a small CLI wrapping the sharpsync engine:
// point it at a local directory and a remote backend and it keeps them
// converged, either once (--once) or continuously while watching the local
// tree for changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sharpsync/sharpsync"
	"github.com/sharpsync/sharpsync/internal/utils"
	"github.com/sharpsync/sharpsync/model"
	"github.com/sharpsync/sharpsync/storage"
	"github.com/sharpsync/sharpsync/watch"
)

var (
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan, color.Bold).SprintFunc()
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:     "sharpsync-demo",
	Short:   "Synchronize a local directory against a remote Storage backend",
	PreRunE: func(cmd *cobra.Command, args []string) error { return loadConfig(cmd) },
	RunE:    run,
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("dir", "d", ".", "local directory to synchronize")
	rootCmd.Flags().StringP("db", "b", "", "state database path (default: <dir>/.sharpsync/state.db)")
	rootCmd.Flags().String("s3-bucket", "", "remote S3 bucket (selects the S3 backend when set)")
	rootCmd.Flags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.Flags().String("s3-endpoint", "", "S3-compatible endpoint override (e.g. a MinIO URL)")
	rootCmd.Flags().String("s3-prefix", "", "key prefix within the bucket to treat as the sync root")
	rootCmd.Flags().String("remote-dir", "", "local directory to use as the remote side instead of S3, for trying the engine out without a bucket")
	rootCmd.Flags().Bool("once", false, "synchronize a single pass and exit, instead of watching")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default: $HOME/.sharpsync/config.json)")
}

func main() {
	logger := newLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}

// newLogger mirrors the teacher CLI's split console/file logging: a
// tint-colored handler for the terminal (colorless when stdout isn't a
// TTY), and a plain text handler writing through a LogInterceptor into a
// rotating-per-run log file, fanned out with MultiLogHandler.
func newLogger() *slog.Logger {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	logDir := filepath.Join(os.TempDir(), "sharpsync-demo")
	_ = os.MkdirAll(logDir, 0755)
	logPath := filepath.Join(logDir, fmt.Sprintf("run-%d.log", time.Now().UnixNano()))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return slog.New(stdoutHandler)
	}
	interceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{Level: slog.LevelDebug})

	return slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler))
}

func loadConfig(cmd *cobra.Command) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		viper.SetConfigFile(path)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".sharpsync"))
		viper.SetConfigName("config")
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read config %q: %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("dir", cmd.Flags().Lookup("dir"))
	viper.BindPFlag("s3_bucket", cmd.Flags().Lookup("s3-bucket"))
	viper.SetEnvPrefix("SHARPSYNC")
	viper.AutomaticEnv()
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		dbPath = filepath.Join(dir, ".sharpsync", "state.db")
	}
	once, _ := cmd.Flags().GetBool("once")

	local, err := storage.NewLocalBackend(dir)
	if err != nil {
		return fmt.Errorf("open local directory: %w", err)
	}

	remote, err := remoteBackend(cmd)
	if err != nil {
		return err
	}

	fmt.Println(cyan(fmt.Sprintf("sharpsync: %s <-> %s [%s]", local.RootPath(), remote.RootPath(), remote.StorageType())))

	engine, err := sharpsync.New(cmd.Context(), local, remote, sharpsync.WithDBPath(dbPath))
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	defer engine.Dispose()

	events := engine.Subscribe()
	defer engine.Unsubscribe(events)
	go logEvents(cmd.Context(), events)

	if err := runOnce(cmd.Context(), engine); err != nil {
		return err
	}
	if once {
		return nil
	}

	return watchLoop(cmd.Context(), local.RootPath(), engine)
}

func remoteBackend(cmd *cobra.Command) (storage.Storage, error) {
	if remoteDir, _ := cmd.Flags().GetString("remote-dir"); remoteDir != "" {
		return storage.NewLocalBackend(remoteDir)
	}

	bucket := viper.GetString("s3_bucket")
	if bucket == "" {
		return nil, fmt.Errorf("one of --s3-bucket or --remote-dir is required")
	}
	endpoint, _ := cmd.Flags().GetString("s3-endpoint")
	region, _ := cmd.Flags().GetString("s3-region")
	prefix, _ := cmd.Flags().GetString("s3-prefix")

	return storage.NewS3Backend(cmd.Context(), storage.S3Config{
		Bucket:    bucket,
		Region:    region,
		Endpoint:  endpoint,
		Prefix:    prefix,
		AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	})
}

func runOnce(ctx context.Context, engine *sharpsync.Engine) error {
	result, err := engine.Synchronize(ctx, model.DefaultSyncOptions())
	printSummary(result)
	if err != nil && model.Is(err, model.ErrBusy) {
		return nil // another sync is already running
	}
	return err
}

func printSummary(result *model.SyncResult) {
	if result == nil {
		return
	}
	status := green("ok")
	if !result.Success {
		status = red("failed")
	}
	fmt.Printf("%s synced=%d skipped=%d conflicted=%d deleted=%d in %s\n",
		status, result.FilesSynchronized, result.FilesSkipped, result.FilesConflicted,
		result.FilesDeleted, result.ElapsedTime.Round(time.Millisecond))
}

// watchLoop wires the engine's ChangeTracker to a filesystem watch.Watcher
// over dir, so local edits land in the tracker the moment they happen
// instead of waiting for the next full rescan, then re-synchronizes on a
// steady interval so the Planner gets a chance to fold those tracked
// changes in and reconcile against whatever moved on the remote side too
// (the watcher only ever sees the local half of the tree), mirroring the
// teacher CLI's long-running daemon loop.
func watchLoop(ctx context.Context, dir string, engine *sharpsync.Engine) error {
	w := watch.New(dir, engine.Tracker(), nil)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start filesystem watcher: %w", err)
	}
	defer w.Stop()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := runOnce(ctx, engine); err != nil {
				slog.Error("synchronize", "error", err)
			}
		}
	}
}

func logEvents(ctx context.Context, events <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case sharpsync.ProgressChanged:
				slog.Debug("progress", "op", e.Operation, "file", e.CurrentFileName, "pct", fmt.Sprintf("%.0f%%", e.Percentage))
			case sharpsync.FileProgressChanged:
				slog.Debug("transfer", "path", e.Path, "bytes", humanize.Bytes(uint64(e.BytesTransferred)), "total", humanize.Bytes(uint64(e.TotalBytes)))
			case sharpsync.ConflictDetected:
				slog.Warn("conflict", "path", e.FilePath, "type", e.ConflictType)
			}
		}
	}
}
