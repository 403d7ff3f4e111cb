package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/graph"
	"github.com/driftsync/driftsync/internal/sync"
)

// version is set at build time via ldflags.
var version = "dev"

// errCanceled marks a user-declined confirmation for main's exit-code
// mapping.
var errCanceled = errors.New("canceled")

// syncFlags holds the root command's flag values.
type syncFlags struct {
	downloadOnly bool
	uploadOnly   bool
	dryRun       bool
	yes          bool
	watch        bool
	verbose      bool
	quiet        bool

	setLocation string
	setRootID   string
}

func newRootCmd() *cobra.Command {
	var flags syncFlags

	cmd := &cobra.Command{
		Use:   "driftsync",
		Short: "Bidirectional file-tree synchronizer",
		Long: `Reconcile a local directory with a cloud drive subtree.

Without flags, a single two-way run: changes from both sides are diffed
against the last agreed state, validated, shown, and applied after
confirmation. Ambiguous concurrent edits (both sides renamed the same
file, for example) stop the run without touching anything.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRoot(cmd.Context(), &flags)
		},
	}

	cmd.Flags().BoolVar(&flags.downloadOnly, "download-only", false, "make the local directory mirror the cloud")
	cmd.Flags().BoolVar(&flags.uploadOnly, "upload-only", false, "make the cloud mirror the local directory")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "plan and print the scripts without applying them")
	cmd.Flags().BoolVarP(&flags.yes, "yes", "y", false, "apply without the interactive confirmation")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "keep running, re-reconciling on local and remote changes")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "verbose logging")
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "errors only")
	cmd.Flags().StringVar(&flags.setLocation, "set-location", "", "set the local sync directory and exit")
	cmd.Flags().StringVar(&flags.setRootID, "set-root-id", "", "anchor syncing at this cloud directory id and exit")

	cmd.MarkFlagsMutuallyExclusive("download-only", "upload-only")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// appEnv bundles everything a command needs after bootstrap.
type appEnv struct {
	dir      string
	settings config.Settings
	store    *sync.Store
	logger   *slog.Logger
}

// bootstrap resolves the state directory, loads settings, and opens the
// store. The caller closes the store.
func bootstrap(flags *syncFlags) (*appEnv, error) {
	dir, err := config.StateDir()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state dir %s: %w", dir, err)
	}

	settings, err := config.LoadSettings(dir)
	if err != nil {
		return nil, err
	}

	logger := buildLogger(settings.LogLevel, flags)

	store, err := sync.OpenStore(config.DatabasePath(dir), logger)
	if err != nil {
		return nil, err
	}

	return &appEnv{dir: dir, settings: settings, store: store, logger: logger}, nil
}

// buildLogger maps the settings level (overridden by -v / -q) onto slog.
func buildLogger(level string, flags *syncFlags) *slog.Logger {
	lvl := slog.LevelWarn

	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	}

	if flags != nil {
		if flags.verbose {
			lvl = slog.LevelInfo
		}

		if flags.quiet {
			lvl = slog.LevelError
		}
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runRoot(ctx context.Context, flags *syncFlags) error {
	env, err := bootstrap(flags)
	if err != nil {
		return err
	}
	defer env.store.Close()

	// Configuration setters run and exit without reconciling.
	if flags.setLocation != "" || flags.setRootID != "" {
		return applySetters(ctx, env, flags)
	}

	engine, localFS, client, err := buildEngine(ctx, env)
	if err != nil {
		return err
	}

	mode := sync.ModeTwoWay
	if flags.downloadOnly {
		mode = sync.ModeDownloadOnly
	}

	if flags.uploadOnly {
		mode = sync.ModeUploadOnly
	}

	if flags.watch {
		return runWatch(ctx, env, engine, localFS, client, mode)
	}

	return runOnce(ctx, engine, mode, flags)
}

// applySetters writes the two §6 configuration keys.
func applySetters(ctx context.Context, env *appEnv, flags *syncFlags) error {
	if flags.setLocation != "" {
		abs, err := absDir(flags.setLocation)
		if err != nil {
			return err
		}

		if err := env.store.Set(ctx, sync.KeyLocalPath, abs); err != nil {
			return err
		}

		fmt.Printf("Sync location set to %s\n", abs)
	}

	if flags.setRootID != "" {
		if err := env.store.Set(ctx, sync.KeyRootID, flags.setRootID); err != nil {
			return err
		}

		fmt.Printf("Root id set to %s\n", flags.setRootID)
	}

	return nil
}

func absDir(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("sync location %s: %w", path, err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("sync location %s is not a directory", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return abs, nil
}

// buildEngine assembles the collaborators: authenticated drive client,
// local filesystem at the configured location, and the store they share.
func buildEngine(ctx context.Context, env *appEnv) (*sync.Engine, *sync.LocalFS, *graph.Client, error) {
	tokens, err := graph.TokenSourceFromFile(ctx, config.TokenPath(env.dir), env.logger)
	if err != nil {
		if errors.Is(err, graph.ErrNotLoggedIn) {
			return nil, nil, nil, fmt.Errorf("not logged in — run 'driftsync login' first")
		}

		return nil, nil, nil, err
	}

	bandwidth, err := env.settings.BandwidthBytes()
	if err != nil {
		return nil, nil, nil, err
	}

	client := graph.NewClient(&http.Client{Timeout: 0}, tokens, env.logger, graph.Options{
		UserAgent:      env.settings.UserAgent,
		BandwidthLimit: bandwidth,
	})

	rootID, err := ensureRootID(ctx, env.store, client)
	if err != nil {
		return nil, nil, nil, err
	}

	localPath, err := env.store.Get(ctx, sync.KeyLocalPath)
	if err != nil {
		return nil, nil, nil, err
	}

	if localPath == "" {
		return nil, nil, nil, fmt.Errorf("no sync location configured — run 'driftsync --set-location DIR'")
	}

	localFS := sync.NewLocalFS(localPath, env.logger)
	cloud := sync.NewCloudDrive(client, rootID, env.logger)
	engine := sync.NewEngine(env.store, cloud, localFS, env.logger)

	return engine, localFS, client, nil
}

// ensureRootID returns the configured anchor id, defaulting to the drive
// root on first contact.
func ensureRootID(ctx context.Context, store *sync.Store, client *graph.Client) (string, error) {
	rootID, err := store.Get(ctx, sync.KeyRootID)
	if err != nil {
		return "", err
	}

	if rootID != "" {
		return rootID, nil
	}

	root, err := client.RootItem(ctx)
	if err != nil {
		return "", fmt.Errorf("discovering drive root: %w", err)
	}

	if err := store.Set(ctx, sync.KeyRootID, root.ID); err != nil {
		return "", err
	}

	return root.ID, nil
}

// runOnce plans, confirms, and applies a single reconciliation.
func runOnce(ctx context.Context, engine *sync.Engine, mode sync.Mode, flags *syncFlags) error {
	plan, err := engine.Plan(ctx, mode)
	if err != nil {
		return err
	}

	if plan.Empty() {
		fmt.Println("Already in sync.")
		return nil
	}

	printPlan(plan)

	if flags.dryRun {
		return nil
	}

	if !flags.yes && !confirm() {
		return errCanceled
	}

	report, err := engine.Apply(ctx, plan, mode)
	if err != nil {
		return err
	}

	fmt.Printf("Applied %d local and %d cloud operations in %s.\n",
		report.LocalOps, report.CloudOps, report.Duration.Round(time.Millisecond))

	return nil
}
