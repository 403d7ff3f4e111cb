package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/fsnotify/fsnotify"

	"github.com/driftsync/driftsync/internal/graph"
	"github.com/driftsync/driftsync/internal/sync"
)

// watchDebounce batches a burst of filesystem events into one run.
const watchDebounce = 2 * time.Second

// notifierBackoff bounds reconnect attempts for the change-notification
// socket.
const (
	notifierBackoffBase = 5 * time.Second
	notifierBackoffMax  = 5 * time.Minute
)

// runWatch re-runs the reconciliation until interrupted: immediately at
// start, then on debounced local filesystem events, on cloud change
// notifications (when enabled), and on a poll timer as the fallback.
// Watch mode never prompts; each cycle applies directly.
func runWatch(
	ctx context.Context, env *appEnv, engine *sync.Engine,
	localFS *sync.LocalFS, client *graph.Client, mode sync.Mode,
) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchRecursive(watcher, localFS.Root()); err != nil {
		return fmt.Errorf("watching %s: %w", localFS.Root(), err)
	}

	pokes := make(chan struct{}, 1)

	if env.settings.Websocket {
		rootID, rootErr := env.store.Get(ctx, sync.KeyRootID)
		if rootErr == nil && rootID != "" {
			go notifyLoop(ctx, client, rootID, pokes, env.logger)
		}
	}

	poll := time.NewTicker(env.settings.PollDuration())
	defer poll.Stop()

	env.logger.Info("watch mode started", slog.String("mode", mode.String()))

	if err := watchCycle(ctx, engine, mode, env.logger); err != nil {
		return err
	}

	var debounce *time.Timer

	for {
		var debounced <-chan time.Time
		if debounce != nil {
			debounced = debounce.C
		}

		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("filesystem watcher closed")
			}

			if ev.Has(fsnotify.Create) {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}

			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				debounce.Reset(watchDebounce)
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("filesystem watcher closed")
			}

			env.logger.Warn("filesystem watcher error", slog.String("error", watchErr.Error()))

		case <-pokes:
			if err := watchCycle(ctx, engine, mode, env.logger); err != nil {
				return err
			}

		case <-poll.C:
			if err := watchCycle(ctx, engine, mode, env.logger); err != nil {
				return err
			}

		case <-debounced:
			debounce = nil

			if err := watchCycle(ctx, engine, mode, env.logger); err != nil {
				return err
			}
		}
	}
}

// watchCycle runs one plan-and-apply pass. Ambiguous conflicts are logged
// and left for the operator — the loop keeps watching so a manual fix on
// either side resolves itself on the next event. Everything else is fatal.
func watchCycle(ctx context.Context, engine *sync.Engine, mode sync.Mode, logger *slog.Logger) error {
	plan, err := engine.Plan(ctx, mode)
	if err != nil {
		var conflict *sync.ErrAmbiguousConflict
		if errors.As(err, &conflict) {
			logger.Error("conflict requires manual resolution; still watching",
				slog.String("conflict", conflict.Error()),
			)

			return nil
		}

		return err
	}

	if plan.Empty() {
		return nil
	}

	report, err := engine.Apply(ctx, plan, mode)
	if err != nil {
		return err
	}

	logger.Info("reconciled",
		slog.Int("local_ops", report.LocalOps),
		slog.Int("cloud_ops", report.CloudOps),
	)

	return nil
}

// watchRecursive registers root and every subdirectory.
func watchRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return watcher.Add(path)
		}

		return nil
	})
}

// notifyLoop keeps a websocket connection to the drive's notification URL
// and forwards one poke per received message. The subscription URL expires
// server-side, so disconnects are routine; reconnects back off when the
// service is unreachable. Notification failures only cost latency — the
// poll timer still fires — so nothing here is fatal.
func notifyLoop(ctx context.Context, client *graph.Client, rootID string, pokes chan<- struct{}, logger *slog.Logger) {
	backoff := notifierBackoffBase

	for ctx.Err() == nil {
		url, err := client.SubscriptionURL(ctx, rootID)
		if err != nil {
			backoff = notifyWait(ctx, backoff, "subscription request failed", err, logger)
			continue
		}

		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			backoff = notifyWait(ctx, backoff, "notification socket dial failed", err, logger)
			continue
		}

		logger.Debug("change notification socket connected")

		backoff = notifierBackoffBase

		readPokes(ctx, conn, pokes)
		conn.Close(websocket.StatusNormalClosure, "resubscribing")
	}
}

func readPokes(ctx context.Context, conn *websocket.Conn, pokes chan<- struct{}) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}

		// Coalesce: a pending poke already covers this message.
		select {
		case pokes <- struct{}{}:
		default:
		}
	}
}

func notifyWait(ctx context.Context, backoff time.Duration, msg string, err error, logger *slog.Logger) time.Duration {
	logger.Warn(msg,
		slog.Duration("retry_in", backoff),
		slog.String("error", err.Error()),
	)

	t := time.NewTimer(backoff)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}

	return min(backoff*2, notifierBackoffMax)
}
