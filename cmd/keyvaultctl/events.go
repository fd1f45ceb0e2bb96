package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"keyvault/internal/config"
	"keyvault/internal/events"
	"keyvault/internal/logging"
)

// eventSource is the subscribing half of an event backend.
type eventSource interface {
	Channel() string
	Subscribe(ctx context.Context, handler func(events.Event)) error
	Close() error
}

// openEventSource is replaced in tests.
var openEventSource = func(ctx context.Context, cfg *config.Config, log *logging.Logger) (eventSource, error) {
	return events.NewRedisPublisher(ctx, redisConfig(cfg), log)
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow key change notifications",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Print key events published by this user's devices until interrupted",
		Long: `Subscribes to the configured Redis channel and prints every key event as
JSON. The config file is watched: a new log level applies immediately and a
changed Redis address or channel makes the command resubscribe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(configPath)
			cfg, err := loadConfigFrom(loader)
			if err != nil {
				return err
			}
			if !canWatch(cfg) {
				return usageError("events watching needs the redis backend (set KEYVAULT_REDIS_ADDR)")
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Close()
			audit, err := newAudit(cfg)
			if err != nil {
				return err
			}
			defer audit.Close()

			ctx := logging.ContextWithRequestID(cmd.Context(), logging.NewRequestID())
			w := &eventWatcher{
				log:    log,
				out:    cmd.OutOrStdout(),
				errOut: cmd.ErrOrStderr(),
				reload: make(chan *config.Config, 1),
			}

			loader.SetAuditLogger(audit)
			loader.OnChange(w.configChanged)
			if err := loader.Watch(); err != nil {
				log.Warn("config hot reload disabled", "error", err)
			} else {
				defer loader.Close()
				go w.logReloadErrors(ctx, loader.Errors())
			}

			return w.run(ctx, cfg)
		},
	})
	return cmd
}

func canWatch(cfg *config.Config) bool {
	return cfg.Events.Backend == "redis" && cfg.Events.RedisAddr != ""
}

func sameEventTarget(a, b *config.Config) bool {
	return a.Events.Backend == b.Events.Backend &&
		a.Events.RedisAddr == b.Events.RedisAddr &&
		a.Events.RedisUsername == b.Events.RedisUsername &&
		a.Events.RedisPassword == b.Events.RedisPassword &&
		a.Events.RedisDB == b.Events.RedisDB &&
		a.Events.RedisTLS == b.Events.RedisTLS &&
		a.Events.Channel == b.Events.Channel
}

type eventWatcher struct {
	log    *logging.Logger
	out    io.Writer
	errOut io.Writer
	reload chan *config.Config

	mu sync.Mutex
}

// configChanged runs on the loader's reload goroutine.
func (w *eventWatcher) configChanged(old, new *config.Config) {
	if old == nil {
		return
	}
	if logLevel == "" && old.Logging.Level != new.Logging.Level {
		if level, err := logging.ParseLevel(new.Logging.Level); err == nil {
			w.log.SetLevel(level)
			w.log.Info("log level changed", "level", new.Logging.Level)
		}
	}
	if sameEventTarget(old, new) {
		return
	}
	// Keep only the newest pending target.
	for {
		select {
		case w.reload <- new:
			return
		case <-w.reload:
		}
	}
}

func (w *eventWatcher) logReloadErrors(ctx context.Context, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			w.log.Warn("config reload rejected, keeping previous settings", "error", err)
		}
	}
}

func (w *eventWatcher) print(e events.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := printJSON(w.out, e); err != nil {
		w.log.Warn("print event", "error", err)
	}
}

// run subscribes with cfg and resubscribes whenever a reload changes the
// event target. It returns nil once ctx is done.
func (w *eventWatcher) run(ctx context.Context, cfg *config.Config) error {
	for {
		src, err := openEventSource(ctx, cfg, w.log)
		if err != nil {
			return err
		}
		fmt.Fprintf(w.errOut, "watching %s\n", src.Channel())

		subCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- src.Subscribe(subCtx, w.print) }()

		var next *config.Config
		select {
		case err = <-done:
		case next = <-w.reload:
			cancel()
			<-done
		case <-ctx.Done():
			cancel()
			<-done
		}
		cancel()
		src.Close()

		if ctx.Err() != nil {
			return nil
		}
		if next == nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if !canWatch(next) {
			w.log.Warn("new config has no redis event backend, keeping the current subscription")
			continue
		}
		w.log.Info("event target changed, resubscribing", "channel", next.Events.Channel)
		cfg = next
	}
}
