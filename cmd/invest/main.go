// Invest executes one session event for every configured investment: it
// restores each investment's state, refreshes its bars, dispatches the event
// and saves the state again. Meant to be run by a scheduler at the open and
// at the close of each session.
//
// Usage:
//
//	go run cmd/invest/main.go [-only ID] [-reset] open|close
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quantdesk/internal/config"
	"quantdesk/internal/domain"
	"quantdesk/internal/gather"
	"quantdesk/internal/gather/us"
	"quantdesk/internal/investor"
	"quantdesk/internal/notify"
	"quantdesk/internal/observability"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
	"quantdesk/internal/strategy/builtins"
	"quantdesk/internal/util"
)

func main() {
	only := flag.String("only", "", "run only the investment with this id")
	reset := flag.Bool("reset", false, "delete saved state before running")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: invest [options] open|close\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	event, err := domain.ParseEvent(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	investments := cfg.Investments
	if *only != "" {
		inv, ok := cfg.Investment(*only)
		if !ok {
			log.Fatalf("no investment %q in config", *only)
		}
		investments = []config.Investment{inv}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if cfg.Notify.DiscordWebhookURL != "" {
		sinks = append(sinks, notify.NewDiscordSink(cfg.Notify.DiscordWebhookURL, cfg.Notify.Username))
	}
	queue := notify.NewQueue("quantdesk "+string(event), sinks...)
	flusher := investor.NewFlusher(queue)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Warn("interrupted, flushing notifications", "signal", sig.String())
		queue.Notify(notify.LevelError, "run interrupted by "+sig.String())
		cancel()
		if err := flusher.Flush(context.Background()); err != nil {
			slog.Error("flushing notifications", "error", err)
		}
	}()

	states, err := store.NewStateStore(ctx, cfg.Storage, logger)
	if err != nil {
		log.Fatalf("opening state store: %v", err)
	}
	defer states.Close()

	registry := strategy.NewRegistry()
	builtins.Register(registry)
	metrics := observability.NewMetrics(cfg.Metrics.Namespace)
	bars := store.NewParquetStore(cfg.Storage.DataDir)

	// The exchange calendar knows unscheduled closures; without credentials
	// the rule based calendar is used.
	usCalendar := util.NewTradingCalendar(domain.MarketUS)
	if cfg.Alpaca.APIKey != "" {
		cal := us.NewCalendar(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
		_ = cal.LoadInto(ctx, usCalendar, time.Now(), 90, 7, logger)
	}

	runErr := investor.Guard(ctx, flusher, func() error {
		var errs []error
		for _, ic := range investments {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := runInvestment(ctx, cfg, ic, event, *reset, investor.Deps{
				Registry: registry,
				States:   states,
				Bars:     bars,
				Calendar: usCalendar,
				Notifier: queue,
				Metrics:  metrics,
				Log:      logger,
			}); err != nil {
				slog.Error("investment failed", "investment", ic.ID, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", ic.ID, err))
			}
		}
		return errors.Join(errs...)
	})

	if cfg.Metrics.Textfile != "" {
		if err := observability.WriteTextfile(cfg.Metrics.Textfile, metrics.Gatherer()); err != nil {
			slog.Warn("writing metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
		}
	}
	if runErr != nil {
		states.Close()
		log.Fatalf("invest %s: %v", event, runErr)
	}
}

func runInvestment(ctx context.Context, cfg *config.Config, ic config.Investment, event domain.Event, reset bool, deps investor.Deps) error {
	source, err := gather.NewSource(ic.Source, cfg, deps.Log)
	if err != nil {
		return err
	}
	deps.Source = source

	inv, err := investor.New(ic, deps)
	if err != nil {
		return err
	}
	if reset {
		if err := inv.Reset(ctx); err != nil {
			return err
		}
	} else if err := inv.LoadState(ctx); err != nil {
		return err
	}
	if err := inv.LoadAssets(ctx); err != nil {
		return err
	}
	if err := inv.UpdateSources(ctx); err != nil {
		return err
	}
	defer inv.Summarize()
	return inv.Execute(ctx, event)
}
