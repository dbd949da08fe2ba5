package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quotefeed/internal/adapters"
	"quotefeed/internal/cache"
	"quotefeed/internal/config"
	"quotefeed/internal/costtrack"
	"quotefeed/internal/hybrid"
	"quotefeed/internal/observ"
	"quotefeed/internal/quotes"
	"quotefeed/internal/sched"
	"quotefeed/internal/sinks"
)

const (
	exitOK          = 0
	exitConfig      = 1
	exitOperational = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		assetClass = flag.String("asset-class", "stocks", "asset class for the positional symbols (stocks|forex|commodities|index|crypto)")
		intervalM  = flag.Int("interval", 0, "collection interval in minutes (overrides UPDATE_INTERVAL_SECONDS)")
		once       = flag.Bool("once", false, "run a single collection pass and exit")
		status     = flag.Bool("status", false, "print collector statistics and exit")
		budget     = flag.Bool("budget", false, "print budget statistics and exit")
		forceFresh = flag.Bool("force-fresh", false, "bypass the cache read on this run")
		watchlist  = flag.String("watchlist", "", "YAML watchlist file (adds to positional symbols)")
		logLevel   = flag.String("log-level", "", "log level (DEBUG|INFO|WARN|ERROR), overrides LOG_LEVEL")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	observ.SetLevel(observ.ParseLevel(cfg.LogLevel))

	class, err := quotes.ParseAssetClass(*assetClass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	if *intervalM > 0 {
		cfg.UpdateInterval = time.Duration(*intervalM) * time.Minute
	}

	tracker, err := costtrack.New(cfg.CostTrackingPath(), cfg.TotalBudgetUSD, cfg.CostPerRequestUSD, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	if *budget {
		return printJSON(tracker.Statistics())
	}

	qc, err := cache.New(cfg.CachePath(), cfg.CacheTTL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	defer qc.Close()

	free := adapters.NewFreeAdapter(adapters.FreeAdapterConfig{
		TimeoutSeconds: int(cfg.RequestTimeout.Seconds()),
	}, nil)

	var paid adapters.BackendAdapter
	if cfg.BrightDataToken != "" {
		paid, err = adapters.NewPaidAdapter(adapters.PaidAdapterConfig{
			Token:          cfg.BrightDataToken,
			Zone:           cfg.BrightDataZone,
			TimeoutSeconds: int(cfg.RequestTimeout.Seconds()),
		}, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			return exitConfig
		}
	} else {
		observ.Warn("paid_backend_disabled", map[string]any{"reason": "BRIGHT_DATA_TOKEN not set"})
	}

	source, err := hybrid.New(hybrid.Config{
		Cache:         qc,
		Tracker:       tracker,
		Free:          free,
		Paid:          paid,
		MaxConcurrent: cfg.MaxConcurrentFetches,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	if *status {
		return printJSON(struct {
			Source hybrid.Stats `json:"source"`
			Cache  cache.Stats  `json:"cache"`
		}{source.Statistics(), qc.Statistics()})
	}

	sink := sinks.Multi{
		sinks.NewCSVSink(cfg.DataDir),
		sinks.NewJSONLSink(cfg.DataDir),
	}

	scheduler, err := sched.New(sched.Config{
		Source:   source,
		Tracker:  tracker,
		Cache:    qc,
		Sink:     sink,
		Interval: cfg.UpdateInterval,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	for _, sym := range flag.Args() {
		if err := scheduler.AddSymbol(sym, class); err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			return exitConfig
		}
	}
	if *watchlist != "" {
		wl, err := config.LoadWatchlist(*watchlist)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			return exitConfig
		}
		for _, e := range wl.Symbols {
			cls, _ := quotes.ParseAssetClass(e.AssetClass)
			if err := scheduler.AddSymbol(e.Symbol, cls); err != nil {
				fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
				return exitConfig
			}
		}
	}
	if len(scheduler.Symbols()) == 0 {
		fmt.Fprintln(os.Stderr, "configuration error: no symbols to track")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		return runOnce(ctx, scheduler, source, sink, class, *forceFresh)
	}

	scheduler.Start()
	observ.Log("collector_running", map[string]any{
		"symbols":     scheduler.Symbols(),
		"asset_class": string(class),
		"interval_s":  cfg.UpdateInterval.Seconds(),
	})

	<-ctx.Done()
	observ.Log("collector_interrupted", nil)
	scheduler.Stop(true)
	return exitInterrupted
}

// runOnce performs a single pass. Exit code 2 when tracked symbols
// exist but not one quote could be retrieved.
func runOnce(ctx context.Context, scheduler *sched.Scheduler, source *hybrid.Source, sink sinks.QuoteSink, class quotes.AssetClass, forceFresh bool) int {
	var report sched.CollectionReport
	if forceFresh {
		// Bypass the scheduler so the fresh flag reaches the source.
		results := source.GetQuotes(ctx, scheduler.Symbols(), class, hybrid.ForceFresh())
		report.Requested = len(results)
		for _, res := range results {
			if res.Err == nil && res.Quote != nil {
				report.Succeeded++
				if err := sink.Write(res.Quote); err != nil {
					observ.Warn("sink_write_failed", map[string]any{"symbol": res.Quote.Symbol, "error": err.Error()})
				}
			} else {
				report.Failed++
			}
		}
	} else {
		report, _ = scheduler.ForceCollection(ctx)
	}

	if ctx.Err() != nil {
		return exitInterrupted
	}
	if report.Succeeded == 0 {
		fmt.Fprintln(os.Stderr, "no quotes retrieved")
		return exitOperational
	}
	fmt.Printf("collected %d/%d quotes\n", report.Succeeded, report.Requested)
	return exitOK
}

func printJSON(v any) int {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "operational error: %v\n", err)
		return exitOperational
	}
	fmt.Println(string(b))
	return exitOK
}
