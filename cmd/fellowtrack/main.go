// Command fellowtrack runs one observation pass over the configured
// connections and reports roster changes to the configured sinks.
//
// Usage:
//
//	fellowtrack -config fellowtrack.yaml            # full pass
//	fellowtrack -config fellowtrack.yaml -dry-run   # stdout sink only
//
// Exit code is non-zero when any connection ends incomplete or with a
// failed publish. Scheduling repeated passes (cron, systemd timers) is
// the operator's concern.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hazyhaar/fellowtrack"
	"github.com/hazyhaar/fellowtrack/internal/sink"
)

func main() {
	configPath := flag.String("config", "", "path to fellowtrack.yaml config file")
	dryRun := flag.Bool("dry-run", false, "write rows to stdout instead of the configured sinks")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fellowtrack -config <file> [-dry-run]")
		os.Exit(2)
	}

	code, err := run(ctx, logger, *configPath, *dryRun)
	if err != nil {
		logger.Error("fellowtrack: fatal", "error", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run(ctx context.Context, logger *slog.Logger, configPath string, dryRun bool) (int, error) {
	cfg, err := fellowtrack.LoadConfigFile(configPath)
	if err != nil {
		return 1, err
	}

	var opts []fellowtrack.Option
	if dryRun {
		opts = append(opts, fellowtrack.WithSink(sink.NewStdout(nil)))
	}

	tracker, err := fellowtrack.New(cfg, logger, opts...)
	if err != nil {
		return 1, err
	}
	defer tracker.Close()

	results, err := tracker.Run(ctx)
	if err != nil {
		return 1, err
	}

	code := 0
	for _, res := range results {
		printResult(res)
		if res.Status != fellowtrack.StatusOK {
			code = 1
		}
	}
	return code, nil
}

func printResult(res fellowtrack.ConnectionResult) {
	label := res.Connection.Label
	if label == "" {
		label = res.Connection.ID
	}
	status := string(res.Status)
	if res.Status == fellowtrack.StatusOK && res.Baseline {
		status = "ok (baseline)"
	}
	fmt.Printf("%-30s %-15s added=%d removed=%d dropped=%d version=%d\n",
		label, status, res.Added, res.Removed, res.Dropped, res.Version)
	if res.Err != nil {
		fmt.Printf("%-30s   error: %v\n", label, res.Err)
	}
}
