package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/hazardstack/internal/hazard"
	"github.com/23skdu/hazardstack/internal/health"
	"github.com/23skdu/hazardstack/internal/logging"
	"github.com/23skdu/hazardstack/internal/tracing"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// version is stamped into traces
var version = "dev"

// Exit codes
const (
	exitOK        = 0
	exitViolation = 1
	exitUsage     = 2
	exitFailure   = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// cliFlags holds the parsed command line
type cliFlags struct {
	envFile     string
	workers     int
	ops         int
	duration    time.Duration
	prefill     int
	rate        int
	poison      bool
	seed        int64
	metricsAddr string
	traceSample float64
}

func parseFlags(args []string, stderr io.Writer) (cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet("hpstack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.envFile, "env", ".env", "Optional dotenv file read before the environment")
	fs.IntVar(&f.workers, "workers", 8, "Number of concurrent push/pop workers")
	fs.IntVar(&f.ops, "ops", 100000, "Operations per worker (0 runs until -duration elapses)")
	fs.DurationVar(&f.duration, "duration", 0, "Stop the run after this long (0 means no limit)")
	fs.IntVar(&f.prefill, "prefill", 1000, "Values pushed before workers start")
	fs.IntVar(&f.rate, "rate", 0, "Per-worker operations per second (0 uses HPSTACK_RATE_LIMIT_RPS)")
	fs.BoolVar(&f.poison, "poison", true, "Poison node values when they are freed")
	fs.Int64Var(&f.seed, "seed", time.Now().UnixNano(), "Random seed for worker operation mix")
	fs.StringVar(&f.metricsAddr, "metrics", "", "Address to serve /metrics and /healthz on (overrides HPSTACK_METRICS_ADDR)")
	fs.Float64Var(&f.traceSample, "trace-sample", -1, "Fraction of runs traced to stderr (overrides HPSTACK_TRACE_SAMPLE_RATE)")
	if err := fs.Parse(args); err != nil {
		return f, err
	}

	switch {
	case f.workers <= 0:
		return f, errors.New("-workers must be positive")
	case f.ops < 0, f.prefill < 0, f.rate < 0:
		return f, errors.New("-ops, -prefill and -rate cannot be negative")
	case f.ops == 0 && f.duration <= 0:
		return f, errors.New("-ops 0 requires a positive -duration")
	case f.traceSample > 1:
		return f, errors.New("-trace-sample must be at most 1")
	}
	return f, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err) //nolint:errcheck // best effort
		return exitUsage
	}

	cfg, err := LoadConfig(f.envFile)
	if err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err) //nolint:errcheck // best effort
		return exitUsage
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	if f.rate > 0 {
		cfg.RPS = f.rate
	}
	if f.traceSample >= 0 {
		cfg.TraceSampleRate = f.traceSample
	}

	logger, err := logging.NewLogger(cfg.LoggingConfig())
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err) //nolint:errcheck // best effort
		return exitUsage
	}

	if cfg.TraceSampleRate > 0 {
		shutdown, err := tracing.Init(tracing.Config{
			ServiceName:    "hpstack",
			ServiceVersion: version,
			SampleRate:     cfg.TraceSampleRate,
			Output:         stderr,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialize tracing")
			return exitUsage
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	mgr, err := hazard.NewManager(cfg.HazardConfig(), hazard.WithLogger(logger))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create hazard manager")
		return exitUsage
	}

	runID := uuid.New().String()
	hm := health.NewHealthManager(runID, logging.WithComponent(logger, "health"))
	hm.RegisterChecker(health.NewHazardChecker(mgr))

	if cfg.MetricsAddr != "" {
		srv, err := startMetricsServer(cfg.MetricsAddr, hm, logger)
		if err != nil {
			logger.Error().Err(err).Str("address", cfg.MetricsAddr).Msg("Failed to start metrics server")
			return exitFailure
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	opts := StressOptions{
		Workers:      f.workers,
		OpsPerWorker: f.ops,
		Duration:     f.duration,
		Prefill:      f.prefill,
		Poison:       f.poison,
		Limiter:      cfg.Config,
		Seed:         f.seed,
		RunID:        runID,
		Health:       hm,
	}
	report, err := RunStress(ctx, mgr, cfg.ArenaConfig(), opts, logger)
	if err != nil {
		return exitFailure
	}

	if !report.OK() {
		logger.Error().EmbedObject(report).Msg("stress run violated stack invariants")
		return exitViolation
	}
	logger.Info().EmbedObject(report).Int64("seed", f.seed).Msg("stress run passed")
	return exitOK
}

func startMetricsServer(addr string, hm *health.HealthManager, logger zerolog.Logger) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", hm.HTTPHandler())
	srv := &http.Server{
		Addr:              lis.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("address", srv.Addr).Msg("Starting metrics server")
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	return srv, nil
}
