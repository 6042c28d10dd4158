package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/salvage/internal/config"
	apperrors "github.com/zsiec/salvage/internal/errors"
	"github.com/zsiec/salvage/internal/jobs"
	"github.com/zsiec/salvage/internal/logger"
	"github.com/zsiec/salvage/internal/prompt"
	"github.com/zsiec/salvage/internal/repair"
	"github.com/zsiec/salvage/internal/repair/profile"
	"github.com/zsiec/salvage/internal/server"
	"github.com/zsiec/salvage/pkg/version"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type options struct {
	configPath  string
	format      string
	output      string
	listFormats bool
	showVersion bool
	serve       bool
	input       string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet("salvage", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.format, "format", "", "Recording format code (see -list-formats)")
	fs.StringVar(&opts.output, "o", "", "Output file (default: input name with the repair suffix)")
	fs.BoolVar(&opts.listFormats, "list-formats", false, "List format codes and exit")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version information")
	fs.BoolVar(&opts.serve, "serve", false, "Run the HTTP repair service")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: salvage [flags] <file>\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch {
	case opts.showVersion, opts.listFormats, opts.serve:
		if fs.NArg() > 0 {
			return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
		}
	case fs.NArg() != 1:
		fs.Usage()
		return nil, errors.New("exactly one input file is required")
	default:
		opts.input = fs.Arg(0)
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "salvage: %v\n", err)
		return exitUsage
	}

	if opts.showVersion {
		fmt.Fprintln(stdout, version.GetInfo().String())
		return exitOK
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logger: %v\n", err)
		return exitFailure
	}

	catalog, err := loadCatalog(cfg.Repair.CatalogPath)
	if err != nil {
		log.WithError(err).WithField("path", cfg.Repair.CatalogPath).Error("Failed to load format catalog")
		return exitFailure
	}

	if opts.listFormats {
		printFormats(stdout, catalog)
		return exitOK
	}

	if cfg.Metrics.Enabled {
		go startMetricsServer(cfg.Metrics, logger.NewLogrusAdapter(logrus.NewEntry(log)))
	}

	repairer := repair.New(catalog, logger.NewLogrusAdapter(logrus.NewEntry(log)), cfg.Repair.OutputSuffix)

	if opts.serve {
		return serve(ctx, cfg, log, repairer)
	}

	log.WithField("version", version.GetInfo().Short()).Debug("Starting repair")
	fmt.Fprintln(stderr, version.GetInfo().Banner())

	format := opts.format
	if format == "" {
		format = cfg.Repair.DefaultFormat
	}

	fileOpts := repair.FileOptions{Output: opts.output, Format: format}
	if format == "" && cfg.Repair.Interactive && isatty.IsTerminal(os.Stdin.Fd()) {
		fileOpts.Selector = prompt.NewSelector()
	}

	rep, err := repairer.RepairFile(ctx, opts.input, fileOpts)
	if err != nil {
		return reportFailure(stderr, err)
	}

	fmt.Fprint(stdout, rep.Summary())
	return exitOK
}

func loadCatalog(path string) (*profile.Catalog, error) {
	if path == "" {
		return profile.Default()
	}
	return profile.LoadFile(path)
}

// reportFailure prints a repair error and maps it to an exit code.
func reportFailure(stderr io.Writer, err error) int {
	appErr, ok := apperrors.GetAppError(err)
	if !ok {
		fmt.Fprintf(stderr, "Repair failed: %v\n", err)
		return exitFailure
	}

	fmt.Fprintf(stderr, "Repair failed: %s\n", appErr.Message)
	if off, ok := appErr.Offset(); ok {
		fmt.Fprintf(stderr, "  at file offset 0x%x\n", off)
	}

	switch appErr.Type {
	case apperrors.ErrorTypeFormatRequired, apperrors.ErrorTypeValidation:
		if codes, ok := appErr.Details["codes"].([]string); ok {
			fmt.Fprintf(stderr, "  pass -format with one of: %s\n", strings.Join(codes, " "))
		}
		return exitUsage
	default:
		return exitFailure
	}
}

func printFormats(w io.Writer, catalog *profile.Catalog) {
	for _, fam := range catalog.Families() {
		fmt.Fprintf(w, "%s formats:\n", fam)
		for _, p := range catalog.Profiles(fam) {
			fmt.Fprintf(w, "  %s  %-4s  %s\n", p.Code, p.Codec, p.Description)
		}
		if hints := catalog.Hints(fam); len(hints) > 0 {
			fmt.Fprintln(w, "  If unsure:")
			for _, h := range hints {
				fmt.Fprintf(w, "    %s: %s\n", h.Source, h.Code)
			}
		}
		fmt.Fprintln(w)
	}
}

// serve runs the HTTP repair service until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, log *logrus.Logger, repairer *repair.Repairer) int {
	log.WithField("version", version.GetInfo().Short()).Info("Starting Salvage repair service")

	deps := server.Dependencies{Repairer: repairer}

	if cfg.Jobs.Backend == "redis" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addresses[0],
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})

		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Error("Failed to connect to Redis")
			_ = redisClient.Close()
			return exitFailure
		}
		log.Info("Connected to Redis successfully")

		// The registry owns the client and closes it on shutdown.
		deps.Jobs = jobs.NewRedisRegistry(redisClient, log, cfg.Jobs.TTL)
		deps.Redis = redisClient
	} else {
		deps.Jobs = jobs.NewMemoryRegistry(cfg.Jobs.TTL)
	}

	srv := server.New(&cfg.Server, log, deps)
	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Error("Server error")
		return exitFailure
	}

	log.Info("Server shutdown complete")
	return exitOK
}

// startMetricsServer starts the Prometheus metrics server
func startMetricsServer(cfg config.MetricsConfig, log logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.WithField("addr", addr).Info("Starting metrics server")

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("Metrics server error")
	}
}
