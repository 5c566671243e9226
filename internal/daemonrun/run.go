// Package daemonrun wires the long-running mediaflow processes: the Task
// Engine with its status API, and single-stage workers.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"mediaflow/internal/api"
	"mediaflow/internal/artifacts"
	"mediaflow/internal/broker"
	"mediaflow/internal/config"
	"mediaflow/internal/engine"
	"mediaflow/internal/jobs"
	"mediaflow/internal/logging"
	"mediaflow/internal/metrics"
	"mediaflow/internal/notifications"
	"mediaflow/internal/preflight"
	"mediaflow/internal/reconciler"
	"mediaflow/internal/stage"
	"mediaflow/internal/stages"
	"mediaflow/internal/worker"
)

// ErrPreflightFailed is returned when a required preflight check fails.
var ErrPreflightFailed = errors.New("preflight checks failed")

// Options configures process runtime behavior.
type Options struct {
	// LogLevel overrides logging.level when set.
	LogLevel      string
	SkipPreflight bool
	// Logger replaces the file and stdout logger built from config.
	Logger *slog.Logger
}

// RunEngine starts the Task Engine and the status API and blocks until a
// termination signal arrives or the engine fails.
func RunEngine(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	ctx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := processLogger(cfg, "engine", opts)
	if err != nil {
		return err
	}
	if err := checkPreflight(ctx, logger, opts, preflight.RunAll(ctx, cfg)); err != nil {
		return err
	}

	pidPath := filepath.Join(cfg.Paths.StateDir, "engine.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	rt, err := OpenEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("engine setup failed", logging.Error(err))
		return err
	}
	defer rt.Close()
	rt.Engine.WatchBrokerHealth(rt.Health)

	srv := api.NewServer(api.Options{
		Bind:    cfg.Paths.APIBind,
		Token:   cfg.Paths.APIToken,
		Store:   rt.Store,
		Engine:  rt.Engine,
		Health:  rt.Health,
		Metrics: rt.Metrics,
		Logger:  logger,
	})
	if err := srv.Start(ctx); err != nil {
		logger.Warn("status api unavailable",
			logging.Error(err),
			logging.String(logging.FieldEventType, "api_start_failed"),
			logging.String(logging.FieldErrorHint, "check paths.api_bind is free"),
			logging.String(logging.FieldImpact, "engine runs without the status API"),
		)
	}
	defer srv.Stop()

	logger.Info("mediaflow engine starting",
		logging.String("broker", brokerScheme(cfg.Broker.URI)),
		logging.String("artifacts", cfg.Artifacts.Backend),
		logging.String("jobs_db", rt.Store.Path()),
		logging.String(logging.FieldEventType, "process_started"),
	)
	if err := rt.Engine.Run(ctx); err != nil {
		logger.Error("engine stopped with error", logging.Error(err))
		return err
	}
	logger.Info("mediaflow engine shutting down")
	return nil
}

// Runtime bundles an engine with the resources it owns.
type Runtime struct {
	Engine  *engine.Engine
	Store   *jobs.Store
	Broker  broker.Broker
	Health  *broker.HealthTracker
	Metrics *metrics.Engine
}

// OpenEngine opens the job store, broker and artifact store and builds an
// engine over them without starting its loops. CLI commands use it to
// request and cancel processing against the shared store and broker.
func OpenEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	store, err := jobs.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	rt := &Runtime{Store: store, Metrics: metrics.New()}
	rt.Health = broker.NewHealthTracker(cfg.Broker.DegradedThreshold, logging.NewComponentLogger(logger, "broker"))
	if rt.Broker, err = openBroker(ctx, cfg, logger, rt.Health); err != nil {
		rt.Close()
		return nil, err
	}

	blobs, err := artifacts.Open(ctx, cfg)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	registry, err := reconciler.NewRegistry(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rec, err := reconciler.New(store, blobs, registry, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Engine, err = engine.New(cfg, store, rt.Broker, registry, rec,
		engine.WithLogger(logger),
		engine.WithNotifier(notifications.NewService(cfg)),
		engine.WithMetrics(rt.Metrics),
	)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return rt, nil
}

// Close releases the broker and the job store.
func (r *Runtime) Close() error {
	var errs []error
	if r.Broker != nil {
		errs = append(errs, r.Broker.Close())
	}
	if r.Store != nil {
		errs = append(errs, r.Store.Close())
	}
	return errors.Join(errs...)
}

// RunWorker serves one stage queue until a termination signal arrives.
func RunWorker(cmdCtx context.Context, cfg *config.Config, stageName string, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	s, err := stage.Parse(stageName)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := processLogger(cfg, "worker-"+string(s), opts)
	if err != nil {
		return err
	}
	logger = logging.ForStage(logger, cfg, string(s))
	if err := checkPreflight(ctx, logger, opts, preflight.ForWorker(ctx, cfg, s)); err != nil {
		return err
	}

	health := broker.NewHealthTracker(cfg.Broker.DegradedThreshold, logging.NewComponentLogger(logger, "broker"))
	b, err := openBroker(ctx, cfg, logger, health)
	if err != nil {
		return err
	}
	defer b.Close()

	blobs, err := artifacts.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	processor, err := stages.New(cfg, s, stages.DepsFromConfig(cfg, logger))
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	w, err := worker.New(cfg, b, blobs, processor,
		worker.WithLogger(logger),
		worker.WithName(fmt.Sprintf("%s@%s:%d", s, hostname, os.Getpid())),
	)
	if err != nil {
		return err
	}

	logger.Info("mediaflow worker starting",
		logging.String(logging.FieldStage, string(s)),
		logging.String(logging.FieldQueue, w.Queue()),
		logging.Int("concurrency", cfg.WorkerPrefetch()),
		logging.String(logging.FieldEventType, "process_started"),
	)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", logging.Error(err))
		return err
	}
	logger.Info("mediaflow worker shutting down")
	return nil
}

func processLogger(cfg *config.Config, process string, opts Options) (*slog.Logger, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		return opts.Logger, nil
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	logger, err := logging.NewFromConfig(cfg, process)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, filepath.Join(cfg.Paths.LogDir, process+".log")); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update mediaflow.log link: %v\n", err)
	}
	return logger, nil
}

func openBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger, health *broker.HealthTracker) (broker.Broker, error) {
	b, err := broker.Open(ctx, cfg.Broker.URI, broker.Options{
		Logger:         logger,
		PublishTimeout: cfg.PublishTimeout(),
		Lease:          cfg.LeaseDuration(),
	})
	if err != nil {
		return nil, fmt.Errorf("open broker: %w", err)
	}
	return broker.WithHealth(b, health), nil
}

func checkPreflight(ctx context.Context, logger *slog.Logger, opts Options, results []preflight.Result) error {
	for _, r := range results {
		attrs := []logging.Attr{
			logging.String("check", r.Name),
			logging.Bool("passed", r.Passed),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldEventType, "preflight_check"),
		}
		if r.Passed || r.Optional {
			logger.Info("preflight", logging.Args(attrs...)...)
			continue
		}
		logger.Error("preflight", logging.Args(attrs...)...)
	}
	failed := preflight.Failed(results)
	if len(failed) == 0 || opts.SkipPreflight {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %s", ErrPreflightFailed, failed[0].Name, failed[0].Detail)
}

func brokerScheme(uri string) string {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return "unknown"
	}
	return scheme
}

// ensureCurrentLogPointer points <logDir>/mediaflow.log at the active log.
func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "mediaflow.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
