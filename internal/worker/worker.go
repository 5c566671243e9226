package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"mediaflow/internal/artifacts"
	"mediaflow/internal/broker"
	"mediaflow/internal/config"
	"mediaflow/internal/envelope"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

// Worker runs one Processor against its stage queue.
type Worker struct {
	cfg             *config.Config
	broker          broker.Broker
	blobs           artifacts.Store
	processor       stage.Processor
	queue           string
	name            string
	maxRedeliveries int
	logger          *slog.Logger
}

// Option customizes a Worker.
type Option func(*Worker)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithName overrides the worker identity reported in envelopes.
func WithName(name string) Option {
	return func(w *Worker) {
		if name = strings.TrimSpace(name); name != "" {
			w.name = name
		}
	}
}

// New constructs a worker for processor's stage.
func New(cfg *config.Config, b broker.Broker, blobs artifacts.Store, processor stage.Processor, opts ...Option) (*Worker, error) {
	if cfg == nil {
		return nil, errors.New("worker requires configuration")
	}
	if b == nil || blobs == nil || processor == nil {
		return nil, errors.New("worker requires broker, artifact store and processor")
	}
	s := processor.Stage()
	settings := cfg.StageSettingsFor(s)
	if settings.Disabled {
		return nil, services.Wrap(services.ErrConfiguration, string(s), "worker", "stage is disabled", nil)
	}
	host, _ := os.Hostname()
	w := &Worker{
		cfg:             cfg,
		broker:          b,
		blobs:           blobs,
		processor:       processor,
		queue:           settings.Queue,
		name:            fmt.Sprintf("%s@%s:%d", s, host, os.Getpid()),
		maxRedeliveries: cfg.Broker.MaxRedeliveries,
		logger:          logging.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.maxRedeliveries <= 0 {
		w.maxRedeliveries = 1
	}
	w.logger = logging.NewComponentLogger(w.logger, "worker")
	return w, nil
}

// Stage returns the stage served by the worker.
func (w *Worker) Stage() stage.Stage { return w.processor.Stage() }

// Queue returns the consumed queue name.
func (w *Worker) Queue() string { return w.queue }

// Run consumes the stage queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	health := w.processor.HealthCheck(ctx)
	if !health.Ready {
		logging.WarnWithContext(w.logger, "processor reports unhealthy; consuming anyway", "worker_unhealthy",
			logging.String("detail", health.Detail),
			logging.String(logging.FieldImpact, "deliveries may fail and be retried"),
		)
	}
	w.logger.Info("worker started",
		logging.String(logging.FieldQueue, w.queue),
		logging.Int("prefetch", w.cfg.WorkerPrefetch()),
		logging.String("worker", w.name),
		logging.String(logging.FieldEventType, "worker_started"),
	)
	err := w.broker.Consume(ctx, w.queue, broker.ConsumeOptions{Prefetch: w.cfg.WorkerPrefetch()}, w.Handle)
	w.logger.Info("worker stopped", logging.String(logging.FieldEventType, "worker_stopped"))
	return err
}

// Handle processes one dispatch delivery and settles it.
func (w *Worker) Handle(ctx context.Context, d *broker.Delivery) error {
	env, err := envelope.Decode(d.Body)
	if err == nil && (env.Kind != envelope.KindDispatch || env.Stage != w.Stage()) {
		err = fmt.Errorf("%w: %s envelope for %s on %s queue", envelope.ErrMalformed, env.Kind, env.Stage, w.Stage())
	}
	var payload stage.DispatchPayload
	if err == nil {
		payload, err = env.DispatchPayload()
	}
	if err != nil {
		logging.WarnWithContext(w.logger, "malformed dispatch dead lettered", "message_malformed",
			logging.String("message_id", d.MessageID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "message moved to the dead letter queue"),
		)
		return d.Nack(false)
	}

	key := env.Key()
	ctx = services.WithAssetID(ctx, key.AssetID)
	ctx = services.WithStage(ctx, string(key.Stage))
	ctx = services.WithAttempt(ctx, key.Attempt)
	ctx = services.WithCorrelationID(ctx, env.Correlation)
	logger := logging.WithContext(ctx, w.logger)

	// The acknowledgement is advisory; the sweep covers a lost one.
	if err := w.publish(ctx, w.cfg.Broker.ProgressQueue, envelope.NewStarted(key, w.name)); err != nil {
		logger.Debug("started message not published", logging.Error(err))
	}

	if !payload.Force {
		ref, exists, err := w.blobs.Exists(ctx, key)
		if err != nil {
			return w.retryOrFail(ctx, logger, d, key, err)
		}
		if exists {
			logger.Info("result already stored; republishing completion",
				logging.String("result_ref", ref),
				logging.String(logging.FieldEventType, "stage_result_reused"),
			)
			return w.complete(ctx, logger, d, key, ref)
		}
	}

	task, err := w.task(ctx, key, payload)
	if err != nil {
		return w.retryOrFail(ctx, logger, d, key, err)
	}

	logger.Info("stage processing started",
		logging.Int("delivery", d.Attempt),
		logging.Bool("force", payload.Force),
		logging.Bool("read_only", payload.ReadOnly),
		logging.String(logging.FieldEventType, "stage_start"),
	)
	result, err := w.processor.Process(ctx, task)
	if err != nil {
		return w.retryOrFail(ctx, logger, d, key, err)
	}
	if err := stage.Validate(result); err != nil {
		return w.retryOrFail(ctx, logger, d, key, services.Wrap(services.ErrValidation, string(key.Stage), "validate result", "processor returned invalid result", err))
	}
	data, err := json.Marshal(result)
	if err != nil {
		return w.retryOrFail(ctx, logger, d, key, services.Wrap(services.ErrValidation, string(key.Stage), "encode result", "", err))
	}
	ref, err := w.blobs.Put(ctx, key, data)
	if err != nil {
		return w.retryOrFail(ctx, logger, d, key, services.Wrap(services.ErrTransient, string(key.Stage), "store result", "", err))
	}
	return w.complete(ctx, logger, d, key, ref)
}

// task loads prerequisite results named in the dispatch payload.
func (w *Worker) task(ctx context.Context, key stage.Key, payload stage.DispatchPayload) (stage.Task, error) {
	task := stage.Task{Key: key, Payload: payload}
	if len(payload.Inputs) == 0 {
		return task, nil
	}
	task.Inputs = make(map[stage.Stage]json.RawMessage, len(payload.Inputs))
	for dep, ref := range payload.Inputs {
		data, err := w.blobs.Get(ctx, ref)
		if err != nil {
			return task, services.Wrap(services.ErrTransient, string(key.Stage), "load input",
				fmt.Sprintf("%s result %s", dep, ref), err)
		}
		task.Inputs[dep] = data
	}
	return task, nil
}

func (w *Worker) complete(ctx context.Context, logger *slog.Logger, d *broker.Delivery, key stage.Key, ref string) error {
	if err := w.publish(ctx, w.cfg.Broker.CompletionsQueue, envelope.NewCompletion(key, ref, w.name)); err != nil {
		logging.WarnWithContext(logger, "completion publish failed; delivery requeued", "completion_publish_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check broker connectivity"),
		)
		return d.Nack(true)
	}
	logger.Info("stage processing completed",
		logging.String("result_ref", ref),
		logging.String(logging.FieldEventType, "stage_complete"),
	)
	return d.Ack()
}

// retryOrFail settles a delivery whose processing failed. Permanent errors
// are reported at once. Other errors requeue the delivery until the
// redelivery bound, after which the failure is reported with its kind so the
// engine's retry policy takes over.
func (w *Worker) retryOrFail(ctx context.Context, logger *slog.Logger, d *broker.Delivery, key stage.Key, cause error) error {
	kind := services.Classify(cause)
	if ctx.Err() != nil {
		return d.Nack(true)
	}
	if kind != services.FailurePermanent && d.Attempt < w.maxRedeliveries {
		logging.WarnWithContext(logger, "stage processing failed; delivery requeued", "stage_requeued",
			logging.String("failure_kind", string(kind)),
			logging.Int("delivery", d.Attempt),
			logging.Error(cause),
			logging.String(logging.FieldImpact, "the dispatch will be redelivered"),
		)
		return d.Nack(true)
	}

	if err := w.publish(ctx, w.cfg.Broker.FailuresQueue, envelope.NewFailure(key, kind, cause, w.name)); err != nil {
		logging.WarnWithContext(logger, "failure publish failed; delivery requeued", "failure_publish_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check broker connectivity"),
		)
		return d.Nack(true)
	}
	logging.ErrorWithContext(logger, "stage processing failed", "stage_failure",
		logging.String("failure_kind", string(kind)),
		logging.Int("delivery", d.Attempt),
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, failureHint(kind)),
	)
	return d.Ack()
}

func failureHint(kind services.FailureKind) string {
	if kind == services.FailurePermanent {
		return "fix the input or stage configuration, then request with --force"
	}
	return "the engine will retry after backoff"
}

func (w *Worker) publish(ctx context.Context, queue string, env envelope.Envelope) error {
	body, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return w.broker.Publish(ctx, queue, broker.Message{
		ID:          env.ID,
		ContentType: "application/json",
		Body:        body,
	})
}
