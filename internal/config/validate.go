package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"mediaflow/internal/stage"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBroker(); err != nil {
		return err
	}
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateProfiles(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateArtifacts(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateBroker() error {
	parsed, err := url.Parse(c.Broker.URI)
	if err != nil {
		return fmt.Errorf("broker.uri: %w", err)
	}
	switch parsed.Scheme {
	case "sqlite", "memory", "amqp", "amqps", "redis", "rediss":
	default:
		return fmt.Errorf("broker.uri: unsupported scheme %q (want sqlite, amqp, redis or memory)", parsed.Scheme)
	}
	if err := ensurePositiveMap(map[string]int{
		"broker.prefetch":         c.Broker.Prefetch,
		"broker.publish_timeout":  c.Broker.PublishTimeout,
		"broker.lease_seconds":    c.Broker.LeaseSeconds,
		"broker.max_redeliveries": c.Broker.MaxRedeliveries,
	}); err != nil {
		return err
	}
	queues := map[string]string{}
	for key, name := range map[string]string{
		"broker.completions_queue": c.Broker.CompletionsQueue,
		"broker.failures_queue":    c.Broker.FailuresQueue,
		"broker.progress_queue":    c.Broker.ProgressQueue,
	} {
		if other, dup := queues[name]; dup {
			return fmt.Errorf("%s duplicates %s (%q)", key, other, name)
		}
		queues[name] = key
	}
	return nil
}

func (c *Config) validateEngine() error {
	if err := ensurePositiveMap(map[string]int{
		"engine.max_attempts":      c.Engine.MaxAttempts,
		"engine.backoff_base":      c.Engine.BackoffBase,
		"engine.backoff_cap":       c.Engine.BackoffCap,
		"engine.stage_timeout":     c.Engine.StageTimeout,
		"engine.sweep_interval":    c.Engine.SweepInterval,
		"engine.dispatch_interval": c.Engine.DispatchInterval,
	}); err != nil {
		return err
	}
	if c.Engine.BackoffCap < c.Engine.BackoffBase {
		return errors.New("engine.backoff_cap must be >= engine.backoff_base")
	}
	if _, ok := c.Profiles[c.Engine.DefaultProfile]; !ok {
		return fmt.Errorf("engine.default_profile %q is not defined in [profiles]", c.Engine.DefaultProfile)
	}
	return nil
}

func (c *Config) validateStages() error {
	descs, err := c.StageDescriptors()
	if err != nil {
		return err
	}
	for _, d := range descs {
		if c.StageSettingsFor(d.Stage).TimeoutSeconds < 0 {
			return fmt.Errorf("stages.%s.timeout_seconds must be >= 0", d.Stage)
		}
		for _, q := range []string{c.Broker.CompletionsQueue, c.Broker.FailuresQueue, c.Broker.ProgressQueue} {
			if d.Queue == q {
				return fmt.Errorf("stages.%s.queue %q collides with a reporting queue", d.Stage, q)
			}
		}
	}
	if _, err := stage.NewRegistry(descs...); err != nil {
		return fmt.Errorf("stages: %w", err)
	}
	return nil
}

func (c *Config) validateProfiles() error {
	enabled := map[stage.Stage]bool{}
	descs, err := c.StageDescriptors()
	if err != nil {
		return err
	}
	deps := map[stage.Stage][]stage.Stage{}
	for _, d := range descs {
		enabled[d.Stage] = true
		deps[d.Stage] = d.DependsOn
	}
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stages, err := c.ProfileStages(name)
		if err != nil {
			return fmt.Errorf("profiles: %w", err)
		}
		if len(stages) == 0 {
			return fmt.Errorf("profiles.%s must list at least one stage", name)
		}
		included := map[stage.Stage]bool{}
		for _, s := range stages {
			if !enabled[s] {
				return fmt.Errorf("profiles.%s includes disabled stage %s", name, s)
			}
			included[s] = true
		}
		for _, s := range stages {
			for _, dep := range deps[s] {
				if !included[dep] {
					return fmt.Errorf("profiles.%s includes %s but not its prerequisite %s", name, s, dep)
				}
			}
		}
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.Stage != "" {
		if _, err := stage.Parse(c.Worker.Stage); err != nil {
			return fmt.Errorf("worker.stage: %w", err)
		}
	}
	if c.Worker.Concurrency < 0 {
		return errors.New("worker.concurrency must be >= 0")
	}
	return nil
}

func (c *Config) validateArtifacts() error {
	switch c.Artifacts.Backend {
	case ArtifactsFS:
		return nil
	case ArtifactsS3:
		if c.Artifacts.Endpoint == "" {
			return errors.New("artifacts.endpoint must be set when artifacts.backend is s3")
		}
		if strings.TrimSpace(c.Artifacts.Bucket) == "" {
			return errors.New("artifacts.bucket must be set when artifacts.backend is s3")
		}
		return nil
	default:
		return fmt.Errorf("artifacts.backend: unsupported value %q", c.Artifacts.Backend)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	for name := range c.Logging.StageOverrides {
		if _, err := stage.Parse(name); err != nil {
			return fmt.Errorf("logging.stage_overrides: %w", err)
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
