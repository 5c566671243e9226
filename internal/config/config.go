package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"mediaflow/internal/stage"
)

//go:embed sample_config.toml
var sampleConfig string

// EnvPrefix is the prefix for environment overrides, e.g. MEDIAFLOW_BROKER_URI.
const EnvPrefix = "MEDIAFLOW"

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir" envconfig:"DATA_DIR"`
	StateDir string `toml:"state_dir" envconfig:"STATE_DIR"`
	LogDir   string `toml:"log_dir" envconfig:"LOG_DIR"`
	APIBind  string `toml:"api_bind" envconfig:"API_BIND"`
	// APIToken, when set, is required as a bearer token on /api routes.
	APIToken string `toml:"api_token" envconfig:"API_TOKEN"`
}

// Broker contains message broker connection and delivery settings.
type Broker struct {
	URI              string `toml:"uri" envconfig:"URI"`
	Prefetch         int    `toml:"prefetch" envconfig:"PREFETCH"`
	PublishTimeout   int    `toml:"publish_timeout" envconfig:"PUBLISH_TIMEOUT"`
	LeaseSeconds     int    `toml:"lease_seconds" envconfig:"LEASE_SECONDS"`
	MaxRedeliveries  int    `toml:"max_redeliveries" envconfig:"MAX_REDELIVERIES"`
	CompletionsQueue string `toml:"completions_queue" envconfig:"COMPLETIONS_QUEUE"`
	FailuresQueue    string `toml:"failures_queue" envconfig:"FAILURES_QUEUE"`
	ProgressQueue    string `toml:"progress_queue" envconfig:"PROGRESS_QUEUE"`
	// DegradedThreshold is the number of consecutive broker errors before the
	// process reports degraded health.
	DegradedThreshold int `toml:"degraded_threshold" envconfig:"DEGRADED_THRESHOLD"`
}

// Engine contains Task Engine retry, timeout, and loop settings. Durations are seconds.
type Engine struct {
	MaxAttempts      int    `toml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	BackoffBase      int    `toml:"backoff_base" envconfig:"BACKOFF_BASE"`
	BackoffCap       int    `toml:"backoff_cap" envconfig:"BACKOFF_CAP"`
	StageTimeout     int    `toml:"stage_timeout" envconfig:"STAGE_TIMEOUT"`
	SweepInterval    int    `toml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	DispatchInterval int    `toml:"dispatch_interval" envconfig:"DISPATCH_INTERVAL"`
	DispatchBatch    int    `toml:"dispatch_batch" envconfig:"DISPATCH_BATCH"`
	DefaultProfile   string `toml:"default_profile" envconfig:"DEFAULT_PROFILE"`
	LockPath         string `toml:"lock_path" envconfig:"LOCK_PATH"`
}

// StageSettings configures one stage. A zero TimeoutSeconds inherits
// engine.stage_timeout.
type StageSettings struct {
	Queue          string   `toml:"queue" envconfig:"QUEUE"`
	TimeoutSeconds int      `toml:"timeout_seconds" envconfig:"TIMEOUT_SECONDS"`
	DependsOn      []string `toml:"depends_on" envconfig:"DEPENDS_ON"`
	Disabled       bool     `toml:"disabled" envconfig:"DISABLED"`
}

// Stages holds per-stage settings.
type Stages struct {
	SceneDetection     StageSettings `toml:"scene_detection" envconfig:"SCENE_DETECTION"`
	FlashDetection     StageSettings `toml:"flash_detection" envconfig:"FLASH_DETECTION"`
	PhraseHinting      StageSettings `toml:"phrase_hinting" envconfig:"PHRASE_HINTING"`
	GlossaryGeneration StageSettings `toml:"glossary_generation" envconfig:"GLOSSARY_GENERATION"`
	Crawling           StageSettings `toml:"crawling" envconfig:"CRAWLING"`
}

// Worker selects the stage a worker process serves.
type Worker struct {
	Stage           string `toml:"stage" envconfig:"STAGE"`
	Concurrency     int    `toml:"concurrency" envconfig:"CONCURRENCY"`
	ShutdownTimeout int    `toml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// RPC contains settings for the inference service bridge.
type RPC struct {
	BaseURL        string `toml:"base_url" envconfig:"BASE_URL"`
	APIKey         string `toml:"api_key" envconfig:"API_KEY"`
	TimeoutSeconds int    `toml:"timeout_seconds" envconfig:"TIMEOUT_SECONDS"`
	RetryDelayMS   int    `toml:"retry_delay_ms" envconfig:"RETRY_DELAY_MS"`
}

// Artifacts selects where stage result blobs are written.
type Artifacts struct {
	Backend   string `toml:"backend" envconfig:"BACKEND"`
	Dir       string `toml:"dir" envconfig:"DIR"`
	Endpoint  string `toml:"endpoint" envconfig:"ENDPOINT"`
	Bucket    string `toml:"bucket" envconfig:"BUCKET"`
	Region    string `toml:"region" envconfig:"REGION"`
	AccessKey string `toml:"access_key" envconfig:"ACCESS_KEY"`
	SecretKey string `toml:"secret_key" envconfig:"SECRET_KEY"`
	UseSSL    bool   `toml:"use_ssl" envconfig:"USE_SSL"`
}

// Assets controls how workers locate asset media under the data directory.
type Assets struct {
	DownloadMissing bool   `toml:"download_missing" envconfig:"DOWNLOAD_MISSING"`
	DownloadBaseURL string `toml:"download_base_url" envconfig:"DOWNLOAD_BASE_URL"`
	DownloadTimeout int    `toml:"download_timeout" envconfig:"DOWNLOAD_TIMEOUT"`
}

// Crawler contains settings for the crawling stage.
type Crawler struct {
	UserAgent      string `toml:"user_agent" envconfig:"USER_AGENT"`
	TimeoutSeconds int    `toml:"timeout_seconds" envconfig:"TIMEOUT_SECONDS"`
	MaxBytes       int64  `toml:"max_bytes" envconfig:"MAX_BYTES"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic" envconfig:"NTFY_TOPIC"`
	RequestTimeout int    `toml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	Abandoned      bool   `toml:"abandoned" envconfig:"ABANDONED"`
	BrokerHealth   bool   `toml:"broker_health" envconfig:"BROKER_HEALTH"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format         string            `toml:"format" envconfig:"FORMAT"`
	Level          string            `toml:"level" envconfig:"LEVEL"`
	StageOverrides map[string]string `toml:"stage_overrides" envconfig:"STAGE_OVERRIDES"`
}

// Config encapsulates all configuration values for mediaflow.
//
// Configuration sections by subsystem:
//   - Paths: data, state and log directories plus the status API bind address
//   - Broker: broker URI, prefetch, publish confirmation and queue names
//   - Engine: retry policy, timeouts, sweep and dispatch intervals
//   - Stages: per-stage queue names, timeouts and dependencies
//   - Profiles: policy table mapping an asset profile to its stages
//   - Worker: stage served by a worker process
//   - RPC: inference service bridge
//   - Artifacts: result blob storage (filesystem or S3/MinIO)
//   - Assets, Crawler: stage input settings
//   - Notifications: ntfy alerts
//   - Logging: log format and level
type Config struct {
	Paths         Paths               `toml:"paths" envconfig:"PATHS"`
	Broker        Broker              `toml:"broker" envconfig:"BROKER"`
	Engine        Engine              `toml:"engine" envconfig:"ENGINE"`
	Stages        Stages              `toml:"stages" envconfig:"STAGES"`
	Profiles      map[string][]string `toml:"profiles" ignored:"true"`
	Worker        Worker              `toml:"worker" envconfig:"WORKER"`
	RPC           RPC                 `toml:"rpc" envconfig:"RPC"`
	Artifacts     Artifacts           `toml:"artifacts" envconfig:"ARTIFACTS"`
	Assets        Assets              `toml:"assets" envconfig:"ASSETS"`
	Crawler       Crawler             `toml:"crawler" envconfig:"CRAWLER"`
	Notifications Notifications       `toml:"notifications" envconfig:"NOTIFICATIONS"`
	Logging       Logging             `toml:"logging" envconfig:"LOGGING"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates and parses a configuration file, applies MEDIAFLOW_* environment
// overrides, then normalizes and validates the result.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, "", false, fmt.Errorf("apply environment: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("mediaflow.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories engine and worker processes write to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.StateDir, c.Paths.LogDir}
	if c.Artifacts.Backend == ArtifactsFS {
		dirs = append(dirs, c.Artifacts.Dir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// JobsDBPath returns the Job Record Store database location.
func (c *Config) JobsDBPath() string {
	return filepath.Join(c.Paths.StateDir, "jobs.db")
}

// StageSettingsFor returns the settings block for s.
func (c *Config) StageSettingsFor(s stage.Stage) StageSettings {
	if p := c.stageSettings(s); p != nil {
		return *p
	}
	return StageSettings{}
}

func (c *Config) stageSettings(s stage.Stage) *StageSettings {
	switch s {
	case stage.SceneDetection:
		return &c.Stages.SceneDetection
	case stage.FlashDetection:
		return &c.Stages.FlashDetection
	case stage.PhraseHinting:
		return &c.Stages.PhraseHinting
	case stage.GlossaryGeneration:
		return &c.Stages.GlossaryGeneration
	case stage.Crawling:
		return &c.Stages.Crawling
	default:
		return nil
	}
}

// StageTimeout returns the effective timeout for s.
func (c *Config) StageTimeout(s stage.Stage) time.Duration {
	if settings := c.StageSettingsFor(s); settings.TimeoutSeconds > 0 {
		return seconds(settings.TimeoutSeconds)
	}
	return seconds(c.Engine.StageTimeout)
}

// StageDescriptors builds capability descriptors for every enabled stage.
func (c *Config) StageDescriptors() ([]stage.Descriptor, error) {
	var out []stage.Descriptor
	for _, s := range stage.All() {
		settings := c.StageSettingsFor(s)
		if settings.Disabled {
			continue
		}
		deps := make([]stage.Stage, 0, len(settings.DependsOn))
		for _, raw := range settings.DependsOn {
			dep, err := stage.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("stages.%s.depends_on: %w", s, err)
			}
			deps = append(deps, dep)
		}
		out = append(out, stage.Descriptor{
			Stage:     s,
			Queue:     settings.Queue,
			DependsOn: deps,
			Timeout:   c.StageTimeout(s),
		})
	}
	return out, nil
}

// ProfileStages resolves a policy profile to its stages. An empty name selects
// engine.default_profile.
func (c *Config) ProfileStages(name string) ([]stage.Stage, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = c.Engine.DefaultProfile
	}
	raw, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	out := make([]stage.Stage, 0, len(raw))
	for _, value := range raw {
		s, err := stage.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// BackoffBase returns the first redispatch delay.
func (c *Config) BackoffBase() time.Duration { return seconds(c.Engine.BackoffBase) }

// BackoffCap returns the maximum redispatch delay.
func (c *Config) BackoffCap() time.Duration { return seconds(c.Engine.BackoffCap) }

// SweepInterval returns the stuck-job sweep period.
func (c *Config) SweepInterval() time.Duration { return seconds(c.Engine.SweepInterval) }

// DispatchInterval returns the pending-job dispatch period.
func (c *Config) DispatchInterval() time.Duration { return seconds(c.Engine.DispatchInterval) }

// PublishTimeout bounds how long a publish waits for broker confirmation.
func (c *Config) PublishTimeout() time.Duration { return seconds(c.Broker.PublishTimeout) }

// LeaseDuration is the visibility timeout for unacknowledged deliveries.
func (c *Config) LeaseDuration() time.Duration { return seconds(c.Broker.LeaseSeconds) }

// RPCTimeout returns the hard per-call timeout for the RPC bridge.
func (c *Config) RPCTimeout() time.Duration { return seconds(c.RPC.TimeoutSeconds) }

// CrawlerTimeout bounds one page fetch of the crawling stage.
func (c *Config) CrawlerTimeout() time.Duration { return seconds(c.Crawler.TimeoutSeconds) }

// WorkerPrefetch returns the bounded concurrency for a worker process.
func (c *Config) WorkerPrefetch() int {
	if c.Worker.Concurrency > 0 {
		return c.Worker.Concurrency
	}
	return c.Broker.Prefetch
}

func seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
