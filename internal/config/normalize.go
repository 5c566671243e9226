package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeBroker()
	if err := c.normalizeEngine(); err != nil {
		return err
	}
	c.normalizeStages()
	c.normalizeProfiles()
	if err := c.normalizeArtifacts(); err != nil {
		return err
	}
	c.normalizeServices()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeBroker() {
	c.Broker.URI = strings.TrimSpace(c.Broker.URI)
	if c.Broker.URI == "" {
		c.Broker.URI = "sqlite://" + filepath.Join(c.Paths.StateDir, "broker.db")
	}
	if c.Broker.Prefetch <= 0 {
		c.Broker.Prefetch = defaultBrokerPrefetch
	}
	c.Broker.CompletionsQueue = defaultString(c.Broker.CompletionsQueue, defaultCompletionsQueue)
	c.Broker.FailuresQueue = defaultString(c.Broker.FailuresQueue, defaultFailuresQueue)
	c.Broker.ProgressQueue = defaultString(c.Broker.ProgressQueue, defaultProgressQueue)
	if c.Broker.DegradedThreshold <= 0 {
		c.Broker.DegradedThreshold = defaultDegradedThreshold
	}
}

func (c *Config) normalizeEngine() error {
	c.Engine.DefaultProfile = strings.ToLower(strings.TrimSpace(c.Engine.DefaultProfile))
	if c.Engine.DefaultProfile == "" {
		c.Engine.DefaultProfile = defaultProfile
	}
	if c.Engine.DispatchBatch <= 0 {
		c.Engine.DispatchBatch = defaultDispatchBatch
	}
	if strings.TrimSpace(c.Engine.LockPath) == "" {
		c.Engine.LockPath = filepath.Join(c.Paths.StateDir, "engine.lock")
	}
	var err error
	if c.Engine.LockPath, err = expandPath(c.Engine.LockPath); err != nil {
		return fmt.Errorf("engine.lock_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeStages() {
	defaults := Default().Stages
	pairs := []struct {
		current  *StageSettings
		fallback StageSettings
	}{
		{&c.Stages.SceneDetection, defaults.SceneDetection},
		{&c.Stages.FlashDetection, defaults.FlashDetection},
		{&c.Stages.PhraseHinting, defaults.PhraseHinting},
		{&c.Stages.GlossaryGeneration, defaults.GlossaryGeneration},
		{&c.Stages.Crawling, defaults.Crawling},
	}
	for _, p := range pairs {
		p.current.Queue = defaultString(p.current.Queue, p.fallback.Queue)
		deps := make([]string, 0, len(p.current.DependsOn))
		for _, dep := range p.current.DependsOn {
			if dep = strings.TrimSpace(dep); dep != "" {
				deps = append(deps, dep)
			}
		}
		p.current.DependsOn = deps
	}
}

func (c *Config) normalizeProfiles() {
	if len(c.Profiles) == 0 {
		c.Profiles = Default().Profiles
		return
	}
	normalized := make(map[string][]string, len(c.Profiles))
	for name, stages := range c.Profiles {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		seen := make(map[string]struct{}, len(stages))
		out := make([]string, 0, len(stages))
		for _, s := range stages {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
		normalized[key] = out
	}
	c.Profiles = normalized
}

func (c *Config) normalizeArtifacts() error {
	c.Artifacts.Backend = strings.ToLower(strings.TrimSpace(c.Artifacts.Backend))
	switch c.Artifacts.Backend {
	case "", "fs", "file", "filesystem":
		c.Artifacts.Backend = ArtifactsFS
	case "s3", "minio":
		c.Artifacts.Backend = ArtifactsS3
	}
	if strings.TrimSpace(c.Artifacts.Dir) == "" {
		c.Artifacts.Dir = filepath.Join(c.Paths.DataDir, defaultArtifactsSubdir)
	}
	var err error
	if c.Artifacts.Dir, err = expandPath(c.Artifacts.Dir); err != nil {
		return fmt.Errorf("artifacts.dir: %w", err)
	}
	c.Artifacts.Endpoint = strings.TrimSpace(c.Artifacts.Endpoint)
	c.Artifacts.Bucket = defaultString(c.Artifacts.Bucket, defaultArtifactsBucket)
	c.Artifacts.Region = defaultString(c.Artifacts.Region, defaultArtifactsRegion)
	return nil
}

func (c *Config) normalizeServices() {
	c.RPC.BaseURL = strings.TrimRight(strings.TrimSpace(c.RPC.BaseURL), "/")
	c.RPC.APIKey = strings.TrimSpace(c.RPC.APIKey)
	if c.RPC.TimeoutSeconds <= 0 {
		c.RPC.TimeoutSeconds = defaultRPCTimeout
	}
	if c.RPC.RetryDelayMS < 0 {
		c.RPC.RetryDelayMS = 0
	}
	c.Worker.Stage = strings.TrimSpace(c.Worker.Stage)
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = defaultShutdownTimeout
	}
	c.Assets.DownloadBaseURL = strings.TrimRight(strings.TrimSpace(c.Assets.DownloadBaseURL), "/")
	if c.Assets.DownloadTimeout <= 0 {
		c.Assets.DownloadTimeout = defaultDownloadTimeout
	}
	c.Crawler.UserAgent = defaultString(c.Crawler.UserAgent, defaultCrawlerUserAgent)
	if c.Crawler.TimeoutSeconds <= 0 {
		c.Crawler.TimeoutSeconds = defaultCrawlerTimeout
	}
	if c.Crawler.MaxBytes <= 0 {
		c.Crawler.MaxBytes = defaultCrawlerMaxBytes
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func defaultString(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
