package config

const (
	defaultConfigPath         = "~/.config/mediaflow/config.toml"
	defaultDataDir            = "~/.local/share/mediaflow/data"
	defaultStateDir           = "~/.local/share/mediaflow/state"
	defaultLogDir             = "~/.local/share/mediaflow/logs"
	defaultAPIBind            = "127.0.0.1:7587"
	defaultBrokerPrefetch     = 1
	defaultPublishTimeout     = 10
	defaultLeaseSeconds       = 300
	defaultMaxRedeliveries    = 5
	defaultCompletionsQueue   = "mediaflow.completions"
	defaultFailuresQueue      = "mediaflow.failures"
	defaultProgressQueue      = "mediaflow.progress"
	defaultDegradedThreshold  = 3
	defaultMaxAttempts        = 3
	defaultBackoffBase        = 30
	defaultBackoffCap         = 600
	defaultStageTimeout       = 1800
	defaultSweepInterval      = 60
	defaultDispatchInterval   = 5
	defaultDispatchBatch      = 50
	defaultProfile            = "video"
	defaultShutdownTimeout    = 30
	defaultRPCTimeout         = 120
	defaultRPCRetryDelayMS    = 500
	defaultDownloadTimeout    = 600
	defaultCrawlerUserAgent   = "mediaflow-crawler/1.0"
	defaultCrawlerTimeout     = 30
	defaultCrawlerMaxBytes    = 5 << 20
	defaultNotifyTimeout      = 10
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultArtifactsSubdir    = "results"
	defaultSceneQueue         = "SceneDetection"
	defaultFlashQueue         = "FlashDetection"
	defaultPhraseQueue        = "PhraseHinter"
	defaultGlossaryQueue      = "GlossaryGeneration"
	defaultCrawlingQueue      = "PythonCrawler"
	defaultArtifactsRegion    = "us-east-1"
	defaultArtifactsBucket    = "mediaflow-results"
	ArtifactsFS               = "fs"
	ArtifactsS3               = "s3"
	defaultArtifactsBackend   = ArtifactsFS
	defaultNotifyAbandoned    = true
	defaultNotifyBrokerHealth = true
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:  defaultDataDir,
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
			APIBind:  defaultAPIBind,
		},
		Broker: Broker{
			Prefetch:          defaultBrokerPrefetch,
			PublishTimeout:    defaultPublishTimeout,
			LeaseSeconds:      defaultLeaseSeconds,
			MaxRedeliveries:   defaultMaxRedeliveries,
			CompletionsQueue:  defaultCompletionsQueue,
			FailuresQueue:     defaultFailuresQueue,
			ProgressQueue:     defaultProgressQueue,
			DegradedThreshold: defaultDegradedThreshold,
		},
		Engine: Engine{
			MaxAttempts:      defaultMaxAttempts,
			BackoffBase:      defaultBackoffBase,
			BackoffCap:       defaultBackoffCap,
			StageTimeout:     defaultStageTimeout,
			SweepInterval:    defaultSweepInterval,
			DispatchInterval: defaultDispatchInterval,
			DispatchBatch:    defaultDispatchBatch,
			DefaultProfile:   defaultProfile,
		},
		Stages: Stages{
			SceneDetection: StageSettings{Queue: defaultSceneQueue},
			FlashDetection: StageSettings{Queue: defaultFlashQueue},
			PhraseHinting: StageSettings{
				Queue:     defaultPhraseQueue,
				DependsOn: []string{"scene_detection"},
			},
			GlossaryGeneration: StageSettings{
				Queue:     defaultGlossaryQueue,
				DependsOn: []string{"phrase_hinting"},
			},
			Crawling: StageSettings{Queue: defaultCrawlingQueue},
		},
		Profiles: map[string][]string{
			"video":  {"scene_detection", "flash_detection", "phrase_hinting", "glossary_generation"},
			"source": {"crawling"},
		},
		Worker: Worker{
			ShutdownTimeout: defaultShutdownTimeout,
		},
		RPC: RPC{
			TimeoutSeconds: defaultRPCTimeout,
			RetryDelayMS:   defaultRPCRetryDelayMS,
		},
		Artifacts: Artifacts{
			Backend: defaultArtifactsBackend,
			Bucket:  defaultArtifactsBucket,
			Region:  defaultArtifactsRegion,
		},
		Assets: Assets{
			DownloadTimeout: defaultDownloadTimeout,
		},
		Crawler: Crawler{
			UserAgent:      defaultCrawlerUserAgent,
			TimeoutSeconds: defaultCrawlerTimeout,
			MaxBytes:       defaultCrawlerMaxBytes,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Abandoned:      defaultNotifyAbandoned,
			BrokerHealth:   defaultNotifyBrokerHealth,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
