package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes one (asset, stage) job record.
type Job struct {
	AssetID        string `json:"assetId"`
	Stage          string `json:"stage"`
	StageName      string `json:"stageName"`
	Status         string `json:"status"`
	Attempt        int    `json:"attempt"`
	AttemptsUsed   int    `json:"attemptsUsed"`
	LastDispatched string `json:"lastDispatchedAt,omitempty"`
	RunningAt      string `json:"runningAt,omitempty"`
	NotBefore      string `json:"notBefore,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	ErrorKind      string `json:"errorKind,omitempty"`
	ResultRef      string `json:"resultRef,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

// Asset describes a media item under processing.
type Asset struct {
	AssetID     string            `json:"assetId"`
	Profile     string            `json:"profile"`
	SourcePath  string            `json:"sourcePath,omitempty"`
	SourceURL   string            `json:"sourceUrl,omitempty"`
	ReadOnly    bool              `json:"readOnly"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Cancelled   bool              `json:"cancelled"`
	CreatedAt   string            `json:"createdAt,omitempty"`
	CancelledAt string            `json:"cancelledAt,omitempty"`
	JobCounts   map[string]int    `json:"jobCounts,omitempty"`
}

// Event is one status transition from the audit trail.
type Event struct {
	Stage     string `json:"stage"`
	Attempt   int    `json:"attempt"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// EngineStatus mirrors the engine's runtime state.
type EngineStatus struct {
	Running   bool   `json:"running"`
	Authority bool   `json:"authority"`
	LockPath  string `json:"lockPath"`
	LastSweep string `json:"lastSweep,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// BrokerStatus reports broker health as seen by the engine.
type BrokerStatus struct {
	Degraded            bool   `json:"degraded"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
}

// StatusResponse aggregates runtime information for API consumers.
type StatusResponse struct {
	Engine    EngineStatus   `json:"engine"`
	Broker    BrokerStatus   `json:"broker"`
	JobCounts map[string]int `json:"jobCounts"`
}

// AssetListResponse wraps a collection of assets.
type AssetListResponse struct {
	Assets []Asset `json:"assets"`
}

// AssetResponse wraps a single asset.
type AssetResponse struct {
	Asset Asset `json:"asset"`
}

// JobListResponse wraps an asset's jobs.
type JobListResponse struct {
	AssetID string `json:"assetId"`
	Jobs    []Job  `json:"jobs"`
}

// EventListResponse wraps an asset's audit trail.
type EventListResponse struct {
	AssetID string  `json:"assetId"`
	Events  []Event `json:"events"`
}

// ProbeResponse is returned by /healthz and /readyz.
type ProbeResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
