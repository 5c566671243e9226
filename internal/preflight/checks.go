package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"mediaflow/internal/artifacts"
	"mediaflow/internal/broker"
	"mediaflow/internal/config"
	"mediaflow/internal/jobs"
	"mediaflow/internal/rpcbridge"
)

const checkTimeout = 10 * time.Second

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	if path == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckJobStore opens the job database, applying migrations, and reports the
// schema version.
func CheckJobStore(ctx context.Context, cfg *config.Config) Result {
	const name = "Job store"
	store, err := jobs.Open(cfg)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	defer store.Close()

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	version, err := store.SchemaVersion(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("schema version: %v", err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (schema v%d)", store.Path(), version)}
}

// CheckBroker connects to the configured broker and pings it once.
func CheckBroker(ctx context.Context, cfg *config.Config) Result {
	const name = "Broker"
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	b, err := broker.Open(checkCtx, cfg.Broker.URI, broker.Options{PublishTimeout: cfg.PublishTimeout()})
	if err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	defer b.Close()
	if err := b.Ping(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	return Result{Name: name, Passed: true, Detail: redactURI(cfg.Broker.URI)}
}

// CheckArtifacts verifies the result blob store: directory access for the
// filesystem backend, bucket reachability for S3.
func CheckArtifacts(ctx context.Context, cfg *config.Config) Result {
	const name = "Artifact store"
	if cfg.Artifacts.Backend != config.ArtifactsS3 {
		return CheckDirectoryAccess(name, cfg.Artifacts.Dir)
	}
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if _, err := artifacts.Open(checkCtx, cfg); err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("s3://%s at %s", cfg.Artifacts.Bucket, cfg.Artifacts.Endpoint)}
}

// CheckRPC verifies that the inference service answers its health endpoint.
func CheckRPC(ctx context.Context, cfg *config.Config) Result {
	const name = "RPC bridge"
	if cfg.RPC.BaseURL == "" {
		return Result{Name: name, Detail: "rpc.base_url is not configured"}
	}
	client := rpcbridge.NewClient(rpcbridge.ConfigFrom(cfg),
		rpcbridge.WithHTTPClient(&http.Client{Timeout: checkTimeout}))
	if err := client.HealthCheck(ctx); err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	return Result{Name: name, Passed: true, Detail: cfg.RPC.BaseURL + " (reachable)"}
}

// summarizeError produces a human-readable summary for failed checks.
func summarizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "check timed out (service unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "check timed out (service unreachable)"
	}
	return err.Error()
}

// redactURI hides broker credentials in check output.
func redactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "invalid broker uri"
	}
	return u.Redacted()
}
