package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mediaflow/internal/config"
)

const userAgent = "mediaflow/0.1.0"

// Event names a notification the engine can emit.
type Event string

const (
	EventJobAbandoned    Event = "job_abandoned"
	EventAssetCompleted  Event = "asset_completed"
	EventBrokerDegraded  Event = "broker_degraded"
	EventBrokerRecovered Event = "broker_recovered"
	EventTest            Event = "test"
)

// Payload carries event fields keyed by name.
type Payload map[string]any

// Service publishes engine events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:  topic,
		client:    &http.Client{Timeout: timeout},
		abandoned: cfg.Notifications.Abandoned,
		broker:    cfg.Notifications.BrokerHealth,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint  string
	client    *http.Client
	abandoned bool
	broker    bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, data Payload) error {
	msg, ok := n.format(event, data)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) format(event Event, data Payload) (payload, bool) {
	switch event {
	case EventJobAbandoned:
		if !n.abandoned {
			return payload{}, false
		}
		message := fmt.Sprintf("Abandoned %s for %s after %d attempt(s)",
			stringValue(data, "stage"), stringValue(data, "asset"), intValue(data, "attempts"))
		if reason := stringValue(data, "reason"); reason != "" {
			message += "\nReason: " + reason
		}
		return payload{
			title:    "mediaflow - Job Abandoned",
			message:  message,
			tags:     []string{"mediaflow", "job", "abandoned"},
			priority: "high",
		}, true
	case EventAssetCompleted:
		return payload{
			title:   "mediaflow - Asset Complete",
			message: fmt.Sprintf("All stages succeeded for %s", stringValue(data, "asset")),
			tags:    []string{"mediaflow", "asset", "completed"},
		}, true
	case EventBrokerDegraded:
		if !n.broker {
			return payload{}, false
		}
		message := fmt.Sprintf("Broker unavailable after %d consecutive failures", intValue(data, "failures"))
		if err, ok := data["error"].(error); ok && err != nil {
			message += ": " + strings.TrimSpace(err.Error())
		}
		return payload{
			title:    "mediaflow - Broker Degraded",
			message:  message,
			tags:     []string{"mediaflow", "broker", "alert"},
			priority: "high",
		}, true
	case EventBrokerRecovered:
		if !n.broker {
			return payload{}, false
		}
		return payload{
			title:   "mediaflow - Broker Recovered",
			message: "Broker connectivity restored",
			tags:    []string{"mediaflow", "broker", "recovered"},
		}, true
	case EventTest:
		return payload{
			title:    "mediaflow - Test",
			message:  "Notification system test",
			tags:     []string{"mediaflow", "test"},
			priority: "low",
		}, true
	default:
		return payload{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func stringValue(data Payload, key string) string {
	if v, ok := data[key]; ok && v != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

func intValue(data Payload, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
