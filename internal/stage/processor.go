package stage

import (
	"context"
	"encoding/json"
)

// Task is the unit of work handed to a Processor.
type Task struct {
	Key     Key
	Payload DispatchPayload
	// Inputs holds the decoded result payloads of succeeded prerequisite stages.
	Inputs map[Stage]json.RawMessage
}

// Processor performs the work of one stage kind. Returned errors are
// classified with services.Classify.
type Processor interface {
	Stage() Stage
	Process(ctx context.Context, task Task) (any, error)
	HealthCheck(ctx context.Context) Health
}
