package stage

// Health summarizes the readiness of a stage processor.
type Health struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Healthy constructs a ready Health record.
func Healthy(s Stage) Health {
	return Health{Name: s.DisplayName(), Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(s Stage, detail string) Health {
	return Health{Name: s.DisplayName(), Ready: false, Detail: detail}
}
