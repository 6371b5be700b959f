package domain

import "time"

// CircuitStatus is the breaker state of one source
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "CLOSED"
	CircuitOpen     CircuitStatus = "OPEN"
	CircuitHalfOpen CircuitStatus = "HALF_OPEN"
)

// CircuitState is the breaker bookkeeping for one source
type CircuitState struct {
	Source              string        `json:"source"`
	State               CircuitStatus `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Trips               int           `json:"trips"`
	LastFailureAt       time.Time     `json:"last_failure_at"`
	OpenedAt            time.Time     `json:"opened_at"`
	NextProbeAt         time.Time     `json:"next_probe_at"`
}

// RateBudget is the pacing state of one source
type RateBudget struct {
	Source               string        `json:"source"`
	CurrentDelay         time.Duration `json:"current_delay"`
	MinDelay             time.Duration `json:"min_delay"`
	MaxDelay             time.Duration `json:"max_delay"`
	Consecutive429       int           `json:"consecutive_429"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
}

// SourceHealth is the durable per-source record combining breaker and pacing state
type SourceHealth struct {
	Source    string       `json:"source"`
	Circuit   CircuitState `json:"circuit"`
	Rate      RateBudget   `json:"rate"`
	UpdatedAt time.Time    `json:"updated_at"`
}
