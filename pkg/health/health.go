// Package health defines the health reporting capability implemented by
// every core component.
package health

import "context"

// State represents a component health state.
type State int

const (
	StateUnknown State = iota
	StateHealthy
	StateDegraded
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateUnhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

// Status describes a component's health at a point in time.
type Status struct {
	State   State
	Message string
	Details map[string]string
}

// Reporter is implemented by components that can report their health.
type Reporter interface {
	Health(ctx context.Context) (*Status, error)
}

// Healthy is a convenience constructor for a healthy status.
func Healthy(message string, details map[string]string) *Status {
	return &Status{State: StateHealthy, Message: message, Details: details}
}

// Degraded is a convenience constructor for a degraded status.
func Degraded(message string, details map[string]string) *Status {
	return &Status{State: StateDegraded, Message: message, Details: details}
}

// Unhealthy is a convenience constructor for an unhealthy status.
func Unhealthy(message string, details map[string]string) *Status {
	return &Status{State: StateUnhealthy, Message: message, Details: details}
}
