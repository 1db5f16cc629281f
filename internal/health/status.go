// Package health probes backend instances and summarizes gateway health.
//
// The Monitor runs one background loop that fans out a bounded HTTP GET to
// every instance each interval and writes verdicts to the registry. It never
// holds registry locks while waiting on the network and a failing or
// panicking probe only affects its own instance.
//
// Summarize builds the operator-facing report served on /gateway/health.
package health

import (
	"time"

	"github.com/vyrodovalexey/svcgate/internal/registry"
)

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates every service can serve traffic.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates at least one service has no healthy
	// instance or an open circuit.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy marks a single service that cannot serve traffic.
	StatusUnhealthy Status = "unhealthy"
)

// ServiceHealth is the health of one service.
type ServiceHealth struct {
	Status           Status `json:"status"`
	HealthyInstances int    `json:"healthyInstances"`
	TotalInstances   int    `json:"totalInstances"`
	CircuitState     string `json:"circuitState"`
}

// Report is the gateway health report.
type Report struct {
	Status    Status                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Uptime    string                   `json:"uptime,omitempty"`
	Services  map[string]ServiceHealth `json:"services"`
}

// CircuitStateFunc returns the breaker state name of a service.
type CircuitStateFunc func(service string) string

// circuitOpen is the state name that degrades a service.
const circuitOpen = "open"

// Summarize builds a report from registry snapshots. A service is
// unhealthy when none of its instances is healthy or its circuit is open.
func Summarize(services []registry.ServiceDescriptor, circuit CircuitStateFunc, startedAt, now time.Time) Report {
	report := Report{
		Status:    StatusHealthy,
		Timestamp: now,
		Services:  make(map[string]ServiceHealth, len(services)),
	}
	if !startedAt.IsZero() {
		report.Uptime = now.Sub(startedAt).Truncate(time.Second).String()
	}

	for i := range services {
		svc := &services[i]
		sh := ServiceHealth{
			Status:           StatusHealthy,
			HealthyInstances: svc.HealthyCount(),
			TotalInstances:   len(svc.Instances),
			CircuitState:     "closed",
		}
		if circuit != nil {
			sh.CircuitState = circuit(svc.Name)
		}
		if sh.HealthyInstances == 0 || sh.CircuitState == circuitOpen {
			sh.Status = StatusUnhealthy
			report.Status = StatusDegraded
		}
		report.Services[svc.Name] = sh
	}

	return report
}
