package obsv

import (
	"context"
	"fmt"
	"time"

	"github.com/opsql/sqlalertd/internal/alertdef"
	"github.com/opsql/sqlalertd/internal/alertstate"
	"github.com/opsql/sqlalertd/internal/queryadapter"
	"github.com/opsql/sqlalertd/internal/queryadapter/circuit"
)

// ComponentStatus is one entry in the Health document.
type ComponentStatus string

const (
	StatusHealthy      ComponentStatus = "healthy"
	StatusDegraded     ComponentStatus = "degraded"
	StatusUnhealthy    ComponentStatus = "unhealthy"
	StatusNotConfigured ComponentStatus = "not_configured"
)

// Component is one probed dependency in the Health document.
type Component struct {
	Status    ComponentStatus
	LatencyMS int64
	Detail    string
}

// Health is the structured document returned by the health probe.
type Health struct {
	Overall    ComponentStatus
	Components map[string]Component
}

// Prober aggregates state-store, database-ref, and notification-channel
// status into one Health document.
type Prober struct {
	Store        alertstate.Store
	Adapters     *queryadapter.Registry
	DatabaseRefs []string
	Channels     []alertdef.Channel
}

func (p *Prober) Probe(ctx context.Context) Health {
	components := make(map[string]Component)

	storeHealth := p.Store.Health()
	components["state_store"] = Component{
		Status:    boolStatus(storeHealth.OK),
		LatencyMS: storeHealth.Latency.Milliseconds(),
		Detail:    storeHealth.Error,
	}

	for _, ref := range p.DatabaseRefs {
		if bs, ok := p.Adapters.BreakerStatus(ref); ok && bs.State == circuit.StateOpen.String() {
			components["database:"+ref] = Component{
				Status: StatusUnhealthy,
				Detail: fmt.Sprintf("circuit open after %d consecutive failures: %s", bs.ConsecutiveFailures, bs.LastError),
			}
			continue
		}

		start := time.Now()
		_, err := p.Adapters.Execute(ctx, ref, "SELECT 1")
		latency := time.Since(start)
		status := StatusHealthy
		detail := ""
		if err != nil {
			status = StatusDegraded
			detail = err.Error()
		}
		components["database:"+ref] = Component{Status: status, LatencyMS: latency.Milliseconds(), Detail: detail}
	}

	for _, ch := range p.Channels {
		components["notification:"+string(ch)] = Component{Status: StatusHealthy}
	}

	overall := StatusHealthy
	for _, c := range components {
		if c.Status == StatusNotConfigured {
			continue
		}
		if c.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			break
		}
		if c.Status == StatusDegraded && overall == StatusHealthy {
			overall = StatusDegraded
		}
	}

	return Health{Overall: overall, Components: components}
}

func boolStatus(ok bool) ComponentStatus {
	if ok {
		return StatusHealthy
	}
	return StatusUnhealthy
}
