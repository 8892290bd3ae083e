package daemon

import (
	"context"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/status"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service reported by the sync agent. The empty
// service mirrors it.
const ServiceName = "convsync.Sync"

// servingStatus maps a realtime connection state to a health status. Only a
// live connection is SERVING.
func servingStatus(s status.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == status.Live {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func setStatus(hs *health.Server, s status.State) {
	st := servingStatus(s)
	hs.SetServingStatus("", st)
	hs.SetServingStatus(ServiceName, st)
}

// trackHealth follows realtime.status_changed events until ctx is done or
// events closes.
func trackHealth(ctx context.Context, events <-chan bus.Event, hs *health.Server, initial status.State) {
	setStatus(hs, initial)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Kind != bus.KindRealtimeStatus {
				continue
			}
			if se, ok := evt.Payload.(bus.StatusEvent); ok {
				setStatus(hs, status.State(se.To))
			}
		}
	}
}
