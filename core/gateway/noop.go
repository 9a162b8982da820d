package gateway

import (
	"context"

	log "github.com/sirupsen/logrus"

	"finetune-core/core/metrics"
)

// NoopGateway is used when no scheduler is configured. Admissions are accepted
// and cancellations are confirmed immediately.
type NoopGateway struct {
	log *log.Entry
}

// NewNoopGateway creates a gateway that forwards nothing
func NewNoopGateway() *NoopGateway {
	return &NoopGateway{log: log.WithField("component", "scheduler-gateway")}
}

// Admit logs and accepts the job.
func (g *NoopGateway) Admit(_ context.Context, req AdmissionRequest) error {
	g.log.WithField("job_id", req.JobID).Info("scheduler disabled, admission not forwarded")
	metrics.GatewayRequest(ModeNone, "admit", "ok")
	return nil
}

// Cancel confirms the cancellation.
func (g *NoopGateway) Cancel(_ context.Context, req CancelRequest) (bool, error) {
	g.log.WithField("job_id", req.JobID).Info("scheduler disabled, cancel confirmed locally")
	metrics.GatewayRequest(ModeNone, "cancel", "ok")
	return true, nil
}
