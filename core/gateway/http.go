package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	back "github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"finetune-core/core/metrics"
	"finetune-core/core/models"
)

const (
	httpTimeout         = 30 * time.Second
	httpBackoffInterval = 200 * time.Millisecond
	httpBackoffMax      = 5 * time.Second
	defaultHTTPAttempts = 3
)

// HTTPGateway talks to a scheduler exposing a REST API
type HTTPGateway struct {
	baseURL  string
	client   *http.Client
	attempts uint64
	interval time.Duration
	log      *log.Entry
}

// NewHTTPGateway creates a gateway for the scheduler at baseURL. Failed
// requests are retried attempts times unless the scheduler rejects them.
func NewHTTPGateway(baseURL string, attempts int) *HTTPGateway {
	if attempts <= 0 {
		attempts = defaultHTTPAttempts
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = httpTimeout
	return &HTTPGateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		attempts: uint64(attempts),
		interval: httpBackoffInterval,
		log:      log.WithField("component", "scheduler-gateway"),
	}
}

// Admit posts the job to POST {base}/jobs/{provider}. A 409 means the
// scheduler already holds the job id from an earlier attempt and counts as
// accepted. Other 4xx answers fail with models.ErrSchedulerRejected.
func (g *HTTPGateway) Admit(ctx context.Context, req AdmissionRequest) error {
	body, err := json.Marshal(newAdmissionPayload(req))
	if err != nil {
		return errors.Wrap(err, "encoding admission request")
	}

	endpoint := fmt.Sprintf("%s/jobs/%s", g.baseURL, url.PathEscape(req.Provider.Path()))
	status, err := g.post(ctx, "admit", endpoint, body)
	if status == http.StatusConflict {
		g.log.WithField("job_id", req.JobID).Info("scheduler already has job")
		return nil
	}
	if err != nil {
		return err
	}
	g.log.WithField("job_id", req.JobID).Info("scheduler accepted job")
	return nil
}

// Cancel posts to POST {base}/jobs/{provider}/stop/{job_id}/{user_id}. The stop
// is confirmed later by a STOPPED callback, except when the scheduler answers
// 404: it has nothing running for the job, so the job is already stopped.
func (g *HTTPGateway) Cancel(ctx context.Context, req CancelRequest) (bool, error) {
	endpoint := fmt.Sprintf("%s/jobs/%s/stop/%s/%s", g.baseURL,
		url.PathEscape(req.Provider.Path()), url.PathEscape(req.JobID), url.PathEscape(req.OwnerID))

	status, err := g.post(ctx, "cancel", endpoint, nil)
	if status == http.StatusNotFound {
		g.log.WithField("job_id", req.JobID).Info("scheduler has no running job, treating as stopped")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// post sends body and returns the last HTTP status seen. A 4xx answer is
// wrapped in models.ErrSchedulerRejected; transport errors and 5xx answers,
// whose outcome is unknown, in models.ErrSchedulerUnavailable.
func (g *HTTPGateway) post(ctx context.Context, kind, endpoint string, body []byte) (int, error) {
	var status int
	var rejected bool
	bf := back.NewExponentialBackOff()
	bf.InitialInterval = g.interval
	bf.MaxInterval = httpBackoffMax

	err := back.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return back.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(req)
		if err != nil {
			return errors.Wrap(err, "sending scheduler request")
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				g.log.WithError(err).Warn("failed to close response body")
			}
		}()

		status = resp.StatusCode
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch {
		case status >= 500:
			return errors.Errorf("scheduler returned %d: %s", status, bytes.TrimSpace(msg))
		case status >= 400:
			rejected = true
			return back.Permanent(errors.Errorf("scheduler returned %d: %s", status, bytes.TrimSpace(msg)))
		default:
			return nil
		}
	}, back.WithContext(back.WithMaxRetries(bf, g.attempts), ctx))

	if err != nil {
		metrics.GatewayRequest(ModeHTTP, kind, "error")
		g.log.WithError(err).WithField("endpoint", endpoint).Warn("scheduler request failed")
		if rejected {
			return status, errors.Wrapf(models.ErrSchedulerRejected, "%s: %v", kind, err)
		}
		return status, errors.Wrapf(models.ErrSchedulerUnavailable, "%s: %v", kind, err)
	}
	metrics.GatewayRequest(ModeHTTP, kind, "ok")
	return status, nil
}
