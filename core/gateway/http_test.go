package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finetune-core/core/models"
)

func testAdmission() AdmissionRequest {
	lr := 0.0002
	return AdmissionRequest{
		JobID:     "job-1",
		OwnerID:   "user-1",
		BaseModel: "llama3-8b",
		Dataset:   "ds-1",
		Provider:  models.ProviderGCP,
		Parameters: models.JobParameters{
			BatchSize:    2,
			Shuffle:      true,
			NumEpochs:    1,
			LearningRate: &lr,
			UseLoRA:      true,
		},
	}
}

func newTestGateway(url string) *HTTPGateway {
	g := NewHTTPGateway(url, 2)
	g.interval = time.Millisecond
	return g
}

func TestHTTPGatewayAdmitSendsPayload(t *testing.T) {
	var path string
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestGateway(srv.URL).Admit(context.Background(), testAdmission())
	require.NoError(t, err)

	assert.Equal(t, "/jobs/gcp", path)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "torchtunewrapper", body["workflow"])
	assert.Equal(t, "user-1", body["user_id"])
	assert.Equal(t, false, body["keep_alive"])

	args := body["args"].(map[string]interface{})
	assert.Equal(t, "llama3-8b", args["job_config_name"])
	assert.Equal(t, "ds-1", args["dataset_id"])
	assert.Equal(t, float64(2), args["batch_size"])
	assert.Equal(t, true, args["use_lora"])
	assert.Equal(t, false, args["use_qlora"])
	_, hasMaxSteps := args["max_steps"]
	assert.False(t, hasMaxSteps)
}

func TestHTTPGatewayRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestGateway(srv.URL).Admit(context.Background(), testAdmission())
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPGatewayGivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTestGateway(srv.URL).Admit(context.Background(), testAdmission())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSchedulerUnavailable))
	assert.False(t, errors.Is(err, models.ErrSchedulerRejected))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPGatewayUnreachableIsNotARejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := newTestGateway(url).Admit(context.Background(), testAdmission())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSchedulerUnavailable))
	assert.False(t, errors.Is(err, models.ErrSchedulerRejected))
}

func TestHTTPGatewayAdmitConflictMeansAccepted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "job already exists", http.StatusConflict)
	}))
	defer srv.Close()

	require.NoError(t, newTestGateway(srv.URL).Admit(context.Background(), testAdmission()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPGatewayDoesNotRetryRejections(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "no capacity", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := newTestGateway(srv.URL).Admit(context.Background(), testAdmission())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSchedulerRejected))
	assert.False(t, errors.Is(err, models.ErrSchedulerUnavailable))
	assert.Contains(t, err.Error(), "no capacity")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPGatewayCancel(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		confirmed bool
		wantErr   bool
	}{
		{name: "accepted", status: http.StatusOK},
		{name: "nothing running", status: http.StatusNotFound, confirmed: true},
		{name: "rejected", status: http.StatusConflict, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var path string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				path = r.URL.Path
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			confirmed, err := newTestGateway(srv.URL).Cancel(context.Background(), CancelRequest{
				JobID:    "job-1",
				OwnerID:  "user-1",
				Provider: models.ProviderLum,
			})
			assert.Equal(t, "/jobs/lum/stop/job-1/user-1", path)
			assert.Equal(t, tt.confirmed, confirmed)
			if tt.wantErr {
				assert.True(t, errors.Is(err, models.ErrSchedulerRejected))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNoopGateway(t *testing.T) {
	g := NewNoopGateway()
	require.NoError(t, g.Admit(context.Background(), testAdmission()))

	confirmed, err := g.Cancel(context.Background(), CancelRequest{JobID: "job-1"})
	require.NoError(t, err)
	assert.True(t, confirmed)
}
