// Package gateway sends admission and cancel requests to the external compute
// scheduler and receives its status callbacks.
package gateway

import (
	"context"

	"finetune-core/core/models"
)

// Modes accepted by SCHEDULER_MODE.
const (
	ModeNone  = "none"
	ModeHTTP  = "http"
	ModeRedis = "redis"
)

const workflowName = "torchtunewrapper"

// Gateway is the client side of the compute scheduler. Calls never run inside
// a database transaction.
type Gateway interface {
	// Admit asks the scheduler to run a NEW job. An error means the job was
	// not accepted.
	Admit(ctx context.Context, req AdmissionRequest) error
	// Cancel asks the scheduler to stop a job. confirmed reports whether the
	// job is already known to be stopped; otherwise a STOPPED callback follows.
	Cancel(ctx context.Context, req CancelRequest) (confirmed bool, err error)
}

// AdmissionRequest describes a job to start
type AdmissionRequest struct {
	JobID      string
	OwnerID    string
	BaseModel  string
	Dataset    string
	Provider   models.Provider
	Parameters models.JobParameters
}

// CancelRequest identifies a job to stop
type CancelRequest struct {
	JobID    string
	OwnerID  string
	Provider models.Provider
}

// NewAdmissionRequest builds the admission request of a job.
func NewAdmissionRequest(job *models.FineTuningJob) AdmissionRequest {
	return AdmissionRequest{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		BaseModel:  job.BaseModel,
		Dataset:    job.Dataset,
		Provider:   job.Provider,
		Parameters: job.Parameters,
	}
}

// NewCancelRequest builds the cancel request of a job.
func NewCancelRequest(job *models.FineTuningJob) CancelRequest {
	return CancelRequest{JobID: job.ID, OwnerID: job.OwnerID, Provider: job.Provider}
}

type admissionPayload struct {
	JobID     string        `json:"job_id"`
	Workflow  string        `json:"workflow"`
	Args      admissionArgs `json:"args"`
	UserID    string        `json:"user_id"`
	KeepAlive bool          `json:"keep_alive"`
}

type admissionArgs struct {
	JobConfigName string   `json:"job_config_name"`
	DatasetID     string   `json:"dataset_id"`
	BatchSize     int      `json:"batch_size"`
	Shuffle       bool     `json:"shuffle"`
	NumEpochs     int      `json:"num_epochs"`
	LearningRate  *float64 `json:"learning_rate,omitempty"`
	MaxSteps      int      `json:"max_steps,omitempty"`
	UseLoRA       bool     `json:"use_lora"`
	UseQLoRA      bool     `json:"use_qlora"`
}

func newAdmissionPayload(req AdmissionRequest) admissionPayload {
	p := req.Parameters
	return admissionPayload{
		JobID:    req.JobID,
		Workflow: workflowName,
		Args: admissionArgs{
			JobConfigName: req.BaseModel,
			DatasetID:     req.Dataset,
			BatchSize:     p.BatchSize,
			Shuffle:       p.Shuffle,
			NumEpochs:     p.NumEpochs,
			LearningRate:  p.LearningRate,
			MaxSteps:      p.MaxSteps,
			UseLoRA:       p.UseLoRA,
			UseQLoRA:      p.UseQLoRA,
		},
		UserID: req.OwnerID,
	}
}
