package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FineTuningJob represents a fine-tuning job submitted by a user
type FineTuningJob struct {
	ID        string
	OwnerID   string
	Name      string
	BaseModel string
	Dataset   string
	Type      JobType
	Provider  Provider
	Status    JobStatus

	Parameters JobParameters

	CurrentStep  int
	TotalSteps   int
	CurrentEpoch int
	TotalEpochs  int
	NumTokens    int64

	// Timestamps holds the first time the job entered each status
	Timestamps map[JobStatus]time.Time
	// AdmittedAt is set once the scheduler acknowledged the admission request
	AdmittedAt *time.Time

	// ReservedAmount is the hold posted at admission (escrow policy only)
	ReservedAmount  decimal.Decimal
	Settlement      SettlementStatus
	SettlementError string

	// Version is bumped on every update and guards compare-and-swap writes
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobType represents the fine-tuning technique
type JobType string

const (
	JobTypeLoRA  JobType = "LORA"
	JobTypeQLoRA JobType = "QLORA"
	JobTypeFull  JobType = "FULL"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeLoRA, JobTypeQLoRA, JobTypeFull:
		return true
	}
	return false
}

// JobParameters are the training parameters fixed at job creation
type JobParameters struct {
	BatchSize    int      `json:"batch_size" yaml:"batch_size"`
	Shuffle      bool     `json:"shuffle" yaml:"shuffle"`
	NumEpochs    int      `json:"num_epochs" yaml:"num_epochs"`
	LearningRate *float64 `json:"learning_rate,omitempty" yaml:"learning_rate,omitempty"`
	MaxSteps     int      `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	UseLoRA      bool     `json:"use_lora" yaml:"use_lora"`
	UseQLoRA     bool     `json:"use_qlora" yaml:"use_qlora"`
}

// Progress carries the optional progress counters of a scheduler callback
type Progress struct {
	CurrentStep  *int
	CurrentEpoch *int
	NumTokens    *int64
}

// Empty reports whether no progress field is set.
func (p Progress) Empty() bool {
	return p.CurrentStep == nil && p.CurrentEpoch == nil && p.NumTokens == nil
}

// SettlementStatus tracks whether a terminal job has been charged or refunded
type SettlementStatus string

const (
	SettlementNone        SettlementStatus = ""
	SettlementPending     SettlementStatus = "PENDING"
	SettlementSettled     SettlementStatus = "SETTLED"
	SettlementNotRequired SettlementStatus = "NOT_REQUIRED"
	SettlementFailed      SettlementStatus = "FAILED"
)

// Done reports whether settlement needs no further work.
func (s SettlementStatus) Done() bool {
	return s == SettlementSettled || s == SettlementNotRequired
}

// Clone returns a deep copy of the job.
func (j *FineTuningJob) Clone() *FineTuningJob {
	c := *j
	c.Timestamps = make(map[JobStatus]time.Time, len(j.Timestamps))
	for k, v := range j.Timestamps {
		c.Timestamps[k] = v
	}
	if j.AdmittedAt != nil {
		at := *j.AdmittedAt
		c.AdmittedAt = &at
	}
	if j.Parameters.LearningRate != nil {
		lr := *j.Parameters.LearningRate
		c.Parameters.LearningRate = &lr
	}
	return &c
}
