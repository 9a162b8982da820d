package spec

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"finetune-core/core/models"
)

// Parameter bounds and defaults.
const (
	MaxNameLength = 255

	DefaultBatchSize = 2
	DefaultNumEpochs = 1
	DefaultShuffle   = true

	MaxBatchSize = 1024
	MaxNumEpochs = 100
)

// Format is the encoding of a job request body
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromContentType picks the body format from a Content-Type header.
// Anything that is not YAML is treated as JSON.
func FormatFromContentType(contentType string) Format {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "yaml") || strings.Contains(ct, "yml") {
		return FormatYAML
	}
	return FormatJSON
}

// JobSpec is a fine-tuning job creation request
type JobSpec struct {
	Name       string         `json:"name" yaml:"name"`
	BaseModel  string         `json:"base_model" yaml:"base_model"`
	Dataset    string         `json:"dataset" yaml:"dataset"`
	Type       string         `json:"type" yaml:"type"`
	Provider   string         `json:"provider" yaml:"provider"`
	Parameters ParametersSpec `json:"parameters" yaml:"parameters"`
}

// ParametersSpec holds the optional training parameters of a request. Unset
// fields take their defaults.
type ParametersSpec struct {
	BatchSize    *int     `json:"batch_size" yaml:"batch_size"`
	Shuffle      *bool    `json:"shuffle" yaml:"shuffle"`
	NumEpochs    *int     `json:"num_epochs" yaml:"num_epochs"`
	LearningRate *float64 `json:"learning_rate" yaml:"learning_rate"`
	MaxSteps     *int     `json:"max_steps" yaml:"max_steps"`
}

// ParseJobSpec decodes a job request and validates it into a NEW job without
// owner, id or timestamps.
func ParseJobSpec(data []byte, format Format) (*models.FineTuningJob, error) {
	var s JobSpec
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &s)
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&s)
	}
	if err != nil {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "failed to parse %s: %v", format, err)
	}
	return s.Build()
}

// Build validates the request, applies parameter defaults and returns the job.
func (s JobSpec) Build() (*models.FineTuningJob, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return nil, invalid("name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, invalid("name must be at most %d characters", MaxNameLength)
	}
	if strings.TrimSpace(s.BaseModel) == "" {
		return nil, invalid("base_model is required")
	}
	if strings.TrimSpace(s.Dataset) == "" {
		return nil, invalid("dataset is required")
	}

	jobType := models.JobType(strings.ToUpper(s.Type))
	if s.Type == "" {
		jobType = models.JobTypeLoRA
	}
	if !jobType.Valid() {
		return nil, invalid("unknown job type %q", s.Type)
	}

	provider := models.Provider(strings.ToUpper(s.Provider))
	if !provider.Valid() {
		return nil, invalid("unknown provider %q", s.Provider)
	}

	params, err := s.Parameters.build(jobType)
	if err != nil {
		return nil, err
	}

	return &models.FineTuningJob{
		Name:        name,
		BaseModel:   strings.TrimSpace(s.BaseModel),
		Dataset:     strings.TrimSpace(s.Dataset),
		Type:        jobType,
		Provider:    provider,
		Status:      models.JobStatusNew,
		Parameters:  params,
		TotalEpochs: params.NumEpochs,
		TotalSteps:  params.MaxSteps,
	}, nil
}

func (p ParametersSpec) build(jobType models.JobType) (models.JobParameters, error) {
	params := models.JobParameters{
		BatchSize: DefaultBatchSize,
		Shuffle:   DefaultShuffle,
		NumEpochs: DefaultNumEpochs,
		UseLoRA:   jobType == models.JobTypeLoRA || jobType == models.JobTypeQLoRA,
		UseQLoRA:  jobType == models.JobTypeQLoRA,
	}

	if p.BatchSize != nil {
		if *p.BatchSize < 1 || *p.BatchSize > MaxBatchSize {
			return params, invalid("batch_size must be between 1 and %d", MaxBatchSize)
		}
		params.BatchSize = *p.BatchSize
	}
	if p.Shuffle != nil {
		params.Shuffle = *p.Shuffle
	}
	if p.NumEpochs != nil {
		if *p.NumEpochs < 1 || *p.NumEpochs > MaxNumEpochs {
			return params, invalid("num_epochs must be between 1 and %d", MaxNumEpochs)
		}
		params.NumEpochs = *p.NumEpochs
	}
	if p.LearningRate != nil {
		if *p.LearningRate <= 0 {
			return params, invalid("learning_rate must be positive")
		}
		lr := *p.LearningRate
		params.LearningRate = &lr
	}
	if p.MaxSteps != nil {
		if *p.MaxSteps < 0 {
			return params, invalid("max_steps must not be negative")
		}
		params.MaxSteps = *p.MaxSteps
	}
	return params, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(models.ErrInvalidArgument, format, args...)
}
