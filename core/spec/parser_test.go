package spec

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"finetune-core/core/models"
)

func TestParseJobSpecJSONDefaults(t *testing.T) {
	job, err := ParseJobSpec([]byte(`{
		"name": "my-job",
		"base_model": "llama3-8b",
		"dataset": "chat.jsonl",
		"provider": "gcp"
	}`), FormatJSON)
	require.NoError(t, err)

	require.Equal(t, "my-job", job.Name)
	require.Equal(t, models.JobTypeLoRA, job.Type)
	require.Equal(t, models.ProviderGCP, job.Provider)
	require.Equal(t, models.JobStatusNew, job.Status)
	require.Equal(t, DefaultBatchSize, job.Parameters.BatchSize)
	require.True(t, job.Parameters.Shuffle)
	require.Equal(t, DefaultNumEpochs, job.Parameters.NumEpochs)
	require.True(t, job.Parameters.UseLoRA)
	require.False(t, job.Parameters.UseQLoRA)
	require.Equal(t, 1, job.TotalEpochs)
	require.Zero(t, job.TotalSteps)
}

func TestParseJobSpecYAML(t *testing.T) {
	job, err := ParseJobSpec([]byte(`
name: yaml-job
base_model: llama3-8b
dataset: chat.jsonl
type: qlora
provider: LUM
parameters:
  batch_size: 8
  shuffle: false
  num_epochs: 3
  learning_rate: 0.0002
  max_steps: 500
`), FormatYAML)
	require.NoError(t, err)

	require.Equal(t, models.JobTypeQLoRA, job.Type)
	require.Equal(t, models.ProviderLum, job.Provider)
	require.Equal(t, 8, job.Parameters.BatchSize)
	require.False(t, job.Parameters.Shuffle)
	require.True(t, job.Parameters.UseLoRA)
	require.True(t, job.Parameters.UseQLoRA)
	require.NotNil(t, job.Parameters.LearningRate)
	require.InDelta(t, 0.0002, *job.Parameters.LearningRate, 1e-12)
	require.Equal(t, 3, job.TotalEpochs)
	require.Equal(t, 500, job.TotalSteps)
}

func TestParseJobSpecRejects(t *testing.T) {
	cases := map[string]string{
		"missing name":       `{"base_model": "m", "dataset": "d", "provider": "GCP"}`,
		"blank name":         `{"name": "  ", "base_model": "m", "dataset": "d", "provider": "GCP"}`,
		"missing base model": `{"name": "n", "dataset": "d", "provider": "GCP"}`,
		"missing dataset":    `{"name": "n", "base_model": "m", "provider": "GCP"}`,
		"bad provider":       `{"name": "n", "base_model": "m", "dataset": "d", "provider": "ONPREM"}`,
		"bad type":           `{"name": "n", "base_model": "m", "dataset": "d", "provider": "GCP", "type": "DPO"}`,
		"zero batch":         `{"name": "n", "base_model": "m", "dataset": "d", "provider": "GCP", "parameters": {"batch_size": 0}}`,
		"huge batch":         `{"name": "n", "base_model": "m", "dataset": "d", "provider": "GCP", "parameters": {"batch_size": 4096}}`,
		"zero epochs":        `{"name": "n", "base_model": "m", "dataset": "d", "provider": "GCP", "parameters": {"num_epochs": 0}}`,
		"negative lr":        `{"name": "n", "base_model": "m", "dataset": "d", "provider": "GCP", "parameters": {"learning_rate": -1}}`,
		"negative steps":     `{"name": "n", "base_model": "m", "dataset": "d", "provider": "GCP", "parameters": {"max_steps": -5}}`,
		"unknown field":      `{"name": "n", "base_model": "m", "dataset": "d", "provider": "GCP", "gpus": 8}`,
		"not json":           `name: n`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJobSpec([]byte(body), FormatJSON)
			require.True(t, errors.Is(err, models.ErrInvalidArgument), err)
		})
	}
}

func TestNameLength(t *testing.T) {
	long := make([]byte, MaxNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	s := JobSpec{Name: string(long), BaseModel: "m", Dataset: "d", Provider: "GCP"}
	_, err := s.Build()
	require.True(t, errors.Is(err, models.ErrInvalidArgument))

	s.Name = string(long[:MaxNameLength])
	_, err = s.Build()
	require.NoError(t, err)
}

func TestFormatFromContentType(t *testing.T) {
	require.Equal(t, FormatYAML, FormatFromContentType("application/yaml"))
	require.Equal(t, FormatYAML, FormatFromContentType("application/x-yaml; charset=utf-8"))
	require.Equal(t, FormatYAML, FormatFromContentType("text/yml"))
	require.Equal(t, FormatJSON, FormatFromContentType("application/json"))
	require.Equal(t, FormatJSON, FormatFromContentType(""))
}

func TestCatalog(t *testing.T) {
	catalog, err := NewCatalog([]BaseModel{
		{Name: "llama3-8b"},
		{Name: "mistral-7b", JobTypes: []models.JobType{models.JobTypeLoRA, models.JobTypeFull}},
	})
	require.NoError(t, err)

	require.NoError(t, catalog.Check("llama3-8b", models.JobTypeQLoRA))
	require.NoError(t, catalog.Check("mistral-7b", models.JobTypeFull))
	require.True(t, errors.Is(catalog.Check("llama3-8b", models.JobTypeFull), models.ErrInvalidArgument))
	require.True(t, errors.Is(catalog.Check("mistral-7b", models.JobTypeQLoRA), models.ErrInvalidArgument))
	require.True(t, errors.Is(catalog.Check("gpt-2", models.JobTypeLoRA), models.ErrInvalidArgument))

	var empty *Catalog
	require.NoError(t, empty.Check("anything", models.JobTypeLoRA))
	require.True(t, errors.Is(empty.Check("anything", models.JobTypeFull), models.ErrInvalidArgument))

	_, err = NewCatalog([]BaseModel{{Name: "x", JobTypes: []models.JobType{"RLHF"}}})
	require.True(t, errors.Is(err, models.ErrInvalidArgument))
}
