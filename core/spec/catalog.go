package spec

import (
	"github.com/pkg/errors"

	"finetune-core/core/models"
)

// BaseModel is a catalog entry and the job types it can be fine-tuned with
type BaseModel struct {
	Name     string           `yaml:"name" json:"name"`
	JobTypes []models.JobType `yaml:"job_types" json:"job_types"`
}

// Catalog holds the base models jobs may reference
type Catalog struct {
	models map[string]map[models.JobType]bool
}

// NewCatalog indexes the configured base models. A model with no job types
// supports LORA and QLORA.
func NewCatalog(entries []BaseModel) (*Catalog, error) {
	c := &Catalog{models: make(map[string]map[models.JobType]bool, len(entries))}
	for _, e := range entries {
		if e.Name == "" {
			return nil, errors.Wrap(models.ErrInvalidArgument, "catalog: base model without a name")
		}
		types := e.JobTypes
		if len(types) == 0 {
			types = []models.JobType{models.JobTypeLoRA, models.JobTypeQLoRA}
		}
		supported := make(map[models.JobType]bool, len(types))
		for _, t := range types {
			if !t.Valid() {
				return nil, errors.Wrapf(models.ErrInvalidArgument,
					"catalog: base model %s lists unknown job type %q", e.Name, t)
			}
			supported[t] = true
		}
		c.models[e.Name] = supported
	}
	return c, nil
}

// Check verifies that baseModel exists and supports jobType. An empty catalog
// accepts any base model, but FULL fine-tuning always needs an explicit entry.
func (c *Catalog) Check(baseModel string, jobType models.JobType) error {
	if c == nil || len(c.models) == 0 {
		if jobType == models.JobTypeFull {
			return invalid("full fine-tuning is not enabled for %s", baseModel)
		}
		return nil
	}
	supported, ok := c.models[baseModel]
	if !ok {
		return invalid("base model not found: %s", baseModel)
	}
	if !supported[jobType] {
		return invalid("base model %s does not support %s fine-tuning", baseModel, jobType)
	}
	return nil
}
