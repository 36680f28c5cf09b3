package k8s

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed schema/job.json
var jobSchemaJSON []byte

var (
	jobSchemaOnce sync.Once
	jobSchema     *openapi3.Schema
	jobSchemaErr  error
)

func loadJobSchema() (*openapi3.Schema, error) {
	jobSchemaOnce.Do(func() {
		var schema openapi3.Schema
		if err := json.Unmarshal(jobSchemaJSON, &schema); err != nil {
			jobSchemaErr = fmt.Errorf("parse job schema: %w", err)
			return
		}
		jobSchema = &schema
	})
	return jobSchema, jobSchemaErr
}

// ValidateJob checks job against the subset of the batch/v1 Job schema the
// API server would otherwise reject on admission.
func ValidateJob(job Job) error {
	schema, err := loadJobSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	if err := schema.VisitJSON(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return nil
}
