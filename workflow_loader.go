package policyscan

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StepConfig is a flat, serializable definition of a Step for YAML/JSON.
// Durations are strings in time.ParseDuration format ("168h", "30m").
type StepConfig struct {
	ID                string         `yaml:"id" json:"id"`
	Action            string         `yaml:"action" json:"action"`
	Params            map[string]any `yaml:"params" json:"params"`
	ReviewPoint       bool           `yaml:"review_point" json:"review_point"`
	ReviewStrategy    string         `yaml:"review_strategy" json:"review_strategy"`
	RequiredReviewers int            `yaml:"required_reviewers" json:"required_reviewers"`
	ReviewTimeout     string         `yaml:"review_timeout" json:"review_timeout"`
	OnTimeout         string         `yaml:"on_timeout" json:"on_timeout"`
}

// WorkflowConfig is the root document for workflow serialization.
type WorkflowConfig struct {
	ID    string       `yaml:"id" json:"id"`
	Name  string       `yaml:"name" json:"name"`
	Steps []StepConfig `yaml:"steps" json:"steps"`
}

// WorkflowFile holds one or more workflow definitions.
type WorkflowFile struct {
	Workflows []WorkflowConfig `yaml:"workflows" json:"workflows"`
}

// LoadWorkflowFile parses a YAML workflow file and validates the definitions.
func LoadWorkflowFile(path string) ([]Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeWorkflowYAML(f)
}

// DecodeWorkflowYAML decodes YAML from an io.Reader for tests and
// programmatic use. Unknown fields are rejected.
func DecodeWorkflowYAML(r io.Reader) ([]Workflow, error) {
	var file WorkflowFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decoding workflow file: %w", err)
	}

	workflows := make([]Workflow, 0, len(file.Workflows))
	for _, wc := range file.Workflows {
		wf, err := wc.ToWorkflow()
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	if len(workflows) == 0 {
		return nil, NewValidationError("workflow file defines no workflows")
	}
	return workflows, nil
}

// ToWorkflow converts the flat config into a validated Workflow.
func (wc WorkflowConfig) ToWorkflow() (Workflow, error) {
	wf := Workflow{
		ID:    wc.ID,
		Name:  wc.Name,
		Steps: make([]Step, 0, len(wc.Steps)),
	}
	for _, sc := range wc.Steps {
		step := Step{
			ID:                sc.ID,
			Action:            sc.Action,
			Params:            sc.Params,
			ReviewPoint:       sc.ReviewPoint,
			ReviewStrategy:    sc.ReviewStrategy,
			RequiredReviewers: sc.RequiredReviewers,
			OnTimeout:         TimeoutAction(sc.OnTimeout),
		}
		if sc.ReviewTimeout != "" {
			d, err := time.ParseDuration(sc.ReviewTimeout)
			if err != nil {
				return Workflow{}, NewValidationError("workflow %s: step %s has invalid review_timeout %q: %v", wc.ID, sc.ID, sc.ReviewTimeout, err)
			}
			if d <= 0 {
				return Workflow{}, NewValidationError("workflow %s: step %s review_timeout must be positive", wc.ID, sc.ID)
			}
			step.ReviewTimeout = d
		}
		wf.Steps = append(wf.Steps, step)
	}
	if err := wf.Validate(); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}
