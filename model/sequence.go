package model

// Step execution modes.
const (
	ExecutionSequential = "sequential"
	ExecutionParallel   = "parallel"
)

// Step failure policies.
const (
	OnFailureStop     = "stop"
	OnFailureFallback = "fallback"
	OnFailureContinue = "continue"
)

// SequenceDefinition is the root structure of a sequence definition file.
// The key is the stable pipeline identity and becomes the state's sequence_id.
type SequenceDefinition struct {
	Key         string         `yaml:"key"         json:"key"`
	Name        string         `yaml:"name"        json:"name"`
	Type        string         `yaml:"type"        json:"type"`
	Description string         `yaml:"description" json:"description,omitempty"`
	TokenBudget int            `yaml:"token_budget" json:"token_budget,omitempty"`
	TimeBudget  string         `yaml:"time_budget" json:"time_budget,omitempty"`
	Steps       []SequenceStep `yaml:"steps"       json:"steps"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// SequenceStep is one node of a pipeline.
type SequenceStep struct {
	SkillKey         string            `yaml:"skill_key"          json:"skill_key"`
	Name             string            `yaml:"name"               json:"name,omitempty"`
	ExecutionMode    string            `yaml:"execution_mode"     json:"execution_mode"`
	ParallelGroup    string            `yaml:"parallel_group"     json:"parallel_group,omitempty"`
	Condition        string            `yaml:"condition"          json:"condition,omitempty"`
	InputMapping     map[string]string `yaml:"input_mapping"      json:"input_mapping,omitempty"`
	OutputKey        string            `yaml:"output_key"         json:"output_key,omitempty"`
	OnFailure        string            `yaml:"on_failure"         json:"on_failure,omitempty"`
	FallbackSkillKey string            `yaml:"fallback_skill_key" json:"fallback_skill_key,omitempty"`
	HITLBefore       *HITLConfig       `yaml:"hitl_before"        json:"hitl_before,omitempty"`
	HITLAfter        *HITLConfig       `yaml:"hitl_after"         json:"hitl_after,omitempty"`
}

// IsParallel reports whether the step was declared parallel.
func (s SequenceStep) IsParallel() bool {
	return s.ExecutionMode == ExecutionParallel
}

// FailurePolicy returns the declared on_failure policy, defaulting to continue.
func (s SequenceStep) FailurePolicy() string {
	if s.OnFailure == "" {
		return OnFailureContinue
	}
	return s.OnFailure
}

// Label returns a human readable name for logs.
func (s SequenceStep) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.SkillKey
}
