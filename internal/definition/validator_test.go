package definition

import (
	"strings"
	"testing"

	"github.com/pitabwire/sequencer/model"
)

func validSequence() model.SequenceDefinition {
	return model.SequenceDefinition{
		Key:        "outreach",
		TimeBudget: "10m",
		Steps: []model.SequenceStep{
			{SkillKey: "research-company", ExecutionMode: model.ExecutionSequential, OutputKey: "research"},
			{SkillKey: "enrich-contact", ExecutionMode: model.ExecutionParallel, ParallelGroup: "g"},
			{SkillKey: "enrich-company", ExecutionMode: model.ExecutionParallel, ParallelGroup: "g",
				InputMapping: map[string]string{"domain": "${outputs.research.data.domain}"}},
			{SkillKey: "draft-email", OnFailure: model.OnFailureFallback, FallbackSkillKey: "draft-email-basic",
				HITLAfter: &model.HITLConfig{Prompt: "Send?", TimeoutAction: model.TimeoutActionStop}},
		},
	}
}

func hasCode(errs []VError, code, pathFragment string) bool {
	for _, e := range errs {
		if e.Code == code && strings.Contains(e.Path, pathFragment) {
			return true
		}
	}
	return false
}

func TestValidate_valid(t *testing.T) {
	errs := NewValidator().Validate([]model.SequenceDefinition{validSequence()})
	if len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidate_fixture(t *testing.T) {
	def, err := NewLoader().LoadFile("testdata/sequences/outreach.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if errs := NewValidator().Validate([]model.SequenceDefinition{def}); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidate_structural(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.SequenceDefinition)
		code   string
		path   string
	}{
		{"missing key", func(d *model.SequenceDefinition) { d.Key = "" }, CodeRequired, ".key"},
		{"no steps", func(d *model.SequenceDefinition) { d.Steps = nil }, CodeRequired, ".steps"},
		{"bad time budget", func(d *model.SequenceDefinition) { d.TimeBudget = "later" }, CodeInvalidValue, ".time_budget"},
		{"negative token budget", func(d *model.SequenceDefinition) { d.TokenBudget = -1 }, CodeInvalidValue, ".token_budget"},
		{"missing skill key", func(d *model.SequenceDefinition) { d.Steps[0].SkillKey = "" }, CodeRequired, "steps[0].skill_key"},
		{"bad execution mode", func(d *model.SequenceDefinition) { d.Steps[0].ExecutionMode = "async" }, CodeInvalidValue, "steps[0].execution_mode"},
		{"group on sequential step", func(d *model.SequenceDefinition) { d.Steps[0].ParallelGroup = "g" }, CodeInvalidValue, "steps[0].parallel_group"},
		{"bad on_failure", func(d *model.SequenceDefinition) { d.Steps[0].OnFailure = "retry" }, CodeInvalidValue, "steps[0].on_failure"},
		{"fallback without key", func(d *model.SequenceDefinition) { d.Steps[3].FallbackSkillKey = "" }, CodeRequired, "steps[3].fallback_skill_key"},
		{"gate without prompt", func(d *model.SequenceDefinition) { d.Steps[3].HITLAfter.Prompt = "" }, CodeRequired, "hitl_after.prompt"},
		{"choice without options", func(d *model.SequenceDefinition) { d.Steps[3].HITLAfter.RequestType = model.HITLTypeChoice }, CodeRequired, "hitl_after.options"},
		{"bad request type", func(d *model.SequenceDefinition) { d.Steps[3].HITLAfter.RequestType = "rating" }, CodeInvalidValue, "hitl_after.request_type"},
		{"bad timeout action", func(d *model.SequenceDefinition) { d.Steps[3].HITLAfter.TimeoutAction = "retry" }, CodeInvalidValue, "hitl_after.timeout_action"},
		{"negative timeout", func(d *model.SequenceDefinition) { d.Steps[3].HITLAfter.TimeoutMinutes = -5 }, CodeInvalidValue, "hitl_after.timeout_minutes"},
		{"unknown channel", func(d *model.SequenceDefinition) { d.Steps[3].HITLAfter.Channels = []string{"pager"} }, CodeInvalidValue, "hitl_after.channels"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validSequence()
			tt.mutate(&def)
			errs := NewValidator().Validate([]model.SequenceDefinition{def})
			if !hasCode(errs, tt.code, tt.path) {
				t.Errorf("Validate() = %v, want %s at %s", errs, tt.code, tt.path)
			}
		})
	}
}

func TestValidate_literalConditionAllowed(t *testing.T) {
	def := validSequence()
	def.Steps[0].Condition = "true"
	if errs := NewValidator().Validate([]model.SequenceDefinition{def}); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidate_malformedConditionIsWarning(t *testing.T) {
	def := validSequence()
	def.Steps[0].Condition = "${trigger.x"
	errs := NewValidator().Validate([]model.SequenceDefinition{def})
	if !hasCode(errs, CodeMalformedCondition, "steps[0].condition") {
		t.Fatalf("Validate() = %v, want malformed condition warning", errs)
	}

	blocking, warnings := Partition(errs)
	if len(blocking) != 0 {
		t.Errorf("blocking = %v, want none", blocking)
	}
	if len(warnings) != 1 || !warnings[0].Warning {
		t.Errorf("warnings = %v, want one", warnings)
	}
}

func TestPartition(t *testing.T) {
	errs := []VError{
		{Path: "a", Code: CodeRequired},
		{Path: "b", Code: CodeMalformedCondition, Warning: true},
		{Path: "c", Code: CodeInvalidValue},
	}
	blocking, warnings := Partition(errs)
	if len(blocking) != 2 || blocking[0].Path != "a" || blocking[1].Path != "c" {
		t.Errorf("blocking = %v", blocking)
	}
	if len(warnings) != 1 || warnings[0].Path != "b" {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestValidate_duplicateKeys(t *testing.T) {
	a, b := validSequence(), validSequence()
	errs := NewValidator().Validate([]model.SequenceDefinition{a, b})
	if !hasCode(errs, CodeDuplicate, "definitions[1].key") {
		t.Fatalf("Validate() = %v, want duplicate key error", errs)
	}
}

func TestValidate_gateInParallelBatch(t *testing.T) {
	def := validSequence()
	def.Steps[1].HITLBefore = &model.HITLConfig{Prompt: "ok?"}
	errs := NewValidator().Validate([]model.SequenceDefinition{def})
	if !hasCode(errs, CodeGateIgnored, "steps[1]") {
		t.Fatalf("Validate() = %v, want gate-ignored error", errs)
	}
}

func TestValidate_gateOnLoneParallelStepAllowed(t *testing.T) {
	def := validSequence()
	def.Steps = def.Steps[2:]
	def.Steps[0].InputMapping = nil
	def.Steps[0].HITLBefore = &model.HITLConfig{Prompt: "ok?"}
	if errs := NewValidator().Validate([]model.SequenceDefinition{def}); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidate_intraBatchDependency(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"output key", "${outputs.contact.data.email}"},
		{"skill result", "${skill_results.enrich-contact.summary}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validSequence()
			def.Steps[1].OutputKey = "contact"
			def.Steps[2].InputMapping = map[string]string{"email": tt.expr}
			errs := NewValidator().Validate([]model.SequenceDefinition{def})
			if !hasCode(errs, CodeBatchDependency, "steps[2]") {
				t.Fatalf("Validate() = %v, want intra-batch dependency error", errs)
			}
		})
	}
}

func TestValidate_dependencyOnEarlierBatchAllowed(t *testing.T) {
	def := validSequence()
	def.Steps[1].InputMapping = map[string]string{"company": "${skill_results.research-company.data}"}
	if errs := NewValidator().Validate([]model.SequenceDefinition{def}); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}
