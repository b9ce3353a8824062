package definition

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pitabwire/sequencer/internal/batch"
	"github.com/pitabwire/sequencer/model"
)

// VError describes a single validation problem in a definition. Warnings
// are reported but do not stop a definition from loading.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validation error codes.
const (
	CodeRequired        = "REQUIRED"
	CodeInvalidValue    = "INVALID_VALUE"
	CodeDuplicate       = "DUPLICATE"
	CodeGateIgnored     = "GATE_IN_PARALLEL_BATCH"
	CodeBatchDependency = "INTRA_BATCH_DEPENDENCY"

	// CodeMalformedCondition is a warning: at run time the condition
	// evaluates to true and the step runs.
	CodeMalformedCondition = "MALFORMED_CONDITION"
)

// Partition separates blocking errors from warnings.
func Partition(verrs []VError) (blocking, warnings []VError) {
	for _, ve := range verrs {
		if ve.Warning {
			warnings = append(warnings, ve)
		} else {
			blocking = append(blocking, ve)
		}
	}
	return blocking, warnings
}

// Validator validates sequence definitions structurally and checks the
// batch plan they produce.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions and returns every problem found.
func (v *Validator) Validate(defs []model.SequenceDefinition) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}
		if def.Key != "" {
			if other, dup := seen[def.Key]; dup {
				errs = append(errs, VError{
					Path:    prefix + ".key",
					Code:    CodeDuplicate,
					Message: fmt.Sprintf("sequence key %q is also defined in %s", def.Key, other),
				})
			}
			seen[def.Key] = prefix
		}
		errs = append(errs, v.ValidateSequence(prefix, def)...)
	}
	return errs
}

var (
	validExecutionModes = map[string]bool{
		"": true, model.ExecutionSequential: true, model.ExecutionParallel: true,
	}
	validFailurePolicies = map[string]bool{
		"": true, model.OnFailureStop: true, model.OnFailureFallback: true, model.OnFailureContinue: true,
	}
	validRequestTypes = map[string]bool{
		"": true, model.HITLTypeBoolean: true, model.HITLTypeChoice: true, model.HITLTypeFreeText: true,
	}
	validTimeoutActions = map[string]bool{
		"": true, model.TimeoutActionContinue: true, model.TimeoutActionStop: true, model.TimeoutActionUseDefault: true,
	}
	validChannels = map[string]bool{
		model.ChannelSlack: true, model.ChannelTelegram: true, model.ChannelDiscord: true,
		model.ChannelInApp: true, model.ChannelEmail: true,
	}
)

// ValidateSequence checks a single definition. prefix is prepended to every
// error path.
func (v *Validator) ValidateSequence(prefix string, def model.SequenceDefinition) []VError {
	var errs []VError

	if def.Key == "" {
		errs = append(errs, VError{Path: prefix + ".key", Code: CodeRequired, Message: "key is required"})
	}
	if def.TokenBudget < 0 {
		errs = append(errs, VError{Path: prefix + ".token_budget", Code: CodeInvalidValue, Message: "token_budget must not be negative"})
	}
	if def.TimeBudget != "" {
		if d, err := time.ParseDuration(def.TimeBudget); err != nil || d <= 0 {
			errs = append(errs, VError{
				Path:    prefix + ".time_budget",
				Code:    CodeInvalidValue,
				Message: fmt.Sprintf("time_budget %q is not a positive duration", def.TimeBudget),
			})
		}
	}
	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: CodeRequired, Message: "at least one step is required"})
		return errs
	}

	for i, step := range def.Steps {
		errs = append(errs, v.validateStep(fmt.Sprintf("%s.steps[%d]", prefix, i), step)...)
	}
	errs = append(errs, v.validateBatches(prefix, def.Steps)...)

	return errs
}

func (v *Validator) validateStep(prefix string, s model.SequenceStep) []VError {
	var errs []VError

	if s.SkillKey == "" {
		errs = append(errs, VError{Path: prefix + ".skill_key", Code: CodeRequired, Message: "skill_key is required"})
	}
	if !validExecutionModes[s.ExecutionMode] {
		errs = append(errs, VError{
			Path:    prefix + ".execution_mode",
			Code:    CodeInvalidValue,
			Message: fmt.Sprintf("execution_mode %q is not one of sequential, parallel", s.ExecutionMode),
		})
	}
	if s.ParallelGroup != "" && !s.IsParallel() {
		errs = append(errs, VError{
			Path:    prefix + ".parallel_group",
			Code:    CodeInvalidValue,
			Message: "parallel_group requires execution_mode parallel",
		})
	}
	if !validFailurePolicies[s.OnFailure] {
		errs = append(errs, VError{
			Path:    prefix + ".on_failure",
			Code:    CodeInvalidValue,
			Message: fmt.Sprintf("on_failure %q is not one of stop, fallback, continue", s.OnFailure),
		})
	}
	if s.OnFailure == model.OnFailureFallback && s.FallbackSkillKey == "" {
		errs = append(errs, VError{
			Path:    prefix + ".fallback_skill_key",
			Code:    CodeRequired,
			Message: "fallback_skill_key is required when on_failure is fallback",
		})
	}
	if strings.HasPrefix(s.Condition, "${") && !referencePattern.MatchString(s.Condition) {
		errs = append(errs, VError{
			Path:    prefix + ".condition",
			Code:    CodeMalformedCondition,
			Message: fmt.Sprintf("condition %q is a malformed ${path} reference, the step will always run", s.Condition),
			Warning: true,
		})
	}
	if s.HITLBefore != nil {
		errs = append(errs, v.validateHITL(prefix+".hitl_before", s.HITLBefore)...)
	}
	if s.HITLAfter != nil {
		errs = append(errs, v.validateHITL(prefix+".hitl_after", s.HITLAfter)...)
	}

	return errs
}

func (v *Validator) validateHITL(prefix string, h *model.HITLConfig) []VError {
	var errs []VError

	if h.Prompt == "" {
		errs = append(errs, VError{Path: prefix + ".prompt", Code: CodeRequired, Message: "prompt is required"})
	}
	if !validRequestTypes[h.RequestType] {
		errs = append(errs, VError{
			Path:    prefix + ".request_type",
			Code:    CodeInvalidValue,
			Message: fmt.Sprintf("request_type %q is not one of boolean, choice, free_text", h.RequestType),
		})
	}
	if h.RequestType == model.HITLTypeChoice && len(h.Options) == 0 {
		errs = append(errs, VError{Path: prefix + ".options", Code: CodeRequired, Message: "choice requests need at least one option"})
	}
	for i, opt := range h.Options {
		if opt.Value == "" {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.options[%d].value", prefix, i), Code: CodeRequired, Message: "option value is required"})
		}
	}
	if !validTimeoutActions[h.TimeoutAction] {
		errs = append(errs, VError{
			Path:    prefix + ".timeout_action",
			Code:    CodeInvalidValue,
			Message: fmt.Sprintf("timeout_action %q is not one of continue, stop, use_default", h.TimeoutAction),
		})
	}
	if h.TimeoutMinutes < 0 {
		errs = append(errs, VError{Path: prefix + ".timeout_minutes", Code: CodeInvalidValue, Message: "timeout_minutes must not be negative"})
	}
	for _, ch := range h.Channels {
		if !validChannels[ch] {
			errs = append(errs, VError{
				Path:    prefix + ".channels",
				Code:    CodeInvalidValue,
				Message: fmt.Sprintf("unknown channel %q", ch),
			})
		}
	}

	return errs
}

var referencePattern = regexp.MustCompile(`^\$\{(.+)\}$`)

// validateBatches checks rules that depend on how steps are grouped: approval
// gates are not honored inside a multi-member batch, and members of one batch
// must not read each other's results.
func (v *Validator) validateBatches(prefix string, steps []model.SequenceStep) []VError {
	var errs []VError

	for _, b := range batch.GroupIntoBatches(steps) {
		if !b.Parallel() {
			continue
		}
		for j, s := range b.Steps {
			path := fmt.Sprintf("%s.steps[%d]", prefix, b.Indexes[j])
			if s.HITLBefore != nil || s.HITLAfter != nil {
				errs = append(errs, VError{
					Path:    path,
					Code:    CodeGateIgnored,
					Message: "approval gates are not honored on a step that runs in a parallel batch",
				})
			}
			for k, sibling := range b.Steps {
				if k == j {
					continue
				}
				if ref, ok := readsSibling(s, sibling); ok {
					errs = append(errs, VError{
						Path:    path,
						Code:    CodeBatchDependency,
						Message: fmt.Sprintf("reads %s produced by step %d in the same parallel batch", ref, b.Indexes[k]),
					})
				}
			}
		}
	}

	return errs
}

// readsSibling reports whether s references the output of sibling.
func readsSibling(s, sibling model.SequenceStep) (string, bool) {
	var targets []string
	if sibling.OutputKey != "" {
		targets = append(targets, "outputs."+sibling.OutputKey)
	}
	if sibling.SkillKey != "" {
		targets = append(targets, "skill_results."+sibling.SkillKey)
	}

	exprs := make([]string, 0, len(s.InputMapping)+1)
	for _, e := range s.InputMapping {
		exprs = append(exprs, e)
	}
	if s.Condition != "" {
		exprs = append(exprs, s.Condition)
	}

	for _, e := range exprs {
		m := referencePattern.FindStringSubmatch(e)
		if m == nil {
			continue
		}
		for _, t := range targets {
			if m[1] == t || strings.HasPrefix(m[1], t+".") {
				return "${" + t + "}", true
			}
		}
	}
	return "", false
}
