package model

import "time"

// Execution status constants.
const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusHalted    = "halted"
	ExecutionStatusFailed    = "failed"
)

// Halt reasons recorded when a run stops cleanly before its last batch.
const (
	HaltReasonRejected       = "hitl_rejected"
	HaltReasonHITLTimeout    = "hitl_timeout"
	HaltReasonTokenBudget    = "token_budget_exhausted"
	HaltReasonTimeBudget     = "time_budget_exhausted"
	HaltReasonContextExpired = "context_cancelled"
)

// Entities accumulates records discovered during a run. Each slice is a
// union keyed by record identifier.
type Entities struct {
	Contacts  []map[string]any `json:"contacts"`
	Companies []map[string]any `json:"companies"`
	Deals     []map[string]any `json:"deals"`
}

// Findings holds scalar facts gathered by skills.
type Findings struct {
	KeyFacts map[string]any `json:"key_facts"`
}

// StateContext is the accumulated knowledge of a run.
type StateContext struct {
	Entities Entities `json:"entities"`
	Findings Findings `json:"findings"`
}

// ApprovalRecord logs the outcome of one HITL gate.
type ApprovalRecord struct {
	RequestID string    `json:"request_id"`
	StepIndex int       `json:"step_index"`
	Timing    string    `json:"timing"`
	Status    string    `json:"status"`
	Value     string    `json:"value,omitempty"`
	Proceed   bool      `json:"proceed"`
	DecidedAt time.Time `json:"decided_at"`
}

// SequenceState is the execution record of one run.
type SequenceState struct {
	InstanceID     string                    `json:"instance_id"`
	SequenceID     string                    `json:"sequence_id"`
	SequenceType   string                    `json:"sequence_type"`
	OrganizationID string                    `json:"organization_id"`
	UserID         string                    `json:"user_id"`
	Trigger        map[string]any            `json:"trigger"`
	Context        StateContext              `json:"context"`
	SkillResults   map[string]SkillResult    `json:"skill_results"`
	Outputs        map[string]map[string]any `json:"outputs"`
	Status         string                    `json:"status"`
	HaltReason     string                    `json:"halt_reason,omitempty"`
	Error          string                    `json:"error,omitempty"`

	StepCount        int                       `json:"step_count"`
	TotalSteps       int                       `json:"total_steps"`
	TokensUsed       int                       `json:"tokens_used"`
	TokenBudget      int                       `json:"token_budget,omitempty"`
	TimeBudgetMs     int64                     `json:"time_budget_ms,omitempty"`
	ApprovalPending  bool                      `json:"approval_pending"`
	ApprovalChannels []string                  `json:"approval_channels,omitempty"`
	Approvals        map[string]ApprovalRecord `json:"approvals,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int        `json:"version"`
}

// IsTerminal reports whether the run has reached a final outcome.
func (s *SequenceState) IsTerminal() bool {
	return s.Status != ExecutionStatusRunning
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (s *SequenceState) Clone() *SequenceState {
	if s == nil {
		return nil
	}
	c := *s
	c.Trigger = CloneMap(s.Trigger)
	c.Context.Entities.Contacts = cloneRecords(s.Context.Entities.Contacts)
	c.Context.Entities.Companies = cloneRecords(s.Context.Entities.Companies)
	c.Context.Entities.Deals = cloneRecords(s.Context.Entities.Deals)
	c.Context.Findings.KeyFacts = CloneMap(s.Context.Findings.KeyFacts)

	c.SkillResults = make(map[string]SkillResult, len(s.SkillResults))
	for k, r := range s.SkillResults {
		r.Data = CloneMap(r.Data)
		r.Hints = CloneMap(r.Hints)
		r.References = append([]SkillReference(nil), r.References...)
		c.SkillResults[k] = r
	}
	c.Outputs = make(map[string]map[string]any, len(s.Outputs))
	for k, v := range s.Outputs {
		c.Outputs[k] = CloneMap(v)
	}
	c.ApprovalChannels = append([]string(nil), s.ApprovalChannels...)
	if s.Approvals != nil {
		c.Approvals = make(map[string]ApprovalRecord, len(s.Approvals))
		for k, v := range s.Approvals {
			c.Approvals[k] = v
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Scope exposes the state as nested maps for `${path}` expressions.
//
//	${trigger.contact_id}
//	${context.findings.key_facts.industry}
//	${skill_results.research-company.data.domain}
//	${outputs.research.summary}
func (s *SequenceState) Scope() map[string]any {
	results := make(map[string]any, len(s.SkillResults))
	for k, r := range s.SkillResults {
		results[k] = r.Scope()
	}
	outputs := make(map[string]any, len(s.Outputs))
	for k, v := range s.Outputs {
		outputs[k] = v
	}
	return map[string]any{
		"instance_id":     s.InstanceID,
		"sequence_id":     s.SequenceID,
		"sequence_type":   s.SequenceType,
		"organization_id": s.OrganizationID,
		"user_id":         s.UserID,
		"trigger":         s.Trigger,
		"context": map[string]any{
			"entities": map[string]any{
				"contacts":  recordsAsAny(s.Context.Entities.Contacts),
				"companies": recordsAsAny(s.Context.Entities.Companies),
				"deals":     recordsAsAny(s.Context.Entities.Deals),
			},
			"findings": map[string]any{
				"key_facts": s.Context.Findings.KeyFacts,
			},
		},
		"skill_results": results,
		"outputs":       outputs,
		"step_count":    s.StepCount,
		"tokens_used":   s.TokensUsed,
	}
}

func recordsAsAny(records []map[string]any) []any {
	out := make([]any, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	return out
}

func cloneRecords(records []map[string]any) []map[string]any {
	if records == nil {
		return nil
	}
	out := make([]map[string]any, len(records))
	for i, r := range records {
		out[i] = CloneMap(r)
	}
	return out
}

// CloneMap deep copies nested maps and slices of a JSON-like value tree.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []map[string]any:
		return cloneRecords(t)
	default:
		return v
	}
}

// ExecutionResult is what a caller receives after a run. A false Success is
// a normal outcome carrying the partial final state.
type ExecutionResult struct {
	Success    bool           `json:"success"`
	InstanceID string         `json:"instance_id"`
	SequenceID string         `json:"sequence_id"`
	Status     string         `json:"status"`
	FinalState *SequenceState `json:"final_state"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}
