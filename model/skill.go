package model

// Skill result status constants.
const (
	SkillStatusSuccess = "success"
	SkillStatusPartial = "partial"
	SkillStatusFailed  = "failed"
)

// Result bounds applied when results are normalized or merged.
const (
	MaxSummaryLength = 500
	MaxReferences    = 10
)

// SkillReference points at a source a skill consulted.
type SkillReference struct {
	Title  string `json:"title,omitempty"`
	URL    string `json:"url"`
	Source string `json:"source,omitempty"`
}

// SkillMeta carries execution bookkeeping for a skill call.
type SkillMeta struct {
	SkillID         string `json:"skill_id"`
	SkillVersion    string `json:"skill_version,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	TokensUsed      int    `json:"tokens_used,omitempty"`
}

// SkillResult is the structured outcome of one skill invocation.
type SkillResult struct {
	Status     string           `json:"status"`
	Summary    string           `json:"summary"`
	Data       map[string]any   `json:"data,omitempty"`
	References []SkillReference `json:"references,omitempty"`
	Hints      map[string]any   `json:"hints,omitempty"`
	Error      string           `json:"error,omitempty"`
	Meta       SkillMeta        `json:"meta"`
}

// Succeeded reports whether the result counts as a successful step.
// Partial results are treated as success.
func (r SkillResult) Succeeded() bool {
	return r.Status == SkillStatusSuccess || r.Status == SkillStatusPartial
}

// Scope returns the result as a plain map for expression resolution.
func (r SkillResult) Scope() map[string]any {
	refs := make([]any, 0, len(r.References))
	for _, ref := range r.References {
		refs = append(refs, map[string]any{"title": ref.Title, "url": ref.URL, "source": ref.Source})
	}
	return map[string]any{
		"status":     r.Status,
		"summary":    r.Summary,
		"data":       r.Data,
		"references": refs,
		"hints":      r.Hints,
		"error":      r.Error,
		"meta": map[string]any{
			"skill_id":          r.Meta.SkillID,
			"skill_version":     r.Meta.SkillVersion,
			"execution_time_ms": r.Meta.ExecutionTimeMs,
			"tokens_used":       r.Meta.TokensUsed,
		},
	}
}

// FailedSkillResult builds the synthetic result used when a skill could not
// be invoked at all.
func FailedSkillResult(skillKey string, err error, elapsedMs int64) SkillResult {
	msg := "skill invocation failed"
	if err != nil {
		msg = err.Error()
	}
	return SkillResult{
		Status:  SkillStatusFailed,
		Summary: truncateRunes(msg, MaxSummaryLength),
		Error:   msg,
		Meta: SkillMeta{
			SkillID:         skillKey,
			ExecutionTimeMs: elapsedMs,
		},
	}
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// Normalize applies the result bounds and fills missing meta.
func (r SkillResult) Normalize(skillKey string) SkillResult {
	if r.Status == "" {
		r.Status = SkillStatusSuccess
		if r.Error != "" {
			r.Status = SkillStatusFailed
		}
	}
	r.Summary = truncateRunes(r.Summary, MaxSummaryLength)
	if len(r.References) > MaxReferences {
		r.References = r.References[:MaxReferences]
	}
	if r.Meta.SkillID == "" {
		r.Meta.SkillID = skillKey
	}
	return r
}
