// Package router maps coarse Level-1 tool calls onto concrete Level-2
// skills, runs them, and folds their results into one logical result.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/skill"
	"github.com/pitabwire/sequencer/model"
)

// Call is one Level-1 tool invocation.
type Call struct {
	Tool            Tool
	SkillKey        string
	Context         map[string]any
	OrganizationID  string
	UserID          string
	InstanceID      string
	StoreFullOutput bool
	DryRun          bool
}

// SkillOutcome pairs a Level-2 skill key with its result.
type SkillOutcome struct {
	SkillKey string
	Result   model.SkillResult
}

// ToolResult is the merged outcome of a Level-1 tool call.
type ToolResult struct {
	// Success is the tool-level verdict for direct tool callers. A
	// single-skill tool succeeds only on status success; research succeeds
	// when any member succeeded or was partial. Steps do not read it: the
	// step executor judges the result returned by Merged.
	Success      bool
	Output       map[string]any
	SkillResults []SkillOutcome
	Error        string
}

// Router executes Level-1 tools against a skill executor.
type Router struct {
	table  Table
	skills skill.Executor
	logger *zap.Logger
}

// New creates a router. The table is validated up front so ambiguous
// skill lists fail at startup.
func New(table Table, skills skill.Executor, logger *zap.Logger) (*Router, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{table: table, skills: skills, logger: logger}, nil
}

// MapSkillToLevel1Tool returns the tool that owns skillKey.
func (r *Router) MapSkillToLevel1Tool(skillKey string) (Tool, bool) {
	return r.table.MapSkillToTool(skillKey)
}

// ExecuteLevel1Tool runs the call's tool. Skill failures never surface as
// errors; they are reported through the ToolResult.
func (r *Router) ExecuteLevel1Tool(ctx context.Context, call Call) ToolResult {
	route, ok := r.table[call.Tool]
	if !ok {
		return ToolResult{Error: fmt.Sprintf("unknown tool %q", call.Tool)}
	}

	if call.Tool == ToolExecute && call.DryRun {
		action := stringParam(call.Context, route.Param)
		if action == "" {
			action = call.SkillKey
		}
		r.logger.Info("dry run, skipping execute tool",
			zap.String("instance_id", call.InstanceID),
			zap.String("would_execute", action),
		)
		return ToolResult{
			Success: true,
			Output:  map[string]any{"dry_run": true, "would_execute": action},
		}
	}

	if call.Tool == ToolResearch {
		return r.research(ctx, call, route)
	}

	key, err := selectSkill(call, route)
	if err != nil {
		return ToolResult{Error: err.Error()}
	}

	r.logger.Debug("routing tool call",
		zap.String("tool", string(call.Tool)),
		zap.String("skill_key", key),
		zap.String("instance_id", call.InstanceID),
	)
	res := r.invoke(ctx, call, key)
	out := ToolResult{
		Success:      res.Status == model.SkillStatusSuccess,
		Output:       res.Data,
		SkillResults: []SkillOutcome{{SkillKey: key, Result: res}},
	}
	if !out.Success {
		out.Error = res.Error
	}
	return out
}

// research fans out to the depth-selected skills concurrently and unions
// their data in list order, later skills winning on collision. Any success
// makes the whole call a success.
func (r *Router) research(ctx context.Context, call Call, route Route) ToolResult {
	keys := researchSkills(call, route)

	results := make([]model.SkillResult, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.invoke(ctx, call, key)
		}()
	}
	wg.Wait()

	out := ToolResult{Output: make(map[string]any)}
	var errs []string
	for i, res := range results {
		out.SkillResults = append(out.SkillResults, SkillOutcome{SkillKey: keys[i], Result: res})
		for k, v := range res.Data {
			out.Output[k] = v
		}
		if res.Succeeded() {
			out.Success = true
		} else if res.Error != "" {
			errs = append(errs, keys[i]+": "+res.Error)
		}
	}
	if !out.Success {
		out.Error = strings.Join(errs, "; ")
	}
	return out
}

// invoke calls one skill, converting transport errors into a failed result.
func (r *Router) invoke(ctx context.Context, call Call, skillKey string) model.SkillResult {
	start := time.Now()
	res, err := r.skills.Execute(ctx, skill.Request{
		SkillKey:        skillKey,
		Context:         call.Context,
		OrganizationID:  call.OrganizationID,
		UserID:          call.UserID,
		InstanceID:      call.InstanceID,
		StoreFullOutput: call.StoreFullOutput,
		DryRun:          call.DryRun,
	})
	if err != nil {
		return model.FailedSkillResult(skillKey, err, time.Since(start).Milliseconds())
	}
	return res
}

func researchSkills(call Call, route Route) []string {
	if n, ok := depthCount(stringParam(call.Context, route.Param)); ok {
		if n > len(route.Ordered) {
			n = len(route.Ordered)
		}
		return route.Ordered[:n]
	}
	if isConcrete(call.SkillKey, route.Ordered) {
		return []string{call.SkillKey}
	}
	n, _ := depthCount(DepthStandard)
	if n > len(route.Ordered) {
		n = len(route.Ordered)
	}
	return route.Ordered[:n]
}

func selectSkill(call Call, route Route) (string, error) {
	value := stringParam(call.Context, route.Param)
	if key, ok := route.Skills[value]; ok {
		return key, nil
	}
	if isConcrete(call.SkillKey, route.SkillKeys()) {
		return call.SkillKey, nil
	}
	return "", fmt.Errorf("no %s skill for %s=%q", call.Tool, route.Param, value)
}

// isConcrete reports whether skillKey names one of keys, possibly with a
// version or suffix appended.
func isConcrete(skillKey string, keys []string) bool {
	for _, k := range keys {
		if skillKey == k || strings.Contains(skillKey, k) {
			return true
		}
	}
	return false
}

func stringParam(ctx map[string]any, key string) string {
	if key == "" {
		return ""
	}
	if s, ok := ctx[key].(string); ok {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return ""
}

// Merged folds the tool outcome into a single result recorded under
// skillKey. A single-skill outcome is returned unchanged, so a partial
// result stays partial and counts as a succeeded step.
func (t ToolResult) Merged(skillKey string) model.SkillResult {
	if len(t.SkillResults) == 1 {
		return t.SkillResults[0].Result
	}

	res := model.SkillResult{
		Status: model.SkillStatusFailed,
		Data:   t.Output,
		Error:  t.Error,
		Meta:   model.SkillMeta{SkillID: skillKey},
	}
	if t.Success {
		res.Status = model.SkillStatusSuccess
	}

	if len(t.SkillResults) == 0 {
		if t.Success {
			res.Summary = fmt.Sprintf("%v", t.Output["would_execute"])
			if dry, _ := t.Output["dry_run"].(bool); dry {
				res.Summary = "dry run: would execute " + res.Summary
			}
		} else {
			res.Summary = t.Error
		}
		return res.Normalize(skillKey)
	}

	var summaries []string
	for _, o := range t.SkillResults {
		if o.Result.Summary != "" {
			summaries = append(summaries, o.Result.Summary)
		}
		res.References = append(res.References, o.Result.References...)
		res.Meta.TokensUsed += o.Result.Meta.TokensUsed
		if o.Result.Meta.ExecutionTimeMs > res.Meta.ExecutionTimeMs {
			res.Meta.ExecutionTimeMs = o.Result.Meta.ExecutionTimeMs
		}
		for k, v := range o.Result.Hints {
			if res.Hints == nil {
				res.Hints = make(map[string]any)
			}
			res.Hints[k] = v
		}
	}
	res.Summary = strings.Join(summaries, "\n")
	return res.Normalize(skillKey)
}
