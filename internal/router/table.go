package router

import (
	"fmt"
	"sort"
	"strings"
)

// Tool is a Level-1 tool category.
type Tool string

// Level-1 tools.
const (
	ToolResearch  Tool = "research"
	ToolEnrich    Tool = "enrich"
	ToolDraft     Tool = "draft"
	ToolCRMAction Tool = "crm_action"
	ToolNotify    Tool = "notify"
	ToolExecute   Tool = "execute"
)

// Tools lists the Level-1 tools in a stable order.
var Tools = []Tool{ToolResearch, ToolEnrich, ToolDraft, ToolCRMAction, ToolNotify, ToolExecute}

// Research depths.
const (
	DepthQuick    = "quick"
	DepthStandard = "standard"
	DepthDeep     = "deep"
)

// Route describes how one tool picks its Level-2 skills.
type Route struct {
	// Param is the context key that selects the skill for single-skill tools.
	Param string
	// Skills maps a parameter value to a skill key.
	Skills map[string]string
	// Ordered lists the tool's skills in fan-out order. Only research uses it.
	Ordered []string
}

// SkillKeys returns every skill key the route can select, sorted.
func (r Route) SkillKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, k := range r.Ordered {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, k := range r.Skills {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Table is the static Level-1 to Level-2 routing table.
type Table map[Tool]Route

// DefaultTable returns the built-in routing table.
func DefaultTable() Table {
	return Table{
		ToolResearch: {
			Param:   "depth",
			Ordered: []string{"research-company", "research-web", "research-news", "research-techstack"},
		},
		ToolEnrich: {
			Param: "entity_type",
			Skills: map[string]string{
				"contact": "enrich-contact",
				"company": "enrich-company",
				"deal":    "enrich-deal",
			},
		},
		ToolDraft: {
			Param: "draft_type",
			Skills: map[string]string{
				"email":            "draft-email",
				"linkedin_message": "draft-linkedin-message",
				"call_script":      "draft-call-script",
				"proposal":         "draft-proposal",
			},
		},
		ToolCRMAction: {
			Param: "action_type",
			Skills: map[string]string{
				"create_contact": "crm-create-contact",
				"update_contact": "crm-update-contact",
				"create_deal":    "crm-create-deal",
				"update_deal":    "crm-update-deal",
				"create_task":    "crm-create-task",
				"log_activity":   "crm-log-activity",
			},
		},
		ToolNotify: {
			Param: "channel",
			Skills: map[string]string{
				"slack":  "notify-slack",
				"email":  "notify-email",
				"in_app": "notify-in-app",
			},
		},
		ToolExecute: {
			Param: "action_type",
			Skills: map[string]string{
				"send_email":       "action-send-email",
				"schedule_meeting": "action-schedule-meeting",
				"enroll_sequence":  "action-enroll-sequence",
			},
		},
	}
}

// depthCount returns the number of research skills run at each depth.
func depthCount(depth string) (int, bool) {
	switch depth {
	case DepthQuick:
		return 1, true
	case DepthStandard:
		return 2, true
	case DepthDeep:
		return 4, true
	}
	return 0, false
}

// Validate checks that no skill key of one tool matches a skill key of
// another tool by substring containment, which would make MapSkillToTool
// ambiguous.
func (t Table) Validate() error {
	var problems []string
	for i, a := range Tools {
		for _, b := range Tools[i+1:] {
			for _, ka := range t[a].SkillKeys() {
				for _, kb := range t[b].SkillKeys() {
					if strings.Contains(ka, kb) || strings.Contains(kb, ka) {
						problems = append(problems, fmt.Sprintf("%s skill %q overlaps %s skill %q", a, ka, b, kb))
					}
				}
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("router: ambiguous routing table: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MapSkillToTool returns the tool whose skill list contains skillKey, matched
// by substring containment in either direction so versioned or suffixed keys
// still resolve.
func (t Table) MapSkillToTool(skillKey string) (Tool, bool) {
	if skillKey == "" {
		return "", false
	}
	for _, tool := range Tools {
		for _, k := range t[tool].SkillKeys() {
			if strings.Contains(skillKey, k) || strings.Contains(k, skillKey) {
				return tool, true
			}
		}
	}
	return "", false
}
