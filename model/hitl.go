package model

import "time"

// HITL request types.
const (
	HITLTypeBoolean  = "boolean"
	HITLTypeChoice   = "choice"
	HITLTypeFreeText = "free_text"
)

// HITL timeout actions.
const (
	TimeoutActionContinue   = "continue"
	TimeoutActionStop       = "stop"
	TimeoutActionUseDefault = "use_default"
)

// HITL gate timings relative to step execution.
const (
	HITLTimingBefore = "before"
	HITLTimingAfter  = "after"
)

// HITL request status constants.
const (
	HITLStatusPending  = "pending"
	HITLStatusApproved = "approved"
	HITLStatusRejected = "rejected"
	HITLStatusExpired  = "expired"
)

// Delivery channels for approval prompts.
const (
	ChannelSlack    = "slack"
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelInApp    = "in_app"
	ChannelEmail    = "email"
)

// HITLOption is one selectable answer of a choice request.
type HITLOption struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
}

// HITLConfig configures an approval gate placed before or after a step.
type HITLConfig struct {
	RequestType      string       `yaml:"request_type"        json:"request_type"`
	Prompt           string       `yaml:"prompt"              json:"prompt"`
	Options          []HITLOption `yaml:"options"             json:"options,omitempty"`
	DefaultValue     any          `yaml:"default_value"       json:"default_value,omitempty"`
	Channels         []string     `yaml:"channels"            json:"channels,omitempty"`
	TimeoutMinutes   int          `yaml:"timeout_minutes"     json:"timeout_minutes"`
	TimeoutAction    string       `yaml:"timeout_action"      json:"timeout_action"`
	AssignedToUserID string       `yaml:"assigned_to_user_id" json:"assigned_to_user_id,omitempty"`
	SlackChannelID   string       `yaml:"slack_channel_id"    json:"slack_channel_id,omitempty"`
}

// HasChannel reports whether the given delivery channel is configured.
func (c *HITLConfig) HasChannel(channel string) bool {
	for _, ch := range c.Channels {
		if ch == channel {
			return true
		}
	}
	return false
}

// HITLRequest is the durable record of one approval request. It is updated
// exactly once, by a decision or by expiry.
type HITLRequest struct {
	ID             string       `json:"id"`
	ExecutionID    string       `json:"execution_id"`
	SequenceKey    string       `json:"sequence_key"`
	StepIndex      int          `json:"step_index"`
	Timing         string       `json:"timing"`
	OrganizationID string       `json:"organization_id"`
	RequestedBy    string       `json:"requested_by"`
	AssignedTo     string       `json:"assigned_to,omitempty"`
	RequestType    string       `json:"request_type"`
	Prompt         string       `json:"prompt"`
	Options        []HITLOption `json:"options,omitempty"`
	DefaultValue   any          `json:"default_value,omitempty"`
	Channels       []string     `json:"channels"`
	SlackChannelID string       `json:"slack_channel_id,omitempty"`
	TimeoutAction  string       `json:"timeout_action"`
	Status         string       `json:"status"`
	Response       string       `json:"response,omitempty"`
	RespondedBy    string       `json:"responded_by,omitempty"`
	RespondedAt    *time.Time   `json:"responded_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
}

// IsTerminal reports whether the request has left the pending state.
func (r *HITLRequest) IsTerminal() bool {
	return r.Status != HITLStatusPending
}

// HITLDecision is an external answer to a pending request.
type HITLDecision struct {
	Value       string `json:"value"`
	RespondedBy string `json:"responded_by,omitempty"`
}
