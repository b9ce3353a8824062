package hitl

import (
	"fmt"
	"strings"

	"github.com/pitabwire/sequencer/internal/expression"
	"github.com/pitabwire/sequencer/model"
)

const actionPrefix = "hitl_"

// Standard button values for boolean requests.
const (
	ValueApprove = "approve"
	ValueReject  = "reject"
)

// ActionID builds the identifier attached to a chat button.
func ActionID(requestID, value string) string {
	return actionPrefix + requestID + "_" + value
}

// ParseActionID splits hitl_{request_id}_{value}. Request IDs are UUIDs and
// never contain underscores, so everything after the first underscore
// following the ID is the value.
func ParseActionID(actionID string) (requestID, value string, ok bool) {
	rest, found := strings.CutPrefix(actionID, actionPrefix)
	if !found {
		return "", "", false
	}
	requestID, value, found = strings.Cut(rest, "_")
	if !found || requestID == "" || value == "" {
		return "", "", false
	}
	return requestID, value, true
}

// DecisionStatus maps a responder's value onto the terminal status for a
// request of the given type.
func DecisionStatus(requestType, value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if requestType == model.HITLTypeBoolean || requestType == "" {
		switch v {
		case "approve", "approved", "yes", "true", "1":
			return model.HITLStatusApproved
		}
		return model.HITLStatusRejected
	}
	switch v {
	case "reject", "rejected":
		return model.HITLStatusRejected
	}
	return model.HITLStatusApproved
}

// Outcome is the resolved result of an approval gate.
type Outcome struct {
	Proceed bool
	Value   string
	Request model.HITLRequest
}

// outcomeFor derives whether the run proceeds from a terminal request.
func outcomeFor(req model.HITLRequest) Outcome {
	out := Outcome{Request: req, Value: req.Response}
	switch req.Status {
	case model.HITLStatusApproved:
		out.Proceed = true
	case model.HITLStatusRejected:
		out.Proceed = false
	case model.HITLStatusExpired:
		out.Proceed, out.Value = timeoutDecision(req)
	}
	return out
}

// timeoutDecision applies the request's timeout action.
func timeoutDecision(req model.HITLRequest) (bool, string) {
	switch req.TimeoutAction {
	case model.TimeoutActionContinue:
		return true, ""
	case model.TimeoutActionUseDefault:
		if req.DefaultValue == nil {
			return false, ""
		}
		if s, ok := req.DefaultValue.(string); ok {
			if s == "" {
				return false, ""
			}
			return DecisionStatus(req.RequestType, s) == model.HITLStatusApproved, s
		}
		return expression.Truthy(req.DefaultValue), fmt.Sprint(req.DefaultValue)
	default:
		return false, ""
	}
}
