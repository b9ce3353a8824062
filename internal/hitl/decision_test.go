package hitl

import (
	"testing"

	"github.com/pitabwire/sequencer/model"
)

func TestParseActionID(t *testing.T) {
	tests := []struct {
		in        string
		requestID string
		value     string
		ok        bool
	}{
		{"hitl_3f2a-11_approve", "3f2a-11", "approve", true},
		{"hitl_3f2a-11_use_template", "3f2a-11", "use_template", true},
		{ActionID("abc", "reject"), "abc", "reject", true},
		{"hitl_abc", "", "", false},
		{"hitl__approve", "", "", false},
		{"hitl_abc_", "", "", false},
		{"other_abc_approve", "", "", false},
	}
	for _, tt := range tests {
		id, value, ok := ParseActionID(tt.in)
		if ok != tt.ok || id != tt.requestID || value != tt.value {
			t.Errorf("ParseActionID(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, id, value, ok, tt.requestID, tt.value, tt.ok)
		}
	}
}

func TestDecisionStatus(t *testing.T) {
	tests := []struct {
		requestType string
		value       string
		want        string
	}{
		{model.HITLTypeBoolean, "approve", model.HITLStatusApproved},
		{model.HITLTypeBoolean, "YES", model.HITLStatusApproved},
		{model.HITLTypeBoolean, "1", model.HITLStatusApproved},
		{model.HITLTypeBoolean, "reject", model.HITLStatusRejected},
		{model.HITLTypeBoolean, "maybe", model.HITLStatusRejected},
		{"", "true", model.HITLStatusApproved},
		{model.HITLTypeChoice, "formal", model.HITLStatusApproved},
		{model.HITLTypeChoice, "reject", model.HITLStatusRejected},
		{model.HITLTypeFreeText, "please shorten it", model.HITLStatusApproved},
		{model.HITLTypeFreeText, "Rejected", model.HITLStatusRejected},
	}
	for _, tt := range tests {
		if got := DecisionStatus(tt.requestType, tt.value); got != tt.want {
			t.Errorf("DecisionStatus(%q, %q) = %q, want %q", tt.requestType, tt.value, got, tt.want)
		}
	}
}

func TestOutcomeFor_timeoutActions(t *testing.T) {
	tests := []struct {
		name string
		req  model.HITLRequest
		want bool
	}{
		{"continue", model.HITLRequest{TimeoutAction: model.TimeoutActionContinue}, true},
		{"stop", model.HITLRequest{TimeoutAction: model.TimeoutActionStop}, false},
		{"unknown action stops", model.HITLRequest{TimeoutAction: "bogus"}, false},
		{"default true", model.HITLRequest{TimeoutAction: model.TimeoutActionUseDefault, RequestType: model.HITLTypeBoolean, DefaultValue: true}, true},
		{"default false", model.HITLRequest{TimeoutAction: model.TimeoutActionUseDefault, RequestType: model.HITLTypeBoolean, DefaultValue: false}, false},
		{"default approve string", model.HITLRequest{TimeoutAction: model.TimeoutActionUseDefault, RequestType: model.HITLTypeBoolean, DefaultValue: "approve"}, true},
		{"default choice", model.HITLRequest{TimeoutAction: model.TimeoutActionUseDefault, RequestType: model.HITLTypeChoice, DefaultValue: "formal"}, true},
		{"default choice reject", model.HITLRequest{TimeoutAction: model.TimeoutActionUseDefault, RequestType: model.HITLTypeChoice, DefaultValue: "reject"}, false},
		{"default missing", model.HITLRequest{TimeoutAction: model.TimeoutActionUseDefault}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Status = model.HITLStatusExpired
			if got := outcomeFor(tt.req).Proceed; got != tt.want {
				t.Errorf("Proceed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutcomeFor_decisions(t *testing.T) {
	approved := outcomeFor(model.HITLRequest{Status: model.HITLStatusApproved, Response: "formal"})
	if !approved.Proceed || approved.Value != "formal" {
		t.Errorf("approved outcome = %+v", approved)
	}
	if outcomeFor(model.HITLRequest{Status: model.HITLStatusRejected, TimeoutAction: model.TimeoutActionContinue}).Proceed {
		t.Error("rejected must not proceed regardless of timeout action")
	}
}
