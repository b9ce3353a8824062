package transport

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/sequencer/model"
)

func handleHITLGet(svc ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := loadOwnedRequest(w, r, svc)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleHITLDecision(svc ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var body model.HITLDecision
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.Value == "" {
			WriteValidationError(w, r, []model.FieldError{
				{Field: "value", Code: "REQUIRED", Message: "value is required"},
			})
			return
		}
		if body.RespondedBy == "" {
			body.RespondedBy = rctx.UserID
		}

		existing, ok := loadOwnedRequest(w, r, svc)
		if !ok {
			return
		}

		resolved, err := svc.Resolve(r.Context(), existing.ID, body)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, resolved)
	}
}

// loadOwnedRequest fetches the request named in the URL and hides requests
// belonging to another organization.
func loadOwnedRequest(w http.ResponseWriter, r *http.Request, svc ApprovalService) (model.HITLRequest, bool) {
	rctx := model.RequestContextFrom(r.Context())
	requestID := chi.URLParam(r, "requestId")

	req, err := svc.Get(r.Context(), requestID)
	if err != nil {
		WriteError(w, r, err)
		return model.HITLRequest{}, false
	}
	if req.OrganizationID != rctx.OrganizationID {
		WriteNotFound(w, r, fmt.Sprintf("approval request %s not found", requestID))
		return model.HITLRequest{}, false
	}
	return req, true
}
