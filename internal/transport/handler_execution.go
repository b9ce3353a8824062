package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/sequencer/internal/orchestrator"
	"github.com/pitabwire/sequencer/model"
)

const maxTriggerBytes = 1 << 20

type executionRequest struct {
	Trigger map[string]any `json:"trigger"`
	DryRun  *bool          `json:"dry_run,omitempty"`
}

type executionAccepted struct {
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	Replayed   bool   `json:"replayed,omitempty"`
}

func handleExecutionStart(svc ExecutionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		sequenceKey := chi.URLParam(r, "sequenceKey")

		var body executionRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxTriggerBytes))
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}

		wait := false
		if v := r.URL.Query().Get("wait"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				WriteError(w, r, model.NewBadRequestError("wait must be a boolean"))
				return
			}
			wait = b
		}

		res, err := svc.Start(r.Context(), rctx, sequenceKey, orchestrator.StartRequest{
			Trigger:        body.Trigger,
			IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
			Wait:           wait,
			DryRun:         body.DryRun,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}

		switch {
		case res.Result != nil:
			WriteJSON(w, http.StatusOK, res.Result)
		case res.Replayed:
			WriteJSON(w, http.StatusOK, executionAccepted{InstanceID: res.InstanceID, Status: "replayed", Replayed: true})
		default:
			w.Header().Set("Location", "/v1/executions/"+res.InstanceID)
			WriteJSON(w, http.StatusAccepted, executionAccepted{InstanceID: res.InstanceID, Status: model.ExecutionStatusRunning})
		}
	}
}

func handleExecutionGet(svc ExecutionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		instanceID := chi.URLParam(r, "instanceId")

		st, err := svc.Get(r.Context(), rctx.OrganizationID, instanceID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}
