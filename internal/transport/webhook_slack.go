package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/hitl"
	"github.com/pitabwire/sequencer/model"
)

const maxSlackPayloadBytes = 1 << 20

// handleSlackInteractions verifies and applies button presses from the
// approval prompts posted by hitl.SlackNotifier. Slack retries anything that
// is not a 2xx, so decisions that lose the race are logged and acknowledged.
func handleSlackInteractions(svc ApprovalService, signingSecret string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSlackPayloadBytes))
		if err != nil {
			WriteError(w, r, model.NewBadRequestError("unreadable body"))
			return
		}

		verifier, err := slack.NewSecretsVerifier(r.Header, signingSecret)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if _, err := verifier.Write(body); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := verifier.Ensure(); err != nil {
			logger.Warn("slack signature mismatch", zap.Error(err))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		form, err := url.ParseQuery(string(bytes.TrimSpace(body)))
		if err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid form body"))
			return
		}
		var callback slack.InteractionCallback
		if err := json.Unmarshal([]byte(form.Get("payload")), &callback); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid interaction payload"))
			return
		}

		applySlackActions(r.Context(), svc, callback, logger)
		w.WriteHeader(http.StatusOK)
	}
}

func applySlackActions(ctx context.Context, svc ApprovalService, callback slack.InteractionCallback, logger *zap.Logger) {
	responder := callback.User.ID
	if responder == "" {
		responder = "slack"
	}
	for _, action := range callback.ActionCallback.BlockActions {
		if action == nil {
			continue
		}
		requestID, value, ok := hitl.ParseActionID(action.ActionID)
		if !ok {
			continue
		}
		if _, err := svc.Resolve(ctx, requestID, model.HITLDecision{Value: value, RespondedBy: responder}); err != nil {
			logger.Warn("slack decision rejected",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
		}
	}
}
