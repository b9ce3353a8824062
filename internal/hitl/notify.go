package hitl

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/model"
)

// Notifier delivers an approval prompt over one channel.
type Notifier interface {
	Channel() string
	Notify(ctx context.Context, req model.HITLRequest) error
}

// InAppNotifier serves in-app approvals. The request is already persisted
// and listed through the API, so delivery only logs it.
type InAppNotifier struct {
	logger *zap.Logger
}

// NewInAppNotifier creates an in-app notifier.
func NewInAppNotifier(logger *zap.Logger) *InAppNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InAppNotifier{logger: logger}
}

// Channel implements Notifier.
func (n *InAppNotifier) Channel() string { return model.ChannelInApp }

// Notify implements Notifier.
func (n *InAppNotifier) Notify(_ context.Context, req model.HITLRequest) error {
	n.logger.Info("approval request available in app",
		zap.String("request_id", req.ID),
		zap.String("assigned_to", req.AssignedTo),
	)
	return nil
}

// buttons returns the label/value pairs offered for a request.
func buttons(req model.HITLRequest) []model.HITLOption {
	if req.RequestType == model.HITLTypeChoice && len(req.Options) > 0 {
		return req.Options
	}
	return []model.HITLOption{
		{Label: "Approve", Value: ValueApprove},
		{Label: "Reject", Value: ValueReject},
	}
}
