package hitl

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/pitabwire/sequencer/model"
)

// SlackPoster is the subset of the Slack client used by SlackNotifier.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts approval prompts as Block Kit messages.
type SlackNotifier struct {
	client         SlackPoster
	defaultChannel string
}

// NewSlackNotifier creates a notifier. defaultChannel is used when the
// request names no channel of its own.
func NewSlackNotifier(client SlackPoster, defaultChannel string) *SlackNotifier {
	return &SlackNotifier{client: client, defaultChannel: defaultChannel}
}

// Channel implements Notifier.
func (n *SlackNotifier) Channel() string { return model.ChannelSlack }

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, req model.HITLRequest) error {
	channelID := req.SlackChannelID
	if channelID == "" {
		channelID = n.defaultChannel
	}
	if channelID == "" {
		return fmt.Errorf("hitl: no slack channel for request %s", req.ID)
	}
	_, _, err := n.client.PostMessageContext(ctx, channelID,
		slack.MsgOptionText("Approval Required: "+req.Prompt, false),
		slack.MsgOptionBlocks(SlackBlocks(req)...),
	)
	if err != nil {
		return fmt.Errorf("hitl: post slack message: %w", err)
	}
	return nil
}

// SlackBlocks renders the approval message: a header, the prompt, and one
// button per answer tagged hitl_{request_id}_{value}.
func SlackBlocks(req model.HITLRequest) []slack.Block {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "Approval Required", false, false))
	prompt := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, req.Prompt, false, false), nil, nil)

	var elements []slack.BlockElement
	for _, opt := range buttons(req) {
		btn := slack.NewButtonBlockElement(
			ActionID(req.ID, opt.Value),
			opt.Value,
			slack.NewTextBlockObject(slack.PlainTextType, opt.Label, false, false),
		)
		if req.RequestType != model.HITLTypeChoice {
			switch opt.Value {
			case ValueApprove:
				btn = btn.WithStyle(slack.StylePrimary)
			case ValueReject:
				btn = btn.WithStyle(slack.StyleDanger)
			}
		}
		elements = append(elements, btn)
	}
	actions := slack.NewActionBlock("hitl_"+req.ID, elements...)

	return []slack.Block{header, prompt, actions}
}
