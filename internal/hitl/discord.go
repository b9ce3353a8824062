package hitl

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/model"
)

// DiscordSender is the subset of the Discord session used by DiscordNotifier.
type DiscordSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts approval prompts with message component buttons.
type DiscordNotifier struct {
	sender    DiscordSender
	channelID string
}

// NewDiscordNotifier creates a notifier posting to channelID.
func NewDiscordNotifier(sender DiscordSender, channelID string) *DiscordNotifier {
	return &DiscordNotifier{sender: sender, channelID: channelID}
}

// Channel implements Notifier.
func (n *DiscordNotifier) Channel() string { return model.ChannelDiscord }

// Notify implements Notifier.
func (n *DiscordNotifier) Notify(ctx context.Context, req model.HITLRequest) error {
	_, err := n.sender.ChannelMessageSendComplex(n.channelID, DiscordMessage(req), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("hitl: send discord message: %w", err)
	}
	return nil
}

// DiscordMessage renders the approval prompt with one button per answer.
func DiscordMessage(req model.HITLRequest) *discordgo.MessageSend {
	var row []discordgo.MessageComponent
	for _, opt := range buttons(req) {
		style := discordgo.SecondaryButton
		if req.RequestType != model.HITLTypeChoice {
			switch opt.Value {
			case ValueApprove:
				style = discordgo.SuccessButton
			case ValueReject:
				style = discordgo.DangerButton
			}
		}
		row = append(row, discordgo.Button{
			Label:    opt.Label,
			Style:    style,
			CustomID: ActionID(req.ID, opt.Value),
		})
	}
	return &discordgo.MessageSend{
		Content:    "**Approval Required**\n" + req.Prompt,
		Components: []discordgo.MessageComponent{discordgo.ActionsRow{Components: row}},
	}
}

// DiscordInteractionHandler resolves requests from button presses. Register
// it with session.AddHandler.
func DiscordInteractionHandler(gate *Gate, logger *zap.Logger) func(*discordgo.Session, *discordgo.InteractionCreate) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionMessageComponent {
			return
		}
		requestID, value, ok := ParseActionID(i.MessageComponentData().CustomID)
		if !ok {
			return
		}
		responder := "discord"
		if i.Member != nil && i.Member.User != nil {
			responder = i.Member.User.Username
		} else if i.User != nil {
			responder = i.User.Username
		}

		content := fmt.Sprintf("Recorded %q", value)
		if _, err := gate.Resolve(context.Background(), requestID, model.HITLDecision{Value: value, RespondedBy: responder}); err != nil {
			logger.Warn("discord decision rejected",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
			content = "This request is no longer pending"
		}
		_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		})
	}
}
