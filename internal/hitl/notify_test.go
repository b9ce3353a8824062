package hitl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/slack-go/slack"

	"github.com/pitabwire/sequencer/model"
)

func TestSlackBlocks_booleanRequest(t *testing.T) {
	blocks := SlackBlocks(model.HITLRequest{ID: "req-1", RequestType: model.HITLTypeBoolean, Prompt: "Send it?"})
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(blocks))
	}

	raw, err := json.Marshal(blocks)
	if err != nil {
		t.Fatalf("marshal blocks: %v", err)
	}
	body := string(raw)
	for _, want := range []string{
		`"Approval Required"`,
		`"Send it?"`,
		`"hitl_req-1_approve"`,
		`"hitl_req-1_reject"`,
		`"primary"`,
		`"danger"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("blocks missing %s: %s", want, body)
		}
	}
}

func TestSlackBlocks_choiceRequest(t *testing.T) {
	blocks := SlackBlocks(model.HITLRequest{
		ID:          "req-2",
		RequestType: model.HITLTypeChoice,
		Prompt:      "Tone?",
		Options:     []model.HITLOption{{Label: "Formal", Value: "formal"}, {Label: "Casual", Value: "casual"}},
	})
	actions, ok := blocks[2].(*slack.ActionBlock)
	if !ok {
		t.Fatalf("third block = %T, want *slack.ActionBlock", blocks[2])
	}
	if len(actions.Elements.ElementSet) != 2 {
		t.Fatalf("buttons = %d, want 2", len(actions.Elements.ElementSet))
	}
	btn, ok := actions.Elements.ElementSet[1].(*slack.ButtonBlockElement)
	if !ok {
		t.Fatalf("element = %T, want button", actions.Elements.ElementSet[1])
	}
	if btn.ActionID != "hitl_req-2_casual" || btn.Value != "casual" {
		t.Errorf("button = %+v", btn)
	}
}

func TestSlackNotifier_postsToChannel(t *testing.T) {
	var gotChannel, gotBlocks string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat.postMessage") {
			t.Errorf("path = %q, want chat.postMessage", r.URL.Path)
		}
		_ = r.ParseForm()
		gotChannel = r.FormValue("channel")
		gotBlocks = r.FormValue("blocks")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C42","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	client := slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/"))
	n := NewSlackNotifier(client, "C-default")

	err := n.Notify(context.Background(), model.HITLRequest{ID: "req-3", Prompt: "Go?", SlackChannelID: "C42"})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if gotChannel != "C42" {
		t.Errorf("channel = %q, want request channel C42", gotChannel)
	}
	if !strings.Contains(gotBlocks, "hitl_req-3_approve") {
		t.Errorf("blocks = %s", gotBlocks)
	}
}

func TestSlackNotifier_requiresChannel(t *testing.T) {
	n := NewSlackNotifier(slack.New("xoxb-test"), "")
	if err := n.Notify(context.Background(), model.HITLRequest{ID: "x"}); err == nil {
		t.Fatal("expected error without a channel")
	}
}

type fakeTelegram struct {
	params *bot.SendMessageParams
}

func (f *fakeTelegram) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	f.params = params
	return &models.Message{ID: 1}, nil
}

func TestTelegramNotifier_inlineKeyboard(t *testing.T) {
	sender := &fakeTelegram{}
	n := NewTelegramNotifier(sender, 12345)

	if err := n.Notify(context.Background(), model.HITLRequest{ID: "req-4", Prompt: "Approve deal?"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if sender.params.ChatID != int64(12345) {
		t.Errorf("chat = %v, want 12345", sender.params.ChatID)
	}
	markup, ok := sender.params.ReplyMarkup.(*models.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("reply markup = %T", sender.params.ReplyMarkup)
	}
	row := markup.InlineKeyboard[0]
	if len(row) != 2 || row[0].CallbackData != "hitl_req-4_approve" || row[1].CallbackData != "hitl_req-4_reject" {
		t.Errorf("keyboard = %+v", row)
	}
	if !strings.Contains(sender.params.Text, "Approve deal?") {
		t.Errorf("text = %q", sender.params.Text)
	}
}

type fakeDiscord struct {
	channelID string
	msg       *discordgo.MessageSend
}

func (f *fakeDiscord) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channelID = channelID
	f.msg = data
	return &discordgo.Message{ID: "m1"}, nil
}

func TestDiscordNotifier_buttons(t *testing.T) {
	sender := &fakeDiscord{}
	n := NewDiscordNotifier(sender, "chan-1")

	if err := n.Notify(context.Background(), model.HITLRequest{ID: "req-5", Prompt: "Ship?"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if sender.channelID != "chan-1" {
		t.Errorf("channel = %q", sender.channelID)
	}
	row, ok := sender.msg.Components[0].(discordgo.ActionsRow)
	if !ok {
		t.Fatalf("component = %T, want ActionsRow", sender.msg.Components[0])
	}
	approve, ok := row.Components[0].(discordgo.Button)
	if !ok || approve.CustomID != "hitl_req-5_approve" || approve.Style != discordgo.SuccessButton {
		t.Errorf("approve button = %+v", row.Components[0])
	}
}
