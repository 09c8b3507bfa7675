package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcontrol/devcontrol/internal/broker"
	"github.com/devcontrol/devcontrol/internal/log"
)

type call struct {
	method string
	form   url.Values
}

// fakeAPI answers Bot API methods and records every call.
type fakeAPI struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

	f.mu.Lock()
	f.calls = append(f.calls, call{method: method, form: r.PostForm})
	f.mu.Unlock()

	var result string
	switch method {
	case "getMe":
		result = `{"id":1,"is_bot":true,"first_name":"devcontrol","username":"devcontrol_bot"}`
	case "sendMessage":
		result = fmt.Sprintf(`{"message_id":77,"date":0,"chat":{"id":%s,"type":"private"},"text":"ok"}`, r.PostForm.Get("chat_id"))
	default:
		result = "true"
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ok":true,"result":%s}`, result)
}

func (f *fakeAPI) last(method string) (url.Values, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].method == method {
			return f.calls[i].form, true
		}
	}
	return nil, false
}

type fakeResolver struct {
	token, actor string
	ack          broker.Ack
	err          error
}

func (r *fakeResolver) Resolve(_ context.Context, token, actor string) (broker.Ack, error) {
	r.token, r.actor = token, actor
	return r.ack, r.err
}

func newTestBot(t *testing.T) (*Bot, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	b, err := New(Config{
		Token:    "123:abc",
		Endpoint: srv.URL + "/bot%s/%s",
	}, log.Discard())
	require.NoError(t, err)
	return b, api
}

func TestSendApprovalButtonsCarryTokens(t *testing.T) {
	b, api := newTestBot(t)

	approve := "dc1:0123456789abcdef0123456789abcdef:a"
	deny := "dc1:0123456789abcdef0123456789abcdef:d"
	id, err := b.SendApproval(context.Background(), "42", broker.Notification{
		ProjectID:     "web",
		ProjectName:   "Web",
		Repository:    "acme/web",
		Branch:        "main",
		EventKind:     "push",
		Commit:        "deadbeefcafe",
		CommitMessage: "Fix login\n\nlong body",
		TriggeredBy:   "alice",
		ExpiresAt:     time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
		ApproveToken:  approve,
		DenyToken:     deny,
	})
	require.NoError(t, err)
	assert.Equal(t, "77", id)

	form, ok := api.last("sendMessage")
	require.True(t, ok)
	assert.Equal(t, "42", form.Get("chat_id"))
	text := form.Get("text")
	assert.Contains(t, text, "Web (acme/web)")
	assert.Contains(t, text, "Commit: deadbee Fix login")
	assert.NotContains(t, text, "long body")
	assert.Contains(t, text, "Triggered by: alice (push)")

	var markup tgbotapi.InlineKeyboardMarkup
	require.NoError(t, json.Unmarshal([]byte(form.Get("reply_markup")), &markup))
	require.Len(t, markup.InlineKeyboard, 1)
	row := markup.InlineKeyboard[0]
	require.Len(t, row, 2)
	require.NotNil(t, row[0].CallbackData)
	require.NotNil(t, row[1].CallbackData)
	assert.Equal(t, approve, *row[0].CallbackData)
	assert.Equal(t, deny, *row[1].CallbackData)
}

func TestSendRejectsBadChatID(t *testing.T) {
	b, _ := newTestBot(t)
	err := b.Send(context.Background(), "not-a-chat", "hello")
	assert.ErrorIs(t, err, ErrBadChatID)
}

func TestMarkResolvedReplacesButtons(t *testing.T) {
	b, api := newTestBot(t)

	require.NoError(t, b.MarkResolved(context.Background(), "42", "77", "Approved by alice"))

	form, ok := api.last("editMessageReplyMarkup")
	require.True(t, ok)
	assert.Equal(t, "42", form.Get("chat_id"))
	assert.Equal(t, "77", form.Get("message_id"))
	assert.Contains(t, form.Get("reply_markup"), "Approved by alice")
}

func TestCallbackIsResolvedAndAnswered(t *testing.T) {
	b, api := newTestBot(t)
	res := &fakeResolver{ack: broker.Ack{Text: "Deployment approved", Handled: true}}
	b.SetResolver(res)

	b.handleUpdate(context.Background(), tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb-1",
			From: &tgbotapi.User{ID: 7, UserName: "alice"},
			Data: "dc1:0123456789abcdef0123456789abcdef:a",
		},
	})

	assert.Equal(t, "dc1:0123456789abcdef0123456789abcdef:a", res.token)
	assert.Equal(t, "alice", res.actor)

	form, ok := api.last("answerCallbackQuery")
	require.True(t, ok)
	assert.Equal(t, "cb-1", form.Get("callback_query_id"))
	assert.Equal(t, "Deployment approved", form.Get("text"))
}

func TestCallbackResolveErrorStillAnswers(t *testing.T) {
	b, api := newTestBot(t)
	b.SetResolver(&fakeResolver{err: fmt.Errorf("database is locked")})

	b.handleUpdate(context.Background(), tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb-2", From: &tgbotapi.User{FirstName: "Bob"}, Data: "x"},
	})

	form, ok := api.last("answerCallbackQuery")
	require.True(t, ok)
	assert.Equal(t, "Something went wrong, try again", form.Get("text"))
}

func TestStartCommandRepliesWithChatID(t *testing.T) {
	b, api := newTestBot(t)

	b.handleUpdate(context.Background(), tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 1,
			Text:      "/start",
			Chat:      &tgbotapi.Chat{ID: 99},
			Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
		},
	})

	form, ok := api.last("sendMessage")
	require.True(t, ok)
	assert.Equal(t, "99", form.Get("chat_id"))
	assert.Contains(t, form.Get("text"), "Chat ID: 99")
}

func TestPlainMessagesAreIgnored(t *testing.T) {
	b, api := newTestBot(t)

	b.handleUpdate(context.Background(), tgbotapi.Update{
		Message: &tgbotapi.Message{MessageID: 2, Text: "hello", Chat: &tgbotapi.Chat{ID: 99}},
	})

	_, ok := api.last("sendMessage")
	assert.False(t, ok)
}
