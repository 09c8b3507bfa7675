// Package telegram is the Telegram messaging channel: approval prompts with
// inline buttons out, button presses and commands in.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/devcontrol/devcontrol/internal/broker"
)

var ErrBadChatID = errors.New("invalid chat id")

// Resolver applies a button press.
type Resolver interface {
	Resolve(ctx context.Context, token, actor string) (broker.Ack, error)
}

type Config struct {
	Token string
	// Endpoint overrides tgbotapi.APIEndpoint; tests point it at a fake.
	Endpoint    string
	PollTimeout time.Duration
	// SendRate is messages per second; zero disables limiting.
	SendRate float64
	Burst    int
	Debug    bool
}

// Bot implements broker.Messenger on the Bot API.
type Bot struct {
	api      *tgbotapi.BotAPI
	cfg      Config
	limiter  *rate.Limiter
	resolver Resolver
	logger   *slog.Logger
}

// New connects to the Bot API. The token is checked with getMe.
func New(cfg Config, logger *slog.Logger) (*Bot, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	client := &http.Client{Timeout: cfg.PollTimeout + 15*time.Second}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.Endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	api.Debug = cfg.Debug

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	logger = logger.With("component", "telegram")
	logger.Info("telegram bot connected", "username", api.Self.UserName)
	return &Bot{
		api:     api,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// SetResolver wires inbound button presses. It must be called before Run.
func (b *Bot) SetResolver(r Resolver) { b.resolver = r }

func (b *Bot) SendApproval(ctx context.Context, chatID string, n broker.Notification) (string, error) {
	chat, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(chat, approvalText(n))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", n.ApproveToken),
			tgbotapi.NewInlineKeyboardButtonData("❌ Deny", n.DenyToken),
		),
	)
	sent, err := b.send(ctx, msg)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

// MarkResolved swaps the prompt's buttons for a single inert button
// carrying the outcome.
func (b *Bot) MarkResolved(ctx context.Context, chatID, messageID, outcome string) error {
	chat, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	mid, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id %q", messageID)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageReplyMarkup(chat, mid, tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(outcome, "resolved")),
	))
	if _, err := b.api.Request(edit); err != nil {
		return fmt.Errorf("telegram: edit message: %w", err)
	}
	return nil
}

func (b *Bot) Send(ctx context.Context, chatID, text string) error {
	chat, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	_, err = b.send(ctx, tgbotapi.NewMessage(chat, text))
	return err
}

func (b *Bot) send(ctx context.Context, msg tgbotapi.MessageConfig) (tgbotapi.Message, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return tgbotapi.Message{}, err
	}
	msg.DisableWebPagePreview = true
	sent, err := b.api.Send(msg)
	if err != nil {
		return tgbotapi.Message{}, fmt.Errorf("telegram: send: %w", err)
	}
	return sent, nil
}

// Run long-polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(b.cfg.PollTimeout.Seconds())
	u.AllowedUpdates = []string{"message", "callback_query"}

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("polling for updates", "timeout", b.cfg.PollTimeout)
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, upd)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil && upd.Message.IsCommand():
		b.handleCommand(ctx, upd.Message)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	actor := "unknown"
	if cq.From != nil {
		actor = cq.From.String()
	}

	text := "Unknown action"
	if b.resolver != nil {
		ack, err := b.resolver.Resolve(ctx, cq.Data, actor)
		if err != nil {
			b.logger.Error("failed to resolve response", "actor", actor, "error", err)
			text = "Something went wrong, try again"
		} else {
			text = ack.Text
		}
	}

	if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, text)); err != nil {
		b.logger.Warn("failed to answer callback", "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, m *tgbotapi.Message) {
	if m.Chat == nil {
		return
	}
	switch m.Command() {
	case "start", "chatid":
		text := fmt.Sprintf("devcontrol is listening.\nChat ID: %d\nUse it as chat_id in your project config.", m.Chat.ID)
		if _, err := b.send(ctx, tgbotapi.NewMessage(m.Chat.ID, text)); err != nil {
			b.logger.Warn("failed to reply to command", "command", m.Command(), "error", err)
		}
	}
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadChatID, s)
	}
	return id, nil
}

func approvalText(n broker.Notification) string {
	var sb strings.Builder
	sb.WriteString("🚀 Deployment approval requested\n\n")
	name := n.ProjectName
	if name == "" {
		name = n.ProjectID
	}
	fmt.Fprintf(&sb, "Project: %s", name)
	if n.Repository != "" {
		fmt.Fprintf(&sb, " (%s)", n.Repository)
	}
	sb.WriteString("\n")
	if n.Branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", n.Branch)
	}
	commit := n.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	fmt.Fprintf(&sb, "Commit: %s", commit)
	if subject, _, _ := strings.Cut(n.CommitMessage, "\n"); subject != "" {
		fmt.Fprintf(&sb, " %s", subject)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Triggered by: %s (%s)\n", n.TriggeredBy, n.EventKind)
	if !n.ExpiresAt.IsZero() {
		fmt.Fprintf(&sb, "Expires: %s\n", n.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	return sb.String()
}
