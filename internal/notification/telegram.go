package notification

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts to a chat through the Bot API sendMessage call,
// formatted as MarkdownV2.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPI,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type sendMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
	Silent    bool   `json:"disable_notification,omitempty"`
}

func (t *TelegramNotifier) Send(ctx context.Context, msg Message) error {
	req := sendMessage{
		ChatID:    t.chatID,
		Text:      telegramText(msg),
		ParseMode: "MarkdownV2",
		Silent:    msg.Level == LevelInfo,
	}
	status, err := postJSON(ctx, t.client, fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken), req)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("telegram: sendMessage returned %d", status)
	}
	return nil
}

// telegramText renders the title in bold behind a severity marker. EXEC
// alerts get an extra italic line with the confirmation strength.
func telegramText(msg Message) string {
	marker := "ℹ️"
	switch msg.Level {
	case LevelWarning:
		marker = "⚠️"
	case LevelCritical:
		marker = "🚨"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n%s", marker, escapeMarkdown(msg.Title), escapeMarkdown(msg.Text))
	if a := msg.Alert; a != nil && a.IsExecution() {
		fmt.Fprintf(&b, "\n_%s_", escapeMarkdown(fmt.Sprintf("strength %.2f x ATR", a.Strength)))
	}
	return b.String()
}

// escapeMarkdown escapes MarkdownV2 reserved characters.
func escapeMarkdown(s string) string {
	const reserved = "_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(reserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
