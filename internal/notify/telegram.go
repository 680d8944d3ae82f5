package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gopkg.in/telebot.v3"
)

// TelegramConfig holds Bot API settings.
type TelegramConfig struct {
	Token   string
	APIURL  string        // empty for the public Bot API
	Timeout time.Duration // HTTP client timeout per request
}

// TelegramNotifier sends events as direct messages through the Bot API.
// Account IDs are Telegram user IDs.
type TelegramNotifier struct {
	bot       *telebot.Bot
	formatter *Formatter
}

// NewTelegramNotifier creates a send-only bot. No poller is started; the
// messaging front end owns the update stream.
func NewTelegramNotifier(cfg TelegramConfig, formatter *Formatter) (*TelegramNotifier, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	bot, err := telebot.NewBot(telebot.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &TelegramNotifier{bot: bot, formatter: formatter}, nil
}

// Notify sends the event text to the account's chat.
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	userID, err := strconv.ParseInt(event.AccountID, 10, 64)
	if err != nil {
		return fmt.Errorf("account %q is not a telegram user id: %w", event.AccountID, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := n.bot.Send(&telebot.User{ID: userID}, n.formatter.Text(event), telebot.ModeDefault); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
