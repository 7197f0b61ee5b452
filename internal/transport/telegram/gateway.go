package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"promobot/internal/campaign"
)

// sender is the part of *tele.Bot the gateway uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Send delivers rendered content to a recipient. Recipient ids are chat
// ids in decimal. ctx is checked before the request; the request itself is
// bounded by Config.SendTimeout. Rejections that will not go away (blocked bot, deleted
// or deactivated chat) wrap campaign.ErrRecipientGone.
func (b *Bot) Send(ctx context.Context, recipientID string, content campaign.Content) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: recipient %q is not a chat id: %w", recipientID, campaign.ErrRecipientGone)
	}
	if err := b.wait(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &tele.SendOptions{
		ParseMode:             tele.ParseMode(content.ParseMode),
		DisableWebPagePreview: true,
		ReplyMarkup:           urlKeyboard(content.Buttons),
	}
	if _, err := b.api.Send(&tele.Chat{ID: chatID}, content.Text, opt); err != nil {
		return classify(err)
	}
	return nil
}

// SendOps posts plain text to the operator chat. It is a no-op without
// one configured.
func (b *Bot) SendOps(ctx context.Context, text string) error {
	chat := b.config().OpsChatID
	if chat == 0 {
		return nil
	}
	if err := b.wait(ctx); err != nil {
		return err
	}
	_, err := b.api.Send(&tele.Chat{ID: chat}, truncate(text, telegramTextLimit), &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

func (b *Bot) wait(ctx context.Context) error {
	b.mu.RLock()
	lim := b.limiter
	b.mu.RUnlock()
	if lim == nil {
		return ctx.Err()
	}
	return lim.Wait(ctx)
}

// urlKeyboard lays buttons out two per row.
func urlKeyboard(buttons []campaign.Button) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	btns := make([]tele.Btn, 0, len(buttons))
	for _, bt := range buttons {
		btns = append(btns, tele.Btn{Text: bt.Text, URL: bt.URL})
	}
	rm.Inline(rm.Split(2, btns)...)
	return rm
}

func classify(err error) error {
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrChatNotFound) {
		return fmt.Errorf("telegram: %w: %w", campaign.ErrRecipientGone, err)
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == 403 {
		return fmt.Errorf("telegram: %w: %w", campaign.ErrRecipientGone, err)
	}
	return fmt.Errorf("telegram: send: %w", err)
}

const telegramTextLimit = 4000

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
