// Package render turns a campaign into a Telegram HTML message with an
// inline URL keyboard.
package render

import (
	"errors"
	"net/url"
	"strings"

	"promobot/internal/campaign"
)

const (
	ParseModeHTML = "HTML"

	// MaxMessageRunes is Telegram's text limit for one message.
	MaxMessageRunes = 4096
	MaxButtons      = 8
	maxButtonRunes  = 64
	maxTitleRunes   = 256
)

var ErrEmpty = errors.New("render: campaign has neither title nor body")

type Options struct {
	MaxRunes   int
	MaxButtons int
	// ListingPrefix precedes the listing name line.
	ListingPrefix string
}

func (o Options) withDefaults() Options {
	if o.MaxRunes <= 0 || o.MaxRunes > MaxMessageRunes {
		o.MaxRunes = MaxMessageRunes
	}
	if o.MaxButtons <= 0 || o.MaxButtons > MaxButtons {
		o.MaxButtons = MaxButtons
	}
	if o.ListingPrefix == "" {
		o.ListingPrefix = "📍"
	}
	return o
}

// Renderer implements campaign.Renderer. Content does not vary by
// recipient yet.
type Renderer struct {
	opt Options
}

func New(opt Options) *Renderer { return &Renderer{opt: opt.withDefaults()} }

func (r *Renderer) Render(c campaign.Campaign, _ string) (campaign.Content, error) {
	title := strings.TrimSpace(c.Title)
	body := strings.TrimSpace(c.Body)
	if title == "" && body == "" {
		return campaign.Content{}, ErrEmpty
	}

	var head []string
	if title != "" {
		head = append(head, B(TruncRunes(title, maxTitleRunes)).String())
	}
	var tail []string
	if name := strings.TrimSpace(c.ListingName); name != "" {
		tail = append(tail, I(r.opt.ListingPrefix+" "+TruncRunes(name, maxTitleRunes)).String())
	}

	text := r.compose(head, body, tail)
	return campaign.Content{
		Text:      text,
		ParseMode: ParseModeHTML,
		Buttons:   r.buttons(c.Buttons),
	}, nil
}

// compose joins the parts with blank lines, shortening the body so the
// escaped result fits MaxRunes. The body is cut before escaping so no
// entity is split.
func (r *Renderer) compose(head []string, body string, tail []string) string {
	join := func(b string) string {
		parts := append([]string(nil), head...)
		if b != "" {
			parts = append(parts, Esc(b).String())
		}
		parts = append(parts, tail...)
		return strings.Join(parts, "\n\n")
	}
	out := join(body)
	if runes(out) <= r.opt.MaxRunes {
		return out
	}
	// escaped length grows with the raw cut, so search for the longest fit
	lo, hi := 0, runes(body)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if runes(join(TruncRunes(body, mid))) <= r.opt.MaxRunes {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return join(TruncRunes(body, lo))
}

func (r *Renderer) buttons(in []campaign.Button) []campaign.Button {
	var out []campaign.Button
	for _, b := range in {
		if len(out) == r.opt.MaxButtons {
			break
		}
		text := strings.TrimSpace(b.Text)
		link := strings.TrimSpace(b.URL)
		if text == "" || !validURL(link) {
			continue
		}
		out = append(out, campaign.Button{Text: TruncRunes(text, maxButtonRunes), URL: link})
	}
	return out
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "tg":
		return true
	}
	return false
}
