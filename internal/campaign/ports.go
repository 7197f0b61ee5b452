package campaign

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores for unknown campaigns.
var ErrNotFound = errors.New("campaign: not found")

// Store persists campaigns. Admin CRUD beyond Upsert lives elsewhere.
type Store interface {
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	// ListActive returns every campaign with status Active, sorted by id.
	ListActive(ctx context.Context) ([]Campaign, error)
	SetStatus(ctx context.Context, id string, status Status) error
	UpsertCampaign(ctx context.Context, c Campaign) error
}

// SendLog is the append-only send history.
type SendLog interface {
	// LastSentAt returns the newest record for the pair, ok=false if none.
	LastSentAt(ctx context.Context, campaignID, recipientID string) (at time.Time, ok bool, err error)
	// AppendIfEligible appends rec unless a record for the same pair exists
	// with SentAt after rec.SentAt-window. The check and the insert are one
	// atomic store operation. appended=false means another writer won.
	AppendIfEligible(ctx context.Context, rec SendRecord, window time.Duration) (appended bool, err error)
}

// Directory resolves who may receive a campaign.
type Directory interface {
	EligibleRecipients(ctx context.Context, c Campaign) ([]string, error)
}

// Subscribers is the write side of the directory, driven by bot commands.
type Subscribers interface {
	Subscribe(ctx context.Context, s Subscriber) error
	Unsubscribe(ctx context.Context, recipientID string) error
}

// Subscriber is a bot user opted in to promotions.
type Subscriber struct {
	RecipientID  string
	ChatID       int64
	Username     string
	Active       bool
	SubscribedAt time.Time
}

// Renderer turns a campaign into content for one recipient.
type Renderer interface {
	Render(c Campaign, recipientID string) (Content, error)
}

// Gateway delivers rendered content.
type Gateway interface {
	Send(ctx context.Context, recipientID string, content Content) error
}

// ErrRecipientGone marks permanent recipient-side rejections (blocked bot,
// deleted chat). Gateways wrap it so callers can drop the subscriber.
var ErrRecipientGone = errors.New("campaign: recipient unreachable")
