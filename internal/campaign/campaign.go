// Package campaign holds the promotional campaign model and the ports the
// delivery pipeline talks to.
package campaign

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultResendInterval applies when a campaign does not set its own.
const DefaultResendInterval = 24 * time.Hour

// Status is the administrative state of a campaign.
type Status int

const (
	StatusInactive Status = 0
	StatusActive   Status = 1
	StatusExpired  Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "inactive"
	case StatusActive:
		return "active"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) Valid() bool { return s >= StatusInactive && s <= StatusExpired }

// ParseStatus accepts the names returned by String and the numeric forms.
func ParseStatus(v string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "inactive", "0":
		return StatusInactive, nil
	case "active", "1":
		return StatusActive, nil
	case "expired", "2":
		return StatusExpired, nil
	}
	return 0, fmt.Errorf("campaign: unknown status %q", v)
}

// Button is a sub-action attached to the rendered message.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Campaign is a scheduled promotional message. StartsAt and EndsAt are
// inclusive bounds; nil means unbounded on that side.
type Campaign struct {
	ID             string
	Title          string
	Body           string
	ListingID      string
	ListingName    string
	Buttons        []Button
	Status         Status
	StartsAt       *time.Time
	EndsAt         *time.Time
	ResendInterval time.Duration
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsRunning reports whether the campaign should deliver at now.
func (c Campaign) IsRunning(now time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return false
	}
	if c.EndsAt != nil && now.After(*c.EndsAt) {
		return false
	}
	return true
}

// Interval is the resend interval, falling back to def (or the package
// default when def is zero) for unset or non-positive values.
func (c Campaign) Interval(def time.Duration) time.Duration {
	if c.ResendInterval > 0 {
		return c.ResendInterval
	}
	if def > 0 {
		return def
	}
	return DefaultResendInterval
}

// PastEnd reports whether t falls after the campaign end.
func (c Campaign) PastEnd(t time.Time) bool {
	return c.EndsAt != nil && t.After(*c.EndsAt)
}

var (
	ErrEmptyID       = errors.New("campaign: empty id")
	ErrInvalidStatus = errors.New("campaign: invalid status")
	ErrInvalidWindow = errors.New("campaign: end before start")
)

// Validate checks the fields the delivery pipeline relies on.
func (c Campaign) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrEmptyID
	}
	if !c.Status.Valid() {
		return ErrInvalidStatus
	}
	if c.StartsAt != nil && c.EndsAt != nil && c.EndsAt.Before(*c.StartsAt) {
		return ErrInvalidWindow
	}
	return nil
}

// SendRecord is evidence that CampaignID reached RecipientID at SentAt.
// Records are append-only.
type SendRecord struct {
	CampaignID  string
	RecipientID string
	SentAt      time.Time
}

// Content is a rendered, gateway-ready message.
type Content struct {
	Text      string
	ParseMode string
	Buttons   []Button
}
