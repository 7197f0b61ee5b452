// Package delivery runs campaign broadcasts: the rate gate, the chunked
// batch executor, the self-rescheduling per-campaign scheduler, the
// expiration sweeper and the operator commands that start chains.
package delivery

import (
	"context"
	"fmt"
	"time"

	"promobot/internal/campaign"
)

// Gate decides whether a recipient may receive a campaign again.
type Gate struct {
	log             campaign.SendLog
	defaultInterval time.Duration
}

func NewGate(sendLog campaign.SendLog, defaultInterval time.Duration) *Gate {
	return &Gate{log: sendLog, defaultInterval: defaultInterval}
}

// Eligible is true when no send record exists for the pair or the newest
// one is at least the campaign interval old. A record exactly one interval
// old no longer blocks. It only reads.
func (g *Gate) Eligible(ctx context.Context, c campaign.Campaign, recipientID string, now time.Time) (bool, error) {
	at, ok, err := g.log.LastSentAt(ctx, c.ID, recipientID)
	if err != nil {
		return false, fmt.Errorf("delivery: last sent for %s/%s: %w", c.ID, recipientID, err)
	}
	if !ok {
		return true, nil
	}
	return now.Sub(at) >= c.Interval(g.defaultInterval), nil
}
