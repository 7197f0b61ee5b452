package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promobot/internal/campaign"
	"promobot/internal/eventbus"
	"promobot/internal/metrics"
	logx "promobot/pkg/logx"
)

// Sweeper expires active campaigns whose end has passed, whether or not
// their delivery chain is still alive.
type Sweeper struct {
	campaigns campaign.Store
	bus       eventbus.Bus
	log       logx.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewSweeper(store campaign.Store, bus eventbus.Bus, log logx.Logger, m *metrics.Metrics, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		campaigns: store,
		bus:       bus,
		log:       log.With(logx.Component("delivery.sweeper")),
		metrics:   m,
		now:       now,
	}
}

// Run expires every active campaign with an end strictly before now and
// returns how many changed. One failing update does not stop the others.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	active, err := s.campaigns.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("delivery: list active campaigns: %w", err)
	}
	now := s.now()
	var (
		expired int
		errs    []error
	)
	for _, c := range active {
		if c.Status != campaign.StatusActive || c.EndsAt == nil || !c.EndsAt.Before(now) {
			continue
		}
		if err := s.campaigns.SetStatus(ctx, c.ID, campaign.StatusExpired); err != nil {
			if errors.Is(err, campaign.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("expire %s: %w", c.ID, err))
			continue
		}
		expired++
		s.log.Info("campaign.expired", logx.CampaignID(c.ID), logx.Time("ends_at", *c.EndsAt))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "campaign.expired", Data: ExpiredEvent{CampaignID: c.ID, Source: "sweeper", EndsAt: *c.EndsAt}})
		}
	}
	s.metrics.Expired("sweeper", expired)
	if expired > 0 {
		s.log.Info("expiration sweep finished", logx.Int("expired", expired), logx.Int("active", len(active)))
	}
	return expired, errors.Join(errs...)
}
