package app

import (
	"context"
	"fmt"
	"time"

	"promobot/internal/delivery"
	"promobot/internal/eventbus"
	"promobot/internal/task/queue"
	logx "promobot/pkg/logx"
)

// OpsSender posts to the operator chat. *telegram.Bot implements it.
type OpsSender interface {
	SendOps(ctx context.Context, text string) error
}

const alertSendTimeout = 10 * time.Second

// runStallAlerts tells operators about chains that stopped on their own:
// a task that exhausted its attempts, or a hard delivery failure.
func runStallAlerts(ctx context.Context, bus eventbus.Bus, ops OpsSender, log logx.Logger) {
	ch, unsub := bus.Subscribe(64, "campaign.stalled", "campaign.delivery_failed")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			text := alertText(e)
			if text == "" {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			if err := ops.SendOps(sctx, text); err != nil {
				log.Warn("stall alert not sent", logx.String("event", e.Type), logx.Err(err))
			}
			cancel()
		}
	}
}

func alertText(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case queue.StalledEvent:
		return fmt.Sprintf("⛔ delivery chain stalled\ncampaign: %s\ntask: %s (%d attempts)\nerror: %s\nrestart with /deliver %s",
			d.CampaignID, d.TaskID, d.Attempts, d.Error, d.CampaignID)
	case delivery.FailedEvent:
		return fmt.Sprintf("⛔ delivery failed, chain stopped\ncampaign: %s\nerror: %s\nrestart with /deliver %s",
			d.CampaignID, d.Error, d.CampaignID)
	default:
		return ""
	}
}
