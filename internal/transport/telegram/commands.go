package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"promobot/internal/campaign"
	"promobot/internal/delivery"
	"promobot/internal/task/queue"
)

// Operator is what the owner commands drive. *delivery.Commands
// implements it.
type Operator interface {
	StartOne(ctx context.Context, actor delivery.Actor, campaignID string) (queue.Task, error)
	StartAll(ctx context.Context, actor delivery.Actor) (delivery.StartAllReport, error)
	Sweep(ctx context.Context, actor delivery.Actor) (int, error)
}

// TaskLister backs /queue. *queue.Service implements it.
type TaskLister interface {
	List(ctx context.Context, status queue.Status, limit int) ([]queue.Task, error)
}

type command struct {
	Name        string
	Description string
	OwnerOnly   bool
	Handle      HandlerFunc
}

// Handlers implements the bot commands independent of telebot.
type Handlers struct {
	subs  campaign.Subscribers
	ops   Operator
	tasks TaskLister
	now   func() time.Time
}

func NewHandlers(subs campaign.Subscribers, ops Operator, tasks TaskLister) *Handlers {
	return &Handlers{subs: subs, ops: ops, tasks: tasks, now: time.Now}
}

func (h *Handlers) commands() []command {
	return []command{
		{Name: "start", Description: "subscribe to promotions", Handle: h.start},
		{Name: "stop", Description: "stop receiving promotions", Handle: h.stop},
		{Name: "deliver", Description: "start delivery for one campaign", OwnerOnly: true, Handle: h.deliver},
		{Name: "deliver_all", Description: "start delivery for every running campaign", OwnerOnly: true, Handle: h.deliverAll},
		{Name: "sweep", Description: "expire campaigns past their end", OwnerOnly: true, Handle: h.sweep},
		{Name: "queue", Description: "show pending deliveries", OwnerOnly: true, Handle: h.queue},
	}
}

func actor(req *Request) delivery.Actor {
	return delivery.Actor{ID: strconv.FormatInt(req.FromID, 10), Source: "telegram"}
}

func (h *Handlers) start(ctx context.Context, req *Request) (string, error) {
	err := h.subs.Subscribe(ctx, campaign.Subscriber{
		RecipientID:  strconv.FormatInt(req.ChatID, 10),
		ChatID:       req.ChatID,
		Username:     req.Username,
		SubscribedAt: h.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return "You're subscribed. Send /stop to opt out at any time.", nil
}

func (h *Handlers) stop(ctx context.Context, req *Request) (string, error) {
	if err := h.subs.Unsubscribe(ctx, strconv.FormatInt(req.ChatID, 10)); err != nil {
		return "", err
	}
	return "You won't receive promotions anymore. Send /start to come back.", nil
}

func (h *Handlers) deliver(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 || strings.TrimSpace(req.Args[0]) == "" {
		return "usage: /deliver <campaign_id>", nil
	}
	t, err := h.ops.StartOne(ctx, actor(req), req.Args[0])
	switch {
	case errors.Is(err, delivery.ErrCampaignNotFound):
		return "campaign not found: " + req.Args[0], nil
	case errors.Is(err, delivery.ErrNotRunning):
		return "campaign is not running: " + req.Args[0], nil
	case err != nil:
		return "", err
	}
	return fmt.Sprintf("delivery queued for %s (task %s)", t.CampaignID, t.ID), nil
}

func (h *Handlers) deliverAll(ctx context.Context, req *Request) (string, error) {
	rep, err := h.ops.StartAll(ctx, actor(req))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "scheduled %d, already pending %d", len(rep.Scheduled), len(rep.Skipped))
	for _, s := range rep.Scheduled {
		fmt.Fprintf(&b, "\n• %s at %s", s.CampaignID, s.RunAt.UTC().Format(time.TimeOnly))
	}
	return b.String(), nil
}

func (h *Handlers) sweep(ctx context.Context, req *Request) (string, error) {
	n, err := h.ops.Sweep(ctx, actor(req))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("expired %d campaign(s)", n), nil
}

const queueListLimit = 20

func (h *Handlers) queue(ctx context.Context, _ *Request) (string, error) {
	tasks, err := h.tasks.List(ctx, queue.StatusPending, queueListLimit)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "no pending deliveries", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "pending deliveries (%d):", len(tasks))
	now := h.now()
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n• %s in %s", t.CampaignID, t.RunAt.Sub(now).Round(time.Second))
	}
	return b.String(), nil
}
