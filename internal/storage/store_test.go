package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"promobot/internal/campaign"
	"promobot/internal/task/queue"
	logx "promobot/pkg/logx"
)

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		s := NewMemory()
		defer s.Close()
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "promobot.db")}, logx.Nop())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
	t.Run("postgres", func(t *testing.T) {
		dsn := os.Getenv("PROMOBOT_TEST_POSTGRES_DSN")
		if dsn == "" {
			t.Skip("PROMOBOT_TEST_POSTGRES_DSN not set")
		}
		ctx := context.Background()
		s, err := Open(ctx, Config{Driver: "postgres", DSN: dsn}, logx.Nop())
		require.NoError(t, err)
		defer s.Close()
		_, err = s.(*pgStore).db.Exec(ctx, `TRUNCATE campaigns, send_records, subscribers, tasks, audit`)
		require.NoError(t, err)
		fn(t, s)
	})
}

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func tp(t time.Time) *time.Time { return &t }

func TestCampaignRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := campaign.Campaign{
			ID:             "spring-sale",
			Title:          "Spring sale",
			Body:           "Everything 20% off",
			ListingID:      "lst-7",
			ListingName:    "Corner Bakery",
			Buttons:        []campaign.Button{{Text: "Open", URL: "https://example.com"}},
			Status:         campaign.StatusActive,
			StartsAt:       tp(t0),
			EndsAt:         tp(t0.Add(72 * time.Hour)),
			ResendInterval: 6 * time.Hour,
		}
		require.NoError(t, s.UpsertCampaign(ctx, c))
		require.NoError(t, s.UpsertCampaign(ctx, campaign.Campaign{ID: "draft", Status: campaign.StatusInactive}))

		got, err := s.GetCampaign(ctx, "spring-sale")
		require.NoError(t, err)
		require.Equal(t, c.Title, got.Title)
		require.Equal(t, c.Buttons, got.Buttons)
		require.Equal(t, c.ListingName, got.ListingName)
		require.True(t, got.StartsAt.Equal(t0))
		require.True(t, got.EndsAt.Equal(t0.Add(72*time.Hour)))
		require.Equal(t, 6*time.Hour, got.ResendInterval)

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		require.Equal(t, "spring-sale", active[0].ID)

		require.NoError(t, s.SetStatus(ctx, "spring-sale", campaign.StatusExpired))
		got, err = s.GetCampaign(ctx, "spring-sale")
		require.NoError(t, err)
		require.Equal(t, campaign.StatusExpired, got.Status)

		_, err = s.GetCampaign(ctx, "missing")
		require.ErrorIs(t, err, campaign.ErrNotFound)
		require.ErrorIs(t, s.SetStatus(ctx, "missing", campaign.StatusActive), campaign.ErrNotFound)
	})
}

func TestAppendIfEligibleWindow(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		window := 24 * time.Hour

		_, ok, err := s.LastSentAt(ctx, "c1", "r1")
		require.NoError(t, err)
		require.False(t, ok)

		appended, err := s.AppendIfEligible(ctx, campaign.SendRecord{CampaignID: "c1", RecipientID: "r1", SentAt: t0}, window)
		require.NoError(t, err)
		require.True(t, appended)

		// inside the window: rejected
		appended, err = s.AppendIfEligible(ctx, campaign.SendRecord{CampaignID: "c1", RecipientID: "r1", SentAt: t0.Add(23 * time.Hour)}, window)
		require.NoError(t, err)
		require.False(t, appended)

		// other recipient and other campaign are independent
		appended, err = s.AppendIfEligible(ctx, campaign.SendRecord{CampaignID: "c1", RecipientID: "r2", SentAt: t0.Add(time.Hour)}, window)
		require.NoError(t, err)
		require.True(t, appended)
		appended, err = s.AppendIfEligible(ctx, campaign.SendRecord{CampaignID: "c2", RecipientID: "r1", SentAt: t0.Add(time.Hour)}, window)
		require.NoError(t, err)
		require.True(t, appended)

		// exactly one interval later: allowed
		appended, err = s.AppendIfEligible(ctx, campaign.SendRecord{CampaignID: "c1", RecipientID: "r1", SentAt: t0.Add(window)}, window)
		require.NoError(t, err)
		require.True(t, appended)

		last, ok, err := s.LastSentAt(ctx, "c1", "r1")
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, last.Equal(t0.Add(window)), "last = %v", last)
	})
}

func TestAppendIfEligibleConcurrent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.AppendIfEligible(ctx, campaign.SendRecord{
					CampaignID: "c1", RecipientID: "r1", SentAt: t0.Add(time.Duration(i) * time.Millisecond),
				}, time.Hour)
				if err == nil && ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		require.Equal(t, int32(1), wins.Load())
	})
}

func TestSubscribers(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Subscribe(ctx, campaign.Subscriber{RecipientID: "200", ChatID: 200, SubscribedAt: t0.Add(time.Minute)}))
		require.NoError(t, s.Subscribe(ctx, campaign.Subscriber{RecipientID: "100", ChatID: 100, Username: "ann", SubscribedAt: t0}))
		require.NoError(t, s.Subscribe(ctx, campaign.Subscriber{RecipientID: "300", ChatID: 300, SubscribedAt: t0.Add(2 * time.Minute)}))
		require.NoError(t, s.Unsubscribe(ctx, "300"))

		got, err := s.EligibleRecipients(ctx, campaign.Campaign{ID: "c1"})
		require.NoError(t, err)
		require.Equal(t, []string{"100", "200"}, got)

		// resubscribing an active subscriber keeps the original position
		require.NoError(t, s.Subscribe(ctx, campaign.Subscriber{RecipientID: "100", ChatID: 100, SubscribedAt: t0.Add(time.Hour)}))
		got, err = s.EligibleRecipients(ctx, campaign.Campaign{ID: "c1"})
		require.NoError(t, err)
		require.Equal(t, []string{"100", "200"}, got)

		require.ErrorIs(t, s.Subscribe(ctx, campaign.Subscriber{}), campaign.ErrEmptyID)
	})
}

func newTask(id, campaignID string, runAt time.Time) queue.Task {
	return queue.Task{
		ID: id, Kind: queue.KindDeliverCampaign, CampaignID: campaignID, RunAt: runAt,
		Status: queue.StatusPending, CreatedAt: t0, UpdatedAt: t0,
	}
}

func TestTaskLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertTask(ctx, newTask("a", "c1", t0)))
		require.NoError(t, s.InsertTask(ctx, newTask("b", "c1", t0.Add(time.Hour))))
		require.NoError(t, s.InsertTask(ctx, newTask("c", "c2", t0.Add(-time.Minute))))

		pending, ok, err := s.FindPendingTask(ctx, queue.KindDeliverCampaign, "c1", t0)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "b", pending.ID)

		_, ok, err = s.FindPendingTask(ctx, queue.KindDeliverCampaign, "c2", t0)
		require.NoError(t, err)
		require.False(t, ok, "past-due task is not a future task")

		claimed, err := s.ClaimDueTasks(ctx, t0, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		require.Equal(t, "c", claimed[0].ID)
		require.Equal(t, "a", claimed[1].ID)
		require.Equal(t, queue.StatusRunning, claimed[0].Status)

		again, err := s.ClaimDueTasks(ctx, t0, 10)
		require.NoError(t, err)
		require.Empty(t, again)

		require.NoError(t, s.FinishTask(ctx, "a", queue.StatusDone, 1, "", t0))
		require.NoError(t, s.FinishTask(ctx, "c", queue.StatusFailed, 3, "boom", t0))
		require.ErrorIs(t, s.FinishTask(ctx, "zzz", queue.StatusDone, 1, "", t0), ErrNotFound)

		failed, err := s.ListTasks(ctx, queue.StatusFailed, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		require.Equal(t, 3, failed[0].Attempts)
		require.Equal(t, "boom", failed[0].LastError)

		require.NoError(t, s.InsertTask(ctx, newTask("d", "c3", t0)))
		_, err = s.ClaimDueTasks(ctx, t0, 10)
		require.NoError(t, err)
		n, err := s.RequeueRunning(ctx, t0)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		all, err := s.ListTasks(ctx, queue.StatusPending, 10)
		require.NoError(t, err)
		require.Len(t, all, 2) // b and d
	})
}

func TestAudit(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AppendAudit(ctx, AuditEntry{At: t0, Actor: "42", Source: "telegram", Action: "deliver", Target: "c1", OK: 1}))
		require.NoError(t, s.AppendAudit(ctx, AuditEntry{At: t0.Add(time.Second), Source: "http", Action: "sweep", OK: 2}))
		got, err := s.ListAudit(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "sweep", got[0].Action)
		require.Equal(t, "42", got[1].Actor)
		require.NoError(t, s.Ping(ctx))
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err, "missing dsn")
}
