package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"promobot/internal/campaign"
	"promobot/internal/retry"
	"promobot/internal/storage"
	"promobot/internal/task/queue"
	logx "promobot/pkg/logx"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func tp(t time.Time) *time.Time { return &t }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type plainRenderer struct{}

func (plainRenderer) Render(c campaign.Campaign, _ string) (campaign.Content, error) {
	return campaign.Content{Text: c.Title}, nil
}

// fakeGateway fails recipients listed in fail, and recipients in flaky
// with a transient error until their call count passes the given value.
type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	flaky map[string]int
}

func newGateway() *fakeGateway {
	return &fakeGateway{calls: map[string]int{}, fail: map[string]error{}, flaky: map[string]int{}}
}

func (g *fakeGateway) Send(_ context.Context, rid string, _ campaign.Content) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[rid]++
	if err, ok := g.fail[rid]; ok {
		return err
	}
	if n, ok := g.flaky[rid]; ok && g.calls[rid] <= n {
		return errors.New("dial tcp 149.154.167.220:443: connect: connection refused")
	}
	return nil
}

func (g *fakeGateway) Calls(rid string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[rid]
}

func (g *fakeGateway) Total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

type recordedTask struct {
	CampaignID string
	RunAt      time.Time
}

// fakeQueue records enqueues; pending marks campaigns with a future task.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []recordedTask
	pending  map[string]bool
	err      error
}

func newQueue() *fakeQueue { return &fakeQueue{pending: map[string]bool{}} }

func (q *fakeQueue) Enqueue(_ context.Context, kind queue.Kind, cid string, runAt time.Time) (queue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return queue.Task{}, q.err
	}
	q.enqueued = append(q.enqueued, recordedTask{CampaignID: cid, RunAt: runAt})
	return queue.Task{ID: fmt.Sprintf("t%d", len(q.enqueued)), Kind: kind, CampaignID: cid, RunAt: runAt, Status: queue.StatusPending}, nil
}

func (q *fakeQueue) FindPending(_ context.Context, kind queue.Kind, cid string) (queue.Task, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[cid] {
		return queue.Task{ID: "existing", Kind: kind, CampaignID: cid}, true, nil
	}
	return queue.Task{}, false, nil
}

func (q *fakeQueue) Enqueued() []recordedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]recordedTask(nil), q.enqueued...)
}

func noSleep() retry.Policy {
	p := retry.Default()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

type fixture struct {
	store *storage.Memory
	gw    *fakeGateway
	q     *fakeQueue
	clk   *fakeClock
	exec  *Executor
	sched *Scheduler
}

func newFixture(t *testing.T, cfg ExecutorConfig) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemory(),
		gw:    newGateway(),
		q:     newQueue(),
		clk:   &fakeClock{now: t0},
	}
	t.Cleanup(func() { _ = f.store.Close() })
	if cfg.Retry.Sleep == nil {
		cfg.Retry = noSleep()
	}
	f.exec = NewExecutor(cfg, ExecutorDeps{
		Campaigns:   f.store,
		SendLog:     f.store,
		Renderer:    plainRenderer{},
		Gateway:     f.gw,
		Subscribers: f.store,
		Log:         logx.Nop(),
		Now:         f.clk.Now,
	})
	f.sched = NewScheduler(SchedulerDeps{
		Campaigns: f.store,
		Directory: f.store,
		Executor:  f.exec,
		Tasks:     f.q,
		Log:       logx.Nop(),
		Now:       f.clk.Now,
	})
	return f
}

func (f *fixture) campaign(t *testing.T, c campaign.Campaign) campaign.Campaign {
	t.Helper()
	if c.Title == "" {
		c.Title = "Promo " + c.ID
	}
	require.NoError(t, f.store.UpsertCampaign(context.Background(), c))
	got, err := f.store.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) subscribe(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range n {
		ids[i] = fmt.Sprintf("r%03d", i)
		require.NoError(t, f.store.Subscribe(context.Background(), campaign.Subscriber{
			RecipientID:  ids[i],
			ChatID:       int64(1000 + i),
			SubscribedAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}
	return ids
}

func recipients(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("r%03d", i)
	}
	return ids
}

func TestGateEligible(t *testing.T) {
	store := storage.NewMemory()
	defer store.Close()
	ctx := context.Background()
	g := NewGate(store, 0)
	c := campaign.Campaign{ID: "c1", ResendInterval: time.Hour}

	ok, err := g.Eligible(ctx, c, "r1", t0)
	require.NoError(t, err)
	require.True(t, ok, "no record yet")

	appended, err := store.AppendIfEligible(ctx, campaign.SendRecord{CampaignID: "c1", RecipientID: "r1", SentAt: t0}, time.Hour)
	require.NoError(t, err)
	require.True(t, appended)

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"same instant", t0, false},
		{"inside interval", t0.Add(59 * time.Minute), false},
		{"exactly one interval", t0.Add(time.Hour), true},
		{"after interval", t0.Add(2 * time.Hour), true},
	}
	for _, tc := range cases {
		ok, err := g.Eligible(ctx, c, "r1", tc.now)
		require.NoError(t, err)
		require.Equal(t, tc.want, ok, tc.name)
	}

	// other recipients and campaigns are independent
	ok, err = g.Eligible(ctx, c, "r2", t0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = g.Eligible(ctx, campaign.Campaign{ID: "c2"}, "r1", t0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGateDefaultInterval(t *testing.T) {
	store := storage.NewMemory()
	defer store.Close()
	ctx := context.Background()
	_, err := store.AppendIfEligible(ctx, campaign.SendRecord{CampaignID: "c1", RecipientID: "r1", SentAt: t0}, time.Hour)
	require.NoError(t, err)

	c := campaign.Campaign{ID: "c1"} // no interval of its own
	ok, err := NewGate(store, 0).Eligible(ctx, c, "r1", t0.Add(23*time.Hour))
	require.NoError(t, err)
	require.False(t, ok, "24h default applies")

	ok, err = NewGate(store, 2*time.Hour).Eligible(ctx, c, "r1", t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPartition(t *testing.T) {
	chunks := partition(recipients(250), 100)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 100)
	require.Len(t, chunks[1], 100)
	require.Len(t, chunks[2], 50)
	require.Equal(t, "r200", chunks[2][0])

	require.Nil(t, partition(nil, 100))
	require.Len(t, partition(recipients(100), 100), 1)
}

func TestDeliverChunksAllRecipients(t *testing.T) {
	f := newFixture(t, ExecutorConfig{ChunkSize: 100, ChunkWorkers: 3})
	c := f.campaign(t, campaign.Campaign{
		ID:             "c1",
		Status:         campaign.StatusActive,
		ResendInterval: 30 * time.Second,
		StartsAt:       tp(t0.Add(-time.Hour)),
		EndsAt:         tp(t0.Add(time.Hour)),
	})

	rep, err := f.exec.Deliver(context.Background(), c, recipients(250))
	require.NoError(t, err)
	require.Equal(t, 3, rep.Batches)
	require.Equal(t, 250, rep.Delivered)
	require.Zero(t, rep.Failed)
	require.Equal(t, 250, f.gw.Total())
	require.Len(t, f.store.SendRecords("c1", "r249"), 1)
}

func TestDeliverIsolatesFailures(t *testing.T) {
	f := newFixture(t, ExecutorConfig{ChunkSize: 4, ChunkWorkers: 2})
	c := f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive})
	f.gw.fail["r003"] = errors.New("telegram: bad request: message text is empty")
	f.gw.fail["r007"] = fmt.Errorf("telegram: %w", campaign.ErrRecipientGone)

	rep, err := f.exec.Deliver(context.Background(), c, recipients(10))
	require.NoError(t, err)
	require.Equal(t, 8, rep.Delivered)
	require.Equal(t, 2, rep.Failed)
	require.Equal(t, 10, rep.Delivered+rep.Failed)
	require.Equal(t, 3, rep.Batches)

	require.Equal(t, 1, f.gw.Calls("r003"), "permanent errors are not retried")
	require.Empty(t, f.store.SendRecords("c1", "r003"))
	require.Len(t, f.store.SendRecords("c1", "r004"), 1)
}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	c := f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive})
	f.gw.flaky["r000"] = 2 // succeeds on the third call
	f.gw.flaky["r001"] = 5 // never within three attempts

	rep, err := f.exec.Deliver(context.Background(), c, recipients(2))
	require.NoError(t, err)
	require.Equal(t, 1, rep.Delivered)
	require.Equal(t, 1, rep.Failed)
	require.Equal(t, 3, f.gw.Calls("r000"))
	require.Equal(t, 3, f.gw.Calls("r001"))
}

func TestDeliverSkipsRecentRecipients(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	c := f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive, ResendInterval: time.Hour})
	ctx := context.Background()
	_, err := f.store.AppendIfEligible(ctx, campaign.SendRecord{CampaignID: "c1", RecipientID: "r001", SentAt: t0.Add(-10 * time.Minute)}, time.Hour)
	require.NoError(t, err)

	rep, err := f.exec.Deliver(ctx, c, recipients(3))
	require.NoError(t, err)
	require.Equal(t, 2, rep.Delivered)
	require.Equal(t, 1, rep.Skipped)
	require.Zero(t, f.gw.Calls("r001"))

	// a second pass inside the interval sends nothing
	rep, err = f.exec.Deliver(ctx, c, recipients(3))
	require.NoError(t, err)
	require.Equal(t, 3, rep.Skipped)
	require.Equal(t, 2, f.gw.Total())
}

func TestDeliverAbortsWhenNotRunning(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	running := f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive})
	require.NoError(t, f.store.SetStatus(context.Background(), "c1", campaign.StatusInactive))

	// the caller's copy is stale; the executor trusts the store
	rep, err := f.exec.Deliver(context.Background(), running, recipients(5))
	require.NoError(t, err)
	require.True(t, rep.Aborted)
	require.Zero(t, rep.Attempted())
	require.Zero(t, f.gw.Total())

	rep, err = f.exec.Deliver(context.Background(), campaign.Campaign{ID: "ghost"}, recipients(5))
	require.NoError(t, err)
	require.True(t, rep.Aborted)
}

func TestDeliverUnsubscribesGoneRecipients(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	c := f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive})
	ids := f.subscribe(t, 3)
	f.gw.fail[ids[1]] = fmt.Errorf("telegram: bot was blocked by the user: %w", campaign.ErrRecipientGone)

	rep, err := f.exec.Deliver(context.Background(), c, ids)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)

	left, err := f.store.EligibleRecipients(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, []string{ids[0], ids[2]}, left)
}

func TestDeliverStopsOnCancel(t *testing.T) {
	f := newFixture(t, ExecutorConfig{ChunkSize: 10, ChunkWorkers: 1})
	c := f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive})
	ctx, cancel := context.WithCancel(context.Background())
	// GetCampaign runs before the first recipient; cancel via the renderer
	f.exec.render = cancelAfter{n: 3, cancel: cancel, calls: new(int)}

	rep, err := f.exec.Deliver(ctx, c, recipients(30))
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, rep.Attempted(), 30)
}

type cancelAfter struct {
	n      int
	cancel context.CancelFunc
	calls  *int
}

func (r cancelAfter) Render(c campaign.Campaign, _ string) (campaign.Content, error) {
	*r.calls++
	if *r.calls >= r.n {
		r.cancel()
	}
	return campaign.Content{Text: c.Title}, nil
}

func TestInvokeReschedulesWithoutEnd(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive, ResendInterval: 6 * time.Hour})

	// zero subscribers still counts as success
	out, err := f.sched.Invoke(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, OutcomeRescheduled, out)
	require.Equal(t, []recordedTask{{CampaignID: "c1", RunAt: t0.Add(6 * time.Hour)}}, f.q.Enqueued())
}

func TestSchedulerApplySwapsDefaultInterval(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive})
	f.campaign(t, campaign.Campaign{ID: "c2", Status: campaign.StatusActive, ResendInterval: 6 * time.Hour})

	f.sched.Apply(3 * time.Hour)
	_, err := f.sched.Invoke(context.Background(), "c1")
	require.NoError(t, err)
	_, err = f.sched.Invoke(context.Background(), "c2")
	require.NoError(t, err)

	require.Equal(t, []recordedTask{
		{CampaignID: "c1", RunAt: t0.Add(3 * time.Hour)},
		{CampaignID: "c2", RunAt: t0.Add(6 * time.Hour)},
	}, f.q.Enqueued(), "own interval wins over the reloaded default")
}

func TestInvokeDeliversThenReschedules(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive})
	f.subscribe(t, 5)

	out, err := f.sched.Invoke(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, OutcomeRescheduled, out)
	require.Equal(t, 5, f.gw.Total())
	require.Len(t, f.q.Enqueued(), 1)
	require.Equal(t, t0.Add(campaign.DefaultResendInterval), f.q.Enqueued()[0].RunAt)
}

func TestInvokeExpiresAtBoundary(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	end := t0.Add(30 * time.Minute)
	f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive, ResendInterval: time.Hour, EndsAt: tp(end)})
	f.subscribe(t, 2)

	out, err := f.sched.Invoke(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, OutcomeExpired, out)
	require.Equal(t, 2, f.gw.Total(), "the last cycle still delivers")
	require.Empty(t, f.q.Enqueued())

	got, err := f.store.GetCampaign(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, campaign.StatusExpired, got.Status)
}

func TestInvokeReschedulesWhenNextRunIsEnd(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive, ResendInterval: time.Hour, EndsAt: tp(t0.Add(time.Hour))})

	out, err := f.sched.Invoke(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, OutcomeRescheduled, out)
	require.Len(t, f.q.Enqueued(), 1)
}

func TestInvokeStopsQuietly(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	f.campaign(t, campaign.Campaign{ID: "paused", Status: campaign.StatusInactive})
	f.campaign(t, campaign.Campaign{ID: "later", Status: campaign.StatusActive, StartsAt: tp(t0.Add(time.Hour))})
	f.subscribe(t, 3)

	for _, tc := range []struct {
		id   string
		want Outcome
	}{
		{"paused", OutcomeNotRunning},
		{"later", OutcomeNotRunning},
		{"missing", OutcomeMissing},
	} {
		out, err := f.sched.Invoke(context.Background(), tc.id)
		require.NoError(t, err)
		require.Equal(t, tc.want, out, tc.id)
	}
	require.Zero(t, f.gw.Total())
	require.Empty(t, f.q.Enqueued())

	got, err := f.store.GetCampaign(context.Background(), "paused")
	require.NoError(t, err)
	require.Equal(t, campaign.StatusInactive, got.Status)
}

func TestInvokeDoesNotDuplicateChain(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive})
	f.q.pending["c1"] = true

	out, err := f.sched.Invoke(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, out)
	require.Empty(t, f.q.Enqueued())
}

type brokenDirectory struct{}

func (brokenDirectory) EligibleRecipients(context.Context, campaign.Campaign) ([]string, error) {
	return nil, errors.New("directory offline")
}

func TestInvokeHardFailureStopsChain(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive})
	f.sched.dir = brokenDirectory{}

	out, err := f.sched.Invoke(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, OutcomeHardFailure, out)
	require.Empty(t, f.q.Enqueued())
}

func TestInvokeReturnsQueueErrors(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	f.campaign(t, campaign.Campaign{ID: "c1", Status: campaign.StatusActive})
	f.q.err = errors.New("database is locked")

	_, err := f.sched.Invoke(context.Background(), "c1")
	require.ErrorContains(t, err, "database is locked")
}

func TestSweeperExpiresPastEnd(t *testing.T) {
	store := storage.NewMemory()
	defer store.Close()
	ctx := context.Background()
	for _, c := range []campaign.Campaign{
		{ID: "ended", Status: campaign.StatusActive, EndsAt: tp(t0.Add(-time.Minute))},
		{ID: "ends-now", Status: campaign.StatusActive, EndsAt: tp(t0)},
		{ID: "open", Status: campaign.StatusActive},
		{ID: "future", Status: campaign.StatusActive, EndsAt: tp(t0.Add(time.Hour))},
		{ID: "paused", Status: campaign.StatusInactive, EndsAt: tp(t0.Add(-time.Hour))},
	} {
		require.NoError(t, store.UpsertCampaign(ctx, c))
	}
	s := NewSweeper(store, nil, logx.Nop(), nil, func() time.Time { return t0 })

	n, err := s.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "second sweep is a no-op")

	for id, want := range map[string]campaign.Status{
		"ended":    campaign.StatusExpired,
		"ends-now": campaign.StatusActive,
		"open":     campaign.StatusActive,
		"future":   campaign.StatusActive,
		"paused":   campaign.StatusInactive,
	} {
		got, err := store.GetCampaign(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, got.Status, id)
	}
}

func newCommands(t *testing.T, cfg CommandsConfig) (*Commands, *storage.Memory, *fakeQueue) {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	q := newQueue()
	now := func() time.Time { return t0 }
	cmds := NewCommands(cfg, CommandsDeps{
		Campaigns: store,
		Tasks:     q,
		Sweeper:   NewSweeper(store, nil, logx.Nop(), nil, now),
		Audit:     store,
		Log:       logx.Nop(),
		Now:       now,
		Rand:      func() float64 { return 0.5 },
	})
	return cmds, store, q
}

func TestStartOne(t *testing.T) {
	cmds, store, q := newCommands(t, CommandsConfig{})
	ctx := context.Background()
	require.NoError(t, store.UpsertCampaign(ctx, campaign.Campaign{ID: "live", Status: campaign.StatusActive}))
	require.NoError(t, store.UpsertCampaign(ctx, campaign.Campaign{ID: "off", Status: campaign.StatusInactive}))
	actor := Actor{ID: "42", Source: "telegram"}

	task, err := cmds.StartOne(ctx, actor, "live")
	require.NoError(t, err)
	require.Equal(t, "live", task.CampaignID)
	require.Equal(t, []recordedTask{{CampaignID: "live", RunAt: t0}}, q.Enqueued())

	_, err = cmds.StartOne(ctx, actor, "off")
	require.ErrorIs(t, err, ErrNotRunning)
	_, err = cmds.StartOne(ctx, actor, "nope")
	require.ErrorIs(t, err, ErrCampaignNotFound)

	audit, err := store.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 3)
	require.Equal(t, "deliver", audit[0].Action)
	require.Equal(t, "nope", audit[0].Target)
	require.Equal(t, 1, audit[0].Fail)
	require.NotEmpty(t, audit[0].Error)
}

func TestStartAllStaggersAndSkipsPending(t *testing.T) {
	cmds, store, q := newCommands(t, CommandsConfig{Stagger: 30 * time.Second, Jitter: 10 * time.Second})
	ctx := context.Background()
	for _, c := range []campaign.Campaign{
		{ID: "a", Status: campaign.StatusActive},
		{ID: "b", Status: campaign.StatusActive},
		{ID: "c", Status: campaign.StatusActive},
		{ID: "d", Status: campaign.StatusActive, StartsAt: tp(t0.Add(time.Hour))},
		{ID: "e", Status: campaign.StatusInactive},
	} {
		require.NoError(t, store.UpsertCampaign(ctx, c))
	}
	q.pending["b"] = true

	rep, err := cmds.StartAll(ctx, Actor{ID: "ops", Source: "http"})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, rep.Skipped)
	require.Equal(t, []recordedTask{
		{CampaignID: "a", RunAt: t0.Add(5 * time.Second)},
		{CampaignID: "c", RunAt: t0.Add(35 * time.Second)},
	}, q.Enqueued())
	require.Len(t, rep.Scheduled, 2)
}

func TestSweepCommand(t *testing.T) {
	cmds, store, _ := newCommands(t, CommandsConfig{})
	ctx := context.Background()
	require.NoError(t, store.UpsertCampaign(ctx, campaign.Campaign{ID: "old", Status: campaign.StatusActive, EndsAt: tp(t0.Add(-time.Hour))}))

	n, err := cmds.Sweep(ctx, Actor{ID: "cron", Source: "schedule"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	audit, err := store.ListAudit(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "sweep", audit[0].Action)
	require.Equal(t, 1, audit[0].OK)
}
