package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"promobot/internal/campaign"
	"promobot/internal/task/queue"
)

// Memory keeps everything in process maps behind one mutex, so every
// method is atomic with respect to the others.
type Memory struct {
	mu        sync.Mutex
	closed    bool
	campaigns map[string]campaign.Campaign
	records   map[sendKey][]time.Time
	subs      map[string]campaign.Subscriber
	tasks     map[string]queue.Task
	audit     []AuditEntry
}

type sendKey struct{ campaign, recipient string }

func NewMemory() *Memory {
	return &Memory{
		campaigns: map[string]campaign.Campaign{},
		records:   map[sendKey][]time.Time{},
		subs:      map[string]campaign.Subscriber{},
		tasks:     map[string]queue.Task{},
	}
}

func (m *Memory) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *Memory) GetCampaign(_ context.Context, id string) (campaign.Campaign, error) {
	if err := m.lock(); err != nil {
		return campaign.Campaign{}, err
	}
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.Campaign{}, ErrNotFound
	}
	return copyCampaign(c), nil
}

func (m *Memory) ListActive(_ context.Context) ([]campaign.Campaign, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]campaign.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		if c.Status == campaign.StatusActive {
			out = append(out, copyCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetStatus(_ context.Context, id string, status campaign.Status) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	m.campaigns[id] = c
	return nil
}

func (m *Memory) UpsertCampaign(_ context.Context, c campaign.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.campaigns[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.campaigns[c.ID] = copyCampaign(c)
	return nil
}

func copyCampaign(c campaign.Campaign) campaign.Campaign {
	c.Buttons = append([]campaign.Button(nil), c.Buttons...)
	if c.StartsAt != nil {
		t := *c.StartsAt
		c.StartsAt = &t
	}
	if c.EndsAt != nil {
		t := *c.EndsAt
		c.EndsAt = &t
	}
	return c
}

func (m *Memory) LastSentAt(_ context.Context, campaignID, recipientID string) (time.Time, bool, error) {
	if err := m.lock(); err != nil {
		return time.Time{}, false, err
	}
	defer m.mu.Unlock()
	var last time.Time
	found := false
	for _, at := range m.records[sendKey{campaignID, recipientID}] {
		if !found || at.After(last) {
			last, found = at, true
		}
	}
	return last, found, nil
}

func (m *Memory) AppendIfEligible(_ context.Context, rec campaign.SendRecord, window time.Duration) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	k := sendKey{rec.CampaignID, rec.RecipientID}
	cutoff := rec.SentAt.Add(-window)
	for _, at := range m.records[k] {
		if at.After(cutoff) {
			return false, nil
		}
	}
	m.records[k] = append(m.records[k], rec.SentAt)
	return true, nil
}

// SendRecords returns every record for the pair, oldest first.
func (m *Memory) SendRecords(campaignID, recipientID string) []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]time.Time(nil), m.records[sendKey{campaignID, recipientID}]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (m *Memory) EligibleRecipients(_ context.Context, _ campaign.Campaign) ([]string, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	subs := make([]campaign.Subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		if s.Active {
			subs = append(subs, s)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].SubscribedAt.Equal(subs[j].SubscribedAt) {
			return subs[i].SubscribedAt.Before(subs[j].SubscribedAt)
		}
		return subs[i].RecipientID < subs[j].RecipientID
	})
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.RecipientID
	}
	return out, nil
}

func (m *Memory) Subscribe(_ context.Context, s campaign.Subscriber) error {
	if strings.TrimSpace(s.RecipientID) == "" {
		return campaign.ErrEmptyID
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if prev, ok := m.subs[s.RecipientID]; ok && prev.Active {
		s.SubscribedAt = prev.SubscribedAt
	}
	if s.SubscribedAt.IsZero() {
		s.SubscribedAt = time.Now().UTC()
	}
	s.Active = true
	m.subs[s.RecipientID] = s
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, recipientID string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if s, ok := m.subs[recipientID]; ok {
		s.Active = false
		m.subs[recipientID] = s
	}
	return nil
}

func (m *Memory) InsertTask(_ context.Context, t queue.Task) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) FindPendingTask(_ context.Context, kind queue.Kind, campaignID string, after time.Time) (queue.Task, bool, error) {
	if err := m.lock(); err != nil {
		return queue.Task{}, false, err
	}
	defer m.mu.Unlock()
	var hits []queue.Task
	for _, t := range m.tasks {
		if t.Status == queue.StatusPending && t.Kind == kind && t.CampaignID == campaignID && t.RunAt.After(after) {
			hits = append(hits, t)
		}
	}
	if len(hits) == 0 {
		return queue.Task{}, false, nil
	}
	sortTasks(hits)
	return hits[0], true, nil
}

func (m *Memory) ClaimDueTasks(_ context.Context, now time.Time, limit int) ([]queue.Task, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var due []queue.Task
	for _, t := range m.tasks {
		if t.Status == queue.StatusPending && !t.RunAt.After(now) {
			due = append(due, t)
		}
	}
	sortTasks(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = queue.StatusRunning
		due[i].UpdatedAt = now
		m.tasks[due[i].ID] = due[i]
	}
	return due, nil
}

func (m *Memory) FinishTask(_ context.Context, id string, status queue.Status, attempts int, lastErr string, at time.Time) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.Attempts += attempts
	t.LastError = lastErr
	t.UpdatedAt = at
	m.tasks[id] = t
	return nil
}

func (m *Memory) RequeueRunning(_ context.Context, at time.Time) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.Status == queue.StatusRunning {
			t.Status = queue.StatusPending
			t.UpdatedAt = at
			m.tasks[id] = t
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListTasks(_ context.Context, status queue.Status, limit int) ([]queue.Task, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []queue.Task
	for _, t := range m.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sortTasks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]AuditEntry, 0, len(m.audit))
	for i := len(m.audit) - 1; i >= 0; i-- {
		out = append(out, m.audit[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	if err := m.lock(); err != nil {
		return err
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
