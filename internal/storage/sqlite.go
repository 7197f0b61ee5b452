package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"promobot/internal/campaign"
	"promobot/internal/task/queue"
	logx "promobot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteStore serializes every statement through one connection, which
// makes each conditional insert atomic without explicit locking.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite storage ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("storage: migrate sqlite: %w", err)
	}
	return nil
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error { return s.db.Close() }

const sqliteCampaignCols = `id, title, body, listing_id, listing_name, buttons, status, starts_at, ends_at, resend_interval_sec, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanSQLiteCampaign(r rowScanner) (campaign.Campaign, error) {
	var (
		c                      campaign.Campaign
		listingID, listingName sql.NullString
		buttons                sql.NullString
		startsAt, endsAt       sql.NullInt64
		intervalSec            int64
		createdAt, updatedAt   int64
		status                 int
	)
	if err := r.Scan(&c.ID, &c.Title, &c.Body, &listingID, &listingName, &buttons, &status,
		&startsAt, &endsAt, &intervalSec, &createdAt, &updatedAt); err != nil {
		return campaign.Campaign{}, err
	}
	c.ListingID = listingID.String
	c.ListingName = listingName.String
	c.Buttons = decodeButtons(buttons.String)
	c.Status = campaign.Status(status)
	if startsAt.Valid {
		t := fromMillis(startsAt.Int64)
		c.StartsAt = &t
	}
	if endsAt.Valid {
		t := fromMillis(endsAt.Int64)
		c.EndsAt = &t
	}
	c.ResendInterval = time.Duration(intervalSec) * time.Second
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteCampaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := scanSQLiteCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) ListActive(ctx context.Context) ([]campaign.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteCampaignCols+` FROM campaigns WHERE status = ? ORDER BY id`, int(campaign.StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanSQLiteCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetStatus(ctx context.Context, id string, status campaign.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		int(status), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpsertCampaign(ctx context.Context, c campaign.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	created := now
	if !c.CreatedAt.IsZero() {
		created = c.CreatedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(`+sqliteCampaignCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, body=excluded.body, listing_id=excluded.listing_id,
		   listing_name=excluded.listing_name, buttons=excluded.buttons, status=excluded.status,
		   starts_at=excluded.starts_at, ends_at=excluded.ends_at,
		   resend_interval_sec=excluded.resend_interval_sec, updated_at=excluded.updated_at`,
		c.ID, c.Title, c.Body, nullStr(c.ListingID), nullStr(c.ListingName), nullStr(encodeButtons(c.Buttons)),
		int(c.Status), millis(c.StartsAt), millis(c.EndsAt), int64(c.ResendInterval/time.Second), created, now,
	)
	return err
}

func (s *sqliteStore) LastSentAt(ctx context.Context, campaignID, recipientID string) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sent_at) FROM send_records WHERE campaign_id = ? AND recipient_id = ?`,
		campaignID, recipientID).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(ms.Int64), true, nil
}

func (s *sqliteStore) AppendIfEligible(ctx context.Context, rec campaign.SendRecord, window time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO send_records(campaign_id, recipient_id, sent_at)
		 SELECT ?, ?, ?
		 WHERE NOT EXISTS (
		   SELECT 1 FROM send_records
		   WHERE campaign_id = ? AND recipient_id = ? AND sent_at > ?
		 )`,
		rec.CampaignID, rec.RecipientID, rec.SentAt.UnixMilli(),
		rec.CampaignID, rec.RecipientID, rec.SentAt.Add(-window).UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) EligibleRecipients(ctx context.Context, _ campaign.Campaign) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id FROM subscribers WHERE active = 1 ORDER BY subscribed_at, recipient_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Subscribe(ctx context.Context, sub campaign.Subscriber) error {
	if strings.TrimSpace(sub.RecipientID) == "" {
		return campaign.ErrEmptyID
	}
	at := sub.SubscribedAt
	if at.IsZero() {
		at = time.Now()
	}
	// a returning subscriber keeps the original position unless they had left
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(recipient_id, chat_id, username, active, subscribed_at) VALUES(?,?,?,1,?)
		 ON CONFLICT(recipient_id) DO UPDATE SET
		   chat_id=excluded.chat_id, username=excluded.username,
		   subscribed_at=CASE WHEN subscribers.active = 1 THEN subscribers.subscribed_at ELSE excluded.subscribed_at END,
		   active=1`,
		sub.RecipientID, sub.ChatID, nullStr(sub.Username), at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Unsubscribe(ctx context.Context, recipientID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscribers SET active = 0 WHERE recipient_id = ?`, recipientID)
	return err
}

const sqliteTaskCols = `id, kind, campaign_id, run_at, status, attempts, last_error, created_at, updated_at`

func scanSQLiteTask(r rowScanner) (queue.Task, error) {
	var (
		t                           queue.Task
		kind, status                string
		runAt, createdAt, updatedAt int64
		lastErr                     sql.NullString
	)
	if err := r.Scan(&t.ID, &kind, &t.CampaignID, &runAt, &status, &t.Attempts, &lastErr, &createdAt, &updatedAt); err != nil {
		return queue.Task{}, err
	}
	t.Kind = queue.Kind(kind)
	t.Status = queue.Status(status)
	t.RunAt = fromMillis(runAt)
	t.LastError = lastErr.String
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}

func (s *sqliteStore) InsertTask(ctx context.Context, t queue.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+sqliteTaskCols+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		t.ID, string(t.Kind), t.CampaignID, t.RunAt.UnixMilli(), string(t.Status), t.Attempts,
		nullStr(t.LastError), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) FindPendingTask(ctx context.Context, kind queue.Kind, campaignID string, after time.Time) (queue.Task, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTaskCols+` FROM tasks
		 WHERE kind = ? AND campaign_id = ? AND status = ? AND run_at > ?
		 ORDER BY run_at LIMIT 1`,
		string(kind), campaignID, string(queue.StatusPending), after.UnixMilli())
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Task{}, false, nil
	}
	if err != nil {
		return queue.Task{}, false, err
	}
	return t, true, nil
}

func (s *sqliteStore) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]queue.Task, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM tasks WHERE status = ? AND run_at <= ? ORDER BY run_at, id LIMIT ?
		 )
		 RETURNING `+sqliteTaskCols,
		string(queue.StatusRunning), now.UnixMilli(), string(queue.StatusPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []queue.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortTasks(out)
	return out, nil
}

func (s *sqliteStore) FinishTask(ctx context.Context, id string, status queue.Status, attempts int, lastErr string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempts = attempts + ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), attempts, nullStr(lastErr), at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RequeueRunning(ctx context.Context, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE status = ?`,
		string(queue.StatusPending), at.UnixMilli(), string(queue.StatusRunning))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) ListTasks(ctx context.Context, status queue.Status, limit int) ([]queue.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + sqliteTaskCols + ` FROM tasks`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY run_at, id LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []queue.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, source, action, target, ok, fail, err, took_ms) VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), nullStr(e.Actor), e.Source, e.Action, nullStr(e.Target), e.OK, e.Fail, nullStr(e.Error), e.TookMS)
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, actor, source, action, target, ok, fail, err, took_ms FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e                  AuditEntry
			at                 int64
			actor, target, msg sql.NullString
		)
		if err := rows.Scan(&at, &actor, &e.Source, &e.Action, &target, &e.OK, &e.Fail, &msg, &e.TookMS); err != nil {
			return nil, err
		}
		e.At = fromMillis(at)
		e.Actor, e.Target, e.Error = actor.String, target.String, msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}
