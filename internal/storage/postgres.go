package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"promobot/internal/campaign"
	"promobot/internal/task/queue"
	logx "promobot/pkg/logx"
)

type pgStore struct {
	db  *pgxpool.Pool
	sb  sq.StatementBuilderType
	log logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage: postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	st := &pgStore{db: pool, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar), log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("postgres storage ready", logx.Int("max_conns", int(pcfg.MaxConns)))
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, string(b)); err != nil {
		return fmt.Errorf("storage: migrate postgres: %w", err)
	}
	return nil
}

func (s *pgStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *pgStore) Close() error {
	s.db.Close()
	return nil
}

var pgCampaignCols = []string{
	"id", "title", "body", "listing_id", "listing_name", "buttons", "status",
	"starts_at", "ends_at", "resend_interval_sec", "created_at", "updated_at",
}

func scanPGCampaign(r pgx.Row) (campaign.Campaign, error) {
	var (
		c                      campaign.Campaign
		listingID, listingName *string
		buttons                []byte
		status                 int16
		intervalSec            int64
	)
	if err := r.Scan(&c.ID, &c.Title, &c.Body, &listingID, &listingName, &buttons, &status,
		&c.StartsAt, &c.EndsAt, &intervalSec, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return campaign.Campaign{}, err
	}
	if listingID != nil {
		c.ListingID = *listingID
	}
	if listingName != nil {
		c.ListingName = *listingName
	}
	c.Buttons = decodeButtons(string(buttons))
	c.Status = campaign.Status(status)
	c.ResendInterval = time.Duration(intervalSec) * time.Second
	return c, nil
}

func (s *pgStore) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	q, args, err := s.sb.Select(pgCampaignCols...).From("campaigns").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return campaign.Campaign{}, fmt.Errorf("build campaign select: %w", err)
	}
	c, err := scanPGCampaign(s.db.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return campaign.Campaign{}, ErrNotFound
	}
	return c, err
}

func (s *pgStore) ListActive(ctx context.Context) ([]campaign.Campaign, error) {
	q, args, err := s.sb.Select(pgCampaignCols...).From("campaigns").
		Where(sq.Eq{"status": int16(campaign.StatusActive)}).
		OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build active select: %w", err)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanPGCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *pgStore) SetStatus(ctx context.Context, id string, status campaign.Status) error {
	q, args, err := s.sb.Update("campaigns").
		Set("status", int16(status)).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build status update: %w", err)
	}
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) UpsertCampaign(ctx context.Context, c campaign.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var buttons any
	if enc := encodeButtons(c.Buttons); enc != "" {
		buttons = enc
	}
	q, args, err := s.sb.Insert("campaigns").
		Columns("id", "title", "body", "listing_id", "listing_name", "buttons", "status",
			"starts_at", "ends_at", "resend_interval_sec").
		Values(c.ID, c.Title, c.Body, nullStr(c.ListingID), nullStr(c.ListingName), buttons, int16(c.Status),
			c.StartsAt, c.EndsAt, int64(c.ResendInterval/time.Second)).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, body = EXCLUDED.body, listing_id = EXCLUDED.listing_id,
			listing_name = EXCLUDED.listing_name, buttons = EXCLUDED.buttons, status = EXCLUDED.status,
			starts_at = EXCLUDED.starts_at, ends_at = EXCLUDED.ends_at,
			resend_interval_sec = EXCLUDED.resend_interval_sec, updated_at = now()`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build campaign upsert: %w", err)
	}
	_, err = s.db.Exec(ctx, q, args...)
	return err
}

func (s *pgStore) LastSentAt(ctx context.Context, campaignID, recipientID string) (time.Time, bool, error) {
	q, args, err := s.sb.Select("max(sent_at)").From("send_records").
		Where(sq.Eq{"campaign_id": campaignID, "recipient_id": recipientID}).ToSql()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("build last sent select: %w", err)
	}
	var at *time.Time
	if err := s.db.QueryRow(ctx, q, args...).Scan(&at); err != nil {
		return time.Time{}, false, err
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return at.UTC(), true, nil
}

// AppendIfEligible serializes writers of one (campaign, recipient) pair on
// a transaction-scoped advisory lock, so the existence check and the
// insert cannot interleave with another process.
func (s *pgStore) AppendIfEligible(ctx context.Context, rec campaign.SendRecord, window time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		rec.CampaignID+"\x00"+rec.RecipientID); err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO send_records(campaign_id, recipient_id, sent_at)
		SELECT $1, $2, $3
		WHERE NOT EXISTS (
			SELECT 1 FROM send_records
			WHERE campaign_id = $1 AND recipient_id = $2 AND sent_at > $4
		)`, rec.CampaignID, rec.RecipientID, rec.SentAt, rec.SentAt.Add(-window))
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgStore) EligibleRecipients(ctx context.Context, _ campaign.Campaign) ([]string, error) {
	q, args, err := s.sb.Select("recipient_id").From("subscribers").
		Where(sq.Eq{"active": true}).
		OrderBy("subscribed_at", "recipient_id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recipients select: %w", err)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *pgStore) Subscribe(ctx context.Context, sub campaign.Subscriber) error {
	if strings.TrimSpace(sub.RecipientID) == "" {
		return campaign.ErrEmptyID
	}
	at := sub.SubscribedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscribers(recipient_id, chat_id, username, active, subscribed_at)
		VALUES($1, $2, $3, TRUE, $4)
		ON CONFLICT (recipient_id) DO UPDATE SET
			chat_id = EXCLUDED.chat_id, username = EXCLUDED.username,
			subscribed_at = CASE WHEN subscribers.active THEN subscribers.subscribed_at ELSE EXCLUDED.subscribed_at END,
			active = TRUE`,
		sub.RecipientID, sub.ChatID, nullStr(sub.Username), at)
	return err
}

func (s *pgStore) Unsubscribe(ctx context.Context, recipientID string) error {
	q, args, err := s.sb.Update("subscribers").Set("active", false).Where(sq.Eq{"recipient_id": recipientID}).ToSql()
	if err != nil {
		return fmt.Errorf("build unsubscribe: %w", err)
	}
	_, err = s.db.Exec(ctx, q, args...)
	return err
}

var pgTaskCols = []string{"id", "kind", "campaign_id", "run_at", "status", "attempts", "last_error", "created_at", "updated_at"}

func scanPGTask(r pgx.Row) (queue.Task, error) {
	var (
		t            queue.Task
		kind, status string
		lastErr      *string
	)
	if err := r.Scan(&t.ID, &kind, &t.CampaignID, &t.RunAt, &status, &t.Attempts, &lastErr, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return queue.Task{}, err
	}
	t.Kind, t.Status = queue.Kind(kind), queue.Status(status)
	if lastErr != nil {
		t.LastError = *lastErr
	}
	return t, nil
}

func (s *pgStore) InsertTask(ctx context.Context, t queue.Task) error {
	q, args, err := s.sb.Insert("tasks").Columns(pgTaskCols...).
		Values(t.ID, string(t.Kind), t.CampaignID, t.RunAt, string(t.Status), t.Attempts, nullStr(t.LastError), t.CreatedAt, t.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build task insert: %w", err)
	}
	_, err = s.db.Exec(ctx, q, args...)
	return err
}

func (s *pgStore) FindPendingTask(ctx context.Context, kind queue.Kind, campaignID string, after time.Time) (queue.Task, bool, error) {
	q, args, err := s.sb.Select(pgTaskCols...).From("tasks").
		Where(sq.Eq{"kind": string(kind), "campaign_id": campaignID, "status": string(queue.StatusPending)}).
		Where(sq.Gt{"run_at": after}).
		OrderBy("run_at").Limit(1).ToSql()
	if err != nil {
		return queue.Task{}, false, fmt.Errorf("build pending select: %w", err)
	}
	t, err := scanPGTask(s.db.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.Task{}, false, nil
	}
	if err != nil {
		return queue.Task{}, false, err
	}
	return t, true, nil
}

func (s *pgStore) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]queue.Task, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := s.db.Query(ctx, `
		UPDATE tasks SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = $3 AND run_at <= $2
			ORDER BY run_at, id
			LIMIT $4 FOR UPDATE SKIP LOCKED
		)
		RETURNING `+strings.Join(pgTaskCols, ", "),
		string(queue.StatusRunning), now, string(queue.StatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []queue.Task
	for rows.Next() {
		t, err := scanPGTask(rows)
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

func (s *pgStore) FinishTask(ctx context.Context, id string, status queue.Status, attempts int, lastErr string, at time.Time) error {
	q, args, err := s.sb.Update("tasks").
		Set("status", string(status)).
		Set("attempts", sq.Expr("attempts + ?", attempts)).
		Set("last_error", nullStr(lastErr)).
		Set("updated_at", at).
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build task finish: %w", err)
	}
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) RequeueRunning(ctx context.Context, at time.Time) (int, error) {
	q, args, err := s.sb.Update("tasks").
		Set("status", string(queue.StatusPending)).
		Set("updated_at", at).
		Where(sq.Eq{"status": string(queue.StatusRunning)}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build requeue: %w", err)
	}
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) ListTasks(ctx context.Context, status queue.Status, limit int) ([]queue.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	b := s.sb.Select(pgTaskCols...).From("tasks").OrderBy("run_at", "id").Limit(uint64(limit))
	if status != "" {
		b = b.Where(sq.Eq{"status": string(status)})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build task list: %w", err)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []queue.Task
	for rows.Next() {
		t, err := scanPGTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *pgStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	q, args, err := s.sb.Insert("audit").
		Columns("at", "actor", "source", "action", "target", "ok", "fail", "err", "took_ms").
		Values(e.At, nullStr(e.Actor), e.Source, e.Action, nullStr(e.Target), e.OK, e.Fail, nullStr(e.Error), e.TookMS).
		ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert: %w", err)
	}
	_, err = s.db.Exec(ctx, q, args...)
	return err
}

func (s *pgStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q, args, err := s.sb.Select("at", "coalesce(actor, '')", "source", "action", "coalesce(target, '')", "ok", "fail", "coalesce(err, '')", "took_ms").
		From("audit").OrderBy("id DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit select: %w", err)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.At, &e.Actor, &e.Source, &e.Action, &e.Target, &e.OK, &e.Fail, &e.Error, &e.TookMS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
