package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trackflow/internal/clock"
	"trackflow/internal/domain"
)

var ErrNotFound = errors.New("task not found")

const taskColumns = `id,site_id,type,identity,identity_type,created_at,updated_at,activity_json,activity_model_version,status,priority,retry_count,last_status_code,error_reason`

// Store is the durable tracking task table. Every mutating call runs in a
// single transaction scoped to one site.
type Store struct {
	db     *sql.DB
	siteID string
	clock  clock.Clock
	ids    domain.IDGenerator
	logger zerolog.Logger
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithIDGenerator(g domain.IDGenerator) Option {
	return func(s *Store) {
		if g != nil {
			s.ids = g
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func NewStore(db *sql.DB, siteID string, opts ...Option) *Store {
	s := &Store{
		db:     db,
		siteID: siteID,
		clock:  clock.RealClock{},
		ids:    domain.UUIDGenerator{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "task_store").Str("site_id", siteID).Logger()
	return s
}

// SiteID is the workspace the store is scoped to.
func (s *Store) SiteID() string { return s.siteID }

// InsertTask stores t.Activity. A mergeable activity is folded into the newest
// row of the same kind that is not reserved, in flight or sent; otherwise a
// fresh PENDING row is created. Identify also adopts anonymous rows.
func (s *Store) InsertTask(ctx context.Context, t domain.Task) (string, error) {
	if err := t.Activity.Validate(); err != nil {
		s.logger.Error().Err(err).Msg("unable to add activity to queue, skipping task")
		return "", err
	}

	var id string
	err := runInTx(ctx, s.db, s.logger, func(ctx context.Context, tx *sql.Tx) error {
		now := s.clock.Now()
		activity := t.Activity

		var existing *domain.QueueTask
		if activity.IsMergeable() {
			found, err := s.findMergeCandidate(ctx, tx, activity.Type)
			if err != nil {
				return err
			}
			if found != nil {
				stored, err := domain.DecodeActivity(found.ActivityJSON)
				if err != nil {
					s.logger.WithLevel(zerolog.FatalLevel).Err(err).
						Str("task_id", found.ID).
						Int("model_version", found.ActivityModelVersion).
						Msg("failed to parse stored activity, inserting without merge")
				} else {
					activity = activity.Merge(stored)
					existing = found
				}
			}
		}

		raw, err := domain.EncodeActivity(activity)
		if err != nil {
			return err
		}

		if existing != nil {
			id = existing.ID
			_, err = tx.ExecContext(ctx, `
UPDATE tracking_tasks
SET identity=?, identity_type=?, activity_json=?, activity_model_version=?, status='PENDING',
    priority=MAX(priority, ?), retry_count=0, last_status_code=NULL, error_reason=NULL, updated_at=?
WHERE id=? AND site_id=?`,
				nullString(t.ProfileIdentifier), string(t.IdentityType), raw, activity.ModelVersion,
				t.Priority, now.UnixMilli(), id, s.siteID)
			if err != nil {
				return fmt.Errorf("merge task %s: %w", id, err)
			}
		} else {
			ts := clock.EpochSeconds(now)
			if activity.Timestamp != nil {
				ts = *activity.Timestamp
			}
			id = domain.NewTaskID(activity.Type, ts, s.ids)
			_, err = tx.ExecContext(ctx, `
INSERT INTO tracking_tasks (id,site_id,type,identity,identity_type,created_at,updated_at,activity_json,activity_model_version,status,priority,retry_count)
VALUES (?,?,?,?,?,?,?,?,?,'PENDING',?,0)`,
				id, s.siteID, string(activity.Type), nullString(t.ProfileIdentifier), string(t.IdentityType),
				now.UnixMilli(), now.UnixMilli(), raw, activity.ModelVersion, t.Priority)
			if err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
		}

		if activity.Type == domain.KindIdentify && t.ProfileIdentifier != nil {
			res, err := tx.ExecContext(ctx, `
UPDATE tracking_tasks
SET identity=?, identity_type=?, updated_at=?
WHERE site_id=? AND identity IS NULL AND type <> 'metric' AND status IN ('PENDING','QUEUED','FAILED')`,
				*t.ProfileIdentifier, string(t.IdentityType), now.UnixMilli(), s.siteID)
			if err != nil {
				return fmt.Errorf("adopt anonymous tasks: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				s.logger.Debug().Int64("task_count", n).Str("identity_type", string(t.IdentityType)).Msg("anonymous tasks identified")
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(t.Activity.Type)).Msg("unable to add activity to queue, skipping task")
		return "", err
	}
	s.logger.Debug().Str("task_id", id).Str("type", string(t.Activity.Type)).Msg("task added to queue")
	return id, nil
}

func (s *Store) findMergeCandidate(ctx context.Context, tx *sql.Tx, kind domain.Kind) (*domain.QueueTask, error) {
	row := tx.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tracking_tasks
WHERE site_id=? AND type=? AND status NOT IN ('QUEUED','SENDING','SENT')
ORDER BY created_at DESC
LIMIT 1`, s.siteID, string(kind))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find merge candidate: %w", err)
	}
	return &t, nil
}

// SelectBatchCandidates returns up to limit PENDING or FAILED rows, most urgent
// and oldest first, and reserves them as QUEUED in the same transaction so no
// other reader can select them. Rows named in exclude are skipped.
func (s *Store) SelectBatchCandidates(ctx context.Context, limit int, exclude ...string) ([]domain.QueueTask, error) {
	var tasks []domain.QueueTask
	err := runInTx(ctx, s.db, s.logger, func(ctx context.Context, tx *sql.Tx) error {
		query := `
SELECT ` + taskColumns + `
FROM tracking_tasks
WHERE site_id=? AND status IN ('PENDING','FAILED')`
		args := []any{s.siteID}
		if len(exclude) > 0 {
			query += ` AND id NOT IN (` + placeholders(len(exclude)) + `)`
			args = appendStrings(args, exclude)
		}
		query += `
ORDER BY priority DESC, created_at ASC
LIMIT ?`
		args = append(args, limit)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select batch candidates: %w", err)
		}
		tasks, err = scanTasks(rows)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}

		ids := make([]string, len(tasks))
		for i := range tasks {
			ids[i] = tasks[i].ID
		}
		if err := s.updateStatusTx(ctx, tx, domain.StatusQueued, ids); err != nil {
			return err
		}
		for i := range tasks {
			tasks[i].Status = domain.StatusQueued
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateStatus moves every task in ids to status.
func (s *Store) UpdateStatus(ctx context.Context, status domain.Status, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := runInTx(ctx, s.db, s.logger, func(ctx context.Context, tx *sql.Tx) error {
		return s.updateStatusTx(ctx, tx, status, ids)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("status", string(status)).Strs("task_ids", ids).Msg("unable to update task status")
	}
	return err
}

func (s *Store) updateStatusTx(ctx context.Context, tx *sql.Tx, status domain.Status, ids []string) error {
	args := []any{string(status), s.clock.Now().UnixMilli(), s.siteID}
	args = appendStrings(args, ids)
	_, err := tx.ExecContext(ctx, `
UPDATE tracking_tasks SET status=?, updated_at=?
WHERE site_id=? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("update status to %s: %w", status, err)
	}
	return nil
}

// ApplyResponses writes delivery outcomes. Every non-SENT outcome counts as a
// retry.
func (s *Store) ApplyResponses(ctx context.Context, responses []domain.TaskResponse) error {
	if len(responses) == 0 {
		return nil
	}
	err := runInTx(ctx, s.db, s.logger, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
UPDATE tracking_tasks
SET status=?, last_status_code=?, error_reason=?, retry_count=retry_count+?, updated_at=?
WHERE site_id=? AND id=?`)
		if err != nil {
			return fmt.Errorf("prepare response update: %w", err)
		}
		defer stmt.Close()

		now := s.clock.Now().UnixMilli()
		for _, r := range responses {
			retry := 0
			if r.CountsAsRetry() {
				retry = 1
			}
			var code sql.NullInt64
			if r.StatusCode != nil {
				code = sql.NullInt64{Int64: int64(*r.StatusCode), Valid: true}
			}
			var reason sql.NullString
			if r.ErrorReason != nil {
				reason = sql.NullString{String: string(*r.ErrorReason), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, string(r.NewStatus), code, reason, retry, now, s.siteID, r.TaskID); err != nil {
				return fmt.Errorf("apply response for %s: %w", r.TaskID, err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Int("task_count", len(responses)).Msg("unable to update response status")
	}
	return err
}

// PurgeTerminal deletes SENT and INVALID rows for the store's site.
func (s *Store) PurgeTerminal(ctx context.Context) (int, error) {
	var n int64
	err := runInTx(ctx, s.db, s.logger, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tracking_tasks WHERE site_id=? AND status IN ('SENT','INVALID')`, s.siteID)
		if err != nil {
			return fmt.Errorf("purge terminal tasks: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("unable to clear expired tasks")
		return 0, err
	}
	return int(n), nil
}

// RecoverStale returns rows left QUEUED or SENDING by a process that died
// mid-cycle to PENDING.
func (s *Store) RecoverStale(ctx context.Context) (int, error) {
	var n int64
	err := runInTx(ctx, s.db, s.logger, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE tracking_tasks SET status='PENDING', updated_at=?
WHERE site_id=? AND status IN ('QUEUED','SENDING')`, s.clock.Now().UnixMilli(), s.siteID)
		if err != nil {
			return fmt.Errorf("recover stale tasks: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

func (s *Store) Get(ctx context.Context, id string) (domain.QueueTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tracking_tasks WHERE site_id=? AND id=?`, s.siteID, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueTask{}, ErrNotFound
	}
	return t, err
}

// ListRecent returns the newest rows first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]domain.QueueTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM tracking_tasks WHERE site_id=? ORDER BY created_at DESC, id LIMIT ?`, s.siteID, limit)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tracking_tasks WHERE site_id=? GROUP BY status`, s.siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.QueueTask, error) {
	var (
		t                    domain.QueueTask
		kind, idType, status string
		identity, reason     sql.NullString
		statusCode           sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&t.ID, &t.SiteID, &kind, &identity, &idType, &createdAt, &updatedAt,
		&t.ActivityJSON, &t.ActivityModelVersion, &status, &t.Priority, &t.RetryCount, &statusCode, &reason)
	if err != nil {
		return domain.QueueTask{}, err
	}
	t.Type = domain.Kind(kind)
	t.IdentityType = domain.IdentityType(idType)
	t.Status = domain.Status(status)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	if identity.Valid {
		v := identity.String
		t.ProfileIdentifier = &v
	}
	if statusCode.Valid {
		v := int(statusCode.Int64)
		t.LastStatusCode = &v
	}
	if reason.Valid {
		v := domain.ErrorReason(reason.String)
		t.ErrorReason = &v
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.QueueTask, error) {
	defer rows.Close()
	var tasks []domain.QueueTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func appendStrings(args []any, values []string) []any {
	for _, v := range values {
		args = append(args, v)
	}
	return args
}
