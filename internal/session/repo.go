package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists sessions in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new session after retiring any expired active row
// of the class. The busy check agrees with the partial unique index on
// (class_id) WHERE status='active' only once expiry has been persisted,
// so an unread expired session cannot linger and wedge creation. The
// index stays the backstop under concurrent creates.
func (r *Repository) Create(ctx context.Context, s Session) (Session, error) {
	if err := s.Validate(); err != nil {
		return Session{}, err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Status = StatusActive

	if err := r.expireClass(ctx, s.ClassID); err != nil {
		return Session{}, err
	}

	var busy bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sessions
			WHERE class_id = $1 AND status = 'active'
		)
	`, s.ClassID).Scan(&busy)
	if err != nil {
		return Session{}, err
	}
	if busy {
		return Session{}, ErrClassBusy
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, class_id, teacher_id, start_at, end_at, on_time_limit_min, capture_interval_min, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at
	`, s.ID, s.ClassID, s.TeacherID, s.StartAt, s.EndAt, s.OnTimeLimitMin, s.CaptureIntervalMin, s.Status)
	if err := row.Scan(&s.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return Session{}, ErrClassBusy
		}
		return Session{}, err
	}
	return s, nil
}

// expireClass persists the end transition for active sessions of the
// class whose window has already closed.
func (r *Repository) expireClass(ctx context.Context, classID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'ended', ended_at = NOW()
		WHERE class_id = $1 AND status = 'active' AND end_at <= NOW()
	`, classID)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Get loads a session, applying lazy expiry: a session read after its
// end time is transitioned to ended before being returned, so callers
// never observe a zombie active session.
func (r *Repository) Get(ctx context.Context, id string) (*Session, error) {
	s, err := r.scanOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Expired(time.Now().UTC()) {
		if err := r.End(ctx, id); err != nil {
			return nil, err
		}
		s.Status = StatusEnded
	}
	return s, nil
}

// End marks a session ended. Idempotent: ending an ended session is a
// no-op.
func (r *Repository) End(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'ended', ended_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Either already ended or missing; distinguish for callers.
		if _, err := r.scanOne(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListByClass returns recent sessions for a class, newest first. Lazy
// expiry is persisted first, same as Get, so listings never leave
// zombie active rows behind.
func (r *Repository) ListByClass(ctx context.Context, classID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if err := r.expireClass(ctx, classID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, class_id, teacher_id, start_at, end_at, on_time_limit_min, capture_interval_min, status, created_at
		FROM sessions WHERE class_id = $1
		ORDER BY start_at DESC LIMIT $2
	`, classID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Session
	now := time.Now().UTC()
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.ClassID, &s.TeacherID, &s.StartAt, &s.EndAt, &s.OnTimeLimitMin, &s.CaptureIntervalMin, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		if s.Expired(now) {
			s.Status = StatusEnded
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r *Repository) scanOne(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, class_id, teacher_id, start_at, end_at, on_time_limit_min, capture_interval_min, status, created_at
		FROM sessions WHERE id = $1
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.ClassID, &s.TeacherID, &s.StartAt, &s.EndAt, &s.OnTimeLimitMin, &s.CaptureIntervalMin, &s.Status, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}
