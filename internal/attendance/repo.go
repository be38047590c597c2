package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes a record with insert-if-absent semantics. The unique
// key (session_id, student_id) realizes first-match-wins: the return
// value reports whether this call created the row.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CheckedInAt.IsZero() {
		rec.CheckedInAt = time.Now().UTC()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, checked_in_at, status, match_score, image_url)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id, student_id) DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.SessionID, rec.StudentID, rec.CheckedInAt, rec.Status, rec.MatchScore, rec.ImageURL)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Conflict: someone else won the race. Surface their row.
			existing, gerr := r.Get(ctx, rec.SessionID, rec.StudentID)
			if gerr != nil {
				return Record{}, false, gerr
			}
			if existing == nil {
				return Record{}, false, errors.New("insert conflicted but no existing record found")
			}
			return *existing, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

// Get returns the record for (session, student), nil when none exists.
func (r *Repository) Get(ctx context.Context, sessionID, studentID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, checked_in_at, status, match_score, image_url, created_at
		FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.CheckedInAt, &rec.Status, &rec.MatchScore, &rec.ImageURL, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ListBySession returns all records for a session ordered by check-in.
func (r *Repository) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, checked_in_at, status, match_score, image_url, created_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY checked_in_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.CheckedInAt, &rec.Status, &rec.MatchScore, &rec.ImageURL, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// BackfillAbsent inserts absent records for every student of the class
// who has no row in the session. Insert-if-absent keeps it from ever
// clobbering a present or late row, so it is safe to call repeatedly.
func (r *Repository) BackfillAbsent(ctx context.Context, sessionID, classID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, checked_in_at, status)
		SELECT gen_random_uuid(), $1, st.id, NOW(), 'absent'
		FROM students st
		WHERE st.class_id = $2
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, sessionID, classID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
