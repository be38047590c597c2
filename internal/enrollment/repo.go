package enrollment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Repository persists enrolled embeddings in Postgres. Vectors are
// stored as JSON arrays; at ~128 floats per row the round-trip cost is
// negligible next to the network hop.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertActive deactivates any prior active row for the student and
// inserts the new one. Both statements run in one transaction so a
// concurrent reader never observes the transient zero-active state.
func (r *Repository) InsertActive(ctx context.Context, e EnrolledEmbedding) (EnrolledEmbedding, error) {
	if e.StudentID == "" {
		return EnrolledEmbedding{}, errors.New("student id required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Active = true

	vec, err := json.Marshal(e.Vector)
	if err != nil {
		return EnrolledEmbedding{}, fmt.Errorf("encode vector: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return EnrolledEmbedding{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE enrolled_embeddings SET active = FALSE, updated_at = NOW()
		WHERE student_id = $1 AND active = TRUE
	`, e.StudentID); err != nil {
		return EnrolledEmbedding{}, err
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO enrolled_embeddings (id, student_id, vector, quality, source, image_count, active)
		VALUES ($1,$2,$3,$4,$5,$6,TRUE)
		RETURNING created_at, updated_at
	`, e.ID, e.StudentID, vec, e.Quality, e.Source, e.ImageCount)
	if err := row.Scan(&e.CreatedAt, &e.UpdatedAt); err != nil {
		return EnrolledEmbedding{}, err
	}

	if err := tx.Commit(); err != nil {
		return EnrolledEmbedding{}, err
	}
	return e, nil
}

// GetActive returns the student's active embedding, or nil when the
// student has never enrolled (or was deactivated).
func (r *Repository) GetActive(ctx context.Context, studentID string) (*EnrolledEmbedding, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, vector, quality, source, image_count, active, created_at, updated_at
		FROM enrolled_embeddings
		WHERE student_id = $1 AND active = TRUE
		ORDER BY created_at DESC LIMIT 1
	`, studentID)

	var e EnrolledEmbedding
	var vec []byte
	err := row.Scan(&e.ID, &e.StudentID, &vec, &e.Quality, &e.Source, &e.ImageCount, &e.Active, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(vec, (*[]float32)(&e.Vector)); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return &e, nil
}

// Deactivate retires the student's active embedding without replacement.
func (r *Repository) Deactivate(ctx context.Context, studentID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE enrolled_embeddings SET active = FALSE, updated_at = NOW()
		WHERE student_id = $1 AND active = TRUE
	`, studentID)
	return err
}
