package roster

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Student is a class-roster entry. Enrollment embeddings and attendance
// records reference students by id.
type Student struct {
	ID        string    `json:"id"`
	ClassID   string    `json:"class_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository persists the class roster in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Add registers a student in a class.
func (r *Repository) Add(ctx context.Context, st Student) (Student, error) {
	if st.ClassID == "" {
		return Student{}, errors.New("class id required")
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO students (id, class_id, name)
		VALUES ($1,$2,$3)
		RETURNING created_at
	`, st.ID, st.ClassID, st.Name)
	if err := row.Scan(&st.CreatedAt); err != nil {
		return Student{}, err
	}
	return st, nil
}

// Get returns a student by id, nil when unknown.
func (r *Repository) Get(ctx context.Context, id string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, class_id, name, created_at FROM students WHERE id = $1
	`, id)
	var st Student
	if err := row.Scan(&st.ID, &st.ClassID, &st.Name, &st.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

// RegisterDevice records a device-token issuance against the student it
// was issued for, so issued tokens stay auditable.
func (r *Repository) RegisterDevice(ctx context.Context, deviceID, studentID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, student_id)
		VALUES ($1,$2)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID, studentID)
	return err
}

// ListByClass returns the roster for a class.
func (r *Repository) ListByClass(ctx context.Context, classID string) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, class_id, name, created_at FROM students
		WHERE class_id = $1 ORDER BY name
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.ClassID, &st.Name, &st.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}
