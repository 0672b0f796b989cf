package taskstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/claudia-review/internal/domain"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no task matches the given id
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a compare-and-swap loses, or a delete
	// targets a running task
	ErrConflict = errors.New("task state conflict")
	// ErrAlreadyExists is returned by Create when a task for the same Slack
	// post already exists. The existing task is returned alongside it, so
	// re-ingestion treats this as a no-op rather than a failure.
	ErrAlreadyExists = errors.New("task already exists for post")
)

// Store provides SQLite-backed review task persistence. Every mutating
// operation is atomic per record; status changes go through ApplyTransition's
// compare-and-swap so concurrent actors never interleave partial writes.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection sidesteps SQLITE_BUSY between concurrent writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new pending task for the candidate's Slack post. If a task
// for the same post already exists the insert is a no-op and the existing
// task is returned together with ErrAlreadyExists.
func (s *Store) Create(candidate *domain.Task) (*domain.Task, error) {
	now := time.Now().UTC()

	var prOwner, prRepo, prURL sql.NullString
	var prNumber sql.NullInt64
	if candidate.PR != nil {
		prOwner = sql.NullString{String: candidate.PR.Owner, Valid: true}
		prRepo = sql.NullString{String: candidate.PR.Repo, Valid: true}
		prNumber = sql.NullInt64{Int64: int64(candidate.PR.Number), Valid: true}
		prURL = sql.NullString{String: candidate.PR.URL, Valid: true}
	}

	res, err := s.db.Exec(`
		INSERT INTO review_tasks (slack_post_id, slack_channel_id, slack_message_ts, author_name, post_content,
			pr_owner, pr_repo, pr_number, pr_url, selected, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slack_post_id) DO NOTHING
	`,
		candidate.SlackPostID,
		candidate.SlackChannelID,
		candidate.SlackMessageTS,
		candidate.AuthorName,
		candidate.PostContent,
		prOwner, prRepo, prNumber, prURL,
		candidate.Selected,
		string(domain.StatusPending),
		now, now,
	)
	if err != nil {
		return nil, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		existing, err := s.GetByPostID(candidate.SlackPostID)
		if err != nil {
			return nil, err
		}
		return existing, ErrAlreadyExists
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

// Get retrieves a task by id
func (s *Store) Get(id int64) (*domain.Task, error) {
	row := s.db.QueryRow(selectColumns+` FROM review_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// GetByPostID retrieves a task by its Slack post id
func (s *Store) GetByPostID(postID string) (*domain.Task, error) {
	row := s.db.QueryRow(selectColumns+` FROM review_tasks WHERE slack_post_id = ?`, postID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// ListOptions specifies filters for listing tasks
type ListOptions struct {
	Status       domain.ReviewStatus
	SelectedOnly bool
}

// List returns tasks matching the given options, oldest first. Each call is a
// fresh snapshot, not a live cursor.
func (s *Store) List(opts ListOptions) ([]*domain.Task, error) {
	query := selectColumns + ` FROM review_tasks WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.SelectedOnly {
		query += " AND selected = TRUE"
	}

	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// TransitionFields carries the fields set alongside a status transition.
// Nil pointers leave the column untouched.
type TransitionFields struct {
	SessionID    *string
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// ApplyTransition performs a compare-and-swap on a task's status: it succeeds
// only if the current status equals from, atomically setting status = to plus
// the supplied fields. On mismatch it returns ErrConflict with no side
// effects; callers re-read and re-decide.
func (s *Store) ApplyTransition(id int64, from, to domain.ReviewStatus, fields TransitionFields) (*domain.Task, error) {
	if !domain.ValidStatus(to) {
		return nil, fmt.Errorf("invalid target status %q", to)
	}

	query := `UPDATE review_tasks SET status = ?, updated_at = ?`
	args := []interface{}{string(to), time.Now().UTC()}

	if fields.SessionID != nil {
		query += ", session_id = ?"
		args = append(args, *fields.SessionID)
	}
	if fields.ErrorMessage != nil {
		query += ", error_message = ?"
		args = append(args, *fields.ErrorMessage)
	}
	if fields.StartedAt != nil {
		query += ", started_at = ?"
		args = append(args, fields.StartedAt.UTC())
	}
	if fields.CompletedAt != nil {
		query += ", completed_at = ?"
		args = append(args, fields.CompletedAt.UTC())
	}

	query += " WHERE id = ? AND status = ?"
	args = append(args, id, string(from))

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		if _, err := s.Get(id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}

	return s.Get(id)
}

// SetSessionID records the session bound to a running task. This is a
// conditional field set, not a status change: it only applies while the task
// is still running, so a concurrent cancel wins with ErrConflict.
func (s *Store) SetSessionID(id int64, sessionID string) error {
	res, err := s.db.Exec(`UPDATE review_tasks SET session_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		sessionID, time.Now().UTC(), id, string(domain.StatusRunning))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.Get(id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// SetSelected toggles the review-selection flag on the task for a Slack post
func (s *Store) SetSelected(postID string, selected bool) error {
	res, err := s.db.Exec(`UPDATE review_tasks SET selected = ?, updated_at = ? WHERE slack_post_id = ?`,
		selected, time.Now().UTC(), postID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a task. Running tasks cannot be deleted; they must be
// cancelled first.
func (s *Store) Delete(id int64) error {
	res, err := s.db.Exec(`DELETE FROM review_tasks WHERE id = ? AND status != ?`,
		id, string(domain.StatusRunning))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.Get(id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// PruneTerminalBefore deletes completed, failed and cancelled tasks whose
// completion predates cutoff. Returns the number of tasks removed.
func (s *Store) PruneTerminalBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM review_tasks
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`,
		string(domain.StatusCompleted),
		string(domain.StatusFailed),
		string(domain.StatusCancelled),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const selectColumns = `SELECT id, slack_post_id, slack_channel_id, slack_message_ts, author_name, post_content,
	pr_owner, pr_repo, pr_number, pr_url, selected, status, session_id, error_message,
	created_at, updated_at, started_at, completed_at`

// scanner is satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var status string
	var prOwner, prRepo, prURL sql.NullString
	var prNumber sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.SlackPostID, &task.SlackChannelID, &task.SlackMessageTS,
		&task.AuthorName, &task.PostContent,
		&prOwner, &prRepo, &prNumber, &prURL,
		&task.Selected, &status, &task.SessionID, &task.ErrorMessage,
		&task.CreatedAt, &task.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = domain.ReviewStatus(status)
	if prURL.Valid && prURL.String != "" {
		task.PR = &domain.PullRequestRef{
			Owner:  prOwner.String,
			Repo:   prRepo.String,
			Number: int(prNumber.Int64),
			URL:    prURL.String,
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}

	return &task, nil
}
