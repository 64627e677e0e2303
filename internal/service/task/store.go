package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskchat/internal/models"
)

// ErrNotFound is returned when a task does not exist or belongs to another user.
var ErrNotFound = errors.New("task not found")

const (
	titleMaxLen       = 200
	descriptionMaxLen = 1000
	listLimitDefault  = 50
	listLimitMax      = 100
)

// Status filters for List.
const (
	StatusAll        = "all"
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
)

// Store persists tasks for the tool handlers and the REST surface.
type Store struct {
	db *sql.DB
}

// NewStore builds a task store over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Filter narrows List results.
type Filter struct {
	Status string
	Limit  int
	Offset int
}

// Patch carries optional field updates; nil fields are left unchanged.
type Patch struct {
	Title       *string
	Description *string
	DueDate     *time.Time
}

// Create inserts a new incomplete task for the user.
func (s *Store) Create(ctx context.Context, userID int64, title, description string, dueDate *time.Time) (*models.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title is required")
	}
	if len(title) > titleMaxLen {
		return nil, fmt.Errorf("title exceeds %d characters", titleMaxLen)
	}
	if len(description) > descriptionMaxLen {
		return nil, fmt.Errorf("description exceeds %d characters", descriptionMaxLen)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (user_id, title, description, completed, due_date, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?)`,
		userID, title, description, dueDate, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("task id: %w", err)
	}
	return &models.Task{
		ID:          id,
		UserID:      userID,
		Title:       title,
		Description: description,
		DueDate:     dueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// List returns the user's tasks matching the filter plus the total match count.
func (s *Store) List(ctx context.Context, userID int64, filter Filter) ([]models.Task, int, error) {
	where := `WHERE user_id = ?`
	args := []interface{}{userID}
	switch filter.Status {
	case "", StatusAll:
	case StatusComplete:
		where += ` AND completed = 1`
	case StatusIncomplete:
		where += ` AND completed = 0`
	default:
		return nil, 0, fmt.Errorf("invalid status filter: %s", filter.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = listLimitDefault
	}
	if limit > listLimitMax {
		limit = listLimitMax
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, user_id, title, description, completed, due_date, created_at, updated_at
		FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]models.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, total, rows.Err()
}

// Get returns one task owned by the user.
func (s *Store) Get(ctx context.Context, userID, taskID int64) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, description, completed, due_date, created_at, updated_at
		 FROM tasks WHERE id = ? AND user_id = ?`,
		taskID, userID,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// Update applies the patch to a task owned by the user.
func (s *Store) Update(ctx context.Context, userID, taskID int64, patch Patch) (*models.Task, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, errors.New("title cannot be empty")
		}
		if len(title) > titleMaxLen {
			return nil, fmt.Errorf("title exceeds %d characters", titleMaxLen)
		}
		sets = append(sets, "title = ?")
		args = append(args, title)
	}
	if patch.Description != nil {
		if len(*patch.Description) > descriptionMaxLen {
			return nil, fmt.Errorf("description exceeds %d characters", descriptionMaxLen)
		}
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.DueDate != nil {
		sets = append(sets, "due_date = ?")
		args = append(args, *patch.DueDate)
	}

	args = append(args, taskID, userID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("task rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, userID, taskID)
}

// SetCompleted marks a task complete or incomplete.
func (s *Store) SetCompleted(ctx context.Context, userID, taskID int64, completed bool) (*models.Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET completed = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		completed, time.Now().UTC(), taskID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("set task completed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("task rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, userID, taskID)
}

// Delete removes a task owned by the user.
func (s *Store) Delete(ctx context.Context, userID, taskID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, taskID, userID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var description sql.NullString
	var due sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &description, &t.Completed, &due, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Description = description.String
	if due.Valid {
		d := due.Time
		t.DueDate = &d
	}
	return &t, nil
}
