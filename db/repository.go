package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// allowedTransitions is the request state machine. Recovery back to PENDING
// goes through RecoverInterrupted, not UpdateStatus.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Repository provides typed CRUD operations over the generation tables.
// Every status mutation runs in its own transaction.
type Repository struct {
	db  *Database
	now func() time.Time
}

// NewRepository creates a Repository over db.
func NewRepository(db *Database) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Database returns the underlying Database.
func (r *Repository) Database() *Database {
	return r.db
}

// CreateRequest inserts a new request. ID, Mode, Status and timestamps are
// filled in when empty; the request is always created PENDING.
func (r *Repository) CreateRequest(ctx context.Context, req *Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Mode == "" {
		req.Mode = ModeSD
	}
	if !req.Mode.Valid() {
		return fmt.Errorf("unknown generation mode %q", req.Mode)
	}
	req.Status = StatusPending
	req.ErrorMessage = nil
	now := r.now()
	req.CreatedAt, req.UpdatedAt = now, now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO generation_requests
			(id, guild_id, user_id, thread_id, original_instruction, web_research, mode, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.GuildID, req.UserID, req.ThreadID, req.OriginalInstruction,
		req.WebResearch, string(req.Mode), string(req.Status), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to insert generation request: %w", err)
	}
	return nil
}

const requestColumns = `id, guild_id, user_id, thread_id, original_instruction, web_research,
	mode, status, error_message, created_at, updated_at`

func scanRequest(row RowScanner) (*Request, error) {
	var (
		req                  Request
		mode, status         string
		errMsg               sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&req.ID, &req.GuildID, &req.UserID, &req.ThreadID, &req.OriginalInstruction,
		&req.WebResearch, &mode, &status, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	req.Mode = Mode(mode)
	req.Status = Status(status)
	if errMsg.Valid {
		msg := errMsg.String
		req.ErrorMessage = &msg
	}

	var err error
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if req.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &req, nil
}

// GetRequest loads a request by id. It returns ErrNotFound when absent.
func (r *Repository) GetRequest(ctx context.Context, id string) (*Request, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM generation_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("generation request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load generation request: %w", err)
	}
	return req, nil
}

// UpdateStatus moves a request to status inside one read-modify-write
// transaction. errMsg is stored only for FAILED and must be non-empty there.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if status == StatusFailed && errMsg == "" {
		errMsg = "unknown error"
	}

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM generation_requests WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("generation request %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read request status: %w", err)
		}

		if !canTransition(Status(current), status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
		}

		var msg interface{}
		if status == StatusFailed {
			msg = errMsg
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE generation_requests SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			string(status), msg, formatTime(r.now()), id,
		); err != nil {
			return fmt.Errorf("failed to update request status: %w", err)
		}
		return nil
	})
}

// RecoverInterrupted resets every PENDING or PROCESSING request to PENDING and
// returns them oldest first. Called once at queue startup: a PROCESSING row
// left by a previous process is not actually in flight.
func (r *Repository) RecoverInterrupted(ctx context.Context) ([]Request, error) {
	var recovered []Request

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+requestColumns+` FROM generation_requests
			WHERE status IN ('PENDING', 'PROCESSING')
			ORDER BY created_at ASC`)
		if err != nil {
			return fmt.Errorf("failed to query interrupted requests: %w", err)
		}
		for rows.Next() {
			req, err := scanRequest(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan request row: %w", err)
			}
			recovered = append(recovered, *req)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating request rows: %w", err)
		}
		rows.Close()

		if len(recovered) == 0 {
			return nil
		}

		now := formatTime(r.now())
		if _, err := tx.ExecContext(ctx, `UPDATE generation_requests
			SET status = 'PENDING', error_message = NULL, updated_at = ?
			WHERE status = 'PROCESSING'`, now); err != nil {
			return fmt.Errorf("failed to reset interrupted requests: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range recovered {
		recovered[i].Status = StatusPending
	}
	return recovered, nil
}

// ListRequests returns the most recent requests, optionally filtered by status.
func (r *Repository) ListRequests(ctx context.Context, status Status, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + requestColumns + ` FROM generation_requests`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query generation requests: %w", err)
	}
	defer rows.Close()

	var requests []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request row: %w", err)
		}
		requests = append(requests, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating request rows: %w", err)
	}
	return requests, nil
}

// CountByStatus returns the number of requests per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM generation_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}
