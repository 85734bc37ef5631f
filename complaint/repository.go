package complaint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mickamy/grievance/events"
	"github.com/mickamy/grievance/internal/sqlutil"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the relational side of complaints. Every mutating call takes
// the caller's transaction so outbox rows commit with it.
type Repository struct {
	db      *sql.DB
	dialect sqlutil.Dialect
}

func NewRepository(db *sql.DB, dialect sqlutil.Dialect) *Repository {
	return &Repository{db: db, dialect: dialect}
}

// InTx runs fn in a transaction and commits when it returns nil.
func (r *Repository) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complaint: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("complaint: commit: %w", err)
	}
	return nil
}

const complaintColumns = `id, title, description, complainer_id, access, post_as_anonymous, location_id, status,
assigned_to, rank_level, action_taken, delegated_to, resolved_by, upvotes,
created_at, updated_at, assigned_at, resolved_at, closed_at, deleted_at`

func (r *Repository) Get(ctx context.Context, id string) (Complaint, error) {
	return r.get(ctx, r.db, id, false)
}

// lock reads the complaint and holds its row lock until tx ends.
func (r *Repository) lock(ctx context.Context, tx DBTX, id string) (Complaint, error) {
	return r.get(ctx, tx, id, true)
}

func (r *Repository) get(ctx context.Context, q DBTX, id string, forUpdate bool) (Complaint, error) {
	query := "SELECT " + complaintColumns + " FROM complaints WHERE id = ?"
	if forUpdate {
		query += r.dialect.ForUpdate()
	}
	var (
		c                                           Complaint
		access, status                              string
		assignedTo, delegatedTo, resolvedBy         sql.NullString
		assignedAt, resolvedAt, closedAt, deletedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, r.dialect.Rebind(query), id).Scan(
		&c.ID, &c.Title, &c.Description, &c.ComplainerID, &access, &c.PostAsAnonymous, &c.LocationID, &status,
		&assignedTo, &c.Rank, &c.ActionTaken, &delegatedTo, &resolvedBy, &c.Upvotes,
		&c.CreatedAt, &c.UpdatedAt, &assignedAt, &resolvedAt, &closedAt, &deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Complaint{}, fmt.Errorf("%w: complaint %s", ErrNotFound, id)
	}
	if err != nil {
		return Complaint{}, fmt.Errorf("complaint: get %s: %w", id, err)
	}
	c.Access = events.Access(access)
	c.Status = Status(status)
	c.AssignedTo = assignedTo.String
	c.DelegatedTo = delegatedTo.String
	c.ResolvedBy = resolvedBy.String
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.AssignedAt = timePtr(assignedAt)
	c.ResolvedAt = timePtr(resolvedAt)
	c.ClosedAt = timePtr(closedAt)
	c.DeletedAt = timePtr(deletedAt)
	return c, nil
}

func (r *Repository) insert(ctx context.Context, tx DBTX, c Complaint) error {
	query := r.dialect.Rebind("INSERT INTO complaints (" + complaintColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query,
		c.ID, c.Title, c.Description, c.ComplainerID, string(c.Access), c.PostAsAnonymous, c.LocationID, string(c.Status),
		sqlutil.NullString(c.AssignedTo), c.Rank, c.ActionTaken, sqlutil.NullString(c.DelegatedTo), sqlutil.NullString(c.ResolvedBy), c.Upvotes,
		c.CreatedAt, c.UpdatedAt, nullTime(c.AssignedAt), nullTime(c.ResolvedAt), nullTime(c.ClosedAt), nullTime(c.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("complaint: insert %s: %w", c.ID, err)
	}
	return nil
}

// save writes c if the stored row still has the expected status and
// assignee, and reports ErrStaleGuard otherwise.
func (r *Repository) save(ctx context.Context, tx DBTX, c Complaint, prev Complaint) error {
	query := r.dialect.Rebind(`
UPDATE complaints
SET title = ?, description = ?, access = ?, status = ?, assigned_to = ?, rank_level = ?, action_taken = ?,
    delegated_to = ?, resolved_by = ?, updated_at = ?, assigned_at = ?, resolved_at = ?, closed_at = ?, deleted_at = ?
WHERE id = ? AND status = ? AND COALESCE(assigned_to, '') = ? AND rank_level = ?`)
	res, err := tx.ExecContext(ctx, query,
		c.Title, c.Description, string(c.Access), string(c.Status), sqlutil.NullString(c.AssignedTo), c.Rank, c.ActionTaken,
		sqlutil.NullString(c.DelegatedTo), sqlutil.NullString(c.ResolvedBy), c.UpdatedAt,
		nullTime(c.AssignedAt), nullTime(c.ResolvedAt), nullTime(c.ClosedAt), nullTime(c.DeletedAt),
		c.ID, string(prev.Status), prev.AssignedTo, prev.Rank,
	)
	if err != nil {
		return fmt.Errorf("complaint: update %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complaint: update %s: %w", c.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: complaint %s changed concurrently", ErrStaleGuard, c.ID)
	}
	return nil
}

// toggleUpvote adds the user's upvote, or removes it when present, and
// recounts. The caller must hold the complaint row lock.
func (r *Repository) toggleUpvote(ctx context.Context, tx DBTX, complaintID, userID string, now time.Time) (bool, int, error) {
	insert := r.dialect.InsertIgnore("INSERT INTO complaint_upvotes (complaint_id, user_id, created_at) VALUES (?, ?, ?)")
	res, err := tx.ExecContext(ctx, r.dialect.Rebind(insert), complaintID, userID, now)
	if err != nil {
		return false, 0, fmt.Errorf("complaint: upvote %s: %w", complaintID, err)
	}
	added, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}
	upvoted := added == 1
	if !upvoted {
		if _, err := tx.ExecContext(ctx, r.dialect.Rebind(
			"DELETE FROM complaint_upvotes WHERE complaint_id = ? AND user_id = ?"), complaintID, userID); err != nil {
			return false, 0, fmt.Errorf("complaint: remove upvote %s: %w", complaintID, err)
		}
	}

	var total int
	if err := tx.QueryRowContext(ctx, r.dialect.Rebind(
		"SELECT COUNT(*) FROM complaint_upvotes WHERE complaint_id = ?"), complaintID).Scan(&total); err != nil {
		return false, 0, fmt.Errorf("complaint: count upvotes %s: %w", complaintID, err)
	}
	if _, err := tx.ExecContext(ctx, r.dialect.Rebind(
		"UPDATE complaints SET upvotes = ?, updated_at = ? WHERE id = ?"), total, now, complaintID); err != nil {
		return false, 0, fmt.Errorf("complaint: store upvotes %s: %w", complaintID, err)
	}
	return upvoted, total, nil
}

// juniorIncharge returns the least senior in-charge at the location.
func (r *Repository) juniorIncharge(ctx context.Context, tx DBTX, locationID int64) (Incharge, error) {
	return r.scanIncharge(tx.QueryRowContext(ctx, r.dialect.Rebind(
		"SELECT id, name, location_id, rank_level FROM incharges WHERE location_id = ? ORDER BY rank_level DESC LIMIT 1"),
		locationID))
}

// inchargeAt returns the in-charge holding rank at the location.
func (r *Repository) inchargeAt(ctx context.Context, tx DBTX, locationID int64, rank int) (Incharge, error) {
	return r.scanIncharge(tx.QueryRowContext(ctx, r.dialect.Rebind(
		"SELECT id, name, location_id, rank_level FROM incharges WHERE location_id = ? AND rank_level = ?"),
		locationID, rank))
}

func (r *Repository) scanIncharge(row *sql.Row) (Incharge, error) {
	var in Incharge
	err := row.Scan(&in.ID, &in.Name, &in.LocationID, &in.Rank)
	if errors.Is(err, sql.ErrNoRows) {
		return Incharge{}, ErrNotFound
	}
	if err != nil {
		return Incharge{}, fmt.Errorf("complaint: load in-charge: %w", err)
	}
	return in, nil
}

func (r *Repository) resolver(ctx context.Context, tx DBTX, id string) (Resolver, error) {
	var res Resolver
	err := tx.QueryRowContext(ctx, r.dialect.Rebind(
		"SELECT id, name, location_id FROM resolvers WHERE id = ?"), id).Scan(&res.ID, &res.Name, &res.LocationID)
	if errors.Is(err, sql.ErrNoRows) {
		return Resolver{}, fmt.Errorf("%w: resolver %s", ErrNotFound, id)
	}
	if err != nil {
		return Resolver{}, fmt.Errorf("complaint: load resolver %s: %w", id, err)
	}
	return res, nil
}

// AddIncharge registers an in-charge. Ranks are unique per location.
func (r *Repository) AddIncharge(ctx context.Context, in Incharge) error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(
		"INSERT INTO incharges (id, name, location_id, rank_level) VALUES (?, ?, ?, ?)"),
		in.ID, in.Name, in.LocationID, in.Rank)
	if err != nil {
		return fmt.Errorf("complaint: add in-charge %s: %w", in.ID, err)
	}
	return nil
}

func (r *Repository) AddResolver(ctx context.Context, res Resolver) error {
	if err := validate.Struct(res); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(
		"INSERT INTO resolvers (id, name, location_id) VALUES (?, ?, ?)"),
		res.ID, res.Name, res.LocationID)
	if err != nil {
		return fmt.Errorf("complaint: add resolver %s: %w", res.ID, err)
	}
	return nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
