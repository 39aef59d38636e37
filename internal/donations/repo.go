package donations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/communityfund/ngo-portal/internal/platform/db"
)

// Repository persists donations.
type Repository interface {
	Create(ctx context.Context, d Donation) error
	Get(ctx context.Context, id string) (Donation, error)
	List(ctx context.Context, filter ListFilter) ([]Donation, int, error)
	// Transition moves a pending donation to status.
	Transition(ctx context.Context, id string, status Status, at time.Time) (Donation, error)
	Completed(ctx context.Context, currency string) ([]Donation, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const donationColumns = `id, donor_id, donor_name, donor_email, amount_minor, currency, method, status, note, created_at, completed_at`

// Create inserts d.
func (r *PGRepository) Create(ctx context.Context, d Donation) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO donations (`+donationColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, nullText(d.DonorID), d.DonorName, strings.ToLower(d.DonorEmail), d.AmountMinor, d.Currency,
		string(d.Method), string(d.Status), d.Note, d.CreatedAt.UTC(), nullTime(d.CompletedAt))
	return err
}

// Get loads one donation.
func (r *PGRepository) Get(ctx context.Context, id string) (Donation, error) {
	return scanDonation(r.pool.QueryRow(ctx, `SELECT `+donationColumns+` FROM donations WHERE id = $1`, id))
}

// List returns a page of donations, newest first.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Donation, int, error) {
	where := []string{"TRUE"}
	args := []any{}
	if filter.DonorID != "" {
		args = append(args, filter.DonorID)
		where = append(where, fmt.Sprintf("donor_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM donations WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM donations WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		donationColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out, err := collect(rows)
	return out, total, err
}

// Transition locks the row and moves it out of pending.
func (r *PGRepository) Transition(ctx context.Context, id string, status Status, at time.Time) (Donation, error) {
	var updated Donation
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := scanDonation(tx.QueryRow(ctx, `SELECT `+donationColumns+` FROM donations WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if current.Status != StatusPending {
			return ErrNotPending
		}
		var completedAt *time.Time
		if status == StatusCompleted {
			t := at.UTC()
			completedAt = &t
		}
		updated, err = scanDonation(tx.QueryRow(ctx, `UPDATE donations SET status = $2, completed_at = $3 WHERE id = $1
RETURNING `+donationColumns, id, string(status), nullTime(completedAt)))
		return err
	})
	return updated, err
}

// Completed returns every completed donation in currency.
func (r *PGRepository) Completed(ctx context.Context, currency string) ([]Donation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+donationColumns+` FROM donations WHERE status = 'completed' AND currency = $1`, currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Donation, error) {
	var out []Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDonation(row pgx.Row) (Donation, error) {
	var (
		d           Donation
		donorID     pgtype.Text
		method      string
		status      string
		completedAt pgtype.Timestamptz
	)
	err := row.Scan(&d.ID, &donorID, &d.DonorName, &d.DonorEmail, &d.AmountMinor, &d.Currency, &method, &status, &d.Note, &d.CreatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Donation{}, ErrNotFound
	}
	if err != nil {
		return Donation{}, err
	}
	d.DonorID = donorID.String
	d.Method = Method(method)
	d.Status = Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return d, nil
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

var _ Repository = (*PGRepository)(nil)
