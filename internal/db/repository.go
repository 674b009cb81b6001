package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Repository handles database operations for the attendance follow-up and
// campaign delivery core.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ListActiveMembers returns Active members matching the filter, ordered by name.
// When filter.Channel is set, members without an address on that channel are excluded.
func (r *Repository) ListActiveMembers(ctx context.Context, filter MemberFilter) ([]*Member, error) {
	query := `
		SELECT
			id, first_name, last_name, email, phone, user_group, roles,
			membership_status, home_church_id, home_pastorate_id, home_diocese_id
		FROM members
		WHERE membership_status = $1
	`
	args := []any{MemberActive}

	switch filter.Channel {
	case ChannelEmail:
		query += " AND email <> ''"
	case ChannelSMS:
		query += " AND phone <> ''"
	}

	if filter.Group != "" {
		args = append(args, filter.Group)
		query += fmt.Sprintf(" AND user_group = $%d", len(args))
	}
	if filter.Role != "" {
		args = append(args, filter.Role)
		query += fmt.Sprintf(" AND $%d = ANY(roles)", len(args))
	}
	if filter.ChurchID != nil {
		args = append(args, *filter.ChurchID)
		query += fmt.Sprintf(" AND home_church_id = $%d", len(args))
	}
	if filter.PastorateID != nil {
		args = append(args, *filter.PastorateID)
		query += fmt.Sprintf(" AND home_pastorate_id = $%d", len(args))
	}
	if filter.DioceseID != nil {
		args = append(args, *filter.DioceseID)
		query += fmt.Sprintf(" AND home_diocese_id = $%d", len(args))
	}

	query += " ORDER BY last_name, first_name"

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}

	return members, nil
}

// GetMember retrieves a member by ID regardless of membership status.
func (r *Repository) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	query := `
		SELECT
			id, first_name, last_name, email, phone, user_group, roles,
			membership_status, home_church_id, home_pastorate_id, home_diocese_id
		FROM members
		WHERE id = $1
	`

	m, err := scanMember(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("member %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return m, nil
}

func scanMember(row pgx.Row) (*Member, error) {
	var m Member
	err := row.Scan(
		&m.ID,
		&m.FirstName,
		&m.LastName,
		&m.Email,
		&m.Phone,
		&m.Group,
		&m.Roles,
		&m.MembershipStatus,
		&m.HomeChurchID,
		&m.HomePastorateID,
		&m.HomeDioceseID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan member: %w", err)
	}
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// GetChurchName returns the display name of a church.
func (r *Repository) GetChurchName(ctx context.Context, id uuid.UUID) (string, error) {
	var name string
	err := r.db.Pool().QueryRow(ctx, `SELECT name FROM churches WHERE id = $1`, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("church %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query church: %w", err)
	}
	return name, nil
}
