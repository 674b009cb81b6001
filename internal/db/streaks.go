package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const streakColumns = `
	id, member_id, location_id, current_count, last_absence_date, last_present_date,
	notified, notified_date, created_at, updated_at
`

// ApplyMark stores mark for its (member, session) pair and lets fn mutate the
// (member, location) streak, all inside one transaction. The streak row is
// created lazily and locked FOR UPDATE, which serializes concurrent marks for
// the same member and location. previous is the status stored earlier for the
// same session, or "" when this is the first mark for it.
func (r *Repository) ApplyMark(
	ctx context.Context,
	mark AttendanceMark,
	fn func(previous MarkStatus, streak *AbsenceStreak) error,
) (*AbsenceStreak, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO absence_streaks (id, member_id, location_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (member_id, location_id) DO NOTHING
	`, uuid.New(), mark.MemberID, mark.LocationID)
	if err != nil {
		return nil, fmt.Errorf("ensure streak: %w", err)
	}

	streak, err := scanStreak(tx.QueryRow(ctx,
		`SELECT `+streakColumns+` FROM absence_streaks WHERE member_id = $1 AND location_id = $2 FOR UPDATE`,
		mark.MemberID, mark.LocationID,
	))
	if err != nil {
		return nil, fmt.Errorf("lock streak: %w", err)
	}

	var prev string
	err = tx.QueryRow(ctx,
		`SELECT status FROM attendance_marks WHERE member_id = $1 AND session_id = $2`,
		mark.MemberID, mark.SessionID,
	).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query previous mark: %w", err)
	}

	if err := fn(MarkStatus(prev), streak); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO attendance_marks (member_id, session_id, location_id, status, mark_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (member_id, session_id)
		DO UPDATE SET location_id = EXCLUDED.location_id, status = EXCLUDED.status,
			mark_date = EXCLUDED.mark_date, updated_at = NOW()
	`, mark.MemberID, mark.SessionID, mark.LocationID, string(mark.Status), mark.MarkDate)
	if err != nil {
		return nil, fmt.Errorf("upsert attendance mark: %w", err)
	}

	err = tx.QueryRow(ctx, `
		UPDATE absence_streaks
		SET current_count = $2, last_absence_date = $3, last_present_date = $4,
			notified = $5, notified_date = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`,
		streak.ID,
		streak.Count,
		streak.LastAbsenceDate,
		streak.LastPresentDate,
		streak.Notified,
		streak.NotifiedDate,
	).Scan(&streak.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update streak: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("attendance mark applied",
		zap.String("member_id", mark.MemberID.String()),
		zap.String("session_id", mark.SessionID.String()),
		zap.String("location_id", mark.LocationID.String()),
		zap.String("status", string(mark.Status)),
		zap.String("previous", prev),
		zap.Int("count", streak.Count),
	)

	return streak, nil
}

// SetStreakNotified flips the notification flag of a streak to true. It only
// succeeds while the streak is still counting absences and not yet notified,
// so a reset that raced with the send is never overwritten.
func (r *Repository) SetStreakNotified(ctx context.Context, id uuid.UUID, date time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE absence_streaks
		SET notified = TRUE, notified_date = $2, updated_at = NOW()
		WHERE id = $1 AND current_count > 0 AND NOT notified
	`, id, date)
	if err != nil {
		return fmt.Errorf("set streak notified: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("streak %s: %w", id, ErrStateConflict)
	}

	return nil
}

// GetStreak retrieves the streak for a member at a tracking location.
func (r *Repository) GetStreak(ctx context.Context, memberID, locationID uuid.UUID) (*AbsenceStreak, error) {
	streak, err := scanStreak(r.db.Pool().QueryRow(ctx,
		`SELECT `+streakColumns+` FROM absence_streaks WHERE member_id = $1 AND location_id = $2`,
		memberID, locationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("streak for member %s: %w", memberID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return streak, nil
}

// ListStreaks lists streaks at a location with at least minCount consecutive
// absences, longest first.
func (r *Repository) ListStreaks(ctx context.Context, locationID uuid.UUID, minCount, limit, offset int) ([]*AbsenceStreak, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+streakColumns+`
		FROM absence_streaks
		WHERE location_id = $1 AND current_count >= $2
		ORDER BY current_count DESC, last_absence_date DESC NULLS LAST
		LIMIT $3 OFFSET $4
	`, locationID, minCount, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query streaks: %w", err)
	}
	defer rows.Close()

	var streaks []*AbsenceStreak
	for rows.Next() {
		s, err := scanStreak(rows)
		if err != nil {
			return nil, err
		}
		streaks = append(streaks, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streaks: %w", err)
	}

	return streaks, nil
}

func scanStreak(row pgx.Row) (*AbsenceStreak, error) {
	var s AbsenceStreak
	err := row.Scan(
		&s.ID,
		&s.MemberID,
		&s.LocationID,
		&s.Count,
		&s.LastAbsenceDate,
		&s.LastPresentDate,
		&s.Notified,
		&s.NotifiedDate,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan streak: %w", err)
	}
	return &s, nil
}
