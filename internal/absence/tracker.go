package absence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/db"
	"github.com/lalithlochan/flock/internal/dispatch"
	"github.com/lalithlochan/flock/internal/metrics"
)

var (
	// ErrInvalidStatus is returned for marks outside present/apology/absent.
	ErrInvalidStatus = errors.New("invalid attendance status")
	// ErrInvalidSession is returned for sessions with an unknown level.
	ErrInvalidSession = errors.New("invalid session")
)

// Store is the persistence the tracker needs. *db.Repository implements it.
type Store interface {
	ApplyMark(ctx context.Context, mark db.AttendanceMark, fn func(previous db.MarkStatus, streak *db.AbsenceStreak) error) (*db.AbsenceStreak, error)
	SetStreakNotified(ctx context.Context, id uuid.UUID, date time.Time) error
	GetMember(ctx context.Context, id uuid.UUID) (*db.Member, error)
	GetChurchName(ctx context.Context, id uuid.UUID) (string, error)
}

// Dispatcher sends one follow-up. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*db.DeliveryRecord, error)
}

// Config holds tracker settings.
type Config struct {
	Threshold int
	// FallbackChurchName is used in messages when a church has no name on record.
	FallbackChurchName string
}

// Tracker applies attendance marks to absence streaks and sends the
// follow-up when a streak crosses the threshold.
type Tracker struct {
	store      Store
	dispatcher Dispatcher
	config     Config
	logger     *zap.Logger
}

func NewTracker(store Store, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Tracker {
	if cfg.Threshold < 1 {
		cfg.Threshold = DefaultThreshold
	}
	return &Tracker{
		store:      store,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
	}
}

// MarkInput is a mark as reported by the attendance workflow.
type MarkInput struct {
	MemberID uuid.UUID     `json:"member_id"`
	Session  Session       `json:"session"`
	Date     time.Time     `json:"date"`
	Status   db.MarkStatus `json:"status"`
}

// Result is what MarkAttendance did.
type Result struct {
	Decision   Decision          `json:"-"`
	Tracked    bool              `json:"tracked"`
	LocationID uuid.UUID         `json:"location_id,omitempty"`
	Streak     *db.AbsenceStreak `json:"streak,omitempty"`
	// Notified is true when a follow-up was sent and the streak flagged.
	Notified bool `json:"notified"`
}

// MarkAttendance resolves the tracking location for in, applies the mark and,
// when the decision is ShouldNotify, sends the follow-up. Follow-up failures
// are logged and never fail the mark.
func (t *Tracker) MarkAttendance(ctx context.Context, in MarkInput) (*Result, error) {
	if !in.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, in.Status)
	}
	if !in.Session.Level.Valid() {
		return nil, fmt.Errorf("%w: level %q", ErrInvalidSession, in.Session.Level)
	}

	member, err := t.store.GetMember(ctx, in.MemberID)
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}

	locationID, ok := TrackingLocation(in.Session, member)
	if !ok {
		t.logger.Info("mark not tracked, no tracking location",
			zap.String("member_id", in.MemberID.String()),
			zap.String("session_id", in.Session.ID.String()),
			zap.String("level", string(in.Session.Level)),
		)
		return &Result{Decision: NoAction}, nil
	}

	mark := db.AttendanceMark{
		MemberID:   in.MemberID,
		SessionID:  in.Session.ID,
		LocationID: locationID,
		Status:     in.Status,
		MarkDate:   in.Date,
	}

	decision, streak, err := t.RecordMark(ctx, mark)
	if err != nil {
		return nil, err
	}

	res := &Result{Decision: decision, Tracked: true, LocationID: locationID, Streak: streak}
	if decision == ShouldNotify {
		res.Notified = t.notify(ctx, member, streak, mark.MarkDate)
	}
	return res, nil
}

// RecordMark applies mark to its (member, location) streak and returns the decision.
func (t *Tracker) RecordMark(ctx context.Context, mark db.AttendanceMark) (Decision, *db.AbsenceStreak, error) {
	if !mark.Status.Valid() {
		return NoAction, nil, fmt.Errorf("%w: %q", ErrInvalidStatus, mark.Status)
	}

	var decision Decision
	streak, err := t.store.ApplyMark(ctx, mark, func(previous db.MarkStatus, s *db.AbsenceStreak) error {
		decision = Apply(s, previous, mark.Status, mark.MarkDate, t.config.Threshold)
		return nil
	})
	if err != nil {
		return NoAction, nil, fmt.Errorf("apply mark: %w", err)
	}

	metrics.RecordMark(string(mark.Status), decision.String())

	t.logger.Debug("attendance mark recorded",
		zap.String("member_id", mark.MemberID.String()),
		zap.String("location_id", mark.LocationID.String()),
		zap.String("status", string(mark.Status)),
		zap.Int("count", streak.Count),
		zap.Stringer("decision", decision),
	)

	return decision, streak, nil
}

// notify sends the follow-up and flags the streak only once the dispatcher
// reports Sent. It reports whether the streak was flagged.
func (t *Tracker) notify(ctx context.Context, member *db.Member, streak *db.AbsenceStreak, date time.Time) bool {
	log := t.logger.With(
		zap.String("member_id", member.ID.String()),
		zap.String("streak_id", streak.ID.String()),
		zap.Int("count", streak.Count),
	)

	churchName := t.config.FallbackChurchName
	if name, err := t.store.GetChurchName(ctx, streak.LocationID); err == nil && name != "" {
		churchName = name
	} else if err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Warn("failed to look up church name", zap.Error(err))
	}

	msg, ok := BuildFollowUp(member, churchName, streak.Count)
	if !ok {
		log.Warn("cannot send absence follow-up, member has no address")
		metrics.RecordAbsenceNotification("none", "no_address")
		return false
	}

	rec, err := t.dispatcher.Dispatch(ctx, dispatch.Request{
		Address: msg.Address,
		Name:    member.FullName(),
		Subject: msg.Subject,
		Body:    msg.Body,
		Channel: msg.Channel,
	})
	if err != nil {
		log.Error("absence follow-up not recorded", zap.Error(err))
	}
	if rec == nil || rec.Status != db.DeliverySent {
		if rec != nil {
			log.Warn("absence follow-up failed", zap.String("error", rec.Error))
		}
		metrics.RecordAbsenceNotification(msg.Channel, db.DeliveryFailed)
		return false
	}

	if err := t.store.SetStreakNotified(ctx, streak.ID, date); err != nil {
		log.Error("failed to flag streak as notified", zap.Error(err))
		metrics.RecordAbsenceNotification(msg.Channel, "flag_failed")
		return false
	}

	streak.Notified = true
	streak.NotifiedDate = &date
	metrics.RecordAbsenceNotification(msg.Channel, db.DeliverySent)

	log.Info("absence follow-up sent",
		zap.String("channel", msg.Channel),
		zap.String("delivery_id", rec.ID.String()),
	)
	return true
}
