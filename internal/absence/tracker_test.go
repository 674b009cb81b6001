package absence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/db"
	"github.com/lalithlochan/flock/internal/dispatch"
)

type streakKey struct{ member, location uuid.UUID }
type markKey struct{ member, session uuid.UUID }

type fakeStore struct {
	mu        sync.Mutex
	members   map[uuid.UUID]*db.Member
	churches  map[uuid.UUID]string
	streaks   map[streakKey]*db.AbsenceStreak
	marks     map[markKey]db.MarkStatus
	notifyErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members:  make(map[uuid.UUID]*db.Member),
		churches: make(map[uuid.UUID]string),
		streaks:  make(map[streakKey]*db.AbsenceStreak),
		marks:    make(map[markKey]db.MarkStatus),
	}
}

func (f *fakeStore) ApplyMark(ctx context.Context, mark db.AttendanceMark, fn func(db.MarkStatus, *db.AbsenceStreak) error) (*db.AbsenceStreak, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := streakKey{mark.MemberID, mark.LocationID}
	s, ok := f.streaks[k]
	if !ok {
		s = &db.AbsenceStreak{ID: uuid.New(), MemberID: mark.MemberID, LocationID: mark.LocationID}
		f.streaks[k] = s
	}
	work := *s
	if err := fn(f.marks[markKey{mark.MemberID, mark.SessionID}], &work); err != nil {
		return nil, err
	}
	*s = work
	f.marks[markKey{mark.MemberID, mark.SessionID}] = mark.Status
	out := *s
	return &out, nil
}

func (f *fakeStore) SetStreakNotified(ctx context.Context, id uuid.UUID, date time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notifyErr != nil {
		return f.notifyErr
	}
	for _, s := range f.streaks {
		if s.ID == id {
			if s.Count == 0 || s.Notified {
				return db.ErrStateConflict
			}
			s.Notified = true
			s.NotifiedDate = &date
			return nil
		}
	}
	return db.ErrNotFound
}

func (f *fakeStore) GetMember(ctx context.Context, id uuid.UUID) (*db.Member, error) {
	m, ok := f.members[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) GetChurchName(ctx context.Context, id uuid.UUID) (string, error) {
	name, ok := f.churches[id]
	if !ok {
		return "", db.ErrNotFound
	}
	return name, nil
}

func (f *fakeStore) streak(member, location uuid.UUID) *db.AbsenceStreak {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streaks[streakKey{member, location}]
}

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []dispatch.Request
	fail     bool
	err      error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (*db.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	rec := &db.DeliveryRecord{ID: uuid.New(), Address: req.Address, Channel: req.Channel, Status: db.DeliverySent}
	if f.fail {
		rec.Status, rec.Error = db.DeliveryFailed, "smtp timeout"
	}
	return rec, f.err
}

type fixture struct {
	store      *fakeStore
	dispatcher *fakeDispatcher
	tracker    *Tracker
	member     *db.Member
	church     uuid.UUID
}

func newFixture() *fixture {
	store := newFakeStore()
	church := uuid.New()
	store.churches[church] = "Ruwe Central"
	member := &db.Member{ID: uuid.New(), FirstName: "Mary", LastName: "Atieno", Email: "mary@example.com", HomeChurchID: &church, MembershipStatus: db.MemberActive}
	store.members[member.ID] = member

	d := &fakeDispatcher{}
	return &fixture{
		store:      store,
		dispatcher: d,
		tracker:    NewTracker(store, d, Config{Threshold: 3, FallbackChurchName: "Our Church"}, zap.NewNop()),
		member:     member,
		church:     church,
	}
}

func (fx *fixture) mark(t *testing.T, session uuid.UUID, date time.Time, status db.MarkStatus) *Result {
	t.Helper()
	res, err := fx.tracker.MarkAttendance(context.Background(), MarkInput{
		MemberID: fx.member.ID,
		Session:  Session{ID: session, Level: LevelChurch, ChurchID: &fx.church},
		Date:     date,
		Status:   status,
	})
	if err != nil {
		t.Fatalf("MarkAttendance(%s) error = %v", status, err)
	}
	return res
}

func TestMarkAttendance_EndToEnd(t *testing.T) {
	fx := newFixture()

	var results []*Result
	for i := 0; i < 3; i++ {
		results = append(results, fx.mark(t, uuid.New(), day(i), db.MarkAbsent))
	}
	for i, res := range results[:2] {
		if res.Decision != NoAction {
			t.Errorf("mark %d decision = %s, want no_action", i+1, res.Decision)
		}
	}
	if results[2].Decision != ShouldNotify || !results[2].Notified {
		t.Fatalf("third mark = %s notified=%v, want should_notify/true", results[2].Decision, results[2].Notified)
	}

	s := fx.store.streak(fx.member.ID, fx.church)
	if !s.Notified || s.NotifiedDate == nil || !s.NotifiedDate.Equal(day(2)) {
		t.Fatalf("streak notified=%v date=%v, want true/%v", s.Notified, s.NotifiedDate, day(2))
	}
	if len(fx.dispatcher.requests) != 1 || fx.dispatcher.requests[0].Channel != db.ChannelEmail {
		t.Fatalf("dispatches = %+v", fx.dispatcher.requests)
	}
	if fx.dispatcher.requests[0].CampaignID != nil {
		t.Error("follow-ups are not campaign deliveries")
	}

	if res := fx.mark(t, uuid.New(), day(3), db.MarkAbsent); res.Decision != NoAction {
		t.Errorf("fourth absence decision = %s, want no_action", res.Decision)
	}

	fx.mark(t, uuid.New(), day(4), db.MarkPresent)
	s = fx.store.streak(fx.member.ID, fx.church)
	if s.Count != 0 || s.Notified {
		t.Errorf("after present count=%d notified=%v, want 0/false", s.Count, s.Notified)
	}
}

func TestMarkAttendance_FailedDispatchLeavesFlagUnset(t *testing.T) {
	fx := newFixture()
	fx.dispatcher.fail = true

	for i := 0; i < 3; i++ {
		fx.mark(t, uuid.New(), day(i), db.MarkAbsent)
	}
	if s := fx.store.streak(fx.member.ID, fx.church); s.Notified {
		t.Fatal("flag must stay false after a failed follow-up")
	}

	fx.dispatcher.fail = false
	res := fx.mark(t, uuid.New(), day(3), db.MarkAbsent)
	if res.Decision != ShouldNotify || !res.Notified {
		t.Errorf("next absence = %s notified=%v, want a new attempt", res.Decision, res.Notified)
	}
}

func TestMarkAttendance_DispatchErrorIsSwallowed(t *testing.T) {
	fx := newFixture()
	fx.dispatcher.err = errors.New("database unavailable")
	fx.dispatcher.fail = true

	for i := 0; i < 3; i++ {
		fx.mark(t, uuid.New(), day(i), db.MarkAbsent)
	}
	if s := fx.store.streak(fx.member.ID, fx.church); s.Count != 3 || s.Notified {
		t.Errorf("count=%d notified=%v", s.Count, s.Notified)
	}
}

func TestMarkAttendance_SameMarkTwice(t *testing.T) {
	fx := newFixture()
	session := uuid.New()

	fx.mark(t, session, day(0), db.MarkAbsent)
	fx.mark(t, session, day(0), db.MarkAbsent)

	if s := fx.store.streak(fx.member.ID, fx.church); s.Count != 1 {
		t.Errorf("count = %d, want 1 after saving the same mark twice", s.Count)
	}
}

func TestMarkAttendance_CorrectionResets(t *testing.T) {
	fx := newFixture()
	s1, s2 := uuid.New(), uuid.New()

	fx.mark(t, s1, day(0), db.MarkAbsent)
	fx.mark(t, s2, day(1), db.MarkAbsent)
	fx.mark(t, s2, day(1), db.MarkPresent)

	if s := fx.store.streak(fx.member.ID, fx.church); s.Count != 0 {
		t.Errorf("count = %d, want 0 after correcting to present", s.Count)
	}
}

func TestMarkAttendance_HigherLevelSessionRollsUp(t *testing.T) {
	fx := newFixture()
	other := uuid.New()

	res, err := fx.tracker.MarkAttendance(context.Background(), MarkInput{
		MemberID: fx.member.ID,
		Session:  Session{ID: uuid.New(), Level: LevelDiocese, ChurchID: &other},
		Date:     day(0),
		Status:   db.MarkAbsent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.LocationID != fx.church {
		t.Errorf("location = %s, want home church %s", res.LocationID, fx.church)
	}
}

func TestMarkAttendance_Untracked(t *testing.T) {
	fx := newFixture()
	fx.member.HomeChurchID = nil

	res, err := fx.tracker.MarkAttendance(context.Background(), MarkInput{
		MemberID: fx.member.ID,
		Session:  Session{ID: uuid.New(), Level: LevelDean},
		Date:     day(0),
		Status:   db.MarkAbsent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Tracked || res.Decision != NoAction {
		t.Errorf("result = %+v, want untracked", res)
	}
}

func TestMarkAttendance_Validation(t *testing.T) {
	fx := newFixture()

	_, err := fx.tracker.MarkAttendance(context.Background(), MarkInput{MemberID: fx.member.ID, Session: Session{Level: LevelChurch}, Status: "late"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("error = %v, want ErrInvalidStatus", err)
	}

	_, err = fx.tracker.MarkAttendance(context.Background(), MarkInput{MemberID: fx.member.ID, Session: Session{Level: "synod"}, Status: db.MarkAbsent})
	if !errors.Is(err, ErrInvalidSession) {
		t.Errorf("error = %v, want ErrInvalidSession", err)
	}

	_, err = fx.tracker.MarkAttendance(context.Background(), MarkInput{MemberID: uuid.New(), Session: Session{Level: LevelDean}, Status: db.MarkAbsent})
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("error = %v, want db.ErrNotFound", err)
	}
}

func TestMarkAttendance_NoAddressMember(t *testing.T) {
	fx := newFixture()
	fx.member.Email = ""

	var last *Result
	for i := 0; i < 3; i++ {
		last = fx.mark(t, uuid.New(), day(i), db.MarkAbsent)
	}
	if last.Decision != ShouldNotify || last.Notified {
		t.Errorf("decision=%s notified=%v, want should_notify without a send", last.Decision, last.Notified)
	}
	if len(fx.dispatcher.requests) != 0 {
		t.Error("no dispatch expected for a member without addresses")
	}
}

func TestMarkAttendance_ConcurrentMarksSerialize(t *testing.T) {
	fx := newFixture()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = fx.tracker.MarkAttendance(context.Background(), MarkInput{
				MemberID: fx.member.ID,
				Session:  Session{ID: uuid.New(), Level: LevelChurch, ChurchID: &fx.church},
				Date:     day(i),
				Status:   db.MarkAbsent,
			})
		}(i)
	}
	wg.Wait()

	s := fx.store.streak(fx.member.ID, fx.church)
	if s.Count != 20 {
		t.Errorf("count = %d, want 20", s.Count)
	}
	if !s.Notified || len(fx.dispatcher.requests) == 0 {
		t.Errorf("notified=%v follow-ups=%d, want a flagged streak", s.Notified, len(fx.dispatcher.requests))
	}
}
