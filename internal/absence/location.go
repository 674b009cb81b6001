package absence

import (
	"github.com/google/uuid"

	"github.com/lalithlochan/flock/internal/db"
)

// SessionLevel is the hierarchy level a session was held at.
type SessionLevel string

const (
	LevelChurch    SessionLevel = "church"
	LevelPastorate SessionLevel = "pastorate"
	LevelDiocese   SessionLevel = "diocese"
	LevelDean      SessionLevel = "dean"
)

func (l SessionLevel) Valid() bool {
	switch l {
	case LevelChurch, LevelPastorate, LevelDiocese, LevelDean:
		return true
	}
	return false
}

// Session is the attendance session a mark belongs to.
type Session struct {
	ID       uuid.UUID    `json:"id"`
	Level    SessionLevel `json:"level"`
	ChurchID *uuid.UUID   `json:"church_id,omitempty"`
}

// TrackingLocation returns the church a mark counts against. Church sessions
// count at their own church. Pastorate, diocese and dean sessions roll up to
// the member's home church. ok is false when there is nowhere to count.
func TrackingLocation(s Session, m *db.Member) (uuid.UUID, bool) {
	switch s.Level {
	case LevelChurch:
		if s.ChurchID == nil {
			return uuid.Nil, false
		}
		return *s.ChurchID, true
	case LevelPastorate, LevelDiocese, LevelDean:
		if m == nil || m.HomeChurchID == nil {
			return uuid.Nil, false
		}
		return *m.HomeChurchID, true
	}
	return uuid.Nil, false
}
