// Package absence keeps per-member absence streaks and decides when a
// follow-up message is due.
package absence

import (
	"time"

	"github.com/lalithlochan/flock/internal/db"
)

// DefaultThreshold is the streak length that triggers a follow-up.
const DefaultThreshold = 3

// Decision is the outcome of applying one attendance mark.
type Decision int

const (
	NoAction Decision = iota
	ShouldNotify
)

func (d Decision) String() string {
	if d == ShouldNotify {
		return "should_notify"
	}
	return "no_action"
}

// Apply moves streak from the previously stored status of a session to next.
// previous is "" when the session had no mark yet. Re-applying the stored
// status changes nothing, so a saved-twice mark is never double counted, and
// a corrected mark applies the transition from what was stored before.
func Apply(streak *db.AbsenceStreak, previous, next db.MarkStatus, date time.Time, threshold int) Decision {
	if previous == next {
		return NoAction
	}

	switch next {
	case db.MarkPresent:
		streak.Count = 0
		streak.Notified = false
		streak.LastPresentDate = &date
		return NoAction

	case db.MarkApology:
		// Excused, not attended: the streak resets but last_present stays.
		streak.Count = 0
		streak.Notified = false
		return NoAction

	case db.MarkAbsent:
		streak.Count++
		streak.LastAbsenceDate = &date
		if streak.Count >= threshold && !streak.Notified {
			return ShouldNotify
		}
		return NoAction
	}

	return NoAction
}
