// Package domain lifecycle.go holds the admission decision for a download
// attempt. Stores apply Evaluate inside their own atomic step; nothing here
// performs I/O.
package domain

import "time"

// Outcome is the result of a download attempt.
type Outcome uint8

// Download attempt outcomes.
const (
	Admitted Outcome = iota + 1
	Expired
	LimitReached
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Expired:
		return "expired"
	case LimitReached:
		return "limit_reached"
	default:
		return "unknown"
	}
}

// Transition is the state a record must move to after a download attempt.
// Changed is false when the persisted state must be left untouched.
type Transition struct {
	Outcome       Outcome
	DownloadCount int
	Status        Status
	Changed       bool
}

// Err maps a rejected outcome to its sentinel error; Admitted yields nil.
func (t Transition) Err() error {
	switch t.Outcome {
	case Expired:
		return ErrLinkExpired
	case LimitReached:
		return ErrDownloadLimitReached
	default:
		return nil
	}
}

// Evaluate decides a download attempt against rec observed at now. The
// branches are ordered: a terminal status wins, then time expiry, then the
// counter. Only the admit branch advances DownloadCount, by exactly one.
func Evaluate(rec ShareRecord, now time.Time) Transition {
	t := Transition{DownloadCount: rec.DownloadCount, Status: rec.Status}
	switch {
	case rec.Status == StatusExpired:
		// An exhausted link keeps reporting the limit; anything else is expiry.
		t.Outcome = Expired
		if rec.DownloadCount >= rec.MaxDownloads && !rec.ExpiredAt(now) {
			t.Outcome = LimitReached
		}
	case rec.ExpiredAt(now):
		t.Outcome, t.Status, t.Changed = Expired, StatusExpired, true
	case rec.DownloadCount >= rec.MaxDownloads:
		t.Outcome, t.Status, t.Changed = LimitReached, StatusExpired, true
	default:
		t.Outcome, t.Changed = Admitted, true
		t.DownloadCount = rec.DownloadCount + 1
		if t.DownloadCount >= rec.MaxDownloads {
			t.Status = StatusExpired
		}
	}
	return t
}

// Apply returns rec with the transition's counter and status written in.
func (t Transition) Apply(rec ShareRecord, now time.Time) ShareRecord {
	if !t.Changed {
		return rec
	}
	rec.DownloadCount = t.DownloadCount
	rec.Status = t.Status
	rec.UpdatedAt = now
	return rec
}

// Admission is what a store reports back from its atomic admit step: the
// outcome and the record as persisted afterwards.
type Admission struct {
	Outcome Outcome
	Record  ShareRecord
}

// Err maps the admission outcome to its sentinel error.
func (a Admission) Err() error {
	return Transition{Outcome: a.Outcome}.Err()
}
