package model

import "time"

// ConnectionAttempt is immutable once completed: it records one connect
// try for one Connection. Owned by the Connection it belongs
// to; bounded history (cap N ≤ 100) lives on the Connection, not here.
type ConnectionAttempt struct {
	AttemptID       string
	Protocol        Protocol
	Kind            ConnectionKind
	StartTime       time.Time
	EndTime         time.Time
	Success         bool
	Error           string
	ResponseTimeMs  int64
}

// Completed reports whether EndTime has been set.
func (a ConnectionAttempt) Completed() bool {
	return !a.EndTime.IsZero()
}
