package ops

import (
	"slices"
	"time"

	"github.com/gobeaver/filezoom"
)

// Progress is a snapshot of an operation's advance. Totals are zero when
// unknown.
type Progress struct {
	BytesDone    int64
	BytesTotal   int64
	EntriesDone  int
	EntriesTotal int
	Current      filezoom.Path
}

// Failure is one entry of a report's failure manifest.
type Failure struct {
	Path filezoom.Path
	Err  error
}

// Report is the account of an operation. It is final once State is
// terminal and is kept after the operation ends.
type Report struct {
	ID          string
	Kind        Kind
	State       State
	Succeeded   int
	Skipped     int
	Failed      int
	Failures    []Failure
	BytesCopied int64
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Err joins the failure manifest, or returns nil when it is empty.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f.Err)
	}
	return joinErrors(errs)
}

func (r *Report) clone() *Report {
	c := *r
	c.Failures = slices.Clone(r.Failures)
	return &c
}

// Status summarizes an operation for listings.
type Status struct {
	ID          string
	Kind        Kind
	State       State
	Progress    Progress
	SubmittedAt time.Time
}
