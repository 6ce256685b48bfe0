package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/travel-routes/internal/routes"
)

// Outcomes reported by a run.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
)

// Causes classify a failed run for callers that must not echo internal
// error text.
const (
	CauseFetch    = "fetch"
	CauseStore    = "store"
	CauseTimeout  = "timeout"
	CauseCanceled = "canceled"
	CauseInternal = "internal"
)

const maxReportedErrors = 50

// Report is the aggregate result of one run.
type Report struct {
	Source       string        `json:"source"`
	Policy       Policy        `json:"policy"`
	Outcome      string        `json:"outcome"`
	Cause        string        `json:"cause,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	FinishedAt   time.Time     `json:"finishedAt"`
	Cards        int           `json:"cards"`
	Extracted    int           `json:"extracted"`
	Skipped      int           `json:"skipped"`
	Upserted     int           `json:"upserted"`
	Failed       int           `json:"failed"`
	NotAttempted int           `json:"notAttempted"`
	Errors       []RecordError `json:"errors,omitempty"`
	SnapshotURI  string        `json:"snapshotUri,omitempty"`
	// SnapshotDigest is the hex SHA-256 of the fetched page.
	SnapshotDigest string `json:"snapshotDigest,omitempty"`
}

// Duration is the wall time of the run.
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RecordError describes one failed upsert.
type RecordError struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// UpsertError reports a store failure for one record.
type UpsertError struct {
	Name string
	Err  error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("upsert %q: %v", e.Name, e.Err)
}

func (e *UpsertError) Unwrap() error {
	return e.Err
}

// Cause maps a Run error to a stable category.
func Cause(err error) string {
	var upsertErr *UpsertError
	switch {
	case err == nil:
		return ""
	case routes.IsFetchError(err):
		return CauseFetch
	case errors.Is(err, context.DeadlineExceeded):
		return CauseTimeout
	case errors.Is(err, context.Canceled):
		return CauseCanceled
	case errors.As(err, &upsertErr):
		return CauseStore
	default:
		return CauseInternal
	}
}
