package routes

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record matches the requested id.
	ErrNotFound = errors.New("route not found")
	// ErrNoRoutes means the source document parsed but no route card matched.
	ErrNoRoutes = errors.New("no route cards matched")
	// ErrInvalidFilter wraps rejected query parameters.
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrMissingName marks a record that must never reach a store.
	ErrMissingName = errors.New("route name is required")
)

// FetchError reports that the source could not be fetched or parsed. A sync
// that fails with a FetchError has not written anything.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err as a FetchError for url.
func NewFetchError(url string, err error) error {
	return &FetchError{URL: url, Err: err}
}

// IsFetchError reports whether err carries a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
