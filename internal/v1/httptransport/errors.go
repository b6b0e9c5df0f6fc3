package httptransport

import "fmt"

// HttpError represents a non-2xx response from the installation. The
// raw body is read when the error is built and kept unparsed; callers
// that need it retrieve it via Body().
type HttpError struct {
	Status     int
	StatusText string
	bodyFn     func() ([]byte, error)
}

func (e *HttpError) Error() string {
	return fmt.Sprintf("httptransport: %d %s", e.Status, e.StatusText)
}

// Body returns the raw response body captured when the error was built,
// or nil when none was captured.
func (e *HttpError) Body() ([]byte, error) {
	if e.bodyFn == nil {
		return nil, nil
	}
	return e.bodyFn()
}

// ValidationError is returned when a caller's request is malformed
// before it ever reaches the wire — e.g. a path that already contains a
// query string while a query map was also supplied.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "httptransport: " + e.Msg
}
