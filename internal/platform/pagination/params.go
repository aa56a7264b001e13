package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits limit.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps the supported limit to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

// Params bundles the offset pagination values extracted from a request.
type Params struct {
	Page     int
	PageSize int
	Status   string
}

// Options control how Parse behaves for a given handler layer.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	AllowedStatuses []string
}

var (
	ErrInvalidPage     = errors.New("pagination: invalid page")
	ErrInvalidPageSize = errors.New("pagination: invalid limit")
	ErrInvalidStatus   = errors.New("pagination: invalid status")
)

// FromRequest parses the supported query parameters from the supplied request.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse consumes the provided query values and returns the normalised Params representation.
// Pages are one-based but any integer is accepted; pages before the first or past the
// final one resolve to an empty result at the store, not a client error. An out-of-range
// limit is clamped rather than rejected so stale clients keep working after the cap changes.
func Parse(values url.Values, opts Options) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	page, err := parsePage(values.Get("page"))
	if err != nil {
		return Params{}, err
	}

	pageSize, err := parsePageSize(values.Get("limit"), opts)
	if err != nil {
		return Params{}, err
	}

	status, err := parseStatus(values.Get("status"), opts.AllowedStatuses)
	if err != nil {
		return Params{}, err
	}

	return Params{Page: page, PageSize: pageSize, Status: status}, nil
}

func parsePage(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 1, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPage)
	}
	return value, nil
}

func parsePageSize(raw string, opts Options) (int, error) {
	maxPageSize := opts.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}

	defaultPageSize := opts.DefaultPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = DefaultPageSize
	}
	if defaultPageSize > maxPageSize {
		defaultPageSize = maxPageSize
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultPageSize, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if value <= 0 {
		return defaultPageSize, nil
	}
	if value > maxPageSize {
		return maxPageSize, nil
	}
	return value, nil
}

func parseStatus(raw string, allowed []string) (string, error) {
	status := strings.ToLower(strings.TrimSpace(raw))
	if status == "" {
		return "", nil
	}
	if len(allowed) == 0 {
		return status, nil
	}
	for _, candidate := range allowed {
		if strings.EqualFold(candidate, status) {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported status %q", ErrInvalidStatus, status)
}
