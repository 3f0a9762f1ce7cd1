// Package pagination parses and applies count/offset paging for expansion
// results.
package pagination

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// Parse reads count and offset values. Empty values take the defaults; a
// count above MaxLimit is clamped. Non-integer or negative values are errors.
func Parse(count, offset string) (Params, error) {
	p := Params{Limit: DefaultLimit}
	if s := strings.TrimSpace(count); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return Params{}, fmt.Errorf("count must be a non-negative integer, got %q", count)
		}
		p.Limit = ClampLimit(n)
	}
	if s := strings.TrimSpace(offset); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return Params{}, fmt.Errorf("offset must be a non-negative integer, got %q", offset)
		}
		p.Offset = n
	}
	return p, nil
}

// FromContext extracts pagination parameters from the query string. FHIR's
// count and offset names win over the _count and _offset search aliases.
func FromContext(c echo.Context) (Params, error) {
	count := c.QueryParam("count")
	if count == "" {
		count = c.QueryParam("_count")
	}
	offset := c.QueryParam("offset")
	if offset == "" {
		offset = c.QueryParam("_offset")
	}
	return Parse(count, offset)
}

// ClampLimit bounds n to [0, MaxLimit].
func ClampLimit(n int) int {
	switch {
	case n < 0:
		return 0
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

// Window returns items[offset:offset+limit], clipped to the slice bounds.
func Window[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}
