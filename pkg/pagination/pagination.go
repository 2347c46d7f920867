package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// DefaultLimit is the page size used when none is configured
	DefaultLimit = 50

	// MaxLimit is the largest page size accepted
	MaxLimit = 200
)

var (
	// ErrInvalidLimit is returned when the page size is out of range
	ErrInvalidLimit = errors.New("pagination limit must be greater than 0 and less than or equal to MaxLimit")

	// ErrInvalidCursor is returned when a cursor does not decode or no
	// longer matches the listed table
	ErrInvalidCursor = errors.New("invalid pagination cursor")
)

type cursor struct {
	Offset     int    `json:"o"`
	Generation uint64 `json:"g"`
}

// EncodeCursor renders an opaque cursor for offset within generation.
func EncodeCursor(offset int, generation uint64) string {
	data, _ := json.Marshal(cursor{Offset: offset, Generation: generation})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a cursor issued for generation and returns its offset.
// An empty cursor is offset zero.
func DecodeCursor(s string, generation uint64) (int, error) {
	if s == "" {
		return 0, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.Offset < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrInvalidCursor)
	}
	if c.Generation != generation {
		return 0, fmt.Errorf("%w: issued for generation %d, current is %d", ErrInvalidCursor, c.Generation, generation)
	}
	return c.Offset, nil
}

// ValidateLimit checks a configured page size. Zero disables paging.
func ValidateLimit(limit int) error {
	if limit < 0 || limit > MaxLimit {
		return fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	return nil
}

// Page is one slice of a listed table.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// Paginate returns the page of items starting at cursor. A limit of zero
// or less returns everything and rejects any non-empty cursor that does not
// point at the start.
func Paginate[T any](items []T, cur string, limit int, generation uint64) (Page[T], error) {
	offset, err := DecodeCursor(cur, generation)
	if err != nil {
		return Page[T]{}, err
	}
	if offset > len(items) {
		return Page[T]{}, fmt.Errorf("%w: offset %d beyond %d items", ErrInvalidCursor, offset, len(items))
	}

	if limit <= 0 {
		if offset != 0 {
			return Page[T]{}, fmt.Errorf("%w: paging is disabled", ErrInvalidCursor)
		}
		return Page[T]{Items: items}, nil
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	end := offset + limit
	if end >= len(items) {
		return Page[T]{Items: items[offset:]}, nil
	}
	return Page[T]{Items: items[offset:end], NextCursor: EncodeCursor(end, generation)}, nil
}
