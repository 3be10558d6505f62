package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Cursor marks the last item of a page by its ingest sequence and ID.
type Cursor struct {
	Sequence int64
	LastID   string
}

// PageResult represents a paginated result set
type PageResult[T any] struct {
	Items   []T    `json:"items"`
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"has_more"`
}

var (
	ErrInvalidCursor = errors.New("invalid cursor format")
)

// ClampLimit maps a requested page size into [1, MaxLimit], with 0 meaning DefaultLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// EncodeCursor creates an opaque cursor from the last item's sequence and ID
func EncodeCursor(sequence int64, lastID string) string {
	if lastID == "" {
		return ""
	}
	raw := strconv.FormatInt(sequence, 10) + "|" + lastID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor decodes a cursor. An empty cursor decodes to nil.
func DecodeCursor(cursor string) (*Cursor, error) {
	if cursor == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, ErrInvalidCursor
	}

	seq, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	return &Cursor{Sequence: seq, LastID: parts[1]}, nil
}

// after reports whether (sequence, id) sorts strictly after the cursor.
func (c *Cursor) after(sequence int64, id string) bool {
	if sequence != c.Sequence {
		return sequence > c.Sequence
	}
	return id > c.LastID
}

// Paginate returns the page of items following cursor. items must already be sorted by key
// ascending.
func Paginate[T any](items []T, cursor string, limit int, key func(T) (int64, string)) (*PageResult[T], error) {
	c, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)

	start := 0
	if c != nil {
		start = len(items)
		for i, item := range items {
			if seq, id := key(item); c.after(seq, id) {
				start = i
				break
			}
		}
	}

	rest := items[start:]
	page := &PageResult[T]{Items: rest, HasMore: len(rest) > limit}
	if page.HasMore {
		page.Items = rest[:limit]
		seq, id := key(page.Items[limit-1])
		page.Cursor = EncodeCursor(seq, id)
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	return page, nil
}
