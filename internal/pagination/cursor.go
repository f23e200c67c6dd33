// Package pagination provides keyset cursors for newest-first listings such
// as the tenant directory. Rows are ordered by created_at descending, then id
// ascending; a cursor names the last row of the previous page.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const (
	cursorVersion = 1
	maxCursorLen  = 256
	maxIDLen      = 64
)

// Cursor is a position in a newest-first listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type wireCursor struct {
	V  int    `json:"v"`
	T  int64  `json:"t"`
	ID string `json:"id"`
}

// Encode returns the opaque form of c.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(wireCursor{V: cursorVersion, T: c.CreatedAt.UnixNano(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Admits reports whether a row sorts strictly after c, i.e. belongs on a
// later page.
func (c *Cursor) Admits(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Before(c.CreatedAt) {
		return true
	}
	return createdAt.Equal(c.CreatedAt) && id > c.ID
}

// Decode parses an opaque cursor. It returns nil, nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	if len(s) > maxCursorLen {
		return nil, ErrInvalidCursor
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var w wireCursor
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, ErrInvalidCursor
	}
	if w.V != cursorVersion || w.ID == "" || len(w.ID) > maxIDLen || w.T <= 0 {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, w.T).UTC(), ID: w.ID}, nil
}

// Page is one page of a listing.
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// Paginate trims items fetched with limit+1 rows to limit and derives the
// cursor of the next page from the last kept item.
func Paginate[T any](items []T, limit int, key func(T) Cursor) Page[T] {
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	return Page[T]{
		Items:      items,
		NextCursor: key(items[len(items)-1]).Encode(),
		HasMore:    true,
	}
}

// ParseLimit reads a page size, falling back to def when raw is empty,
// malformed or outside 1..max.
func ParseLimit(raw string, def, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}
