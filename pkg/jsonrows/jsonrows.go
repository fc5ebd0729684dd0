// Package jsonrows decodes JSON arrays one element at a time so a single
// row with an unexpected shape does not discard the rest of a response.
package jsonrows

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error reports rows that failed to decode. It is returned together with
// the rows that decoded.
type Error struct {
	Skipped int
	First   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("skipped %d undecodable row(s): %v", e.Skipped, e.First)
}

func (e *Error) Unwrap() error { return e.First }

// Decode unmarshals each element of rows into a T. Rows that fail are left
// out and counted in the returned *Error.
func Decode[T any](rows []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(rows))
	var rerr *Error
	for i, raw := range rows {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			if rerr == nil {
				rerr = &Error{First: fmt.Errorf("row %d: %w", i, err)}
			}
			rerr.Skipped++
			continue
		}
		out = append(out, v)
	}
	if rerr != nil {
		return out, rerr
	}
	return out, nil
}

// Skipped returns the number of rows err reports as skipped, or 0.
func Skipped(err error) int {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Skipped
	}
	return 0
}
