// Package repository persists jobs, rows, attempts, environments, and users
// in Postgres. All repositories speak plain SQL through database/sql.
package repository

import (
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInUse is returned when a delete is blocked by referencing records.
	ErrInUse = errors.New("record is referenced by other records")
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// identityJSON marshals identity elements for a jsonb column, passing SQL
// NULL for nil input so the column stays NULL instead of holding a JSON null.
func identityJSON(elements []string) (interface{}, error) {
	if elements == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(elements)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}
