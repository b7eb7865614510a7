package sqlite

import (
	"errors"

	sqlite3 "github.com/mattn/go-sqlite3"
)

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
