package server

import (
	"database/sql"
	"errors"
)

// isEmptyResult distinguishes "no rows yet" from a real failure. An empty
// channels table is a valid ready state.
func isEmptyResult(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
