package store

import "errors"

var (
	// ErrCatalogWrite wraps any storage failure during a mutation; the
	// mutation was rolled back.
	ErrCatalogWrite = errors.New("catalog_write_failed")

	// ErrNotFound indicates the referenced game does not exist
	ErrNotFound = errors.New("not_found")

	// ErrInvalidGame indicates a record is missing a required field
	ErrInvalidGame = errors.New("invalid_game")
)

func isSentinel(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidGame) || errors.Is(err, ErrCatalogWrite)
}
