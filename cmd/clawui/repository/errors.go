package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced by the store. Services translate them to boundary
// error shapes; no sqlite detail leaks past this package.
var (
	ErrNotFound       = errors.New("record not found")
	ErrConflict       = errors.New("conflicting record")
	ErrForeignKey     = errors.New("dangling reference")
	ErrNotInitialized = errors.New("store not initialized")
	ErrInvalid        = errors.New("invalid input")
)

// dbtx is satisfied by both *sql.DB (via db.DB) and *sql.Tx, so repository
// helpers can run inside or outside explicit transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// translate maps driver errors onto the store's error kinds
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %v", ErrForeignKey, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case strings.Contains(msg, "no such table"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	}
	return err
}
