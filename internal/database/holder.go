package database

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Holder hands out exclusive, scoped access to a Database.
type Holder struct {
	db  *Database
	sem *semaphore.Weighted
}

// NewHolder returns a holder for db.
func NewHolder(db *Database) *Holder {
	return &Holder{
		db:  db,
		sem: semaphore.NewWeighted(1),
	}
}

// Do runs fn with exclusive access to the database. The handle must not be used after fn returns.
func (h *Holder) Do(ctx context.Context, fn func(ctx context.Context, db *Database) error) error {
	err := h.sem.Acquire(ctx, 1)
	if err != nil {
		return err
	}

	defer h.sem.Release(1)

	return fn(ctx, h.db)
}

// Query runs fn with exclusive access to the database and returns its result.
func Query[T any](ctx context.Context, h *Holder, fn func(ctx context.Context, db *Database) (T, error)) (T, error) {
	var result T

	err := h.Do(ctx, func(ctx context.Context, db *Database) error {
		var err error

		result, err = fn(ctx, db)

		return err
	})

	return result, err
}
