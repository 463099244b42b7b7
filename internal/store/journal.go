// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package store persists extension state transitions to PostgreSQL.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/tickhost/internal/ids"
)

// poolIface is the subset of *pgxpool.Pool the journal uses.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Transition is one journaled extension state change.
type Transition struct {
	ID        ulid.ULID
	Plugin    string
	Extension string
	From      string
	To        string
	Failed    bool
	At        time.Time
}

// Journal records transitions in the extension_transitions table.
type Journal struct {
	pool poolIface
}

// NewJournal wraps an open pool.
func NewJournal(pool poolIface) *Journal {
	return &Journal{pool: pool}
}

// Connect opens a pool for dsn and pings it, retrying with exponential
// backoff up to attempts times.
func Connect(ctx context.Context, dsn string, attempts uint64) (*Journal, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("JOURNAL_CONNECT_FAILED").Wrap(err)
	}

	backoff := retry.WithMaxRetries(attempts, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code("JOURNAL_CONNECT_FAILED").With("attempts", attempts).Wrap(err)
	}
	return &Journal{pool: pool}, nil
}

// Close closes the underlying pool.
func (j *Journal) Close() {
	j.pool.Close()
}

// Record inserts tr. A zero ID is replaced with a fresh ULID.
func (j *Journal) Record(ctx context.Context, tr Transition) error {
	if tr.ID.IsZero() {
		tr.ID = ids.New()
	}
	if tr.At.IsZero() {
		tr.At = time.Now()
	}

	_, err := j.pool.Exec(ctx,
		`INSERT INTO extension_transitions (id, plugin, extension, from_state, to_state, failed, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tr.ID.String(), tr.Plugin, tr.Extension, tr.From, tr.To, tr.Failed, tr.At)
	if err != nil {
		return classify(err).
			With("plugin", tr.Plugin).
			With("extension", tr.Extension).
			Wrap(err)
	}
	return nil
}

// History returns up to limit transitions for plugin, newest first.
func (j *Journal) History(ctx context.Context, plugin string, limit int) ([]Transition, error) {
	if limit <= 0 {
		return nil, oops.Code("JOURNAL_INVALID_LIMIT").With("limit", limit).Errorf("limit must be positive")
	}

	rows, err := j.pool.Query(ctx,
		`SELECT id, plugin, extension, from_state, to_state, failed, at
		 FROM extension_transitions WHERE plugin = $1 ORDER BY id DESC LIMIT $2`,
		plugin, limit)
	if err != nil {
		return nil, classify(err).With("plugin", plugin).Wrap(err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			tr Transition
			id string
		)
		if err := rows.Scan(&id, &tr.Plugin, &tr.Extension, &tr.From, &tr.To, &tr.Failed, &tr.At); err != nil {
			return nil, oops.Code("JOURNAL_SCAN_FAILED").Wrap(err)
		}
		if tr.ID, err = ulid.Parse(id); err != nil {
			return nil, oops.Code("JOURNAL_SCAN_FAILED").With("id", id).Wrap(err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("JOURNAL_QUERY_FAILED").With("plugin", plugin).Wrap(err)
	}
	return out, nil
}

func classify(err error) oops.OopsErrorBuilder {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UndefinedTable:
			return oops.Code("JOURNAL_NOT_MIGRATED").Hint("run `tickhost migrate up`")
		case pgerrcode.UniqueViolation:
			return oops.Code("JOURNAL_DUPLICATE")
		}
	}
	return oops.Code("JOURNAL_QUERY_FAILED")
}
