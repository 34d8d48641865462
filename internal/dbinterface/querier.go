// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dbinterface holds the query seams between the stores and the
// database wrapper, so neither imports the other.
package dbinterface

import (
	"context"
	"database/sql"
)

// Querier is what a store needs to run statements. Implemented by
// *sql.DB, *sql.Tx, and *database.DB.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxBeginner extends Querier for stores that replace whole row sets in a
// transaction. Implemented by *sql.DB and *database.DB.
type TxBeginner interface {
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
