// Package migrations holds goose migrations for the Postgres session store.
// Importing the package registers them; Up applies anything outstanding.
package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func Up(ctx context.Context, db *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
