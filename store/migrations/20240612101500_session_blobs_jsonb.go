package migrations

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upBlobsJSONB, downBlobsJSONB)
}

// Early deployments stored the session sub-documents as TEXT. JSONB lets the
// backend validate payloads on write and index into them later.
func upBlobsJSONB(ctx context.Context, tx *sql.Tx) error {
	for _, column := range []string{"browser_state", "conversation_history", "preferences", "metadata", "device_info"} {
		var dataType string
		err := tx.QueryRowContext(ctx,
			"select data_type from information_schema.columns where table_name = 'sessionsync_sessions' AND column_name = $1",
			column,
		).Scan(&dataType)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// the table doesn't exist yet and will be created with the correct schema
				return nil
			}
			return err
		}
		if strings.ToLower(dataType) == "jsonb" {
			continue
		}
		if _, err = tx.ExecContext(ctx,
			"ALTER TABLE sessionsync_sessions ALTER COLUMN "+column+" TYPE JSONB USING "+column+"::JSONB"); err != nil {
			return err
		}
	}
	return nil
}

func downBlobsJSONB(ctx context.Context, tx *sql.Tx) error {
	for _, column := range []string{"browser_state", "conversation_history", "preferences", "metadata", "device_info"} {
		if _, err := tx.ExecContext(ctx,
			"ALTER TABLE IF EXISTS sessionsync_sessions ALTER COLUMN "+column+" TYPE TEXT USING "+column+"::TEXT"); err != nil {
			return err
		}
	}
	return nil
}
