package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE sync_changelog (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				entity_kind TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				op TEXT NOT NULL,
				timestamp_ms INTEGER NOT NULL,
				device_id TEXT NOT NULL,
				synced INTEGER NOT NULL DEFAULT 0,
				payload BLOB
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		// Conflict detection queries look records up by entity.
		_, err = db.Exec(`CREATE INDEX ix_sync_changelog_entity ON sync_changelog(entity_kind, entity_id)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`CREATE INDEX ix_sync_changelog_synced ON sync_changelog(synced)`)
		if err != nil {
			return errors.WithStack(err)
		}

		// Remote records already applied, keyed by originating device. The
		// primary key is what makes re-applying a response a no-op.
		_, err = db.Exec(`
			CREATE TABLE sync_applied (
				device_id TEXT NOT NULL,
				record_id INTEGER NOT NULL,
				applied_at INTEGER NOT NULL,
				PRIMARY KEY (device_id, record_id)
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE sync_state (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)
		`)
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		for _, table := range []string{"sync_state", "sync_applied", "sync_changelog"} {
			if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	Migrations.MustRegister(up, down)
}
