package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE books (
				id TEXT PRIMARY KEY,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				title TEXT NOT NULL,
				author TEXT,
				narrator TEXT,
				series TEXT,
				series_number REAL,
				language TEXT,
				description TEXT,
				publisher TEXT,
				published_date TEXT,
				isbn TEXT,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				filepath TEXT NOT NULL,
				filesize_bytes INTEGER NOT NULL DEFAULT 0,
				cover_path TEXT,
				added_at INTEGER NOT NULL,
				last_played_at INTEGER,
				play_count INTEGER NOT NULL DEFAULT 0,
				favorite INTEGER NOT NULL DEFAULT 0,
				rating INTEGER,
				tags TEXT,
				deleted_at INTEGER
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		// filepath is the uniqueness key, but only among live rows so that a
		// tombstoned book doesn't block a re-import.
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_books_filepath ON books(filepath) WHERE deleted_at IS NULL`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE chapters (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
				idx INTEGER NOT NULL,
				title TEXT NOT NULL,
				start_ms INTEGER NOT NULL,
				end_ms INTEGER NOT NULL
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`CREATE UNIQUE INDEX ux_chapters_book_idx ON chapters(book_id, idx)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE bookmarks (
				id TEXT PRIMARY KEY,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
				position_ms INTEGER NOT NULL,
				title TEXT,
				note TEXT
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`CREATE INDEX ix_bookmarks_book_id ON bookmarks(book_id)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE playback_state (
				book_id TEXT PRIMARY KEY REFERENCES books(id) ON DELETE CASCADE,
				position_ms INTEGER NOT NULL DEFAULT 0,
				speed REAL NOT NULL DEFAULT 1.0,
				pitch_correction INTEGER NOT NULL DEFAULT 1,
				volume INTEGER NOT NULL DEFAULT 100,
				playing INTEGER NOT NULL DEFAULT 0,
				eq_preset TEXT,
				sleep_remaining_ms INTEGER,
				sleep_end_of_chapter INTEGER NOT NULL DEFAULT 0,
				skip_silence INTEGER NOT NULL DEFAULT 0,
				volume_boost INTEGER NOT NULL DEFAULT 0,
				updated_at INTEGER NOT NULL
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE playlists (
				id TEXT PRIMARY KEY,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				name TEXT NOT NULL,
				smart INTEGER NOT NULL DEFAULT 0,
				criteria BLOB
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE playlist_books (
				playlist_id TEXT NOT NULL REFERENCES playlists(id) ON DELETE CASCADE,
				book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
				sequence INTEGER NOT NULL,
				PRIMARY KEY (playlist_id, book_id)
			)
		`)
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		for _, table := range []string{"playlist_books", "playlists", "playback_state", "bookmarks", "chapters", "books"} {
			if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	Migrations.MustRegister(up, down)
}
