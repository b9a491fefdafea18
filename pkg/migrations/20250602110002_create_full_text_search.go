package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		stmts := []string{
			`CREATE VIRTUAL TABLE books_fts USING fts5(
				title, author, narrator, series, description, tags,
				content='books', content_rowid='rowid'
			)`,
			`CREATE TRIGGER books_fts_insert AFTER INSERT ON books BEGIN
				INSERT INTO books_fts(rowid, title, author, narrator, series, description, tags)
				VALUES (new.rowid, new.title, new.author, new.narrator, new.series, new.description, new.tags);
			END`,
			`CREATE TRIGGER books_fts_delete AFTER DELETE ON books BEGIN
				INSERT INTO books_fts(books_fts, rowid, title, author, narrator, series, description, tags)
				VALUES ('delete', old.rowid, old.title, old.author, old.narrator, old.series, old.description, old.tags);
			END`,
			`CREATE TRIGGER books_fts_update AFTER UPDATE ON books BEGIN
				INSERT INTO books_fts(books_fts, rowid, title, author, narrator, series, description, tags)
				VALUES ('delete', old.rowid, old.title, old.author, old.narrator, old.series, old.description, old.tags);
				INSERT INTO books_fts(rowid, title, author, narrator, series, description, tags)
				VALUES (new.rowid, new.title, new.author, new.narrator, new.series, new.description, new.tags);
			END`,
			`CREATE VIRTUAL TABLE bookmarks_fts USING fts5(
				title, note,
				content='bookmarks', content_rowid='rowid'
			)`,
			`CREATE TRIGGER bookmarks_fts_insert AFTER INSERT ON bookmarks BEGIN
				INSERT INTO bookmarks_fts(rowid, title, note) VALUES (new.rowid, new.title, new.note);
			END`,
			`CREATE TRIGGER bookmarks_fts_delete AFTER DELETE ON bookmarks BEGIN
				INSERT INTO bookmarks_fts(bookmarks_fts, rowid, title, note)
				VALUES ('delete', old.rowid, old.title, old.note);
			END`,
			`CREATE TRIGGER bookmarks_fts_update AFTER UPDATE ON bookmarks BEGIN
				INSERT INTO bookmarks_fts(bookmarks_fts, rowid, title, note)
				VALUES ('delete', old.rowid, old.title, old.note);
				INSERT INTO bookmarks_fts(rowid, title, note) VALUES (new.rowid, new.title, new.note);
			END`,
		}
		for _, stmt := range stmts {
			if _, err := db.Exec(stmt); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	down := func(_ context.Context, db *bun.DB) error {
		stmts := []string{
			"DROP TRIGGER IF EXISTS bookmarks_fts_update",
			"DROP TRIGGER IF EXISTS bookmarks_fts_delete",
			"DROP TRIGGER IF EXISTS bookmarks_fts_insert",
			"DROP TABLE IF EXISTS bookmarks_fts",
			"DROP TRIGGER IF EXISTS books_fts_update",
			"DROP TRIGGER IF EXISTS books_fts_delete",
			"DROP TRIGGER IF EXISTS books_fts_insert",
			"DROP TABLE IF EXISTS books_fts",
		}
		for _, stmt := range stmts {
			if _, err := db.Exec(stmt); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	Migrations.MustRegister(up, down)
}
