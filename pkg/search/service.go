package search

import (
	"context"

	"github.com/DrTomLLC/StoryStream/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db}
}

// SearchBooks runs a prefix match over the books FTS index (title, author,
// narrator, series, description, tags). Tombstoned books never surface.
func (svc *Service) SearchBooks(ctx context.Context, query string, limit int) ([]*models.Book, error) {
	ftsQuery := PrefixQuery(query)
	if ftsQuery == "" {
		return []*models.Book{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	var list []*models.Book
	err := svc.db.NewSelect().
		Model(&list).
		Join("JOIN books_fts ON books_fts.rowid = b.rowid").
		Where("books_fts MATCH ?", ftsQuery).
		Where("b.deleted_at IS NULL").
		OrderExpr("books_fts.rank").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return list, nil
}

// SearchBookmarks runs a prefix match over bookmark titles and notes.
func (svc *Service) SearchBookmarks(ctx context.Context, query string, limit int) ([]*models.Bookmark, error) {
	ftsQuery := PrefixQuery(query)
	if ftsQuery == "" {
		return []*models.Bookmark{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	var list []*models.Bookmark
	err := svc.db.NewSelect().
		Model(&list).
		Join("JOIN bookmarks_fts ON bookmarks_fts.rowid = bm.rowid").
		Where("bookmarks_fts MATCH ?", ftsQuery).
		OrderExpr("bookmarks_fts.rank").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return list, nil
}
