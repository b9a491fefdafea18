// Package importer lands discovered audio files in the catalog. Imports are
// idempotent: re-importing the same canonical path without the overwrite
// option leaves the catalog unchanged.
package importer

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/DrTomLLC/StoryStream/pkg/books"
	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
	"github.com/DrTomLLC/StoryStream/pkg/mediafile"
	"github.com/DrTomLLC/StoryStream/pkg/models"
	"github.com/DrTomLLC/StoryStream/pkg/scanner"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// Options tune one import run.
type Options struct {
	// Title overrides the tagged title.
	Title *string
	// Author overrides the tagged author.
	Author *string
	// ExtractCover writes embedded cover art to a sidecar file next to the
	// audio file.
	ExtractCover bool
	// OverwriteExisting replaces a book already imported from the same path.
	OverwriteExisting bool
	// SkipOnError makes batch imports log failures and continue instead of
	// aborting.
	SkipOnError bool
}

type Importer struct {
	bookService *books.Service
	minFileSize int64
	log         logger.Logger
}

func New(bookService *books.Service, minFileSize int64) *Importer {
	return &Importer{
		bookService: bookService,
		minFileSize: minFileSize,
		log:         logger.New(),
	}
}

// ImportFile runs the full pipeline for one file: canonicalize, dedupe
// against the catalog, extract metadata, compose the book, and persist book
// plus chapters in one transaction with its change record.
func (imp *Importer) ImportFile(ctx context.Context, path string, opts Options) (*models.Book, error) {
	canonical, err := canonicalize(path)
	if err != nil {
		return nil, errcodes.NotFound(path)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return nil, errcodes.NotFound(path)
	}
	if !info.Mode().IsRegular() {
		return nil, errcodes.Unsupported("not a regular file")
	}
	if !mediafile.IsSupported(canonical) {
		return nil, errcodes.Unsupported(filepath.Ext(canonical))
	}

	existing, err := imp.bookService.RetrieveBook(ctx, books.RetrieveBookOptions{Filepath: &canonical})
	if err != nil && !errors.Is(err, errcodes.NotFound("Book")) {
		return nil, err
	}
	if existing != nil {
		if !opts.OverwriteExisting {
			return nil, errcodes.AlreadyExists("Book")
		}
		if err := imp.bookService.HardDeleteBook(ctx, existing.ID); err != nil {
			return nil, err
		}
	}

	meta, err := mediafile.Extract(canonical)
	if err != nil {
		return nil, err
	}

	book := imp.composeBook(canonical, info.Size(), meta, opts)

	if opts.ExtractCover && len(meta.CoverData) > 0 {
		coverPath, coverErr := writeCoverSidecar(canonical, meta.CoverData, meta.CoverMime)
		if coverErr != nil {
			imp.log.Warn("failed to write cover sidecar", logger.Data{"path": canonical, "error": coverErr.Error()})
		} else {
			book.CoverPath = &coverPath
		}
	}

	if err := imp.bookService.CreateBook(ctx, book); err != nil {
		return nil, err
	}

	imp.log.Info("imported book", logger.Data{"book_id": book.ID, "title": book.Title, "path": canonical})
	return book, nil
}

// ImportFiles imports each path. With SkipOnError the returned list holds
// only the successes; without it the first failure aborts and the prefix of
// committed imports is retained.
func (imp *Importer) ImportFiles(ctx context.Context, paths []string, opts Options) ([]*models.Book, error) {
	imported := make([]*models.Book, 0, len(paths))

	for _, path := range paths {
		book, err := imp.ImportFile(ctx, path, opts)
		if err != nil {
			if opts.SkipOnError {
				imp.log.Warn("skipping file", logger.Data{"path": path, "error": err.Error()})
				continue
			}
			return imported, errors.Wrapf(err, "failed to import %s", path)
		}
		imported = append(imported, book)
	}

	return imported, nil
}

// ImportDirectory discovers audio files under root via the scanner, then
// imports them.
func (imp *Importer) ImportDirectory(ctx context.Context, root string, opts Options) ([]*models.Book, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errcodes.NotFound(root)
	}
	if !info.IsDir() {
		return nil, errcodes.Unsupported("not a directory")
	}

	s := scanner.New(scanner.Config{
		Roots:       []string{root},
		MinFileSize: imp.minFileSize,
	})
	paths, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}

	imp.log.Info("directory scan found files", logger.Data{"root": root, "count": len(paths)})
	return imp.ImportFiles(ctx, paths, opts)
}

func (imp *Importer) composeBook(canonical string, size int64, meta *mediafile.Metadata, opts Options) *models.Book {
	book := &models.Book{
		Title:         meta.Title,
		Author:        meta.Author,
		Narrator:      meta.Narrator,
		Series:        meta.Series,
		SeriesNumber:  meta.SeriesNumber,
		Description:   meta.Description,
		Publisher:     meta.Publisher,
		PublishedDate: meta.Year,
		DurationMs:    meta.DurationMs,
		Filepath:      canonical,
		FilesizeBytes: size,
	}
	if opts.Title != nil && *opts.Title != "" {
		book.Title = *opts.Title
	}
	if opts.Author != nil && *opts.Author != "" {
		book.Author = opts.Author
	}

	for _, ch := range meta.Chapters {
		book.Chapters = append(book.Chapters, &models.Chapter{
			Title:   ch.Title,
			StartMs: ch.StartMs,
			EndMs:   ch.EndMs,
		})
	}

	return book
}

// writeCoverSidecar stores embedded cover art as <name>.cover.<ext> next to
// the audio file.
func writeCoverSidecar(audioPath string, data []byte, mime string) (string, error) {
	ext := ".jpg"
	if strings.Contains(mime, "png") {
		ext = ".png"
	}
	coverPath := audioPath + ".cover" + ext
	if err := os.WriteFile(coverPath, data, 0o644); err != nil {
		return "", errors.WithStack(err)
	}
	return coverPath, nil
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return resolved, nil
}
