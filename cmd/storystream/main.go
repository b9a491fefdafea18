package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/DrTomLLC/StoryStream/pkg/books"
	"github.com/DrTomLLC/StoryStream/pkg/config"
	"github.com/DrTomLLC/StoryStream/pkg/database"
	"github.com/DrTomLLC/StoryStream/pkg/download"
	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
	"github.com/DrTomLLC/StoryStream/pkg/importer"
	"github.com/DrTomLLC/StoryStream/pkg/migrations"
	"github.com/DrTomLLC/StoryStream/pkg/scanner"
	storysync "github.com/DrTomLLC/StoryStream/pkg/sync"
	"github.com/DrTomLLC/StoryStream/pkg/version"
	"github.com/DrTomLLC/StoryStream/pkg/worker"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := logger.New()

	log.Info("starting storystream", logger.Data{"version": version.Version})

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Err(err).Fatal("data directory error")
	}

	deviceID, err := loadDeviceID(cfg.DataDir)
	if err != nil {
		log.Err(err).Fatal("device id error")
	}
	log.Info("device identity loaded", logger.Data{"device_id": deviceID})

	db, err := database.New(cfg)
	if err != nil {
		log.Err(err).Fatal("database error")
	}

	// Check that FTS5 is available before running migrations.
	err = database.CheckFTS5Support(db)
	if err != nil {
		log.Err(err).Fatal("FTS5 check failed")
	}

	group, err := migrations.BringUpToDate(ctx, db)
	if err != nil {
		log.Err(err).Fatal("migrations error")
	}
	if group.ID == 0 {
		log.Info("no new migrations to run")
	} else {
		log.Info("migrated to new group", logger.Data{"group_id": group.ID, "migration_names": group.Migrations.String()})
	}

	bookService := books.NewService(db, deviceID)

	resumeStore, err := download.NewResumeStore(cfg.DownloadStateDir())
	if err != nil {
		log.Err(err).Fatal("resume store error")
	}
	downloadManager := download.NewManager(download.Config{
		MaxConcurrent:    cfg.Download.MaxConcurrent,
		BandwidthLimit:   cfg.Download.BandwidthLimit,
		RetryMaxAttempts: cfg.Download.RetryMaxAttempts,
		ConnectTimeout:   cfg.Download.ConnectTimeout,
		HeaderTimeout:    cfg.Download.HeaderTimeout,
		ChunkTimeout:     cfg.Download.ChunkTimeout,
	}, resumeStore)
	go downloadManager.Start(ctx)
	log.Info("download manager started", logger.Data{"max_concurrent": cfg.Download.MaxConcurrent})

	syncEngine := storysync.NewEngine(db, deviceID, storysync.ParseStrategy(cfg.Sync.ConflictResolution), cfg.Sync.TombstoneTTL)

	imp := importer.New(bookService, cfg.Library.MinFileSize)

	var watcher *scanner.Scanner
	if cfg.Library.AutoScan && len(cfg.Library.Paths) > 0 {
		watcher = scanner.New(scanner.Config{
			Roots:       cfg.Library.Paths,
			MaxDepth:    cfg.Library.MaxDepth,
			MinFileSize: cfg.Library.MinFileSize,
		})
		events, err := watcher.Start()
		if err != nil {
			log.Err(err).Fatal("scanner error")
		}
		go handleScannerEvents(ctx, events, imp, bookService)
		log.Info("library watcher started", logger.Data{"roots": strings.Join(cfg.Library.Paths, ",")})
	}

	wrkr := worker.New(cfg, imp, syncEngine, downloadManager, resumeStore)
	wrkr.Start()
	log.Info("worker started")

	graceful := signals.Setup()
	<-graceful
	log.Info("starting graceful shutdown")

	cancel()

	if watcher != nil {
		watcher.Stop()
		log.Info("library watcher stopped")
	}

	wrkr.Shutdown()
	log.Info("worker shutdown")

	err = db.Close()
	if err != nil {
		log.Err(err).Error("database close error")
	}
	log.Info("database closed")
}

// handleScannerEvents turns watcher events into catalog mutations: new and
// changed files import (changed ones overwrite), removed files tombstone.
func handleScannerEvents(ctx context.Context, events <-chan scanner.Event, imp *importer.Importer, bookService *books.Service) {
	log := logger.New()

	for event := range events {
		switch event.Type {
		case scanner.EventFileAdded:
			_, err := imp.ImportFile(ctx, event.Path, importer.Options{ExtractCover: true})
			if err != nil && !errors.Is(err, errcodes.AlreadyExists("Book")) {
				log.Err(err).Error("import of discovered file failed", logger.Data{"path": event.Path})
			}
		case scanner.EventFileModified:
			_, err := imp.ImportFile(ctx, event.Path, importer.Options{ExtractCover: true, OverwriteExisting: true})
			if err != nil {
				log.Err(err).Error("re-import of changed file failed", logger.Data{"path": event.Path})
			}
		case scanner.EventFileRemoved:
			book, err := bookService.RetrieveBook(ctx, books.RetrieveBookOptions{Filepath: &event.Path})
			if err != nil {
				continue
			}
			if err := bookService.SoftDeleteBook(ctx, book.ID); err != nil {
				log.Err(err).Error("soft delete of removed file failed", logger.Data{"path": event.Path})
			}
		case scanner.EventScanError:
			log.Warn("scanner error", logger.Data{"reason": event.Reason})
		case scanner.EventScanCompleted:
			log.Info("scan completed", logger.Data{"count": event.Count})
		}
	}
}

// loadDeviceID reads or mints this replica's stable identity.
func loadDeviceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "device_id")

	data, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(data))) > 0 {
		return strings.TrimSpace(string(data)), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", errors.WithStack(err)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return "", errors.WithStack(err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", errors.WithStack(err)
	}
	return id.String(), nil
}
