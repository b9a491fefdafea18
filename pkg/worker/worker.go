// Package worker runs the periodic background jobs: library re-scans, feed
// refreshes, resume-store cleanup, and sync tombstone GC.
package worker

import (
	"context"
	"time"

	"github.com/DrTomLLC/StoryStream/pkg/config"
	"github.com/DrTomLLC/StoryStream/pkg/download"
	"github.com/DrTomLLC/StoryStream/pkg/importer"
	"github.com/DrTomLLC/StoryStream/pkg/sync"
	"github.com/google/uuid"
	"github.com/robinjoseph08/golib/logger"
)

type jobType string

const (
	jobScan          jobType = "scan"
	jobFeedRefresh   jobType = "feed_refresh"
	jobResumeCleanup jobType = "resume_cleanup"
	jobTombstoneGC   jobType = "tombstone_gc"
)

const resumeRecordMaxAge = 14 * 24 * time.Hour

type Worker struct {
	config *config.Config
	log    logger.Logger

	importer   *importer.Importer
	syncEngine *sync.Engine
	downloads  *download.Manager
	store      *download.ResumeStore

	processFuncs map[jobType]func(ctx context.Context) error

	queue          chan jobType
	shutdown       chan struct{}
	doneScheduling chan struct{}
	doneProcessing chan struct{}
}

func New(cfg *config.Config, imp *importer.Importer, engine *sync.Engine, downloads *download.Manager, store *download.ResumeStore) *Worker {
	w := &Worker{
		config:     cfg,
		log:        logger.New(),
		importer:   imp,
		syncEngine: engine,
		downloads:  downloads,
		store:      store,

		queue:          make(chan jobType, cfg.Worker.Processes),
		shutdown:       make(chan struct{}),
		doneScheduling: make(chan struct{}),
		doneProcessing: make(chan struct{}, cfg.Worker.Processes),
	}

	w.processFuncs = map[jobType]func(ctx context.Context) error{
		jobScan:          w.ProcessScanJob,
		jobFeedRefresh:   w.ProcessFeedRefreshJob,
		jobResumeCleanup: w.ProcessResumeCleanupJob,
		jobTombstoneGC:   w.ProcessTombstoneGCJob,
	}

	return w
}

func (w *Worker) Start() {
	go w.scheduleJobs()
	for i := 0; i < w.config.Worker.Processes; i++ {
		go w.processJobs()
	}
}

func (w *Worker) Shutdown() {
	close(w.shutdown)
	<-w.doneScheduling
	for i := 0; i < w.config.Worker.Processes; i++ {
		<-w.doneProcessing
	}
}

func (w *Worker) scheduleJobs() {
	scanInterval := w.config.Library.ScanInterval
	if scanInterval <= 0 {
		scanInterval = time.Hour
	}
	feedCheck := w.config.Worker.FeedCheck
	if feedCheck <= 0 {
		feedCheck = 6 * time.Hour
	}

	scanTicker := time.NewTicker(scanInterval)
	feedTicker := time.NewTicker(feedCheck)
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer scanTicker.Stop()
	defer feedTicker.Stop()
	defer cleanupTicker.Stop()

	// A fresh boot reconciles the library before the first tick.
	if len(w.config.Library.Paths) > 0 {
		w.enqueue(jobScan)
	}

	for {
		select {
		case <-w.shutdown:
			// We're shutting down, so stop adding more jobs to the queue.
			w.doneScheduling <- struct{}{}
			return
		case <-scanTicker.C:
			w.enqueue(jobScan)
		case <-feedTicker.C:
			w.enqueue(jobFeedRefresh)
		case <-cleanupTicker.C:
			w.enqueue(jobResumeCleanup)
			w.enqueue(jobTombstoneGC)
		}
	}
}

func (w *Worker) enqueue(typ jobType) {
	select {
	case w.queue <- typ:
	default:
		w.log.Warn("job queue full, dropping job", logger.Data{"type": string(typ)})
	}
}

func (w *Worker) processJobs() {
	for {
		select {
		case <-w.shutdown:
			w.doneProcessing <- struct{}{}
			return
		case typ := <-w.queue:
			id, err := uuid.NewRandom()
			if err != nil {
				w.log.Err(err).Error("new uuid error")
				continue
			}
			log := w.log.ID(id.String()).Root(logger.Data{"job_type": string(typ)})
			ctx := log.WithContext(context.Background())

			fn, ok := w.processFuncs[typ]
			if !ok {
				log.Error("can't find process function for type")
				continue
			}
			log.Info("processing job")
			if err := fn(ctx); err != nil {
				log.Err(err).Error("process error")
				continue
			}
			log.Info("finished job")
		}
	}
}

// ProcessScanJob re-imports every configured library root, skipping files
// that fail or already exist.
func (w *Worker) ProcessScanJob(ctx context.Context) error {
	log := logger.FromContext(ctx)

	for _, root := range w.config.Library.Paths {
		imported, err := w.importer.ImportDirectory(ctx, root, importer.Options{
			ExtractCover: true,
			SkipOnError:  true,
		})
		if err != nil {
			log.Err(err).Error("library scan failed", logger.Data{"root": root})
			continue
		}
		log.Info("library scan finished", logger.Data{"root": root, "imported": len(imported)})
	}
	return nil
}

// ProcessResumeCleanupJob prunes stale resume records.
func (w *Worker) ProcessResumeCleanupJob(ctx context.Context) error {
	log := logger.FromContext(ctx)
	removed, err := w.store.CleanupOlderThan(resumeRecordMaxAge)
	if err != nil {
		return err
	}
	if removed > 0 {
		log.Info("pruned resume records", logger.Data{"count": removed})
	}
	return nil
}

// ProcessTombstoneGCJob reclaims tombstoned books past the TTL.
func (w *Worker) ProcessTombstoneGCJob(ctx context.Context) error {
	log := logger.FromContext(ctx)
	removed, err := w.syncEngine.TombstoneGC(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		log.Info("reclaimed tombstones", logger.Data{"count": removed})
	}
	return nil
}
